package api

import (
	"time"

	"FinSight-Agent/internal/tools"
)

// lineWebhook 是 LINE Messaging API webhook 的请求体中用到的部分。
type lineWebhook struct {
	Events []lineEvent `json:"events"`
}

type lineEvent struct {
	Type           string `json:"type"`
	WebhookEventID string `json:"webhookEventId"`
	Timestamp      int64  `json:"timestamp"`
	Source         struct {
		Type    string `json:"type"`
		UserID  string `json:"userId"`
		GroupID string `json:"groupId"`
		RoomID  string `json:"roomId"`
	} `json:"source"`
	Message struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"message"`
}

// messages 只保留 message 事件；群组优先作为 chat id。
func (p lineWebhook) messages() []tools.LineMessage {
	out := make([]tools.LineMessage, 0, len(p.Events))
	for _, ev := range p.Events {
		if ev.Type != "message" {
			continue
		}
		id := ev.Message.ID
		if id == "" {
			id = ev.WebhookEventID
		}
		chat := ev.Source.GroupID
		if chat == "" {
			chat = ev.Source.RoomID
		}
		out = append(out, tools.LineMessage{
			ID:        id,
			Type:      ev.Message.Type,
			Text:      ev.Message.Text,
			UserID:    ev.Source.UserID,
			ChatID:    chat,
			Timestamp: time.UnixMilli(ev.Timestamp).UTC(),
		})
	}
	return out
}
