package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"FinSight-Agent/internal/conversation"
	"FinSight-Agent/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestChatParsesToolCalls(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"content": "",
					"tool_calls": []map[string]any{{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "tool_fmp_quote",
							"arguments": `{"symbol":"AAPL"}`,
						},
					}},
				},
			}},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	call := conversation.ToolCall{ID: "prev", Name: "tool_fmp_news", Arguments: map[string]any{"symbol": "AAPL"}}
	resp, err := client.Chat(context.Background(), llm.Request{
		Messages: []conversation.Turn{
			conversation.System("rules"),
			conversation.Human("AAPL 股價"),
			conversation.AIWithCalls("", call),
			conversation.Tool(call, conversation.ToolResult{OK: true, Source: "FMP"}),
		},
		Tools: []llm.ToolSchema{{Name: "tool_fmp_quote", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "tool_fmp_quote" {
		t.Fatalf("unexpected tool calls: %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Arguments["symbol"] != "AAPL" {
		t.Fatalf("arguments not decoded: %+v", resp.ToolCalls[0].Arguments)
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if _, ok := captured.Body["tools"]; !ok {
		t.Fatalf("tools missing in request body")
	}
	messages, _ := captured.Body["messages"].([]any)
	if len(messages) != 4 {
		t.Fatalf("expected 4 wire messages, got %d", len(messages))
	}
	toolMsg, _ := messages[3].(map[string]any)
	if toolMsg["role"] != "tool" || toolMsg["tool_call_id"] != "prev" {
		t.Fatalf("unexpected tool message: %+v", toolMsg)
	}
}

func TestChatHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	if _, err := client.Chat(context.Background(), llm.Request{Messages: []conversation.Turn{conversation.Human("hi")}}); err == nil {
		t.Fatalf("expected error when http status is not success")
	}
}
