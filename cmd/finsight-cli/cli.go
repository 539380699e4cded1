// Package main 是 finsightd 的命令行客户端。
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"FinSight-Agent/sdk/go/finsight"
)

// CLI 定义命令行结构。
type CLI struct {
	Addr    string        `default:"http://localhost:8080" env:"FINSIGHT_ADDR" help:"finsightd 地址"`
	APIKey  string        `name:"api-key" env:"FINSIGHT_API_KEY" help:"API Key"`
	Timeout time.Duration `default:"2m" help:"请求超时"`
	JSON    bool          `help:"输出原始 JSON"`

	Ask      AskCmd      `cmd:"" help:"向 Agent 提问"`
	Sessions SessionsCmd `cmd:"" help:"列出最近的会话摘要"`
	Session  SessionCmd  `cmd:"" help:"查看单个会话摘要"`
	Rules    RulesCmd    `cmd:"" help:"列出生效的规则"`
}

// AskCmd 发起一次文本查询。
type AskCmd struct {
	Query   []string `arg:"" help:"查询内容"`
	Session string   `short:"s" help:"会话 ID"`
	Parent  string   `help:"父会话 ID"`
}

// SessionsCmd 列出会话。
type SessionsCmd struct {
	Limit int `short:"n" default:"20" help:"条数"`
}

// SessionCmd 查看会话。
type SessionCmd struct {
	ID string `arg:"" help:"会话 ID"`
}

// RulesCmd 列出规则。
type RulesCmd struct{}

// env 是各子命令共享的运行环境。
type env struct {
	ctx    context.Context
	client *finsight.Client
	out    io.Writer
	json   bool
}

func (e *env) dump(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Run 执行查询。
func (c *AskCmd) Run(e *env) error {
	resp, err := e.client.Run(e.ctx, finsight.RunRequest{
		InputType:       "text",
		Query:           strings.Join(c.Query, " "),
		SessionID:       c.Session,
		ParentSessionID: c.Parent,
	})
	if err != nil {
		return err
	}
	if e.json {
		return e.dump(resp)
	}
	fmt.Fprintln(e.out, resp.Response)
	for _, w := range resp.Warnings {
		fmt.Fprintf(e.out, "! %s\n", w)
	}
	return nil
}

// Run 列出会话。
func (c *SessionsCmd) Run(e *env) error {
	list, err := e.client.Sessions(e.ctx, c.Limit)
	if err != nil {
		return err
	}
	if e.json {
		return e.dump(list)
	}
	for _, s := range list {
		fmt.Fprintf(e.out, "%s\t%s\t%s\n", s.SessionID, s.UpdatedAt.Format(time.DateTime), s.Summary)
	}
	return nil
}

// Run 查看会话。
func (c *SessionCmd) Run(e *env) error {
	s, err := e.client.Session(e.ctx, c.ID)
	if err != nil {
		return err
	}
	if e.json {
		return e.dump(s)
	}
	fmt.Fprintf(e.out, "%s (%d 則)\n%s\n", s.SessionID, s.MessageCount, s.Summary)
	return nil
}

// Run 列出规则。
func (c *RulesCmd) Run(e *env) error {
	version, rules, err := e.client.Rules(e.ctx)
	if err != nil {
		return err
	}
	if e.json {
		return e.dump(map[string]any{"version": version, "rules": rules})
	}
	fmt.Fprintf(e.out, "版本 %s\n", version)
	for _, r := range rules {
		fmt.Fprintf(e.out, "%s｜%s｜%s\n", r.ID, r.Name, r.Description)
	}
	return nil
}
