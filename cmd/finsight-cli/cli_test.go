package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli)
	if err != nil {
		t.Fatal(err)
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		t.Fatal(err)
	}
	return &cli, kctx
}

func TestDefaults(t *testing.T) {
	cli, _ := parse(t, "sessions")
	if cli.Addr != "http://localhost:8080" || cli.Sessions.Limit != 20 {
		t.Fatalf("unexpected defaults: %+v", cli)
	}
}

func TestAskJoinsQueryAndPrintsResponse(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true,"response":"NVDA 報價如下","warnings":["duplicate_tool_calls_detected"]}`))
	}))
	defer srv.Close()

	cli, kctx := parse(t, "--addr", srv.URL, "ask", "-s", "s9", "NVDA", "股價")
	var out bytes.Buffer
	if err := execute(context.Background(), kctx, cli, &out); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got["query"] != "NVDA 股價" || got["session_id"] != "s9" || got["input_type"] != "text" {
		t.Fatalf("unexpected request: %v", got)
	}
	if !strings.Contains(out.String(), "NVDA 報價如下") || !strings.Contains(out.String(), "! duplicate_tool_calls_detected") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestRulesPrintsList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"version":"2025-09","rules":[{"id":"no_fabrication","name":"禁止編造數據","description":"不可編造"}]}`))
	}))
	defer srv.Close()

	cli, kctx := parse(t, "--addr", srv.URL, "rules")
	var out bytes.Buffer
	if err := execute(context.Background(), kctx, cli, &out); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "no_fabrication｜禁止編造數據｜不可編造") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}
