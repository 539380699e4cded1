package finsight

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRunSendsKeyAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/agent/run" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "k1" {
			t.Errorf("api key not sent")
		}
		var req RunRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Query != "TSLA 新聞" {
			t.Errorf("unexpected query %q", req.Query)
		}
		_, _ = w.Write([]byte(`{"ok":true,"response":"整理如下","input_type":"text","tool_results":[{"tool":"tool_fmp_news","ok":true,"source":"FMP"}],"nlg":{"raw":"整理如下","colloquial":null}}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "k1", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	resp, err := client.Run(context.Background(), RunRequest{InputType: "text", Query: "TSLA 新聞"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !resp.OK || len(resp.ToolResults) != 1 || resp.ToolResults[0].Source != "FMP" || resp.NLG.Colloquial != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRunFailureReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"ok":false,"error":"模型服務不可用","input_type":"text"}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, "", srv.Client())
	resp, err := client.Run(context.Background(), RunRequest{Query: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 500 || apiErr.Message != "模型服務不可用" {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.OK || resp.Error != "模型服務不可用" {
		t.Fatalf("failure body not decoded: %+v", resp)
	}
}

func TestSessionsAndRules(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/base/api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "5" {
			t.Errorf("limit not forwarded: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"ok":true,"sessions":[{"session_id":"s1","summary":"對話輪數: 1 輪","message_count":1}]}`))
	})
	mux.HandleFunc("/base/api/v1/sessions/s1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"session":{"session_id":"s1","message_count":1}}`))
	})
	mux.HandleFunc("/base/api/v1/rules", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"version":"builtin","rules":[{"id":"no_fabrication","name":"禁止編造數據"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, _ := NewClient(srv.URL+"/base", "", srv.Client())
	ctx := context.Background()

	list, err := client.Sessions(ctx, 5)
	if err != nil || len(list) != 1 || list[0].SessionID != "s1" {
		t.Fatalf("sessions: %+v %v", list, err)
	}
	one, err := client.Session(ctx, "s1")
	if err != nil || one.MessageCount != 1 {
		t.Fatalf("session: %+v %v", one, err)
	}
	version, rules, err := client.Rules(ctx)
	if err != nil || version != "builtin" || rules[0].ID != "no_fabrication" {
		t.Fatalf("rules: %s %+v %v", version, rules, err)
	}
}
