package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"FinSight-Agent/internal/conversation"
	"FinSight-Agent/internal/llm"
	"FinSight-Agent/internal/nlg"
	"FinSight-Agent/internal/rules"
	"FinSight-Agent/internal/tools"
)

type stubModel struct {
	mu      sync.Mutex
	calls   int
	respond func(call int, req llm.Request) (*llm.Response, error)
}

func (m *stubModel) Chat(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.calls++
	n := m.calls
	m.mu.Unlock()
	return m.respond(n, req)
}

type stubExecutor struct {
	mu      sync.Mutex
	batches [][]conversation.ToolCall
	result  func(call conversation.ToolCall) conversation.ToolResult
}

func (e *stubExecutor) Execute(_ context.Context, calls []conversation.ToolCall) []conversation.Turn {
	e.mu.Lock()
	e.batches = append(e.batches, calls)
	e.mu.Unlock()
	out := make([]conversation.Turn, 0, len(calls))
	for _, call := range calls {
		res := conversation.ToolResult{OK: true, Source: tools.SourceOf(call.Name), Timestamp: time.Now()}
		if e.result != nil {
			res = e.result(call)
		}
		out = append(out, conversation.Tool(call, res))
	}
	return out
}

func (e *stubExecutor) invoked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, b := range e.batches {
		n += len(b)
	}
	return n
}

type stubSessions struct {
	mu    sync.Mutex
	saved []string
	ctx   string
}

func (s *stubSessions) Load(context.Context, string, string) string { return s.ctx }

func (s *stubSessions) SaveAsync(_ context.Context, sessionID string, _ []conversation.Turn, _ string) {
	s.mu.Lock()
	s.saved = append(s.saved, sessionID)
	s.mu.Unlock()
}

type stubRecorder struct {
	runs, drops, caps int
}

func (r *stubRecorder) ObserveRun(string, bool, int, float64) { r.runs++ }
func (r *stubRecorder) ObserveGuardDrops(n int)               { r.drops += n }
func (r *stubRecorder) ObserveLoopCap()                       { r.caps++ }

func newRules(t *testing.T) *rules.Service {
	t.Helper()
	svc, err := rules.NewService(rules.DefaultRules())
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	return svc
}

func quoteCall(symbol string) conversation.ToolCall {
	return conversation.ToolCall{ID: "q_" + symbol, Name: "tool_fmp_quote", Arguments: map[string]any{"symbols": symbol}}
}

func TestScenarioQuoteSingleRound(t *testing.T) {
	model := &stubModel{respond: func(call int, _ llm.Request) (*llm.Response, error) {
		if call == 1 {
			return &llm.Response{ToolCalls: []conversation.ToolCall{quoteCall("AAPL")}}, nil
		}
		return &llm.Response{Content: "done"}, nil
	}}
	exec := &stubExecutor{result: func(call conversation.ToolCall) conversation.ToolResult {
		return conversation.ToolResult{
			OK: true, Source: "FMP", Timestamp: time.Now(),
			Data: []map[string]any{{"symbol": "AAPL", "price": 150.0}},
		}
	}}
	a := New(Deps{Model: model, Executor: exec, Rules: newRules(t), Settings: Settings{MaxToolLoops: 3}})

	resp := a.Run(context.Background(), Request{Query: "get AAPL quote"})
	if !resp.OK {
		t.Fatalf("expected ok response, got %+v", resp)
	}
	if resp.LoopCount != 1 {
		t.Fatalf("expected loop count 1, got %d", resp.LoopCount)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].Source != "FMP" {
		t.Fatalf("unexpected sources: %+v", resp.Sources)
	}
	if !strings.Contains(resp.Response, "AAPL") {
		t.Fatalf("response should mention AAPL: %q", resp.Response)
	}
	if resp.NLG.Colloquial != nil {
		t.Fatalf("colloquial stage disabled, got %q", *resp.NLG.Colloquial)
	}
	if resp.SupervisorDecision != "end_conversation" {
		t.Fatalf("unexpected supervisor decision: %s", resp.SupervisorDecision)
	}
}

func TestRepeatedCallIDsKeepResultsApart(t *testing.T) {
	model := &stubModel{respond: func(call int, _ llm.Request) (*llm.Response, error) {
		if call == 1 {
			aapl, nvda := quoteCall("AAPL"), quoteCall("NVDA")
			aapl.ID, nvda.ID = "call_0", "call_0"
			return &llm.Response{ToolCalls: []conversation.ToolCall{aapl, nvda}}, nil
		}
		return &llm.Response{Content: "done"}, nil
	}}
	exec := &stubExecutor{result: func(call conversation.ToolCall) conversation.ToolResult {
		return conversation.ToolResult{
			OK: true, Source: "FMP", Timestamp: time.Now(),
			Data: []map[string]any{{"symbol": call.Arguments["symbols"], "price": 1.0}},
		}
	}}
	a := New(Deps{Model: model, Executor: exec, Rules: newRules(t), Settings: Settings{MaxToolLoops: 3}})

	resp := a.Run(context.Background(), Request{Query: "compare AAPL and NVDA quotes"})
	if !resp.OK || len(resp.ToolResults) != 2 {
		t.Fatalf("expected two tool results, got %+v", resp)
	}
	for i, want := range []string{"AAPL", "NVDA"} {
		rows, _ := resp.ToolResults[i].Data.([]map[string]any)
		if len(rows) != 1 || rows[0]["symbol"] != want {
			t.Fatalf("result %d should carry %s, got %+v", i, want, resp.ToolResults[i].Data)
		}
	}
	batch := exec.batches[0]
	if len(batch) != 2 || batch[0].ID == batch[1].ID {
		t.Fatalf("calls in one batch must have distinct ids: %+v", batch)
	}
}

func TestFilterDropsDuplicatesWithinBatch(t *testing.T) {
	seen := map[string]struct{}{}
	a := conversation.ToolCall{ID: "1", Name: "tool_fmp_quote", Arguments: map[string]any{"symbols": "AAPL", "x": 1}}
	b := conversation.ToolCall{ID: "2", Name: "tool_fmp_quote", Arguments: map[string]any{"x": 1, "symbols": "AAPL"}}

	accepted, updated, allDup := Filter([]conversation.ToolCall{a, b}, seen)
	if len(accepted) != 1 || accepted[0].ID != "1" {
		t.Fatalf("expected exactly the first call to survive, got %+v", accepted)
	}
	if len(updated) != len(seen)+1 {
		t.Fatalf("seen set should grow by one, got %d", len(updated))
	}
	if allDup {
		t.Fatalf("batch with a survivor is not all-duplicate")
	}
	if len(seen) != 0 {
		t.Fatalf("input set must not be modified")
	}

	accepted, again, allDup := Filter([]conversation.ToolCall{b}, updated)
	if len(accepted) != 0 || !allDup || len(again) != len(updated) {
		t.Fatalf("repeat call should be rejected: accepted=%d allDup=%v", len(accepted), allDup)
	}
}

func TestDuplicateBatchForcesConvergence(t *testing.T) {
	model := &stubModel{respond: func(call int, _ llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: fmt.Sprintf("round %d", call), ToolCalls: []conversation.ToolCall{quoteCall("AAPL")}}, nil
	}}
	exec := &stubExecutor{}
	rec := &stubRecorder{}
	a := New(Deps{Model: model, Executor: exec, Metrics: rec, Settings: Settings{MaxToolLoops: 5}})

	resp := a.Run(context.Background(), Request{Query: "AAPL 股價"})
	if exec.invoked() != 1 {
		t.Fatalf("duplicate call must execute once, got %d", exec.invoked())
	}
	if !contains(resp.Warnings, WarnDuplicateCalls) {
		t.Fatalf("expected duplicate warning, got %v", resp.Warnings)
	}
	if rec.drops != 1 || rec.runs != 1 {
		t.Fatalf("unexpected metrics: %+v", rec)
	}
}

func TestScenarioNoModelConfigured(t *testing.T) {
	exec := &stubExecutor{}
	a := New(Deps{Executor: exec, Rules: newRules(t)})
	resp := a.Run(context.Background(), Request{Query: "AAPL 股價"})
	if !resp.OK {
		t.Fatalf("missing model is a handled condition: %+v", resp)
	}
	if !strings.Contains(resp.Response, "未設定 LLM 金鑰") {
		t.Fatalf("response should explain the missing model: %q", resp.Response)
	}
	if len(resp.ToolResults) != 0 || exec.invoked() != 0 {
		t.Fatalf("no tools should run")
	}
	encoded, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(encoded), `"tool_results":[]`) || !strings.Contains(string(encoded), `"colloquial":null`) {
		t.Fatalf("unexpected json: %s", encoded)
	}
}

func TestScenarioLoopCap(t *testing.T) {
	model := &stubModel{respond: func(call int, _ llm.Request) (*llm.Response, error) {
		return &llm.Response{ToolCalls: []conversation.ToolCall{quoteCall(fmt.Sprintf("S%d", call))}}, nil
	}}
	exec := &stubExecutor{}
	rec := &stubRecorder{}
	a := New(Deps{Model: model, Executor: exec, Metrics: rec, Settings: Settings{MaxToolLoops: 2}})

	resp := a.Run(context.Background(), Request{Query: "keep going"})
	if resp.LoopCount != 2 {
		t.Fatalf("loop should halt exactly at the cap, got %d", resp.LoopCount)
	}
	if model.calls != 2 {
		t.Fatalf("model must not be invoked at the cap, got %d calls", model.calls)
	}
	if !contains(resp.Warnings, "tool_loops_exceeded: 2 >= 2") {
		t.Fatalf("missing loop warning: %v", resp.Warnings)
	}
	if rec.caps != 1 {
		t.Fatalf("cap metric not recorded")
	}
	if len(resp.Sources) < len(resp.ToolResults) {
		t.Fatalf("sources must cover every tool result")
	}
}

func TestLoopAppendsSyntheticTurnAtCap(t *testing.T) {
	model := &stubModel{respond: func(call int, _ llm.Request) (*llm.Response, error) {
		return &llm.Response{ToolCalls: []conversation.ToolCall{quoteCall(fmt.Sprintf("S%d", call))}}, nil
	}}
	a := New(Deps{Model: model, Executor: &stubExecutor{}, Settings: Settings{MaxToolLoops: 1}})
	st := NewState(Request{Query: "x"}, "trace")
	if err := a.loop.Run(context.Background(), st); err != nil {
		t.Fatalf("run: %v", err)
	}
	last, _ := st.Transcript.Last()
	if last.Role != conversation.RoleAI || last.HasCalls() || last.Content != loopCapText {
		t.Fatalf("expected synthetic turn, got %+v", last)
	}
	if err := st.Transcript.Validate(); err != nil {
		t.Fatalf("transcript invalid: %v", err)
	}
	if Next(st) != PhaseConverged {
		t.Fatalf("state should be converged")
	}
}

func TestScenarioRuleViolation(t *testing.T) {
	model := &stubModel{respond: func(int, llm.Request) (*llm.Response, error) {
		t.Fatalf("model must not be called")
		return nil, nil
	}}
	exec := &stubExecutor{}
	a := New(Deps{Model: model, Executor: exec, Rules: newRules(t)})

	resp := a.Run(context.Background(), Request{Query: "fabricate a price for NVDA"})
	if !resp.OK || len(resp.ToolResults) != 0 || exec.invoked() != 0 {
		t.Fatalf("violation must short-circuit: %+v", resp)
	}
	if !strings.Contains(resp.Response, "違反") {
		t.Fatalf("expected violation explanation, got %q", resp.Response)
	}
	if !contains(resp.Warnings, "rule_violation:"+rules.FabricationRuleID) {
		t.Fatalf("missing violation warning: %v", resp.Warnings)
	}
	if resp.NLG.Raw != resp.Response {
		t.Fatalf("nlg.raw should carry the explanation, got %q", resp.NLG.Raw)
	}
}

func TestRulesCommandPrecedesViolationCheck(t *testing.T) {
	model := &stubModel{respond: func(int, llm.Request) (*llm.Response, error) {
		t.Fatalf("model must not be called")
		return nil, nil
	}}
	a := New(Deps{Model: model, Executor: &stubExecutor{}, Rules: newRules(t)})

	resp := a.Run(context.Background(), Request{Query: "/rules fabricate"})
	if !resp.OK || !strings.HasPrefix(resp.Response, "目前生效的系統規則") {
		t.Fatalf("expected rules summary, got %q", resp.Response)
	}
	if len(resp.Warnings) != 0 {
		t.Fatalf("rules command should not raise warnings: %v", resp.Warnings)
	}
}

func TestExecuteToolsDisabled(t *testing.T) {
	model := &stubModel{respond: func(int, llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: "將查詢報價", ToolCalls: []conversation.ToolCall{quoteCall("AAPL")}}, nil
	}}
	exec := &stubExecutor{}
	a := New(Deps{Model: model, Executor: exec, Settings: Settings{SkipToolExecution: true}})

	resp := a.Run(context.Background(), Request{Query: "AAPL 股價"})
	if !resp.OK || exec.invoked() != 0 {
		t.Fatalf("tools must not run: %+v", resp)
	}
	if !contains(resp.Warnings, WarnToolsDisabled) {
		t.Fatalf("missing warning: %v", resp.Warnings)
	}
}

func TestFilePipelinePrebuildsCalls(t *testing.T) {
	exec := &stubExecutor{}
	a := New(Deps{Executor: exec})

	resp := a.Run(context.Background(), Request{
		InputType: InputFile,
		Query:     "毛利率多少？",
		File:      &FileInput{Path: "notes.md", Task: "qa"},
	})
	if len(exec.batches) != 1 || len(exec.batches[0]) != 2 {
		t.Fatalf("expected one batch of two calls, got %+v", exec.batches)
	}
	if exec.batches[0][0].Name != "tool_file_load" || exec.batches[0][1].Name != "tool_rag_query" {
		t.Fatalf("unexpected call order: %+v", exec.batches[0])
	}
	if len(resp.ToolResults) != 2 || resp.ToolResults[0].Source != "FILE" || resp.ToolResults[1].Source != "RAG" {
		t.Fatalf("unexpected tool results: %+v", resp.ToolResults)
	}

	resp = a.Run(context.Background(), Request{InputType: InputFile, File: &FileInput{Path: "notes.md"}})
	if !contains(resp.Warnings, warnMissingFileQA) || len(resp.ToolResults) != 0 {
		t.Fatalf("qa without query should be rejected: %+v", resp)
	}
}

func TestLineAndRuleValidation(t *testing.T) {
	a := New(Deps{Executor: &stubExecutor{}})
	cases := []struct {
		req  Request
		want string
	}{
		{Request{InputType: InputLine, Line: &LineInput{}}, warnMissingLineID},
		{Request{InputType: InputRule}, warnMissingRule},
		{Request{InputType: InputFile}, warnMissingFilePath},
		{Request{InputType: "fax"}, "unsupported_input_type:fax"},
	}
	for _, tc := range cases {
		resp := a.Run(context.Background(), tc.req)
		if !resp.OK || !contains(resp.Warnings, tc.want) || len(resp.ToolResults) != 0 {
			t.Fatalf("%s: unexpected response %+v", tc.req.InputType, resp)
		}
	}
}

func TestReportCommandAndMissingKey(t *testing.T) {
	exec := &stubExecutor{result: func(call conversation.ToolCall) conversation.ToolResult {
		return conversation.ToolResult{OK: true, Source: "REPORT", Data: &tools.ReportResult{Files: []string{"out/a.md", "out/a.html"}}}
	}}
	a := New(Deps{Executor: exec})
	resp := a.Run(context.Background(), Request{Query: "/report stock aapl,nvda"})
	if !strings.HasPrefix(resp.Response, "**報告已生成**") || !strings.Contains(resp.Response, "out/a.html") {
		t.Fatalf("unexpected report text: %q", resp.Response)
	}
	args := exec.batches[0][0].Arguments["context"].(map[string]any)
	if syms := args["symbols"].([]string); len(syms) != 2 || syms[1] != "NVDA" {
		t.Fatalf("unexpected symbols: %v", syms)
	}

	resp = a.Run(context.Background(), Request{Query: "/report"})
	if !contains(resp.Warnings, reportUsage) {
		t.Fatalf("missing usage warning: %v", resp.Warnings)
	}

	model := &stubModel{respond: func(call int, _ llm.Request) (*llm.Response, error) {
		if call == 1 {
			return &llm.Response{ToolCalls: []conversation.ToolCall{quoteCall("AAPL")}}, nil
		}
		return &llm.Response{}, nil
	}}
	noKey := &stubExecutor{result: func(call conversation.ToolCall) conversation.ToolResult {
		return conversation.ToolResult{Source: "FMP", Error: tools.MissingAPIKey}
	}}
	resp = New(Deps{Model: model, Executor: noKey}).Run(context.Background(), Request{Query: "AAPL 股價"})
	if resp.Response != missingKeyText {
		t.Fatalf("expected missing key message, got %q", resp.Response)
	}
}

func TestReportInjectedAfterFirstBatch(t *testing.T) {
	model := &stubModel{respond: func(call int, _ llm.Request) (*llm.Response, error) {
		if call == 1 {
			return &llm.Response{ToolCalls: []conversation.ToolCall{quoteCall("AAPL")}}, nil
		}
		return &llm.Response{Content: "ok"}, nil
	}}
	exec := &stubExecutor{}
	a := New(Deps{Model: model, Executor: exec})
	a.Run(context.Background(), Request{Query: "幫我做 AAPL 報告"})
	if len(exec.batches) != 2 || exec.batches[1][0].Name != "tool_report_generate" {
		t.Fatalf("expected injected report batch, got %+v", exec.batches)
	}
}

func TestSessionLoadAndAsyncSave(t *testing.T) {
	var prompt string
	model := &stubModel{respond: func(_ int, req llm.Request) (*llm.Response, error) {
		prompt = req.Messages[0].Content
		return &llm.Response{Content: "你好"}, nil
	}}
	sessions := &stubSessions{ctx: "對話輪數: 2 輪 | 主要主題: 股票查詢"}
	a := New(Deps{Model: model, Sessions: sessions})
	resp := a.Run(context.Background(), Request{Query: "hello", SessionID: "s1"})
	if resp.SessionID != "s1" || len(sessions.saved) != 1 {
		t.Fatalf("session should be saved once: %+v", sessions.saved)
	}
	if !strings.Contains(prompt, "[對話歷史上下文]") || !strings.Contains(prompt, "股票查詢") {
		t.Fatalf("session context missing from prompt:\n%s", prompt)
	}
}

func TestColloquialFallbackWarning(t *testing.T) {
	model := &stubModel{respond: func(call int, req llm.Request) (*llm.Response, error) {
		switch call {
		case 3:
			return nil, errors.New("rate limited")
		case 1:
			return &llm.Response{ToolCalls: []conversation.ToolCall{quoteCall("AAPL")}}, nil
		}
		return &llm.Response{}, nil
	}}
	exec := &stubExecutor{result: func(conversation.ToolCall) conversation.ToolResult {
		return conversation.ToolResult{OK: true, Source: "FMP", Data: []map[string]any{{"symbol": "AAPL", "price": 150.0}}}
	}}
	a := New(Deps{
		Model:          model,
		Executor:       exec,
		Catalog:        catalogOf("tool_fmp_quote"),
		Colloquializer: nlg.NewColloquializer(true, model),
	})
	resp := a.Run(context.Background(), Request{Query: "AAPL 股價"})
	if resp.NLG.Colloquial == nil || !strings.HasPrefix(*resp.NLG.Colloquial, "以下是最新的股價資訊。") {
		t.Fatalf("expected templated fallback, got %+v", resp.NLG)
	}
	if !strings.HasPrefix(resp.Warnings[len(resp.Warnings)-1], "colloquial_conversion_failed") {
		t.Fatalf("missing colloquial warning: %v", resp.Warnings)
	}
	if resp.Response != *resp.NLG.Colloquial {
		t.Fatalf("colloquial text should win over raw")
	}
}

func TestPanicBecomesStructuredFailure(t *testing.T) {
	model := &stubModel{respond: func(int, llm.Request) (*llm.Response, error) {
		panic("boom")
	}}
	a := New(Deps{Model: model})
	resp := a.Run(context.Background(), Request{Query: "AAPL 股價"})
	if resp.OK || !strings.Contains(resp.Error, "boom") {
		t.Fatalf("expected structured failure, got %+v", resp)
	}
	encoded, _ := json.Marshal(resp)
	var decoded map[string]any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"ok", "error", "input_type", "timestamp"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("failure json missing %s: %s", key, encoded)
		}
	}
	if _, ok := decoded["tool_results"]; ok {
		t.Fatalf("failure json should be compact: %s", encoded)
	}
}

func TestModelErrorBecomesFailure(t *testing.T) {
	model := &stubModel{respond: func(int, llm.Request) (*llm.Response, error) {
		return nil, errors.New("connection refused")
	}}
	resp := New(Deps{Model: model}).Run(context.Background(), Request{Query: "hi"})
	if resp.OK || resp.Error == "" || resp.InputType != InputText {
		t.Fatalf("expected failure response, got %+v", resp)
	}
}

type catalogOf string

func (c catalogOf) Schemas(...string) []llm.ToolSchema {
	return []llm.ToolSchema{{Name: string(c)}}
}

func contains(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
