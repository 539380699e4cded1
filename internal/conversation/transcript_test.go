package conversation

import "testing"

func TestPendingCallsTracksUnansweredRequests(t *testing.T) {
	quote := ToolCall{ID: "c1", Name: "tool_fmp_quote", Arguments: map[string]any{"symbol": "AAPL"}}
	news := ToolCall{ID: "c2", Name: "tool_fmp_news", Arguments: map[string]any{"symbol": "AAPL"}}

	tr := NewTranscript(Human("AAPL"), AIWithCalls("", quote, news))
	if got := len(tr.PendingCalls()); got != 2 {
		t.Fatalf("expected 2 pending calls, got %d", got)
	}

	tr.Append(Tool(quote, ToolResult{OK: true, Source: "FMP"}))
	pending := tr.PendingCalls()
	if len(pending) != 1 || pending[0].ID != "c2" {
		t.Fatalf("unexpected pending calls: %+v", pending)
	}

	tr.Append(Tool(news, ToolResult{OK: true, Source: "FMP"}))
	if got := len(tr.PendingCalls()); got != 0 {
		t.Fatalf("expected batch to be resolved, got %d pending", got)
	}
	if err := tr.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateRejectsOutOfOrderResults(t *testing.T) {
	a := ToolCall{ID: "a", Name: "tool_fmp_quote"}
	b := ToolCall{ID: "b", Name: "tool_fmp_news"}

	tr := NewTranscript(AIWithCalls("", a, b), Tool(b, ToolResult{OK: true}), Tool(a, ToolResult{OK: true}))
	if err := tr.Validate(); err == nil {
		t.Fatalf("expected ordering violation")
	}

	orphan := NewTranscript(Human("hi"), Tool(a, ToolResult{OK: true}))
	if err := orphan.Validate(); err == nil {
		t.Fatalf("expected orphan tool turn to be rejected")
	}
}

func TestTurnsReturnsCopy(t *testing.T) {
	tr := NewTranscript(Human("first"))
	turns := tr.Turns()
	turns[0].Content = "mutated"

	if tr.At(0).Content != "first" {
		t.Fatalf("transcript must not be mutated through Turns()")
	}
	if tr.LastFreeAIText() != "" {
		t.Fatalf("no ai text expected")
	}
	tr.Append(AI("done"))
	if tr.LastFreeAIText() != "done" {
		t.Fatalf("expected last free ai text")
	}
}

func TestToolTurnCarriesJSONContent(t *testing.T) {
	call := ToolCall{ID: "x", Name: "tool_rag_query"}
	turn := Tool(call, ToolResult{OK: false, Source: "RAG", Error: "index empty"})

	if turn.Result == nil || turn.Result.Error != "index empty" {
		t.Fatalf("result not attached: %+v", turn.Result)
	}
	if turn.Content == "" || turn.Content[0] != '{' {
		t.Fatalf("expected JSON content, got %q", turn.Content)
	}
	if turn.HasCalls() {
		t.Fatalf("tool turns never carry calls")
	}
}
