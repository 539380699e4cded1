package supervisor

import (
	"testing"

	"FinSight-Agent/internal/conversation"
)

func results(oks ...bool) []conversation.ToolResult {
	out := make([]conversation.ToolResult, 0, len(oks))
	for _, ok := range oks {
		out = append(out, conversation.ToolResult{OK: ok})
	}
	return out
}

func TestEvaluateBuckets(t *testing.T) {
	cases := []struct {
		oks  []bool
		want Bucket
		eff  string
	}{
		{[]bool{true, true, true, true, true}, BucketHigh, "good"},
		{[]bool{true, true, true, true, false}, BucketHigh, "good"},
		{[]bool{true, false}, BucketMedium, "partial"},
		{[]bool{true, false, false, false}, BucketLow, "poor"},
	}
	for _, tc := range cases {
		ev := Evaluate(results(tc.oks...))
		if ev.Quality != tc.want || ev.Effectiveness != tc.eff {
			t.Fatalf("Evaluate(%v) = %+v", tc.oks, ev)
		}
		if ev.Successful+ev.Failed != ev.Total {
			t.Fatalf("inconsistent counts: %+v", ev)
		}
	}
	if ev := Evaluate(nil); ev.Total != 0 || ev.Completeness != 0 || ev.Effectiveness != "no_tools" {
		t.Fatalf("unexpected empty evaluation: %+v", ev)
	}
}

func TestDecide(t *testing.T) {
	if d := Decide(Evaluate(results(false)), 3, 3, true); d.Action != EndConversation {
		t.Fatalf("loop cap must end conversation: %+v", d)
	}
	if d := Decide(Evaluate(nil), 0, 3, false); d.Action != EndConversation || d.Reasoning != "查詢不需要工具支援，可直接回應" {
		t.Fatalf("unexpected no-tool decision: %+v", d)
	}
	if d := Decide(Evaluate(results(true)), 1, 3, true); d.Action != EndConversation {
		t.Fatalf("sufficient data must end conversation: %+v", d)
	}
	if d := Decide(Evaluate(results(false, false)), 1, 3, true); d.Action != ContinueTools {
		t.Fatalf("insufficient data below cap should suggest more tools: %+v", d)
	}
	if d := Decide(Evaluate(nil), 0, 3, true); d.Action != EndConversation {
		t.Fatalf("default should end conversation: %+v", d)
	}
}

func TestKeywordHelpers(t *testing.T) {
	if !RequiresTools("AAPL Price today") || RequiresTools("你好") {
		t.Fatalf("unexpected RequiresTools result")
	}
	if AssessComplexity("比較 AAPL 和 MSFT") != "complex" || AssessComplexity("AAPL") != "simple" {
		t.Fatalf("unexpected complexity")
	}
	if AssessComplexity("a b c d e f g h i j k") != "medium" {
		t.Fatalf("long queries should be medium")
	}
}
