package knowledge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIndexQueryRanksByOverlap(t *testing.T) {
	idx := NewIndex(0)
	idx.AddDocument("a.txt", "annual", "Revenue grew strongly while margins held steady.")
	idx.AddDocument("b.txt", "risk", "營收成長放緩，毛利率下滑。")

	got := idx.Query("revenue margins", 5)
	if len(got) != 1 || got[0].Source != "a.txt" {
		t.Fatalf("unexpected results: %+v", got)
	}
	if got := idx.Query("毛利率", 5); len(got) != 1 || got[0].Source != "b.txt" {
		t.Fatalf("unexpected han results: %+v", got)
	}
	if got := idx.Query("   ", 5); got != nil {
		t.Fatalf("blank query should return nil")
	}
}

func TestAddDocumentReplacesSource(t *testing.T) {
	idx := NewIndex(10)
	if n := idx.AddDocument("a.txt", "", "0123456789abcdefghij"); n != 2 {
		t.Fatalf("expected 2 chunks, got %d", n)
	}
	idx.AddDocument("a.txt", "", "short")
	if idx.Len() != 1 {
		t.Fatalf("expected old chunks to be replaced, got %d", idx.Len())
	}
}

func TestLoadSnippets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.json")
	content := `[{"source":"kb","title":"PE","content":"本益比衡量股價相對盈餘","keywords":["pe"]}]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	items, err := LoadSnippets(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	idx := NewIndex(0)
	idx.AddSnippets(items...)
	if got := idx.Query("PE ratio", 1); len(got) != 1 {
		t.Fatalf("expected keyword hit, got %+v", got)
	}
}
