package session

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore 在内存中保存会话摘要。
type MemoryStore struct {
	mu        sync.RWMutex
	summaries map[string]Summary
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{summaries: make(map[string]Summary)}
}

// SaveSummary 覆盖写入，保留首次创建时间。
func (m *MemoryStore) SaveSummary(_ context.Context, summary Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.summaries[summary.SessionID]; ok && !prev.CreatedAt.IsZero() {
		summary.CreatedAt = prev.CreatedAt
	}
	m.summaries[summary.SessionID] = summary
	return nil
}

// GetSummary 读取摘要。
func (m *MemoryStore) GetSummary(_ context.Context, sessionID string) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	summary, ok := m.summaries[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &summary, nil
}

// ListRecent 按更新时间倒序返回。
func (m *MemoryStore) ListRecent(_ context.Context, limit int) ([]Summary, error) {
	m.mu.RLock()
	out := make([]Summary, 0, len(m.summaries))
	for _, s := range m.summaries {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close 无需释放资源。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
