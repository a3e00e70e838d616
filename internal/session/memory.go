package session

import (
	"context"
	"sync"
)

// MemoryStore 将会话保存在进程内存中，适用于单实例部署与测试。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Get 返回记录副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, notFound(id)
	}
	return rec.Clone(), nil
}

// Save 按版本号写入记录。
func (m *MemoryStore) Save(_ context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if existing, ok := m.records[rec.ID]; ok {
		current = existing.Version
	}
	if rec.Version != current+1 {
		return conflict(rec.ID, rec.Version, current)
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

// Len 返回会话数量。
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
