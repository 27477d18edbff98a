package store

import (
	"context"
	"sort"
	"sync"

	"github.com/ppiankov/threatintel/internal/model"
)

// Memory is an in-process Store used for dry runs and tests
type Memory struct {
	mu   sync.Mutex
	docs map[model.Key]model.Indicator
	seq  []model.Key // Insertion order, for stable Find results
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{docs: make(map[model.Key]model.Indicator)}
}

func (m *Memory) InsertIfAbsent(ctx context.Context, doc model.Indicator) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("insert", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := doc.Key()
	if _, exists := m.docs[key]; exists {
		return AlreadyExists, nil
	}
	m.docs[key] = doc
	m.seq = append(m.seq, key)
	return Inserted, nil
}

func (m *Memory) Find(ctx context.Context, f Filter) ([]model.Indicator, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("find", err)
	}

	m.mu.Lock()
	var matched []model.Indicator
	for _, key := range m.seq {
		doc := m.docs[key]
		if f.Type != "" && doc.Type != f.Type {
			continue
		}
		if f.Severity != "" && doc.Severity != f.Severity {
			continue
		}
		matched = append(matched, doc)
	}
	m.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp > matched[j].Timestamp
	})
	if limit := f.limit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Len returns the number of stored documents
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

func (m *Memory) Ping(ctx context.Context) error  { return nil }
func (m *Memory) Close(ctx context.Context) error { return nil }
