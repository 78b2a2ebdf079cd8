package store

import (
	"context"
	"sync"
	"time"

	"github.com/corectl/diagexec/runtime"
)

// MemDurable is an in-memory Durable implementation. It satisfies the
// Durable contract with no external dependency, useful for unit tests and
// for running the engine without a configured STATE_DB_PATH.
type MemDurable struct {
	mu    sync.RWMutex
	byID  map[runtime.ExecutionID]*runtime.ExecutionState
}

func NewMemDurable() *MemDurable {
	return &MemDurable{byID: make(map[runtime.ExecutionID]*runtime.ExecutionState)}
}

func (m *MemDurable) Put(_ context.Context, state *runtime.ExecutionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[state.ID] = state.Clone()
	return nil
}

func (m *MemDurable) Get(_ context.Context, id runtime.ExecutionID) (*runtime.ExecutionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, runtime.ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemDurable) List(_ context.Context, f ListFilter) ([]*runtime.ExecutionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*runtime.ExecutionState
	for _, s := range m.byID {
		if f.DiagramID != "" && s.DiagramID != f.DiagramID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		matched = append(matched, s.Clone())
	}

	if f.Offset > len(matched) {
		return nil, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (m *MemDurable) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.byID {
		if s.StartedAt.Before(cutoff) {
			delete(m.byID, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemDurable) Close() error { return nil }
