// Package store implements the execution runtime's StateStore: a
// per-execution cache layered over a durable backend that keeps one
// record per execution, overwritten on every save. Two
// durable backends are provided, SQLiteStore and MySQLStore, adapted from
// the teacher's graph/store package (originally Store[S]/CheckpointV2[S])
// to the dynamic ExecutionState persisted by this runtime.
package store

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/corectl/diagexec/runtime"
)

// ListFilter narrows ListExecutions.
type ListFilter struct {
	DiagramID runtime.DiagramID
	Status    runtime.ExecutionStatus
	Limit     int
	Offset    int
}

// Durable is the persistence contract a backend must satisfy: Put upserts
// the whole ExecutionState under its id.
// It knows nothing about caching, TTL, or degraded-mode bookkeeping — that
// is StateStore's job.
type Durable interface {
	Put(ctx context.Context, state *runtime.ExecutionState) error
	Get(ctx context.Context, id runtime.ExecutionID) (*runtime.ExecutionState, error)
	List(ctx context.Context, f ListFilter) ([]*runtime.ExecutionState, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

type cacheEntry struct {
	state      *runtime.ExecutionState
	mu         sync.Mutex
	lastTouch  time.Time
}

// StateStore is the per-execution cache + durable-upsert StateStore
// described in §4.3. There is no global lock across executions: each
// execution gets its own cacheEntry mutex, and the only store-wide lock
// (entries) is held just long enough to look up or create that entry.
type StateStore struct {
	durable Durable
	ttl     time.Duration

	entriesMu sync.Mutex
	entries   map[runtime.ExecutionID]*cacheEntry

	degradedMu sync.Mutex
	degraded   map[runtime.ExecutionID]bool

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewStateStore wraps durable with a per-execution cache whose entries
// expire ttl after last touch (default 1h, matching CACHE_TTL's default).
func NewStateStore(durable Durable, ttl time.Duration) *StateStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &StateStore{
		durable:  durable,
		ttl:      ttl,
		entries:  make(map[runtime.ExecutionID]*cacheEntry),
		degraded: make(map[runtime.ExecutionID]bool),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *StateStore) entryFor(id runtime.ExecutionID) *cacheEntry {
	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &cacheEntry{}
		s.entries[id] = e
	}
	return e
}

func (s *StateStore) evict(id runtime.ExecutionID) {
	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()
	delete(s.entries, id)
}

// CreateExecution initializes a fresh ExecutionState and caches it.
func (s *StateStore) CreateExecution(ctx context.Context, id runtime.ExecutionID, diagramID runtime.DiagramID, variables map[string]any) (*runtime.ExecutionState, error) {
	state := &runtime.ExecutionState{
		ID:          id,
		DiagramID:   diagramID,
		Status:      runtime.ExecPending,
		StartedAt:   time.Now(),
		NodeStates:  make(map[runtime.NodeID]runtime.NodeState),
		NodeOutputs: make(map[runtime.NodeID]runtime.SerializedEnvelope),
		Variables:   variables,
		ExecCounts:  make(map[runtime.NodeID]int),
		IsActive:    true,
	}
	if state.Variables == nil {
		state.Variables = make(map[string]any)
	}

	entry := s.entryFor(id)
	entry.mu.Lock()
	entry.state = state
	entry.lastTouch = time.Now()
	entry.mu.Unlock()

	if err := s.retryingPut(ctx, state); err != nil {
		return state, err
	}
	return state, nil
}

// GetState returns the cached state if present and fresh, else falls back
// to the durable layer. Returns runtime.ErrNotFound if absent everywhere.
func (s *StateStore) GetState(ctx context.Context, id runtime.ExecutionID) (*runtime.ExecutionState, error) {
	entry := s.entryFor(id)
	entry.mu.Lock()
	if entry.state != nil && time.Since(entry.lastTouch) < s.ttl {
		cp := entry.state.Clone()
		entry.mu.Unlock()
		return cp, nil
	}
	entry.mu.Unlock()

	state, err := s.durable.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	entry.state = state
	entry.lastTouch = time.Now()
	entry.mu.Unlock()

	return state.Clone(), nil
}

// SaveState upserts state. Active executions are mirrored in cache
// synchronously; terminal executions are flushed to the durable layer and
// evicted from cache, per §4.3's cache-TTL-on-terminal-status rule.
func (s *StateStore) SaveState(ctx context.Context, state *runtime.ExecutionState) error {
	entry := s.entryFor(state.ID)
	entry.mu.Lock()
	entry.state = state.Clone()
	entry.lastTouch = time.Now()
	entry.mu.Unlock()

	err := s.retryingPut(ctx, state)
	if !state.IsActive {
		s.evict(state.ID)
	}
	return err
}

// PersistFinalState is save_state's terminal-status counterpart: the
// durable write MUST complete (within retry/backoff) before this returns
// control, per §4.3's design rule for active-vs-terminal flushing.
func (s *StateStore) PersistFinalState(ctx context.Context, state *runtime.ExecutionState) error {
	state.IsActive = false
	return s.SaveState(ctx, state)
}

func (s *StateStore) mutate(ctx context.Context, id runtime.ExecutionID, fn func(*runtime.ExecutionState)) error {
	entry := s.entryFor(id)
	entry.mu.Lock()
	if entry.state == nil {
		loaded, err := s.durable.Get(ctx, id)
		if err != nil {
			entry.mu.Unlock()
			return err
		}
		entry.state = loaded
	}
	fn(entry.state)
	snapshot := entry.state.Clone()
	entry.lastTouch = time.Now()
	entry.mu.Unlock()

	return s.retryingPut(ctx, snapshot)
}

// UpdateNodeStatus sets node's status (and optional error) within exec.
func (s *StateStore) UpdateNodeStatus(ctx context.Context, exec runtime.ExecutionID, node runtime.NodeID, status runtime.NodeStatus, errMsg string) error {
	return s.mutate(ctx, exec, func(st *runtime.ExecutionState) {
		ns := st.NodeStates[node]
		ns.Status = status
		ns.Error = errMsg
		st.NodeStates[node] = ns
	})
}

// UpdateNodeOutput records node's latest output envelope and token usage.
func (s *StateStore) UpdateNodeOutput(ctx context.Context, exec runtime.ExecutionID, node runtime.NodeID, env runtime.Envelope, tokens *runtime.TokenUsage) error {
	se, err := runtime.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	return s.mutate(ctx, exec, func(st *runtime.ExecutionState) {
		st.NodeOutputs[node] = se
		if tokens != nil {
			ns := st.NodeStates[node]
			ns.TokenUsage = tokens
			st.NodeStates[node] = ns
		}
	})
}

// UpdateVariables merges vars into exec's execution-scope variables.
func (s *StateStore) UpdateVariables(ctx context.Context, exec runtime.ExecutionID, vars map[string]any) error {
	return s.mutate(ctx, exec, func(st *runtime.ExecutionState) {
		if st.Variables == nil {
			st.Variables = make(map[string]any, len(vars))
		}
		for k, v := range vars {
			st.Variables[k] = v
		}
	})
}

// AddTokenUsage adds tokens to exec's aggregate token usage.
func (s *StateStore) AddTokenUsage(ctx context.Context, exec runtime.ExecutionID, tokens runtime.TokenUsage) error {
	return s.mutate(ctx, exec, func(st *runtime.ExecutionState) {
		st.TokenUsage = st.TokenUsage.Add(tokens)
	})
}

// ListExecutions delegates to the durable layer; the cache is not
// consulted since it indexes by id only.
func (s *StateStore) ListExecutions(ctx context.Context, f ListFilter) ([]*runtime.ExecutionState, error) {
	return s.durable.List(ctx, f)
}

// CleanupOldStates removes durable rows older than cutoff.
func (s *StateStore) CleanupOldStates(ctx context.Context, cutoff time.Time) (int, error) {
	return s.durable.DeleteOlderThan(ctx, cutoff)
}

// retryingPut retries PersistenceError up to 3 attempts with exponential
// backoff, per §7, using the same jittered backoff curve the scheduler
// applies to retryable handler failures. On exhaustion it marks the
// execution degraded (see IsDegraded) and returns a PersistenceError. The
// scheduler ignores that error for mid-run saves and keeps running in
// memory; a failed final save increments its retry metric.
func (s *StateStore) retryingPut(ctx context.Context, state *runtime.ExecutionState) error {
	const maxAttempts = 3
	const base = 20 * time.Millisecond
	const maxDelay = 2 * time.Second

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := s.durable.Put(ctx, state); err != nil {
			lastErr = err
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.backoff(attempt, base, maxDelay)):
			}
			continue
		}
		s.clearDegraded(state.ID)
		return nil
	}

	s.markDegraded(state.ID)
	return &runtime.PersistenceError{Cause: lastErr}
}

func (s *StateStore) backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return runtime.ComputeBackoff(attempt, base, maxDelay, s.rng)
}

func (s *StateStore) markDegraded(id runtime.ExecutionID) {
	s.degradedMu.Lock()
	defer s.degradedMu.Unlock()
	s.degraded[id] = true
}

func (s *StateStore) clearDegraded(id runtime.ExecutionID) {
	s.degradedMu.Lock()
	defer s.degradedMu.Unlock()
	delete(s.degraded, id)
}

// IsDegraded reports whether the durable layer has been unreachable for id
// since the last successful write.
func (s *StateStore) IsDegraded(id runtime.ExecutionID) bool {
	s.degradedMu.Lock()
	defer s.degradedMu.Unlock()
	return s.degraded[id]
}

// Close releases the underlying durable backend's resources.
func (s *StateStore) Close() error { return s.durable.Close() }
