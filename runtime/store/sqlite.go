package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/corectl/diagexec/runtime"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the default durable backend for execution states.
//
// It stores one row per ExecutionState in a single-file database. Designed
// for development, single-process deployments, and as the default when no
// other backend is configured.
//
// SQLiteStore uses WAL mode for concurrent reads and a single-writer
// connection pool, the same tradeoff the teacher's SQLiteStore makes for
// workflow checkpoints.
//
// Schema:
//   - execution_states: one row per ExecutionState, JSON columns for the
//     map-shaped fields (node_states, node_outputs, variables, exec_counts,
//     executed_nodes).
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed durable
// store at path. Use ":memory:" for an ephemeral database, useful in
// tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS execution_states (
			execution_id    TEXT PRIMARY KEY,
			diagram_id      TEXT NOT NULL,
			status          TEXT NOT NULL,
			started_at      TIMESTAMP NOT NULL,
			ended_at        TIMESTAMP,
			node_states     TEXT NOT NULL,
			node_outputs    TEXT NOT NULL,
			token_input     INTEGER NOT NULL DEFAULT 0,
			token_output    INTEGER NOT NULL DEFAULT 0,
			error           TEXT,
			variables       TEXT NOT NULL,
			exec_counts     TEXT NOT NULL,
			executed_nodes  TEXT NOT NULL,
			is_active       INTEGER NOT NULL,
			degraded        INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_execution_states_status ON execution_states(status);
		CREATE INDEX IF NOT EXISTS idx_execution_states_started ON execution_states(started_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, state *runtime.ExecutionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sqlite store closed")
	}

	nodeStates, err := json.Marshal(state.NodeStates)
	if err != nil {
		return err
	}
	nodeOutputs, err := json.Marshal(state.NodeOutputs)
	if err != nil {
		return err
	}
	variables, err := json.Marshal(state.Variables)
	if err != nil {
		return err
	}
	execCounts, err := json.Marshal(state.ExecCounts)
	if err != nil {
		return err
	}
	executedNodes, err := json.Marshal(state.ExecutedNodes)
	if err != nil {
		return err
	}

	isActive := 0
	if state.IsActive {
		isActive = 1
	}
	degraded := 0
	if state.Degraded {
		degraded = 1
	}

	const upsert = `
		INSERT INTO execution_states (
			execution_id, diagram_id, status, started_at, ended_at,
			node_states, node_outputs, token_input, token_output, error,
			variables, exec_counts, executed_nodes, is_active, degraded
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			diagram_id=excluded.diagram_id, status=excluded.status,
			started_at=excluded.started_at, ended_at=excluded.ended_at,
			node_states=excluded.node_states, node_outputs=excluded.node_outputs,
			token_input=excluded.token_input, token_output=excluded.token_output,
			error=excluded.error, variables=excluded.variables,
			exec_counts=excluded.exec_counts, executed_nodes=excluded.executed_nodes,
			is_active=excluded.is_active, degraded=excluded.degraded
	`
	_, err = s.db.ExecContext(ctx, upsert,
		string(state.ID), string(state.DiagramID), string(state.Status), state.StartedAt, state.EndedAt,
		string(nodeStates), string(nodeOutputs), state.TokenUsage.Input, state.TokenUsage.Output, state.Error,
		string(variables), string(execCounts), string(executedNodes), isActive, degraded,
	)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id runtime.ExecutionID) (*runtime.ExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, diagram_id, status, started_at, ended_at,
		       node_states, node_outputs, token_input, token_output, error,
		       variables, exec_counts, executed_nodes, is_active, degraded
		FROM execution_states WHERE execution_id = ?`, string(id))

	state, err := scanExecutionState(row)
	if err == sql.ErrNoRows {
		return nil, runtime.ErrNotFound
	}
	return state, err
}

func (s *SQLiteStore) List(ctx context.Context, f ListFilter) ([]*runtime.ExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT execution_id, diagram_id, status, started_at, ended_at,
	                 node_states, node_outputs, token_input, token_output, error,
	                 variables, exec_counts, executed_nodes, is_active, degraded
	          FROM execution_states WHERE 1=1`
	var args []any
	if f.DiagramID != "" {
		query += " AND diagram_id = ?"
		args = append(args, string(f.DiagramID))
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*runtime.ExecutionState
	for rows.Next() {
		state, err := scanExecutionState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM execution_states WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// rowScanner abstracts over *sql.Row and *sql.Rows so scanExecutionState
// serves both Get and List.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecutionState(row rowScanner) (*runtime.ExecutionState, error) {
	var (
		id, diagramID, status, nodeStatesJSON, nodeOutputsJSON string
		variablesJSON, execCountsJSON, executedNodesJSON       string
		errStr                                                 sql.NullString
		startedAt                                              time.Time
		endedAt                                                sql.NullTime
		tokenInput, tokenOutput                                int
		isActive, degraded                                     int
	)

	if err := row.Scan(
		&id, &diagramID, &status, &startedAt, &endedAt,
		&nodeStatesJSON, &nodeOutputsJSON, &tokenInput, &tokenOutput, &errStr,
		&variablesJSON, &execCountsJSON, &executedNodesJSON, &isActive, &degraded,
	); err != nil {
		return nil, err
	}

	state := &runtime.ExecutionState{
		ID:         runtime.ExecutionID(id),
		DiagramID:  runtime.DiagramID(diagramID),
		Status:     runtime.ExecutionStatus(status),
		StartedAt:  startedAt,
		TokenUsage: runtime.TokenUsage{Input: tokenInput, Output: tokenOutput},
		Error:      errStr.String,
		IsActive:   isActive != 0,
		Degraded:   degraded != 0,
	}
	if endedAt.Valid {
		state.EndedAt = &endedAt.Time
	}
	if err := json.Unmarshal([]byte(nodeStatesJSON), &state.NodeStates); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(nodeOutputsJSON), &state.NodeOutputs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(variablesJSON), &state.Variables); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(execCountsJSON), &state.ExecCounts); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(executedNodesJSON), &state.ExecutedNodes); err != nil {
		return nil, err
	}
	return state, nil
}
