package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/corectl/diagexec/runtime"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is the alternative durable backend for deployments that need
// a shared store across multiple processes — something SQLite's
// single-writer model cannot offer. It implements the same Durable
// contract as SQLiteStore over the same execution_states shape, just with
// a MySQL-flavored schema and a connection pool sized for concurrent
// writers.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a connection pool against dsn (a standard
// go-sql-driver/mysql DSN, e.g. "user:pass@tcp(host:3306)/dbname") and
// ensures the execution_states table exists.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS execution_states (
			execution_id    VARCHAR(191) PRIMARY KEY,
			diagram_id      VARCHAR(191) NOT NULL,
			status          VARCHAR(32) NOT NULL,
			started_at      DATETIME(6) NOT NULL,
			ended_at        DATETIME(6) NULL,
			node_states     JSON NOT NULL,
			node_outputs    JSON NOT NULL,
			token_input     INT NOT NULL DEFAULT 0,
			token_output    INT NOT NULL DEFAULT 0,
			error           TEXT NULL,
			variables       JSON NOT NULL,
			exec_counts     JSON NOT NULL,
			executed_nodes  JSON NOT NULL,
			is_active       TINYINT NOT NULL,
			degraded        TINYINT NOT NULL DEFAULT 0,
			INDEX idx_status (status),
			INDEX idx_started_at (started_at)
		) ENGINE=InnoDB
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *MySQLStore) Put(ctx context.Context, state *runtime.ExecutionState) error {
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
		ON DUPLICATE KEY UPDATE
			diagram_id=VALUES(diagram_id), status=VALUES(status),
			started_at=VALUES(started_at), ended_at=VALUES(ended_at),
			node_states=VALUES(node_states), node_outputs=VALUES(node_outputs),
			token_input=VALUES(token_input), token_output=VALUES(token_output),
			error=VALUES(error), variables=VALUES(variables),
			exec_counts=VALUES(exec_counts), executed_nodes=VALUES(executed_nodes),
			is_active=VALUES(is_active), degraded=VALUES(degraded)
	`
	_, err = s.db.ExecContext(ctx, upsert,
		string(state.ID), string(state.DiagramID), string(state.Status), state.StartedAt, state.EndedAt,
		string(nodeStates), string(nodeOutputs), state.TokenUsage.Input, state.TokenUsage.Output, state.Error,
		string(variables), string(execCounts), string(executedNodes), isActive, degraded,
	)
	return err
}

func (s *MySQLStore) Get(ctx context.Context, id runtime.ExecutionID) (*runtime.ExecutionState, error) {
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

func (s *MySQLStore) List(ctx context.Context, f ListFilter) ([]*runtime.ExecutionState, error) {
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

func (s *MySQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM execution_states WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *MySQLStore) Close() error { return s.db.Close() }
