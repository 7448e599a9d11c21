package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flowforge/flowforge/graph/emit"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file SQLite-backed CoordinationStore.
//
// Designed for:
//   - Development and testing with zero setup
//   - Single-process distributed-mode runs
//   - Local workflows requiring persistence across restarts
//
// SQLiteStore uses WAL mode for concurrent reads and wraps writes in
// transactions where more than one table must change atomically.
//
// Schema:
//   - node_status: per-run node status, results and pending counters
//   - run_context: per-run key/value context
//   - run_flags: cancellation flag and final status per run
//   - checkpoints: named and automatic checkpoints
//   - idempotency_keys: duplicate checkpoint-commit prevention
//   - events_outbox: transactional event delivery
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed coordination
// store at path. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS node_status (
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			status TEXT NOT NULL,
			output TEXT,
			action TEXT,
			pending_count INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS run_context (
			run_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (run_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS run_flags (
			run_id TEXT NOT NULL PRIMARY KEY,
			cancelled INTEGER NOT NULL DEFAULT 0,
			final_status TEXT,
			final_reason TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			store_key TEXT NOT NULL PRIMARY KEY,
			run_id TEXT NOT NULL,
			label TEXT DEFAULT '',
			context_snapshot TEXT NOT NULL,
			frontier TEXT NOT NULL,
			rng_seed INTEGER NOT NULL,
			recorded_ios TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key_value TEXT NOT NULL PRIMARY KEY,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS events_outbox (
			id TEXT NOT NULL PRIMARY KEY,
			run_id TEXT NOT NULL,
			event_data TEXT NOT NULL,
			emitted_at TIMESTAMP NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_pending ON events_outbox(emitted_at, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// CASStatus implements CoordinationStore using an UPSERT guarded by the
// expected `from` status, relying on SQLite's single-writer serialization
// for atomicity.
func (s *SQLiteStore) CASStatus(ctx context.Context, runID, nodeID string, from, to NodeStatus) (bool, error) {
	if err := s.checkClosed(); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM node_status WHERE run_id = ? AND node_id = ?`, runID, nodeID,
	).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		current = string(StatusPending)
	case err != nil:
		return false, fmt.Errorf("query status: %w", err)
	}

	if NodeStatus(current) != from {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO node_status (run_id, node_id, status)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id, node_id) DO UPDATE SET status = excluded.status, updated_at = CURRENT_TIMESTAMP
	`, runID, nodeID, string(to))
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// GetStatus implements CoordinationStore.
func (s *SQLiteStore) GetStatus(ctx context.Context, runID, nodeID string) (NodeStatus, error) {
	if err := s.checkClosed(); err != nil {
		return "", err
	}

	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM node_status WHERE run_id = ? AND node_id = ?`, runID, nodeID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return StatusPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("get status: %w", err)
	}
	return NodeStatus(status), nil
}

// PutResult implements CoordinationStore.
func (s *SQLiteStore) PutResult(ctx context.Context, runID, nodeID string, result NodeResult) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	outputJSON, err := json.Marshal(result.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO node_status (run_id, node_id, status, output, action)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, node_id) DO UPDATE SET
			output = excluded.output, action = excluded.action, updated_at = CURRENT_TIMESTAMP
	`, runID, nodeID, string(StatusSucceeded), string(outputJSON), result.Action)
	if err != nil {
		return fmt.Errorf("put result: %w", err)
	}
	return nil
}

// GetResult implements CoordinationStore.
func (s *SQLiteStore) GetResult(ctx context.Context, runID, nodeID string) (NodeResult, bool, error) {
	if err := s.checkClosed(); err != nil {
		return NodeResult{}, false, err
	}

	var outputJSON, action sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT output, action FROM node_status WHERE run_id = ? AND node_id = ?`, runID, nodeID,
	).Scan(&outputJSON, &action)
	if err == sql.ErrNoRows || !outputJSON.Valid {
		return NodeResult{}, false, nil
	}
	if err != nil {
		return NodeResult{}, false, fmt.Errorf("get result: %w", err)
	}

	var output any
	if err := json.Unmarshal([]byte(outputJSON.String), &output); err != nil {
		return NodeResult{}, false, fmt.Errorf("unmarshal output: %w", err)
	}
	return NodeResult{Output: output, Action: action.String}, true, nil
}

// GetContext implements CoordinationStore.
func (s *SQLiteStore) GetContext(ctx context.Context, runID string) (map[string]any, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM run_context WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("query context: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]any)
	for rows.Next() {
		var key, valueJSON string
		if err := rows.Scan(&key, &valueJSON); err != nil {
			return nil, fmt.Errorf("scan context row: %w", err)
		}
		var value any
		if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
			return nil, fmt.Errorf("unmarshal context value: %w", err)
		}
		result[key] = value
	}
	return result, rows.Err()
}

// SetContextKey implements CoordinationStore.
func (s *SQLiteStore) SetContextKey(ctx context.Context, runID, key string, value any) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal context value: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_context (run_id, key, value)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id, key) DO UPDATE SET value = excluded.value
	`, runID, key, string(valueJSON))
	if err != nil {
		return fmt.Errorf("set context key: %w", err)
	}
	return nil
}

// SnapshotContext implements CoordinationStore.
func (s *SQLiteStore) SnapshotContext(ctx context.Context, runID string) (map[string]any, error) {
	return s.GetContext(ctx, runID)
}

// InitPending implements CoordinationStore.
func (s *SQLiteStore) InitPending(ctx context.Context, runID, nodeID string, count int) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_status (run_id, node_id, status, pending_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, node_id) DO UPDATE SET pending_count = excluded.pending_count
	`, runID, nodeID, string(StatusPending), count)
	if err != nil {
		return fmt.Errorf("init pending: %w", err)
	}
	return nil
}

// DecrementPending implements CoordinationStore.
func (s *SQLiteStore) DecrementPending(ctx context.Context, runID, nodeID string) (int, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO node_status (run_id, node_id, status, pending_count)
		VALUES (?, ?, ?, -1)
		ON CONFLICT(run_id, node_id) DO UPDATE SET pending_count = pending_count - 1
	`, runID, nodeID, string(StatusPending))
	if err != nil {
		return 0, fmt.Errorf("decrement pending: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT pending_count FROM node_status WHERE run_id = ? AND node_id = ?`, runID, nodeID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("read pending: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return count, nil
}

// SetCancelled implements CoordinationStore.
func (s *SQLiteStore) SetCancelled(ctx context.Context, runID string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_flags (run_id, cancelled) VALUES (?, 1)
		ON CONFLICT(run_id) DO UPDATE SET cancelled = 1
	`, runID)
	if err != nil {
		return fmt.Errorf("set cancelled: %w", err)
	}
	return nil
}

// IsCancelled implements CoordinationStore.
func (s *SQLiteStore) IsCancelled(ctx context.Context, runID string) (bool, error) {
	if err := s.checkClosed(); err != nil {
		return false, err
	}

	var cancelled bool
	err := s.db.QueryRowContext(ctx, `SELECT cancelled FROM run_flags WHERE run_id = ?`, runID).Scan(&cancelled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is cancelled: %w", err)
	}
	return cancelled, nil
}

// PutFinal implements CoordinationStore.
func (s *SQLiteStore) PutFinal(ctx context.Context, runID string, status RunStatus, reason string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_flags (run_id, final_status, final_reason) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET final_status = excluded.final_status, final_reason = excluded.final_reason
	`, runID, string(status), reason)
	if err != nil {
		return fmt.Errorf("put final: %w", err)
	}
	return nil
}

// GetFinal implements CoordinationStore.
func (s *SQLiteStore) GetFinal(ctx context.Context, runID string) (FinalStatus, bool, error) {
	if err := s.checkClosed(); err != nil {
		return FinalStatus{}, false, err
	}

	var status, reason sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT final_status, final_reason FROM run_flags WHERE run_id = ?`, runID).
		Scan(&status, &reason)
	if err == sql.ErrNoRows || !status.Valid {
		return FinalStatus{}, false, nil
	}
	if err != nil {
		return FinalStatus{}, false, fmt.Errorf("get final: %w", err)
	}
	return FinalStatus{Status: RunStatus(status.String), Reason: reason.String}, true, nil
}

// SaveCheckpoint implements CoordinationStore.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	snapshotJSON, err := json.Marshal(cp.ContextSnapshot)
	if err != nil {
		return fmt.Errorf("marshal context snapshot: %w", err)
	}
	frontierJSON, err := json.Marshal(cp.Frontier)
	if err != nil {
		return fmt.Errorf("marshal frontier: %w", err)
	}
	recordedIOsJSON, err := json.Marshal(cp.RecordedIOs)
	if err != nil {
		return fmt.Errorf("marshal recorded IOs: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if cp.IdempotencyKey != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO idempotency_keys (key_value) VALUES (?)`, cp.IdempotencyKey,
		); err != nil {
			return fmt.Errorf("%w: %v", ErrIdempotencyViolation, err)
		}
	}

	key := cp.RunID
	if cp.Label != "" {
		key = cp.RunID + ":" + cp.Label
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints
			(store_key, run_id, label, context_snapshot, frontier, rng_seed, recorded_ios, idempotency_key, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(store_key) DO UPDATE SET
			context_snapshot = excluded.context_snapshot,
			frontier = excluded.frontier,
			rng_seed = excluded.rng_seed,
			recorded_ios = excluded.recorded_ios,
			idempotency_key = excluded.idempotency_key,
			timestamp = excluded.timestamp
	`, key, cp.RunID, cp.Label, string(snapshotJSON), string(frontierJSON),
		cp.RNGSeed, string(recordedIOsJSON), cp.IdempotencyKey, cp.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LoadCheckpoint implements CoordinationStore. An empty label loads the
// most recently saved checkpoint row for the run.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, runID, label string) (Checkpoint, error) {
	if err := s.checkClosed(); err != nil {
		return Checkpoint{}, err
	}

	var (
		snapshotJSON, frontierJSON, recordedIOsJSON, timestampStr string
		cp                                                        Checkpoint
	)

	var row *sql.Row
	if label != "" {
		row = s.db.QueryRowContext(ctx, `
			SELECT run_id, label, context_snapshot, frontier, rng_seed, recorded_ios, idempotency_key, timestamp
			FROM checkpoints WHERE run_id = ? AND label = ?
		`, runID, label)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT run_id, label, context_snapshot, frontier, rng_seed, recorded_ios, idempotency_key, timestamp
			FROM checkpoints WHERE run_id = ? ORDER BY timestamp DESC LIMIT 1
		`, runID)
	}

	err := row.Scan(&cp.RunID, &cp.Label, &snapshotJSON, &frontierJSON, &cp.RNGSeed,
		&recordedIOsJSON, &cp.IdempotencyKey, &timestampStr)
	if err == sql.ErrNoRows {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}

	cp.Timestamp, err = time.Parse(time.RFC3339Nano, timestampStr)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("parse timestamp: %w", err)
	}
	if err := json.Unmarshal([]byte(snapshotJSON), &cp.ContextSnapshot); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal context snapshot: %w", err)
	}
	var frontier any
	if err := json.Unmarshal([]byte(frontierJSON), &frontier); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal frontier: %w", err)
	}
	cp.Frontier = frontier
	var recordedIOs any
	if err := json.Unmarshal([]byte(recordedIOsJSON), &recordedIOs); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal recorded IOs: %w", err)
	}
	cp.RecordedIOs = recordedIOs

	return cp, nil
}

// CheckIdempotency implements CoordinationStore.
func (s *SQLiteStore) CheckIdempotency(ctx context.Context, key string) (bool, error) {
	if err := s.checkClosed(); err != nil {
		return false, err
	}

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM idempotency_keys WHERE key_value = ?`, key).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check idempotency: %w", err)
	}
	return count > 0, nil
}

// PendingEvents implements CoordinationStore.
func (s *SQLiteStore) PendingEvents(ctx context.Context, limit int) ([]emit.Event, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_data FROM events_outbox WHERE emitted_at IS NULL ORDER BY created_at ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []emit.Event
	for rows.Next() {
		var eventJSON string
		if err := rows.Scan(&eventJSON); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		var e emit.Event
		if err := json.Unmarshal([]byte(eventJSON), &e); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// EnqueueEvent inserts an event into the transactional outbox. id must be
// unique (typically a uuid); it is how MarkEventsEmitted later addresses
// the row.
func (s *SQLiteStore) EnqueueEvent(ctx context.Context, id string, e emit.Event) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	eventJSON, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events_outbox (id, run_id, event_data) VALUES (?, ?, ?)`, id, e.RunID, string(eventJSON))
	if err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}
	return nil
}

// MarkEventsEmitted implements CoordinationStore.
func (s *SQLiteStore) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if len(eventIDs) == 0 {
		return nil
	}

	placeholders := ""
	args := make([]interface{}, len(eventIDs))
	for i, id := range eventIDs {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args[i] = id
	}

	// #nosec G201 -- placeholders are "?" marks only, not user input
	query := fmt.Sprintf(`UPDATE events_outbox SET emitted_at = CURRENT_TIMESTAMP WHERE id IN (%s)`, placeholders)
	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark events emitted: %w", err)
	}
	return nil
}

// Close closes the database connection. Safe to call multiple times.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}
