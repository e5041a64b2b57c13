// Package checkpoint provides SQLite-based durable persistence of
// workflow state. Every save writes the checkpoint, the denormalized
// workflow metadata row, and an audit event in one transaction.
package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/atelier-ai/atelier/pkg/models"
	"github.com/atelier-ai/atelier/pkg/wferr"
)

// DefaultListLimit caps checkpoint listings per workflow.
const DefaultListLimit = 10

// Store wraps an SQLite database with checkpoint operations.
type Store struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens the checkpoint database at the given path.
// It creates the parent directories if they don't exist.
// WAL mode is enabled for concurrent reads.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{
		conn: conn,
		path: path,
	}

	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// Path returns the path to the database file.
func (s *Store) Path() string {
	return s.path
}

// migrate applies all pending schema migrations.
func (s *Store) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Workflows},
		{2, migrationV2Checkpoints},
		{3, migrationV3AuditEvents},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Migration SQL statements
const migrationV1Workflows = `
CREATE TABLE IF NOT EXISTS workflows (
	workflow_id TEXT PRIMARY KEY,
	user_request TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'running',
	phase TEXT NOT NULL DEFAULT 'planning',
	current_agent TEXT,
	budget_used_usd REAL NOT NULL DEFAULT 0.0,
	rejection_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status);
`

const migrationV2Checkpoints = `
CREATE TABLE IF NOT EXISTS checkpoints (
	checkpoint_id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL REFERENCES workflows(workflow_id) ON DELETE CASCADE,
	state_version INTEGER NOT NULL,
	state TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE(workflow_id, state_version)
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_workflow_id ON checkpoints(workflow_id);
CREATE INDEX IF NOT EXISTS idx_checkpoints_created_at ON checkpoints(created_at);
`

const migrationV3AuditEvents = `
CREATE TABLE IF NOT EXISTS audit_events (
	event_id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL REFERENCES workflows(workflow_id) ON DELETE CASCADE,
	event_type TEXT NOT NULL,
	actor TEXT NOT NULL,
	details TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_events_workflow_id ON audit_events(workflow_id);
`

// Save persists a checkpoint for the given workflow. The checkpoint
// insert, the workflow metadata upsert, and the CHECKPOINT_SAVED audit
// event are one transaction; partial failure surfaces as a storage
// error. Version numbers come from the caller's state, the store does
// not enforce monotonicity.
func (s *Store) Save(workflowID string, state *models.WorkflowState) (string, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return "", &wferr.StorageError{Op: "serialize state", Err: err}
	}

	checkpointID := uuid.New().String()
	now := formatTime(time.Now())

	err = s.transaction(func(tx *sql.Tx) error {
		// Workflow row first so the checkpoint FK resolves.
		status := workflowStatus(state)
		_, err := tx.Exec(`
			INSERT INTO workflows (workflow_id, user_request, status, phase, current_agent,
				budget_used_usd, rejection_count, created_at, updated_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(workflow_id) DO UPDATE SET
				status = excluded.status,
				phase = excluded.phase,
				current_agent = excluded.current_agent,
				budget_used_usd = excluded.budget_used_usd,
				rejection_count = excluded.rejection_count,
				updated_at = excluded.updated_at,
				completed_at = excluded.completed_at
		`, workflowID, state.UserRequest, status, string(state.CurrentPhase),
			state.CurrentAgent, state.BudgetUsedUSD, state.RejectionCount,
			formatTime(state.CreatedAt), now, nullableTime(state.CompletedAt))
		if err != nil {
			return fmt.Errorf("upsert workflow metadata: %w", err)
		}

		_, err = tx.Exec(`
			INSERT INTO checkpoints (checkpoint_id, workflow_id, state_version, state, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, checkpointID, workflowID, state.StateVersion, string(payload), now)
		if err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}

		_, err = tx.Exec(`
			INSERT INTO audit_events (event_id, workflow_id, event_type, actor, details, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, uuid.New().String(), workflowID, models.AuditCheckpointSaved, "checkpoint_store",
			fmt.Sprintf(`{"checkpoint_id":%q,"state_version":%d}`, checkpointID, state.StateVersion), now)
		if err != nil {
			return fmt.Errorf("append audit event: %w", err)
		}

		return nil
	})
	if err != nil {
		return "", &wferr.StorageError{Op: "save checkpoint", Err: err}
	}

	return checkpointID, nil
}

// Load returns the deserialized state for a checkpoint ID. Checkpoints
// are immutable once written.
func (s *Store) Load(checkpointID string) (*models.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	row := s.conn.QueryRow(`
		SELECT state FROM checkpoints WHERE checkpoint_id = ?
	`, checkpointID)
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, &wferr.CheckpointNotFoundError{CheckpointID: checkpointID}
		}
		return nil, &wferr.StorageError{Op: "load checkpoint", Err: err}
	}

	state := &models.WorkflowState{}
	if err := json.Unmarshal([]byte(payload), state); err != nil {
		return nil, &wferr.StorageError{Op: "deserialize state", Err: err}
	}

	return state, nil
}

// List returns checkpoint metadata for a workflow ordered by version
// descending, capped at limit. A limit of 0 or less uses
// DefaultListLimit.
func (s *Store) List(workflowID string, limit int) ([]models.CheckpointMeta, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.Query(`
		SELECT checkpoint_id, state_version, created_at
		FROM checkpoints
		WHERE workflow_id = ?
		ORDER BY state_version DESC
		LIMIT ?
	`, workflowID, limit)
	if err != nil {
		return nil, &wferr.StorageError{Op: "list checkpoints", Err: err}
	}
	defer rows.Close()

	var metas []models.CheckpointMeta
	for rows.Next() {
		var m models.CheckpointMeta
		var createdAt string
		if err := rows.Scan(&m.ID, &m.StateVersion, &createdAt); err != nil {
			return nil, &wferr.StorageError{Op: "scan checkpoint row", Err: err}
		}
		m.CreatedAt, _ = parseTime(createdAt)
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &wferr.StorageError{Op: "iterate checkpoints", Err: err}
	}

	return metas, nil
}

// CleanupOld deletes checkpoints strictly older than the retention
// window and returns the count deleted. Safe to run alongside active
// workflows.
func (s *Store) CleanupOld(retentionHours int) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(retentionHours) * time.Hour)

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.conn.Exec(`
		DELETE FROM checkpoints WHERE created_at < ?
	`, formatTime(cutoff))
	if err != nil {
		return 0, &wferr.StorageError{Op: "cleanup old checkpoints", Err: err}
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, &wferr.StorageError{Op: "get rows affected", Err: err}
	}

	return count, nil
}

// AppendAudit writes an append-only audit event for a workflow.
func (s *Store) AppendAudit(workflowID, eventType, actor, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(`
		INSERT INTO audit_events (event_id, workflow_id, event_type, actor, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), workflowID, eventType, actor, details, formatTime(time.Now()))
	if err != nil {
		return &wferr.StorageError{Op: "append audit event", Err: err}
	}

	return nil
}

// ListAudit returns audit events for a workflow, newest first.
func (s *Store) ListAudit(workflowID string, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.Query(`
		SELECT event_id, workflow_id, event_type, actor, COALESCE(details, ''), created_at
		FROM audit_events
		WHERE workflow_id = ?
		ORDER BY created_at DESC, event_id
		LIMIT ?
	`, workflowID, limit)
	if err != nil {
		return nil, &wferr.StorageError{Op: "list audit events", Err: err}
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var createdAt string
		if err := rows.Scan(&e.EventID, &e.WorkflowID, &e.EventType, &e.Actor, &e.Details, &createdAt); err != nil {
			return nil, &wferr.StorageError{Op: "scan audit row", Err: err}
		}
		e.CreatedAt, _ = parseTime(createdAt)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &wferr.StorageError{Op: "iterate audit events", Err: err}
	}

	return events, nil
}

// GetWorkflow returns the metadata row for one workflow.
func (s *Store) GetWorkflow(workflowID string) (*models.WorkflowMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.conn.QueryRow(`
		SELECT workflow_id, user_request, status, phase, COALESCE(current_agent, ''),
			budget_used_usd, rejection_count, created_at, updated_at, completed_at
		FROM workflows
		WHERE workflow_id = ?
	`, workflowID)

	m, err := scanWorkflow(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &wferr.StorageError{Op: "get workflow", Err: fmt.Errorf("workflow not found: %s", workflowID)}
		}
		return nil, &wferr.StorageError{Op: "get workflow", Err: err}
	}

	return m, nil
}

// ListWorkflows returns workflow metadata rows, most recently updated
// first.
func (s *Store) ListWorkflows(limit int) ([]models.WorkflowMetadata, error) {
	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.Query(`
		SELECT workflow_id, user_request, status, phase, COALESCE(current_agent, ''),
			budget_used_usd, rejection_count, created_at, updated_at, completed_at
		FROM workflows
		ORDER BY updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, &wferr.StorageError{Op: "list workflows", Err: err}
	}
	defer rows.Close()

	var metas []models.WorkflowMetadata
	for rows.Next() {
		m, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, &wferr.StorageError{Op: "scan workflow row", Err: err}
		}
		metas = append(metas, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, &wferr.StorageError{Op: "iterate workflows", Err: err}
	}

	return metas, nil
}

// transaction runs the given function within a transaction.
func (s *Store) transaction(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func scanWorkflow(scan func(...any) error) (*models.WorkflowMetadata, error) {
	var m models.WorkflowMetadata
	var phase, createdAt, updatedAt string
	var completedAt sql.NullString

	err := scan(&m.WorkflowID, &m.UserRequest, &m.Status, &phase, &m.CurrentAgent,
		&m.BudgetUsedUSD, &m.RejectionCount, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	m.Phase = models.Phase(phase)
	m.CreatedAt, _ = parseTime(createdAt)
	m.UpdatedAt, _ = parseTime(updatedAt)
	m.CompletedAt = parseNullableTime(completedAt)

	return &m, nil
}

// workflowStatus derives the coarse status column from the phase.
func workflowStatus(state *models.WorkflowState) string {
	switch state.CurrentPhase {
	case models.PhaseCompleted:
		return "completed"
	case models.PhaseFailed:
		return "failed"
	case models.PhasePaused:
		return "paused"
	default:
		return "running"
	}
}

// formatTime formats a time.Time for SQLite storage. Second precision
// keeps the stored strings lexicographically comparable.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// parseNullableTime parses a nullable time string from SQLite.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
