// Package audit records operator actions (console commands, power and backup
// requests) in the panel database.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Actions recorded by the panel.
const (
	ActionConsoleCommand = "console.command"
	ActionPower          = "server.power"
	ActionBackupCreate   = "backup.create"
	ActionBackupRestore  = "backup.restore"
	ActionBackupDelete   = "backup.delete"
	ActionBackupPrune    = "backup.prune"
	ActionServerState    = "server.state"
	ActionWhitelistAdd   = "whitelist.add"
	ActionWhitelistDel   = "whitelist.remove"
)

const defaultListLimit = 100

// Entry is one audit record.
type Entry struct {
	ID        string    `db:"id" json:"id"`
	Actor     string    `db:"actor" json:"actor"`
	Action    string    `db:"action" json:"action"`
	Detail    string    `db:"detail" json:"detail"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Recorder is the write side used by the console and the HTTP routes.
type Recorder interface {
	Record(ctx context.Context, actor, action, detail string) error
}

// Store persists entries with sqlx. Works on SQLite and Postgres.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ Recorder = (*Store)(nil)

// NewStore creates the audit table if needed.
func NewStore(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		detail TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_log_created_at ON audit_log(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends one entry.
func (s *Store) Record(ctx context.Context, actor, action, detail string) error {
	entry := Entry{
		ID:        uuid.New().String(),
		Actor:     actor,
		Action:    action,
		Detail:    detail,
		CreatedAt: s.now(),
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO audit_log (id, actor, action, detail, created_at)
		VALUES (:id, :actor, :action, :detail, :created_at)
	`, entry)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// List returns the newest entries first. limit <= 0 uses a default of 100.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var entries []Entry
	err := s.db.SelectContext(ctx, &entries, s.db.Rebind(`
		SELECT id, actor, action, detail, created_at
		FROM audit_log
		ORDER BY created_at DESC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}
