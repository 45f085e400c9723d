package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Index caches backup metadata in SQL. Rows whose archive vanished are
// dropped by Reconcile.
type Index struct {
	db *sqlx.DB
}

type indexRow struct {
	ID        string    `db:"id"`
	Mode      string    `db:"mode"`
	SizeBytes int64     `db:"size_bytes"`
	CreatedAt time.Time `db:"created_at"`
	Checksum  string    `db:"checksum"`
}

// NewIndex creates the backups table if needed.
func NewIndex(db *sqlx.DB) (*Index, error) {
	idx := &Index{db: db}
	if err := idx.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize backup index schema: %w", err)
	}
	return idx, nil
}

func (i *Index) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS backups (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		checksum TEXT NOT NULL DEFAULT ''
	);
	`
	_, err := i.db.Exec(schema)
	return err
}

// Put records b with the archive checksum, replacing any previous row.
func (i *Index) Put(ctx context.Context, b Backup, checksum string) error {
	_, err := i.db.NamedExecContext(ctx, `
		INSERT INTO backups (id, mode, size_bytes, created_at, checksum)
		VALUES (:id, :mode, :size_bytes, :created_at, :checksum)
		ON CONFLICT (id) DO UPDATE SET
			mode = excluded.mode,
			size_bytes = excluded.size_bytes,
			created_at = excluded.created_at,
			checksum = excluded.checksum
	`, indexRow{
		ID:        b.ID,
		Mode:      string(b.Mode),
		SizeBytes: b.SizeBytes,
		CreatedAt: b.CreatedAt.UTC(),
		Checksum:  checksum,
	})
	if err != nil {
		return fmt.Errorf("failed to index backup %s: %w", b.ID, err)
	}
	return nil
}

// Checksum returns the recorded checksum, or "" when the backup is not indexed.
func (i *Index) Checksum(ctx context.Context, id string) (string, error) {
	var sum string
	err := i.db.GetContext(ctx, &sum, i.db.Rebind(`SELECT checksum FROM backups WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read backup checksum: %w", err)
	}
	return sum, nil
}

// Delete removes the row for id.
func (i *Index) Delete(ctx context.Context, id string) error {
	if _, err := i.db.ExecContext(ctx, i.db.Rebind(`DELETE FROM backups WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to remove backup %s from index: %w", id, err)
	}
	return nil
}

// Reconcile drops rows for archives that no longer exist and adds rows,
// without checksum, for archives the index has never seen.
func (i *Index) Reconcile(ctx context.Context, onDisk []Backup) error {
	var ids []string
	if err := i.db.SelectContext(ctx, &ids, `SELECT id FROM backups`); err != nil {
		return fmt.Errorf("failed to list backup index: %w", err)
	}

	present := make(map[string]Backup, len(onDisk))
	for _, b := range onDisk {
		present[b.ID] = b
	}
	indexed := make(map[string]bool, len(ids))
	for _, id := range ids {
		indexed[id] = true
		if _, ok := present[id]; !ok {
			if err := i.Delete(ctx, id); err != nil {
				return err
			}
		}
	}
	for _, b := range onDisk {
		if indexed[b.ID] {
			continue
		}
		_, err := i.db.NamedExecContext(ctx, `
			INSERT INTO backups (id, mode, size_bytes, created_at, checksum)
			VALUES (:id, :mode, :size_bytes, :created_at, :checksum)
			ON CONFLICT (id) DO NOTHING
		`, indexRow{ID: b.ID, Mode: string(b.Mode), SizeBytes: b.SizeBytes, CreatedAt: b.CreatedAt.UTC()})
		if err != nil {
			return fmt.Errorf("failed to index backup %s: %w", b.ID, err)
		}
	}
	return nil
}
