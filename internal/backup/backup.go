// Package backup creates, restores and prunes tar.gz archives of the server
// data directory.
//
// The archive on disk is the source of truth: a backup's id encodes its mode
// and creation time, so the directory listing alone reconstructs every
// record. The SQL index only caches metadata that cannot be derived from the
// name (the archive checksum).
package backup

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Mode selects what a backup contains.
type Mode string

const (
	// ModeFull archives the whole data directory.
	ModeFull Mode = "full"
	// ModeWorld archives only the world save directory.
	ModeWorld Mode = "world"
)

var (
	ErrNotFound      = errors.New("backup not found")
	ErrServerRunning = errors.New("server is running")
	ErrInvalidMode   = errors.New("invalid backup mode")
	ErrCorrupt       = errors.New("backup archive checksum mismatch")
)

const (
	archiveExt   = ".tar.gz"
	idTimeLayout = "20060102T150405.000Z"
)

var idPattern = regexp.MustCompile(`^(full|world)-(\d{8}T\d{6}\.\d{3}Z)-([0-9a-f]{8})$`)

// Backup describes one archive.
type Backup struct {
	ID        string    `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	SizeBytes int64     `json:"size" db:"size_bytes"`
	Mode      Mode      `json:"mode" db:"mode"`
}

// ParseMode validates a client-supplied mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFull, ModeWorld:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

func newID(mode Mode, at time.Time, suffix string) string {
	return fmt.Sprintf("%s-%s-%s", mode, at.UTC().Format(idTimeLayout), suffix)
}

// parseID recovers mode and creation time from an id.
func parseID(id string) (Mode, time.Time, bool) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return "", time.Time{}, false
	}
	at, err := time.Parse(idTimeLayout, m[2])
	if err != nil {
		return "", time.Time{}, false
	}
	return Mode(m[1]), at, true
}
