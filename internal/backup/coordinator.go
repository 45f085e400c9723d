package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/craftctl/craftctl/internal/common/config"
	"github.com/craftctl/craftctl/internal/common/logger"
	"github.com/craftctl/craftctl/internal/common/tracing"
	"github.com/craftctl/craftctl/internal/events/bus"
)

const tracerName = "craftctl-backup"

// ServerLock keeps the managed server from starting while a restore rewrites
// its files. Lock fails while a server process exists. Implemented by
// process.Supervisor.
type ServerLock interface {
	Lock() (unlock func(), err error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIndex caches metadata and checksums in idx.
func WithIndex(idx *Index) Option {
	return func(c *Coordinator) { c.index = idx }
}

// WithEventBus publishes created, restored, deleted and pruned events.
func WithEventBus(b bus.EventBus) Option {
	return func(c *Coordinator) { c.events = b }
}

// Coordinator owns the backup directory. Create, Restore, Delete and
// ApplyRetention are serialized with each other but never touch the server
// process, so console delivery is unaffected while they run.
type Coordinator struct {
	dir         string
	dataDir     string
	worldDir    string
	retainDays  int
	retainWeeks int

	server ServerLock
	index  *Index
	events bus.EventBus
	logger *logger.Logger
	now    func() time.Time
	rename func(from, to string) error

	mu sync.Mutex
}

// NewCoordinator creates a coordinator for the server described by mc.
// server may be nil, in which case Restore trusts its caller.
func NewCoordinator(cfg config.BackupConfig, mc config.MinecraftConfig, server ServerLock, log *logger.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		dir:         cfg.Dir,
		dataDir:     mc.DataDir,
		worldDir:    mc.WorldPath(),
		retainDays:  cfg.RetainDays,
		retainWeeks: cfg.RetainWeeks,
		server:      server,
		logger:      log.WithComponent("backup"),
		now:         time.Now,
		rename:      os.Rename,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// List returns every archive in the backup directory, oldest first.
func (c *Coordinator) List(ctx context.Context) ([]Backup, error) {
	backups, err := c.scan()
	if err != nil {
		return nil, err
	}
	if c.index != nil {
		if err := c.index.Reconcile(ctx, backups); err != nil {
			c.logger.Warn("backup index reconcile failed", zap.Error(err))
		}
	}
	return backups, nil
}

// Get returns the backup with id or ErrNotFound.
func (c *Coordinator) Get(_ context.Context, id string) (Backup, error) {
	b, _, err := c.find(id)
	return b, err
}

// Create archives the data directory (full) or the world directory (world).
// The archive is written to a temporary file and renamed into place, so a
// failed Create leaves nothing behind.
func (c *Coordinator) Create(ctx context.Context, mode Mode) (b Backup, err error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return Backup{}, err
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "backup.create", attribute.String("backup.mode", string(mode)))
	defer func() { tracing.EndSpan(span, err) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	src := c.dataDir
	if mode == ModeWorld {
		src = c.worldDir
	}
	info, err := os.Stat(src)
	if err != nil {
		return Backup{}, fmt.Errorf("backup source: %w", err)
	}
	if !info.IsDir() {
		return Backup{}, fmt.Errorf("backup source %s is not a directory", src)
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return Backup{}, fmt.Errorf("create backup dir: %w", err)
	}

	createdAt := c.now().UTC().Truncate(time.Millisecond)
	id := newID(mode, createdAt, uuid.New().String()[:8])
	span.SetAttributes(attribute.String("backup.id", id))

	tmp, err := os.CreateTemp(c.dir, ".tmp-"+id+"-*")
	if err != nil {
		return Backup{}, fmt.Errorf("create temp archive: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	hash := sha256.New()
	if err := writeArchive(io.MultiWriter(tmp, hash), src, c.skipPaths(src)); err != nil {
		return Backup{}, fmt.Errorf("write archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return Backup{}, fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Backup{}, fmt.Errorf("close archive: %w", err)
	}
	final := c.archivePath(id)
	if err := os.Rename(tmp.Name(), final); err != nil {
		return Backup{}, fmt.Errorf("finalize archive: %w", err)
	}
	committed = true

	st, err := os.Stat(final)
	if err != nil {
		return Backup{}, fmt.Errorf("stat archive: %w", err)
	}
	b = Backup{ID: id, CreatedAt: createdAt, SizeBytes: st.Size(), Mode: mode}

	if c.index != nil {
		if err := c.index.Put(ctx, b, hex.EncodeToString(hash.Sum(nil))); err != nil {
			c.logger.Warn("failed to index backup", zap.String("backup_id", id), zap.Error(err))
		}
	}
	c.logger.Info("backup created",
		zap.String("backup_id", id),
		zap.String("mode", string(mode)),
		zap.Int64("size_bytes", b.SizeBytes))
	c.publish(ctx, bus.SubjectBackupCreated, bus.TypeBackupCreated, map[string]interface{}{
		"id":   id,
		"mode": string(mode),
		"size": b.SizeBytes,
	})
	return b, nil
}

// Restore replaces the backed-up directory with the archive's contents. It
// fails with ErrNotFound for an unknown id and with ErrServerRunning while
// the server process exists; neither case touches the data directory. The
// server cannot be started until Restore returns.
func (c *Coordinator) Restore(ctx context.Context, id string) (err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "backup.restore", attribute.String("backup.id", id))
	defer func() { tracing.EndSpan(span, err) }()

	b, path, err := c.find(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server != nil {
		unlock, err := c.server.Lock()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrServerRunning, err)
		}
		defer unlock()
	}

	if err := c.verify(ctx, id, path); err != nil {
		return err
	}

	target := c.dataDir
	if b.Mode == ModeWorld {
		target = c.worldDir
	}
	target = filepath.Clean(target)
	suffix := uuid.New().String()[:8]
	staging := target + ".restore-" + suffix
	previous := target + ".previous-" + suffix

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	err = extractArchive(f, staging)
	_ = f.Close()
	if err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("extract archive: %w", err)
	}

	hadTarget, err := c.swapDir(target, staging, previous)
	if err != nil {
		_ = os.RemoveAll(staging)
		return err
	}
	if hadTarget {
		if err := c.carryOver(previous, target, c.preservePaths(b.Mode)); err != nil {
			// The restore itself succeeded; previous still holds whatever
			// could not be moved back, so it is left on disk.
			c.logger.Warn("restored data is in place but preserved paths were not carried over",
				zap.String("backup_id", id),
				zap.String("previous", previous),
				zap.Error(err))
		} else if err := os.RemoveAll(previous); err != nil {
			c.logger.Warn("failed to remove previous data", zap.String("path", previous), zap.Error(err))
		}
	}

	c.logger.Info("backup restored", zap.String("backup_id", id), zap.String("target", target))
	c.publish(ctx, bus.SubjectBackupRestored, bus.TypeBackupRestored, map[string]interface{}{
		"id":   id,
		"mode": string(b.Mode),
	})
	return nil
}

// Delete removes one archive.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	b, path, err := c.find(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.remove(ctx, id, path); err != nil {
		return err
	}
	c.publish(ctx, bus.SubjectBackupDeleted, bus.TypeBackupDeleted, map[string]interface{}{
		"id":   id,
		"mode": string(b.Mode),
	})
	return nil
}

// ApplyRetention deletes archives outside the retention policy and returns
// them. Kept: everything younger than 24h, the newest archive of each of the
// last retainDays UTC calendar days, and the newest of each of the last
// retainWeeks ISO weeks. Both windows count the current day or week, so
// retainDays=1 keeps only today's newest and 0 disables the window.
func (c *Coordinator) ApplyRetention(ctx context.Context) (pruned []Backup, err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "backup.retention")
	defer func() { tracing.EndSpan(span, err) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	backups, err := c.scan()
	if err != nil {
		return nil, err
	}
	for _, b := range selectExpired(backups, c.now().UTC(), c.retainDays, c.retainWeeks) {
		if err := c.remove(ctx, b.ID, c.archivePath(b.ID)); err != nil {
			return pruned, err
		}
		pruned = append(pruned, b)
	}

	span.SetAttributes(attribute.Int("backup.pruned", len(pruned)))
	if len(pruned) > 0 {
		c.logger.Info("retention pruned backups", zap.Int("count", len(pruned)))
		ids := make([]interface{}, 0, len(pruned))
		for _, b := range pruned {
			ids = append(ids, b.ID)
		}
		c.publish(ctx, bus.SubjectBackupPruned, bus.TypeBackupPruned, map[string]interface{}{"ids": ids})
	}
	return pruned, nil
}

// selectExpired walks backups newest first; the first one seen in a day or
// week is that period's newest.
func selectExpired(backups []Backup, now time.Time, retainDays, retainWeeks int) []Backup {
	sorted := append([]Backup(nil), backups...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dayCutoff := today.AddDate(0, 0, 1-retainDays)
	weekday := (int(today.Weekday()) + 6) % 7 // Monday = 0
	weekCutoff := today.AddDate(0, 0, -weekday-7*(retainWeeks-1))

	seenDay := make(map[string]bool)
	seenWeek := make(map[string]bool)
	var expired []Backup
	for _, b := range sorted {
		at := b.CreatedAt.UTC()
		day := at.Format("2006-01-02")
		year, week := at.ISOWeek()
		weekKey := fmt.Sprintf("%d-W%02d", year, week)

		keep := now.Sub(at) < 24*time.Hour
		if !seenDay[day] && !at.Before(dayCutoff) {
			keep = true
		}
		if !seenWeek[weekKey] && !at.Before(weekCutoff) {
			keep = true
		}
		seenDay[day] = true
		seenWeek[weekKey] = true

		if !keep {
			expired = append(expired, b)
		}
	}
	return expired
}

// remove must be called with c.mu held.
func (c *Coordinator) remove(ctx context.Context, id, path string) error {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete backup %s: %w", id, err)
	}
	if c.index != nil {
		if err := c.index.Delete(ctx, id); err != nil {
			c.logger.Warn("failed to unindex backup", zap.String("backup_id", id), zap.Error(err))
		}
	}
	c.logger.Info("backup deleted", zap.String("backup_id", id))
	return nil
}

func (c *Coordinator) verify(ctx context.Context, id, path string) error {
	if c.index == nil {
		return nil
	}
	want, err := c.index.Checksum(ctx, id)
	if err != nil {
		c.logger.Warn("could not read backup checksum", zap.String("backup_id", id), zap.Error(err))
		return nil
	}
	if want == "" {
		return nil
	}
	got, err := fileChecksum(path)
	if err != nil {
		return fmt.Errorf("checksum archive: %w", err)
	}
	if got != want {
		return fmt.Errorf("%w: %s", ErrCorrupt, id)
	}
	return nil
}

func (c *Coordinator) scan() ([]Backup, error) {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return []Backup{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	backups := make([]Backup, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, archiveExt) {
			continue
		}
		id := strings.TrimSuffix(name, archiveExt)
		mode, createdAt, ok := parseID(id)
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		backups = append(backups, Backup{ID: id, CreatedAt: createdAt, SizeBytes: info.Size(), Mode: mode})
	}
	sort.Slice(backups, func(i, j int) bool {
		if backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].ID < backups[j].ID
		}
		return backups[i].CreatedAt.Before(backups[j].CreatedAt)
	})
	return backups, nil
}

func (c *Coordinator) find(id string) (Backup, string, error) {
	mode, createdAt, ok := parseID(id)
	if !ok {
		return Backup{}, "", ErrNotFound
	}
	path := c.archivePath(id)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return Backup{}, "", ErrNotFound
	}
	if err != nil {
		return Backup{}, "", fmt.Errorf("stat backup: %w", err)
	}
	return Backup{ID: id, CreatedAt: createdAt, SizeBytes: info.Size(), Mode: mode}, path, nil
}

func (c *Coordinator) archivePath(id string) string {
	return filepath.Join(c.dir, id+archiveExt)
}

// skipPaths keeps the backup directory out of archives when it lives inside src.
func (c *Coordinator) skipPaths(src string) []string {
	if rel, ok := within(src, c.dir); ok {
		return []string{rel}
	}
	return nil
}

// preservePaths lists directories under the restore target that must survive
// the swap, namely the backup directory itself.
func (c *Coordinator) preservePaths(mode Mode) []string {
	target := c.dataDir
	if mode == ModeWorld {
		target = c.worldDir
	}
	return c.skipPaths(target)
}

// publish tags data with the acting operator, if ctx names one.
func (c *Coordinator) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if c.events == nil {
		return
	}
	if actor, ok := ctx.Value(logger.ActorKey).(string); ok && actor != "" {
		data["actor"] = actor
	}
	if err := c.events.Publish(ctx, subject, bus.NewEvent(eventType, "backup", data)); err != nil {
		c.logger.Warn("failed to publish backup event", zap.String("subject", subject), zap.Error(err))
	}
}

// within returns child relative to parent when child is strictly inside it.
func within(parent, child string) (string, bool) {
	p, err := filepath.Abs(parent)
	if err != nil {
		return "", false
	}
	ch, err := filepath.Abs(child)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(p, ch)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// swapDir moves target aside to previous and staging into target. On
// failure the original target is put back. hadTarget reports whether there
// was anything to move aside.
func (c *Coordinator) swapDir(target, staging, previous string) (hadTarget bool, err error) {
	hadTarget = true
	if err := c.rename(target, previous); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("move current data aside: %w", err)
		}
		hadTarget = false
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return hadTarget, err
	}
	if err := c.rename(staging, target); err != nil {
		if hadTarget {
			_ = c.rename(previous, target)
		}
		return hadTarget, fmt.Errorf("move restored data into place: %w", err)
	}
	return hadTarget, nil
}

// carryOver moves each preserved path from previous into target. It keeps
// going after a failure and returns the errors joined.
func (c *Coordinator) carryOver(previous, target string, preserve []string) error {
	var errs []error
	for _, rel := range preserve {
		from := filepath.Join(previous, filepath.FromSlash(rel))
		if _, err := os.Stat(from); err != nil {
			continue
		}
		to := filepath.Join(target, filepath.FromSlash(rel))
		_ = os.RemoveAll(to)
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := c.rename(from, to); err != nil {
			errs = append(errs, fmt.Errorf("carry over %s: %w", rel, err))
		}
	}
	return errors.Join(errs...)
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
