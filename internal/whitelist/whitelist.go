// Package whitelist lists, adds and removes whitelisted players, through the
// remote console when it is enabled and through whitelist.json otherwise.
package whitelist

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/craftctl/craftctl/internal/common/logger"
)

const fileName = "whitelist.json"

var (
	// ErrInvalidName is returned for names Minecraft would not accept.
	ErrInvalidName = errors.New("invalid player name")
	// ErrUnknownPlayer is returned when the server cannot resolve the name.
	ErrUnknownPlayer = errors.New("player does not exist")

	validName = regexp.MustCompile(`^[A-Za-z0-9_]{3,16}$`)
)

// Executor runs a remote console command. Implemented by rcon.Bridge.
type Executor interface {
	Enabled() bool
	Exec(ctx context.Context, command string) (string, error)
}

// Entry is one whitelist.json record.
type Entry struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// Manager picks the remote console or the local file per call.
type Manager struct {
	rcon    Executor
	dataDir string
	logger  *logger.Logger

	mu sync.Mutex // serializes whitelist.json rewrites
}

// NewManager creates a Manager. exec may be nil.
func NewManager(exec Executor, dataDir string, log *logger.Logger) *Manager {
	return &Manager{rcon: exec, dataDir: dataDir, logger: log.WithComponent("whitelist")}
}

func (m *Manager) useRCON() bool {
	return m.rcon != nil && m.rcon.Enabled()
}

// List returns whitelisted player names sorted case-insensitively.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	var names []string
	if m.useRCON() {
		resp, err := m.rcon.Exec(ctx, "whitelist list")
		if err != nil {
			return nil, err
		}
		names = parseListResponse(resp)
	} else {
		entries, err := m.readFile()
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			names = append(names, e.Name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
	return names, nil
}

// Add whitelists name. Adding an existing player is not an error.
func (m *Manager) Add(ctx context.Context, name string) error {
	if !validName.MatchString(name) {
		return ErrInvalidName
	}
	if m.useRCON() {
		resp, err := m.rcon.Exec(ctx, "whitelist add "+name)
		if err != nil {
			return err
		}
		if strings.Contains(strings.ToLower(resp), "does not exist") {
			return ErrUnknownPlayer
		}
		m.logger.Info("player whitelisted", zap.String("player", name), zap.String("via", "rcon"))
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entries, err := m.readFile()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name, name) {
			return nil
		}
	}
	entries = append(entries, Entry{UUID: OfflineUUID(name), Name: name})
	if err := m.writeFile(entries); err != nil {
		return err
	}
	m.logger.Info("player whitelisted", zap.String("player", name), zap.String("via", "file"))
	return nil
}

// Remove drops name from the whitelist. Removing an absent player is not an error.
func (m *Manager) Remove(ctx context.Context, name string) error {
	if !validName.MatchString(name) {
		return ErrInvalidName
	}
	if m.useRCON() {
		resp, err := m.rcon.Exec(ctx, "whitelist remove "+name)
		if err != nil {
			return err
		}
		if strings.Contains(strings.ToLower(resp), "does not exist") {
			return ErrUnknownPlayer
		}
		m.logger.Info("player removed from whitelist", zap.String("player", name), zap.String("via", "rcon"))
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	entries, err := m.readFile()
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if !strings.EqualFold(e.Name, name) {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return nil
	}
	if err := m.writeFile(kept); err != nil {
		return err
	}
	m.logger.Info("player removed from whitelist", zap.String("player", name), zap.String("via", "file"))
	return nil
}

func (m *Manager) path() string {
	return filepath.Join(m.dataDir, fileName)
}

func (m *Manager) readFile() ([]Entry, error) {
	data, err := os.ReadFile(m.path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fileName, err)
	}
	var entries []Entry
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", fileName, err)
	}
	return entries, nil
}

func (m *Manager) writeFile(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := m.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", fileName, err)
	}
	if err := os.Rename(tmp, m.path()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", fileName, err)
	}
	return nil
}

// parseListResponse handles "There are N whitelisted player(s): a, b" and
// "There are no whitelisted players".
func parseListResponse(resp string) []string {
	idx := strings.Index(resp, ":")
	if idx < 0 {
		return nil
	}
	var names []string
	for _, part := range strings.Split(resp[idx+1:], ",") {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// OfflineUUID returns the UUID an offline-mode server assigns to name
// (version 3, MD5 of "OfflinePlayer:<name>").
func OfflineUUID(name string) string {
	sum := md5.Sum([]byte("OfflinePlayer:" + name))
	sum[6] = (sum[6] & 0x0f) | 0x30
	sum[8] = (sum[8] & 0x3f) | 0x80
	id, err := uuid.FromBytes(sum[:])
	if err != nil {
		return ""
	}
	return id.String()
}
