// Package logsink persists server console output to a daily log file.
//
// Lines are appended to <dir>/latest.log as "<RFC3339Nano> <line>". When the
// first line of a new calendar day arrives, the previous file is renamed to
// <dir>/<YYYY-MM-DD>.log (or <YYYY-MM-DD>-N.log if that name is taken) and a
// fresh latest.log is opened.
package logsink

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	latestName = "latest.log"
	dayLayout  = "2006-01-02"
)

// Sink appends timestamped lines to the current day's log file.
type Sink struct {
	dir string

	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	day  string
}

// New opens (or creates) <dir>/latest.log. An existing file is attributed to
// the day of its last modification so it rotates correctly on the next write.
func New(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	s := &Sink{dir: dir}
	if info, err := os.Stat(s.latestPath()); err == nil && info.Size() > 0 {
		s.day = info.ModTime().Format(dayLayout)
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the directory the sink writes into.
func (s *Sink) Dir() string {
	return s.dir
}

// Append writes one line stamped with ts, rotating first if ts falls on a
// different day than the current file.
func (s *Sink) Append(ts time.Time, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return os.ErrClosed
	}

	day := ts.Format(dayLayout)
	if s.day != "" && s.day != day {
		if err := s.rotate(); err != nil {
			return err
		}
	}
	s.day = day

	if _, err := s.w.WriteString(ts.Format(time.RFC3339Nano) + " " + line + "\n"); err != nil {
		return fmt.Errorf("write log line: %w", err)
	}
	return s.w.Flush()
}

// Close flushes and closes the current file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	flushErr := s.w.Flush()
	closeErr := s.file.Close()
	s.file, s.w = nil, nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func (s *Sink) latestPath() string {
	return filepath.Join(s.dir, latestName)
}

func (s *Sink) open() error {
	f, err := os.OpenFile(s.latestPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	s.file = f
	s.w = bufio.NewWriter(f)
	return nil
}

// rotate must be called with s.mu held.
func (s *Sink) rotate() error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush log file: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	s.file, s.w = nil, nil

	target, err := s.archiveName(s.day)
	if err != nil {
		return err
	}
	if err := os.Rename(s.latestPath(), target); err != nil {
		return fmt.Errorf("rotate log file: %w", err)
	}
	return s.open()
}

func (s *Sink) archiveName(day string) (string, error) {
	candidate := filepath.Join(s.dir, day+".log")
	for n := 1; ; n++ {
		_, err := os.Stat(candidate)
		if os.IsNotExist(err) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
		candidate = filepath.Join(s.dir, fmt.Sprintf("%s-%d.log", day, n))
	}
}
