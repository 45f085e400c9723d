// Package process owns the lifecycle of the managed Minecraft server.
//
// A single Supervisor is built at startup and shared by every component that
// needs the server. It is the only code that spawns, signals or writes to the
// child process. Output is read from one merged stdout/stderr pipe, so lines
// reach the log sink and every subscriber in the order the server wrote them.
//
// Lifecycle:
//  1. Start spawns the server and moves STOPPED/CRASHED -> RUNNING
//  2. Every output line becomes a LogEvent (persisted, kept in history, broadcast)
//  3. Stop writes the stop command, sends SIGTERM and returns immediately
//  4. The wait goroutine observes the exit: STOPPED after Stop, CRASHED otherwise
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/craftctl/craftctl/internal/common/config"
	"github.com/craftctl/craftctl/internal/common/logger"
	"github.com/craftctl/craftctl/internal/common/tracing"
)

const (
	tracerName = "craftctl-supervisor"

	// outputDrainTimeout bounds how long the exit handler waits for buffered
	// output after the process is reaped. Grandchildren can hold the pipe open.
	outputDrainTimeout = 2 * time.Second
	maxLineBytes       = 1024 * 1024
)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithCommand replaces the java launcher with an arbitrary command line.
func WithCommand(name string, args ...string) Option {
	return func(s *Supervisor) {
		s.command = append([]string{name}, args...)
	}
}

// WithMetrics replaces the gopsutil metrics lookup.
func WithMetrics(fn MetricsFunc) Option {
	return func(s *Supervisor) {
		s.metrics = fn
	}
}

type managedProcess struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	pid       int
	startedAt time.Time
	stopping  bool // guarded by Supervisor.mu
	exited    chan struct{}

	writeMu sync.Mutex
}

func (p *managedProcess) write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.stdin.Write(data)
	return err
}

// Supervisor owns the managed server process and its state.
type Supervisor struct {
	cfg     config.MinecraftConfig
	command []string
	metrics MetricsFunc
	sink    LogSink
	logger  *logger.Logger

	// emitMu serializes every emission. Lock order is emitMu before mu.
	emitMu  sync.Mutex
	history *history
	subs    *registry

	mu     sync.Mutex
	state  State
	proc   *managedProcess
	locked bool
}

// NewSupervisor creates a Supervisor in the STOPPED state. sink may be nil.
func NewSupervisor(cfg config.MinecraftConfig, sink LogSink, log *logger.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		metrics: gopsutilMetrics,
		sink:    sink,
		logger:  log.WithComponent("supervisor"),
		history: newHistory(cfg.HistoryLines),
		subs:    newRegistry(),
		state:   StateStopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start spawns the server unless one is already running. A spawn failure
// moves the supervisor to CRASHED, emits a LogEvent describing it and is
// also returned to the caller. While the data directory is locked Start
// returns ErrLocked and the state is left alone.
func (s *Supervisor) Start(ctx context.Context) (err error) {
	_, span := tracing.StartSpan(ctx, tracerName, "supervisor.start")
	defer func() { tracing.EndSpan(span, err) }()

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.proc != nil {
		s.mu.Unlock()
		return nil
	}
	if s.locked {
		s.mu.Unlock()
		return ErrLocked
	}
	p, output, err := s.spawn()
	if err != nil {
		s.state = StateCrashed
		s.mu.Unlock()

		s.logger.Error("failed to start server", zap.Error(err))
		s.emitLocked(Event{Log: &LogEvent{Timestamp: time.Now(), Line: "failed to start server: " + err.Error()}})
		s.emitLocked(Event{Status: &StatusEvent{State: StateCrashed}})
		return err
	}
	s.proc = p
	s.state = StateRunning
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("pid", p.pid))
	s.logger.Info("server started", zap.Int("pid", p.pid), zap.String("dir", s.cfg.DataDir))
	s.emitLocked(Event{Status: &StatusEvent{State: StateRunning}})

	readerDone := make(chan struct{})
	go s.pump(output, readerDone)
	go s.wait(p, output, readerDone)
	return nil
}

// Lock reserves the data directory while no server process exists. Until
// unlock is called, Start fails with ErrLocked. Lock fails with ErrRunning
// when a process exists and with ErrLocked when another holder has it.
func (s *Supervisor) Lock() (unlock func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		return nil, ErrRunning
	}
	if s.locked {
		return nil, ErrLocked
	}
	s.locked = true

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.locked = false
			s.mu.Unlock()
		})
	}, nil
}

// Stop asks the server to shut down and returns without waiting. The
// transition to STOPPED is emitted once the exit is observed.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	p := s.proc
	if p == nil {
		s.mu.Unlock()
		return
	}
	p.stopping = true
	s.mu.Unlock()

	if cmd := strings.TrimSpace(s.cfg.StopCommand); cmd != "" {
		if err := p.write([]byte(cmd + "\n")); err != nil {
			s.logger.Debug("failed to write stop command", zap.Error(err))
		}
	}
	if err := terminate(p.cmd.Process); err != nil {
		s.logger.Debug("failed to signal server", zap.Int("pid", p.pid), zap.Error(err))
	}
	s.logger.Info("server stop requested", zap.Int("pid", p.pid))
}

// Restart stops the server, waits for the exit handler to finish tearing it
// down, then starts it again.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	var exited chan struct{}
	if s.proc != nil {
		exited = s.proc.exited
	}
	s.mu.Unlock()

	s.Stop()
	if exited != nil {
		select {
		case <-exited:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.Start(ctx)
}

// Shutdown stops the server and waits for it to exit, killing the process
// group if ctx expires first. Used when the panel itself exits.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return nil
	}

	s.Stop()
	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		s.logger.Warn("server did not stop in time, killing", zap.Int("pid", p.pid))
		_ = kill(p.cmd.Process)
		<-p.exited
		return ctx.Err()
	}
}

// Write sends raw bytes to the server's stdin. Without a running process the
// data is dropped and nil is returned.
func (s *Supervisor) Write(data []byte) error {
	s.mu.Lock()
	p := s.proc
	if p != nil && s.isStopCommand(data) {
		p.stopping = true
	}
	s.mu.Unlock()

	if p == nil {
		return nil
	}
	if err := p.write(data); err != nil {
		return fmt.Errorf("write to server stdin: %w", err)
	}
	return nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether a server process exists.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// Status returns state, pid, uptime and best-effort CPU and memory usage.
// Metrics are left at zero when the lookup fails.
func (s *Supervisor) Status(ctx context.Context) Status {
	s.mu.Lock()
	st := Status{State: s.state}
	if p := s.proc; p != nil {
		st.PID = p.pid
		st.UptimeMs = time.Since(p.startedAt).Milliseconds()
	}
	s.mu.Unlock()

	if st.PID > 0 {
		cpu, mem, err := s.metrics(ctx, st.PID)
		if err != nil {
			s.logger.Debug("metrics lookup failed", zap.Int("pid", st.PID), zap.Error(err))
		} else {
			st.CPU, st.MemMB = cpu, mem
		}
	}
	return st
}

// Subscribe registers l for every future event.
func (s *Supervisor) Subscribe(l Listener) *Subscription {
	return s.subs.add(l)
}

// SubscribeWithHistory replays the retained log lines and the current state
// to l, then registers it. No event is missed or repeated in between.
func (s *Supervisor) SubscribeWithHistory(l Listener) *Subscription {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	for _, ev := range s.history.snapshot() {
		ev := ev
		l(Event{Log: &ev})
	}
	l(Event{Status: &StatusEvent{State: s.State()}})
	return s.subs.add(l)
}

// SubscriberCount returns the number of registered listeners.
func (s *Supervisor) SubscriberCount() int {
	return s.subs.len()
}

// WaitState blocks until the supervisor reaches want or ctx is done.
func (s *Supervisor) WaitState(ctx context.Context, want State) error {
	reached := make(chan struct{}, 1)
	sub := s.Subscribe(func(ev Event) {
		if ev.Status != nil && ev.Status.State == want {
			select {
			case reached <- struct{}{}:
			default:
			}
		}
	})
	defer sub.Unsubscribe()

	if s.State() == want {
		return nil
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawn must be called with s.mu held.
func (s *Supervisor) spawn() (*managedProcess, *os.File, error) {
	if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	if s.cfg.AcceptEula {
		if err := os.WriteFile(filepath.Join(s.cfg.DataDir, "eula.txt"), []byte("eula=true\n"), 0o644); err != nil {
			return nil, nil, fmt.Errorf("write eula.txt: %w", err)
		}
	}

	name, args := s.launchCommand()
	cmd := exec.Command(name, args...)
	cmd.Dir = s.cfg.DataDir
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	output, outputW, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = outputW
	cmd.Stderr = outputW

	if err := cmd.Start(); err != nil {
		_ = output.Close()
		_ = outputW.Close()
		return nil, nil, err
	}
	_ = outputW.Close()

	return &managedProcess{
		cmd:       cmd,
		stdin:     stdin,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		exited:    make(chan struct{}),
	}, output, nil
}

func (s *Supervisor) launchCommand() (string, []string) {
	if len(s.command) > 0 {
		return s.command[0], s.command[1:]
	}
	args := []string{
		"-Xms" + s.cfg.MinMemory,
		"-Xmx" + s.cfg.MaxMemory,
	}
	args = append(args, s.cfg.ExtraArgs...)
	args = append(args, "-jar", s.cfg.JarPath, "nogui")
	return s.cfg.JavaPath, args
}

// isStopCommand reports whether data is the configured stop command typed
// into the console, which counts as an operator-initiated stop.
func (s *Supervisor) isStopCommand(data []byte) bool {
	stop := strings.TrimSpace(s.cfg.StopCommand)
	if stop == "" {
		return false
	}
	typed := strings.TrimPrefix(strings.TrimSpace(string(data)), "/")
	return strings.EqualFold(typed, stop)
}

func (s *Supervisor) pump(output *os.File, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(output)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		s.emit(Event{Log: &LogEvent{Timestamp: time.Now(), Line: line}})
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Debug("server output read error", zap.Error(err))
	}
}

// wait is the sole owner of the exit transition for p.
func (s *Supervisor) wait(p *managedProcess, output *os.File, readerDone <-chan struct{}) {
	waitErr := p.cmd.Wait()

	select {
	case <-readerDone:
	case <-time.After(outputDrainTimeout):
		_ = output.Close()
		<-readerDone
	}
	_ = output.Close()

	s.emitMu.Lock()
	s.mu.Lock()
	next := StateStopped
	if !p.stopping {
		next = StateCrashed
	}
	s.state = next
	s.proc = nil
	s.mu.Unlock()

	if next == StateCrashed {
		line := describeExit(waitErr)
		s.logger.Warn("server exited unexpectedly", zap.Int("pid", p.pid), zap.Error(waitErr))
		s.emitLocked(Event{Log: &LogEvent{Timestamp: time.Now(), Line: line}})
	} else {
		s.logger.Info("server stopped", zap.Int("pid", p.pid))
	}
	s.emitLocked(Event{Status: &StatusEvent{State: next}})
	s.emitMu.Unlock()

	close(p.exited)
}

func (s *Supervisor) emit(ev Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.emitLocked(ev)
}

// emitLocked persists log lines, then broadcasts to a snapshot of the
// subscribers. Callers hold emitMu.
func (s *Supervisor) emitLocked(ev Event) {
	if ev.Log != nil {
		if s.sink != nil {
			if err := s.sink.Append(ev.Log.Timestamp, ev.Log.Line); err != nil {
				s.logger.Warn("failed to persist log line", zap.Error(err))
			}
		}
		s.history.add(*ev.Log)
	}
	for _, l := range s.subs.snapshot() {
		l(ev)
	}
}

func describeExit(err error) string {
	if err == nil {
		return "server process exited unexpectedly (exit code 0)"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return "server process exited unexpectedly: " + exitErr.Error()
	}
	return "server process failed: " + err.Error()
}
