package process

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftctl/craftctl/internal/common/config"
	"github.com/craftctl/craftctl/internal/common/logger"
	"github.com/craftctl/craftctl/internal/events/bus"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

type memSink struct {
	mu     sync.Mutex
	events []LogEvent
}

func (m *memSink) Append(ts time.Time, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, LogEvent{Timestamp: ts, Line: line})
	return nil
}

func (m *memSink) snapshot() []LogEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LogEvent(nil), m.events...)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) statuses() []State {
	var out []State
	for _, ev := range r.snapshot() {
		if ev.Status != nil {
			out = append(out, ev.Status.State)
		}
	}
	return out
}

func (r *recorder) logs() []LogEvent {
	var out []LogEvent
	for _, ev := range r.snapshot() {
		if ev.Log != nil {
			out = append(out, *ev.Log)
		}
	}
	return out
}

func (r *recorder) hasLine(substr string) bool {
	for _, ev := range r.logs() {
		if strings.Contains(ev.Line, substr) {
			return true
		}
	}
	return false
}

func fakeMetrics(context.Context, int) (float64, float64, error) {
	return 12.5, 256, nil
}

func newTestSupervisor(t *testing.T, script string, opts ...Option) (*Supervisor, *memSink, *recorder) {
	t.Helper()
	cfg := config.MinecraftConfig{
		DataDir:      t.TempDir(),
		StopCommand:  "stop",
		HistoryLines: 50,
	}
	sink := &memSink{}
	base := []Option{WithCommand("sh", "-c", script), WithMetrics(fakeMetrics)}
	sup := NewSupervisor(cfg, sink, newTestLogger(t), append(base, opts...)...)

	rec := &recorder{}
	sub := sup.Subscribe(rec.listen)
	t.Cleanup(func() {
		sub.Unsubscribe()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return sup, sink, rec
}

func waitState(t *testing.T, sup *Supervisor, want State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.WaitState(ctx, want), "waiting for %s", want)
}

func TestSupervisor_InitialState(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, "exit 0")
	assert.Equal(t, StateStopped, sup.State())
	st := sup.Status(context.Background())
	assert.Equal(t, StateStopped, st.State)
	assert.Zero(t, st.PID)
	assert.Zero(t, st.CPU)
}

func TestSupervisor_StartIsIdempotent(t *testing.T) {
	sup, _, rec := newTestSupervisor(t, "exec sleep 30")
	ctx := context.Background()

	require.NoError(t, sup.Start(ctx))
	first := sup.Status(ctx)
	require.Equal(t, StateRunning, first.State)
	require.Positive(t, first.PID)

	for i := 0; i < 3; i++ {
		require.NoError(t, sup.Start(ctx))
	}
	again := sup.Status(ctx)
	assert.Equal(t, first.PID, again.PID)
	assert.Equal(t, StateRunning, again.State)
	assert.Equal(t, []State{StateRunning}, rec.statuses())
	assert.Equal(t, 12.5, again.CPU)
	assert.Equal(t, float64(256), again.MemMB)
}

func TestSupervisor_StopTransitionsToStopped(t *testing.T) {
	sup, _, rec := newTestSupervisor(t, "exec sleep 30")
	require.NoError(t, sup.Start(context.Background()))

	sup.Stop()
	waitState(t, sup, StateStopped)

	assert.False(t, sup.Running())
	assert.NoError(t, sup.Write([]byte("say hello\n")))
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]State{StateRunning, StateStopped}, rec.statuses())
	}, time.Second, 10*time.Millisecond)
}

func TestSupervisor_StopWithoutProcessIsNoop(t *testing.T) {
	sup, _, rec := newTestSupervisor(t, "exit 0")
	sup.Stop()
	assert.Equal(t, StateStopped, sup.State())
	assert.Empty(t, rec.snapshot())
}

func TestSupervisor_ExternalKillCrashes(t *testing.T) {
	sup, _, rec := newTestSupervisor(t, "exec sleep 30")
	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))

	proc, err := os.FindProcess(sup.Status(ctx).PID)
	require.NoError(t, err)
	require.NoError(t, proc.Kill())

	waitState(t, sup, StateCrashed)
	require.Eventually(t, func() bool {
		return len(rec.statuses()) == 2
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, []State{StateRunning, StateCrashed}, rec.statuses())
	assert.True(t, rec.hasLine("signal: killed"))
}

func TestSupervisor_CrashLogPrecedesStatus(t *testing.T) {
	sup, _, rec := newTestSupervisor(t, "echo booting; exit 3")
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool {
		statuses := rec.statuses()
		return len(statuses) == 2 && statuses[1] == StateCrashed
	}, 5*time.Second, 10*time.Millisecond)

	events := rec.snapshot()
	require.Len(t, events, 4)
	assert.Equal(t, StateRunning, events[0].Status.State)
	assert.Equal(t, "booting", events[1].Log.Line)
	assert.Contains(t, events[2].Log.Line, "exit status 3")
	assert.Equal(t, StateCrashed, events[3].Status.State)
}

func TestSupervisor_SpawnFailureCrashes(t *testing.T) {
	sup, _, rec := newTestSupervisor(t, "", WithCommand(filepath.Join(t.TempDir(), "missing-java")))

	err := sup.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateCrashed, sup.State())
	assert.False(t, sup.Running())

	events := rec.snapshot()
	require.Len(t, events, 2)
	require.NotNil(t, events[0].Log)
	assert.Contains(t, events[0].Log.Line, "failed to start server")
	require.NotNil(t, events[1].Status)
	assert.Equal(t, StateCrashed, events[1].Status.State)
}

func TestSupervisor_RecoversAfterSpawnFailure(t *testing.T) {
	cfg := config.MinecraftConfig{DataDir: t.TempDir(), StopCommand: "stop"}
	bad := NewSupervisor(cfg, nil, newTestLogger(t), WithCommand(filepath.Join(t.TempDir(), "nope")))
	require.Error(t, bad.Start(context.Background()))
	assert.Equal(t, StateCrashed, bad.State())

	bad.command = []string{"sh", "-c", "exec sleep 30"}
	require.NoError(t, bad.Start(context.Background()))
	assert.Equal(t, StateRunning, bad.State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bad.Shutdown(ctx))
	assert.Equal(t, StateStopped, bad.State())
}

func TestSupervisor_PersistedAndBroadcastLinesMatch(t *testing.T) {
	script := `for i in 1 2 3 4 5; do echo "line $i"; done; echo "oops" >&2; exit 1`
	sup, sink, rec := newTestSupervisor(t, script)
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool {
		statuses := rec.statuses()
		return len(statuses) == 2
	}, 5*time.Second, 10*time.Millisecond)

	persisted := sink.snapshot()
	broadcast := rec.logs()
	require.Len(t, persisted, 7)
	assert.Equal(t, persisted, broadcast)
	for i := 0; i < 5; i++ {
		assert.Equal(t, "line "+string(rune('1'+i)), persisted[i].Line)
	}
	assert.Equal(t, "oops", persisted[5].Line)
}

func TestSupervisor_WriteReachesStdin(t *testing.T) {
	sup, _, rec := newTestSupervisor(t, `read line; echo "got:$line"; exec sleep 30`)
	require.NoError(t, sup.Start(context.Background()))

	require.NoError(t, sup.Write([]byte("say hi\n")))
	assert.Eventually(t, func() bool {
		return rec.hasLine("got:say hi")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSupervisor_TypedStopCommandIsNotACrash(t *testing.T) {
	sup, _, rec := newTestSupervisor(t, `read line; exit 0`)
	require.NoError(t, sup.Start(context.Background()))

	require.NoError(t, sup.Write([]byte("stop\n")))
	waitState(t, sup, StateStopped)
	assert.False(t, rec.hasLine("unexpectedly"))
}

func TestSupervisor_CleanExitWithoutStopIsACrash(t *testing.T) {
	sup, _, rec := newTestSupervisor(t, "exit 0")
	require.NoError(t, sup.Start(context.Background()))

	waitState(t, sup, StateCrashed)
	assert.Eventually(t, func() bool {
		return rec.hasLine("exit code 0")
	}, time.Second, 10*time.Millisecond)
}

func TestSupervisor_RestartWaitsForExit(t *testing.T) {
	sup, _, rec := newTestSupervisor(t, "exec sleep 30")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, sup.Start(ctx))
	firstPID := sup.Status(ctx).PID

	require.NoError(t, sup.Restart(ctx))
	assert.Equal(t, StateRunning, sup.State())
	assert.NotEqual(t, firstPID, sup.Status(ctx).PID)
	assert.Equal(t, []State{StateRunning, StateStopped, StateRunning}, rec.statuses())
}

func TestSupervisor_RestartFromStopped(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, "exec sleep 30")
	require.NoError(t, sup.Restart(context.Background()))
	assert.Equal(t, StateRunning, sup.State())
}

func TestSupervisor_LockBlocksStart(t *testing.T) {
	sup, _, rec := newTestSupervisor(t, "exec sleep 30")
	ctx := context.Background()

	unlock, err := sup.Lock()
	require.NoError(t, err)

	err = sup.Start(ctx)
	assert.ErrorIs(t, err, ErrLocked)
	assert.False(t, sup.Running())
	assert.Equal(t, StateStopped, sup.State())
	assert.Empty(t, rec.snapshot())

	_, err = sup.Lock()
	assert.ErrorIs(t, err, ErrLocked)

	unlock()
	unlock()
	require.NoError(t, sup.Start(ctx))
	assert.True(t, sup.Running())
}

func TestSupervisor_LockRefusedWhileRunning(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, "exec sleep 30")
	require.NoError(t, sup.Start(context.Background()))

	unlock, err := sup.Lock()
	assert.ErrorIs(t, err, ErrRunning)
	assert.Nil(t, unlock)

	sup.Stop()
	waitState(t, sup, StateStopped)
	unlock, err = sup.Lock()
	require.NoError(t, err)
	unlock()
}

func TestSupervisor_MetricsFailureZeroed(t *testing.T) {
	failing := WithMetrics(func(context.Context, int) (float64, float64, error) {
		return 99, 99, os.ErrNotExist
	})
	sup, _, _ := newTestSupervisor(t, "exec sleep 30", failing)
	require.NoError(t, sup.Start(context.Background()))

	st := sup.Status(context.Background())
	assert.Positive(t, st.PID)
	assert.Zero(t, st.CPU)
	assert.Zero(t, st.MemMB)
}

func TestSupervisor_SubscribeWithHistory(t *testing.T) {
	sup, sink, _ := newTestSupervisor(t, `for i in 1 2 3 4 5; do echo "l$i"; done; exec sleep 30`)
	sup.history = newHistory(3)
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 5
	}, 5*time.Second, 10*time.Millisecond)

	late := &recorder{}
	sub := sup.SubscribeWithHistory(late.listen)
	defer sub.Unsubscribe()

	events := late.snapshot()
	require.Len(t, events, 4)
	assert.Equal(t, "l3", events[0].Log.Line)
	assert.Equal(t, "l4", events[1].Log.Line)
	assert.Equal(t, "l5", events[2].Log.Line)
	assert.Equal(t, StateRunning, events[3].Status.State)
}

func TestSupervisor_UnsubscribeStopsDelivery(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, `read line; echo "$line"; exec sleep 30`)
	before := sup.SubscriberCount()

	rec := &recorder{}
	sub := sup.Subscribe(rec.listen)
	assert.Equal(t, before+1, sup.SubscriberCount())
	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, before, sup.SubscriberCount())

	require.NoError(t, sup.Start(context.Background()))
	require.NoError(t, sup.Write([]byte("ping\n")))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestSupervisor_ShutdownKillsStubbornServer(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, `trap '' TERM; while true; do sleep 0.1; done`)
	require.NoError(t, sup.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := sup.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, sup.Running())
	assert.Equal(t, StateStopped, sup.State())
}

func TestSupervisor_WritesEula(t *testing.T) {
	cfg := config.MinecraftConfig{DataDir: t.TempDir(), AcceptEula: true}
	sup := NewSupervisor(cfg, nil, newTestLogger(t), WithCommand("sh", "-c", "exit 0"))
	require.NoError(t, sup.Start(context.Background()))
	waitState(t, sup, StateCrashed)

	data, err := os.ReadFile(filepath.Join(cfg.DataDir, "eula.txt"))
	require.NoError(t, err)
	assert.Equal(t, "eula=true\n", string(data))
}

func TestLaunchCommand_Java(t *testing.T) {
	cfg := config.MinecraftConfig{
		JavaPath:  "/usr/bin/java",
		JarPath:   "paper.jar",
		MinMemory: "1G",
		MaxMemory: "4G",
		ExtraArgs: []string{"-XX:+UseG1GC"},
	}
	sup := NewSupervisor(cfg, nil, newTestLogger(t))
	name, args := sup.launchCommand()
	assert.Equal(t, "/usr/bin/java", name)
	assert.Equal(t, []string{"-Xms1G", "-Xmx4G", "-XX:+UseG1GC", "-jar", "paper.jar", "nogui"}, args)
}

func TestHistory_KeepsMostRecent(t *testing.T) {
	h := newHistory(2)
	for _, line := range []string{"a", "b", "c"} {
		h.add(LogEvent{Line: line})
	}
	snap := h.snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "b", snap[0].Line)
	assert.Equal(t, "c", snap[1].Line)

	disabled := newHistory(0)
	disabled.add(LogEvent{Line: "x"})
	assert.Empty(t, disabled.snapshot())
}

func TestMirrorStatus_PublishesTransitions(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer eventBus.Close()

	states := make(chan string, 4)
	_, err := eventBus.Subscribe(bus.SubjectServerStatus, func(ctx context.Context, e *bus.Event) error {
		states <- e.Data["state"].(string)
		return nil
	})
	require.NoError(t, err)

	sup, _, _ := newTestSupervisor(t, "exec sleep 30")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	MirrorStatus(ctx, sup, eventBus, newTestLogger(t))

	require.NoError(t, sup.Start(ctx))
	select {
	case st := <-states:
		assert.Equal(t, "RUNNING", st)
	case <-time.After(2 * time.Second):
		t.Fatal("status not mirrored")
	}
}
