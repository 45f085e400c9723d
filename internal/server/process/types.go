package process

import (
	"errors"
	"time"
)

var (
	// ErrRunning is returned by Lock while a server process exists.
	ErrRunning = errors.New("server is running")
	// ErrLocked is returned by Start while the data directory is locked.
	ErrLocked = errors.New("server data is locked for maintenance")
)

// State is the lifecycle state of the managed server.
type State string

const (
	StateRunning State = "RUNNING"
	StateStopped State = "STOPPED"
	StateCrashed State = "CRASHED"
)

// LogEvent is one line of merged stdout/stderr output.
type LogEvent struct {
	Timestamp time.Time
	Line      string
}

// StatusEvent is emitted on every state transition.
type StatusEvent struct {
	State State
}

// Event carries exactly one of Log or Status.
type Event struct {
	Log    *LogEvent
	Status *StatusEvent
}

// Status is the point-in-time view returned by Supervisor.Status.
type Status struct {
	State    State   `json:"state"`
	PID      int     `json:"pid"`
	UptimeMs int64   `json:"uptimeMs"`
	CPU      float64 `json:"cpu"`
	MemMB    float64 `json:"memMB"`
}

// LogSink persists output lines. Implemented by logsink.Sink.
type LogSink interface {
	Append(ts time.Time, line string) error
}
