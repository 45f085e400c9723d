package console

import (
	"encoding/json"

	"github.com/craftctl/craftctl/internal/server/process"
)

// Envelope types on the console wire.
const (
	TypeLog    = "log"
	TypeStatus = "status"
	TypeCmd    = "cmd"
)

// Envelope is the JSON frame exchanged with console clients.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// LogData is the payload of a log envelope.
type LogData struct {
	TS   int64  `json:"ts"` // epoch milliseconds
	Line string `json:"line"`
}

// StatusData is the payload of a status envelope.
type StatusData struct {
	State process.State `json:"state"`
}

func encodeEvent(ev process.Event) ([]byte, error) {
	var (
		typ     string
		payload interface{}
	)
	switch {
	case ev.Log != nil:
		typ = TypeLog
		payload = LogData{TS: ev.Log.Timestamp.UnixMilli(), Line: ev.Log.Line}
	case ev.Status != nil:
		typ = TypeStatus
		payload = StatusData{State: ev.Status.State}
	default:
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Data: data})
}

// decodeCommand returns the command text of a cmd envelope. Any other shape
// yields ok=false.
func decodeCommand(raw []byte) (string, bool) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != TypeCmd {
		return "", false
	}
	var cmd string
	if err := json.Unmarshal(env.Data, &cmd); err != nil {
		return "", false
	}
	return cmd, true
}
