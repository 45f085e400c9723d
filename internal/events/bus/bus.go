// Package bus carries panel notifications (status transitions, backup
// results) to in-process or NATS subscribers.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the panel.
const (
	SubjectServerStatus   = "craftctl.server.status"
	SubjectBackupCreated  = "craftctl.backup.created"
	SubjectBackupRestored = "craftctl.backup.restored"
	SubjectBackupDeleted  = "craftctl.backup.deleted"
	SubjectBackupPruned   = "craftctl.backup.pruned"

	// SubjectBackupAll matches every backup subject.
	SubjectBackupAll = "craftctl.backup.>"
)

// Event types carried in Event.Type.
const (
	TypeServerStatus   = "server.status"
	TypeBackupCreated  = "backup.created"
	TypeBackupRestored = "backup.restored"
	TypeBackupDeleted  = "backup.deleted"
	TypeBackupPruned   = "backup.pruned"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler handles one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is implemented by MemoryEventBus and NATSEventBus.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
