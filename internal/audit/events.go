package audit

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/craftctl/craftctl/internal/common/logger"
	"github.com/craftctl/craftctl/internal/events/bus"
)

// Subscribe records backup results and server state transitions published on
// eventBus. The actor is taken from the event's "actor" field and falls back
// to its source. Callers unsubscribe the returned subscriptions on shutdown.
func (s *Store) Subscribe(eventBus bus.EventBus, log *logger.Logger) ([]bus.Subscription, error) {
	log = log.WithComponent("audit")
	handler := func(ctx context.Context, e *bus.Event) error {
		action, detail, ok := eventAction(e)
		if !ok {
			log.Debug("ignoring event", zap.String("event_type", e.Type))
			return nil
		}
		return s.Record(ctx, eventActor(e), action, detail)
	}

	var subs []bus.Subscription
	for _, subject := range []string{bus.SubjectBackupAll, bus.SubjectServerStatus} {
		sub, err := eventBus.Subscribe(subject, handler)
		if err != nil {
			for _, prev := range subs {
				_ = prev.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func eventAction(e *bus.Event) (action, detail string, ok bool) {
	switch e.Type {
	case bus.TypeBackupCreated:
		return ActionBackupCreate, dataString(e, "id"), true
	case bus.TypeBackupRestored:
		return ActionBackupRestore, dataString(e, "id"), true
	case bus.TypeBackupDeleted:
		return ActionBackupDelete, dataString(e, "id"), true
	case bus.TypeBackupPruned:
		ids, _ := e.Data["ids"].([]interface{})
		parts := make([]string, 0, len(ids))
		for _, id := range ids {
			parts = append(parts, fmt.Sprint(id))
		}
		return ActionBackupPrune, strings.Join(parts, ","), true
	case bus.TypeServerStatus:
		return ActionServerState, dataString(e, "state"), true
	}
	return "", "", false
}

func eventActor(e *bus.Event) string {
	if actor := dataString(e, "actor"); actor != "" {
		return actor
	}
	return e.Source
}

func dataString(e *bus.Event, key string) string {
	v, _ := e.Data[key].(string)
	return v
}
