package process

import (
	"context"

	"go.uber.org/zap"

	"github.com/craftctl/craftctl/internal/common/logger"
	"github.com/craftctl/craftctl/internal/events/bus"
)

const mirrorQueueSize = 32

// MirrorStatus republishes status transitions on the event bus under
// bus.SubjectServerStatus until ctx is done. Publishing happens on its own
// goroutine so a slow bus never holds up console delivery.
func MirrorStatus(ctx context.Context, s *Supervisor, eventBus bus.EventBus, log *logger.Logger) *Subscription {
	log = log.WithComponent("status_mirror")
	queue := make(chan State, mirrorQueueSize)

	sub := s.Subscribe(func(ev Event) {
		if ev.Status == nil {
			return
		}
		select {
		case queue <- ev.Status.State:
		default:
			log.Warn("status mirror queue full, dropping transition", zap.String("state", string(ev.Status.State)))
		}
	})

	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case state := <-queue:
				event := bus.NewEvent(bus.TypeServerStatus, "supervisor", map[string]interface{}{
					"state": string(state),
				})
				if err := eventBus.Publish(ctx, bus.SubjectServerStatus, event); err != nil {
					log.Warn("failed to publish status", zap.Error(err))
				}
			}
		}
	}()

	return sub
}
