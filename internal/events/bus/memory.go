package bus

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/craftctl/craftctl/internal/common/logger"
)

// queueSize bounds the events waiting for one subscription's handler.
const queueSize = 256

var errClosed = errors.New("event bus is closed")

// MemoryEventBus implements EventBus in-process. Each subscription has its
// own worker goroutine, so a handler sees events in publish order and a slow
// handler never blocks the publisher. When a subscription's queue is full
// the event is dropped for that subscription and a warning is logged.
type MemoryEventBus struct {
	logger *logger.Logger

	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	closed bool
}

type delivery struct {
	ctx     context.Context
	subject string
	event   *Event
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	tokens  []string
	handler EventHandler
	queue   chan delivery
	done    chan struct{}
	once    sync.Once
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		logger: log.WithComponent("event_bus"),
		subs:   make(map[*memorySubscription]struct{}),
	}
}

// Publish queues event for every subscription whose subject matches. Handlers
// receive a context that carries ctx's values but not its cancellation, since
// they usually run after the publisher has returned.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errClosed
	}

	d := delivery{ctx: context.WithoutCancel(ctx), subject: subject, event: event}
	for sub := range b.subs {
		if !subjectMatches(sub.tokens, subject) {
			continue
		}
		select {
		case sub.queue <- d:
		case <-sub.done:
		default:
			b.logger.Warn("subscriber queue full, dropping event",
				zap.String("subject", subject),
				zap.String("subscription", sub.subject),
				zap.String("event_id", event.ID))
		}
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe registers handler for subject. "*" matches one token and ">"
// matches one or more trailing tokens.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errClosed
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		tokens:  strings.Split(subject, "."),
		handler: handler,
		queue:   make(chan delivery, queueSize),
		done:    make(chan struct{}),
	}
	b.subs[sub] = struct{}{}
	go sub.run()
	return sub, nil
}

// Close stops every subscription. Events still queued are discarded.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		sub.stop()
	}
	b.subs = make(map[*memorySubscription]struct{})
}

func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case d := <-s.queue:
			if err := s.handler(d.ctx, d.event); err != nil {
				s.bus.logger.Error("event handler failed",
					zap.String("subject", d.subject),
					zap.String("event_id", d.event.ID),
					zap.Error(err))
			}
		}
	}
}

func (s *memorySubscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *memorySubscription) Unsubscribe() error {
	s.stop()
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return nil
}

func (s *memorySubscription) IsValid() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func subjectMatches(pattern []string, subject string) bool {
	tokens := strings.Split(subject, ".")
	for i, p := range pattern {
		if p == ">" {
			return len(tokens) > i
		}
		if i >= len(tokens) || (p != "*" && p != tokens[i]) {
			return false
		}
	}
	return len(tokens) == len(pattern)
}
