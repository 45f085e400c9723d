package process

import "sync"

// Listener receives supervisor events. It is called synchronously from the
// emitting goroutine, in emission order, and must not block.
type Listener func(Event)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id   uint64
	reg  *registry
	once sync.Once
}

// Unsubscribe removes the listener. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.reg.remove(s.id)
	})
}

type registry struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]Listener
}

func newRegistry() *registry {
	return &registry{subs: make(map[uint64]Listener)}
}

func (r *registry) add(l Listener) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.subs[r.nextID] = l
	return &Subscription{id: r.nextID, reg: r}
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// snapshot copies the current listeners so broadcast can run without the
// lock while subscribers come and go.
func (r *registry) snapshot() []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Listener, 0, len(r.subs))
	for _, l := range r.subs {
		out = append(out, l)
	}
	return out
}
