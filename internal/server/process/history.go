package process

// history keeps the most recent log lines for consoles that connect late.
// Callers hold Supervisor.emitMu.
type history struct {
	max    int
	events []LogEvent
}

func newHistory(max int) *history {
	return &history{max: max}
}

func (h *history) add(ev LogEvent) {
	if h.max <= 0 {
		return
	}
	h.events = append(h.events, ev)
	if over := len(h.events) - h.max; over > 0 {
		h.events = append(h.events[:0:0], h.events[over:]...)
	}
}

func (h *history) snapshot() []LogEvent {
	out := make([]LogEvent, len(h.events))
	copy(out, h.events)
	return out
}
