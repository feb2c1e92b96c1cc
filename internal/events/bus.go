package events

import (
	"flowstate/internal/domain"
)

type EventPayload map[string]any

// Handler receives events synchronously in publish order.
type Handler func(domain.Event)

// Bus fans engine events out to subscribers. It is not safe for concurrent
// use; the engine publishes from a single goroutine.
type Bus struct {
	seq      int64
	handlers []Handler
}

func NewBus(seq int64) *Bus {
	return &Bus{seq: seq}
}

func (b *Bus) Subscribe(h Handler) {
	if h == nil {
		return
	}
	b.handlers = append(b.handlers, h)
}

// Publish stamps the next sequence number and delivers the event. A bus with
// no subscribers simply advances the sequence.
func (b *Bus) Publish(day int, typ domain.EventType, itemID string, payload EventPayload) domain.Event {
	b.seq++
	evt := domain.Event{
		Seq:     b.seq,
		Day:     day,
		Type:    typ,
		ItemID:  itemID,
		Payload: map[string]any(payload),
	}
	for _, h := range b.handlers {
		h(evt)
	}
	return evt
}

func (b *Bus) Seq() int64 { return b.seq }

// Recorder buffers events so callers can persist them after a command.
type Recorder struct {
	Events []domain.Event
}

func (r *Recorder) Handle(evt domain.Event) {
	r.Events = append(r.Events, evt)
}

func (r *Recorder) Drain() []domain.Event {
	out := r.Events
	r.Events = nil
	return out
}
