package eventbus

import (
	"context"
	"sync"

	"github.com/hullworks/deckhand/schema"
	"pkt.systems/pslog"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventOutput carries captured output bytes for a tab.
	EventOutput EventType = "output"
	// EventExit reports that a tab's capture subprocess exited.
	EventExit EventType = "exit"
	// EventError reports a capture supervision error.
	EventError EventType = "error"
)

// Event is one session event delivered to subscribers.
type Event struct {
	Type   EventType
	Output schema.TabOutputEvent
	Exit   schema.TabExitEvent
	Err    schema.TabErrorEvent
}

// Bus fans session events out to subscribers. Capture goroutines publish
// without blocking; a subscriber that falls behind loses events rather than
// stalling capture for every other tab.
type Bus struct {
	mu    sync.Mutex
	subs  map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[chan Event]struct{}),
		log:   logger,
		depth: 1024,
	}
}

// Subscribe registers a subscriber and returns its channel plus a cancel
// function. Events for a single subscriber arrive in publish order, which
// preserves per-tab output ordering.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.Debug("eventbus subscribe", "subs", count)
	}
	return ch, func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
		if b.log != nil {
			b.log.Debug("eventbus unsubscribe")
		}
	}
}

// OnOutput publishes a tab output event.
func (b *Bus) OnOutput(event schema.TabOutputEvent) {
	b.publish(Event{Type: EventOutput, Output: event})
}

// OnExited publishes a tab exit event.
func (b *Bus) OnExited(event schema.TabExitEvent) {
	b.publish(Event{Type: EventExit, Exit: event})
}

// OnError publishes a capture error event.
func (b *Bus) OnError(event schema.TabErrorEvent) {
	b.publish(Event{Type: EventError, Err: event})
}

func (b *Bus) publish(event Event) {
	if b == nil {
		return
	}
	// Sends stay under the lock so a concurrent unsubscribe cannot close a
	// channel mid-send. Sends never block, so the lock is held briefly.
	b.mu.Lock()
	dropped := 0
	for sub := range b.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 && b.log != nil {
		b.log.Trace("eventbus dropped", "count", dropped)
	}
}
