package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Task lifecycle topics published by the engine. Consumers match on these
// rather than bare strings.
const (
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskRetired   = "task.retired"
	TopicTaskCancelled = "task.cancelled"
	TopicTaskRerouted  = "task.rerouted"
)

// Event is one task lifecycle signal. Type is one of the Topic constants
// above; Data carries the engine's event payload (engine.TaskEvent).
//
// Contract:
//   - Publish MUST be non-blocking: it is called from worker tick loops and
//     a stalled subscriber must never stall a region.
//   - Subscribers MUST use buffered channels; a full buffer drops the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())

	// Dropped reports how many events were discarded because a subscriber's
	// buffer was full. Diagnostic only.
	Dropped() uint64
}

// New returns the in-process fanout bus. It owns no goroutines; delivery
// happens on the publisher's stack.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so no lock is held while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		b.deliver(ch, e)
	}
}

// deliver sends without blocking. A concurrent unsubscribe may have closed
// the channel; the recover absorbs the send panic in that window.
func (b *fanout) deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
		b.dropped.Add(1)
	}
}

func (b *fanout) Dropped() uint64 { return b.dropped.Load() }

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Safe because deliver tolerates the closed-channel send.
			close(ch)
		})
	}
	return ch, unsub
}
