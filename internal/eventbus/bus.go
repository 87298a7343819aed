package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the polling engine.
const (
	CredentialThrottled = "credential.throttled"
	CredentialParked    = "credential.parked"
	CredentialUnparked  = "credential.unparked"
	CycleCompleted      = "poller.cycle"
	PollerToggled       = "poller.toggled"
	NotificationSent    = "notifier.sent"
	NotificationFailed  = "notifier.failed"
)

// Event is a small in-process signal. Data carries one of the payload
// structs below.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type CredentialEvent struct {
	Index  int
	Suffix string
	Until  time.Time
	Reason string
}

type Bus interface {
	// Publish never blocks; slow subscribers lose events.
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fan-out bus without background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64

	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Holding the write lock means no Publish is mid-send on ch.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped reports how many deliveries were skipped because a subscriber
// buffer was full.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}
