package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight in-memory signal used to decouple the queue,
// poller, and scheduler from whatever observes them.
//
// Publish never blocks; a subscriber that falls behind its buffer loses
// events rather than stalling a producer.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Well-known event types published by the coordinator. Consumers subscribe
// to these instead of registering callbacks on the producing component.
const (
	TypeExecStarted  = "exec.started"
	TypeExecFinished = "exec.finished"
	TypeExecTimeout  = "exec.timeout"
	TypeCommandOK    = "command.applied"
	TypeCommandDead  = "command.dead_letter"
	TypeCommandDeny  = "command.denied"
	TypeTaskFired    = "task.fired"
)

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// Publish delivers e to every subscriber whose buffer has room. Sends happen
// under the read lock and channel close under the write lock, so a
// concurrent unsubscribe can never close a channel mid-send.
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
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Dropped reports how many events were discarded because a subscriber's
// buffer was full.
func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
