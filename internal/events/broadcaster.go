// Package events fans the model state mapping out to observers.
package events

import (
	"sync"
	"time"

	"github.com/italolelis/model_downloader/internal/storage"
)

// EventName is the name used for state change events on the wire.
const EventName = "model-states-updated"

// StateChange carries the complete mapping as it was after a committed change.
type StateChange struct {
	States storage.States
	At     time.Time
}

// Broadcaster delivers the latest state mapping to every subscriber.
// Delivery is lossy: a slow subscriber only ever sees the most recent mapping.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan StateChange
	nextID int
	closed bool
	now    func() time.Time
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[int]chan StateChange),
		now:  time.Now,
	}
}

// Publish implements storage.Publisher.
func (b *Broadcaster) Publish(states storage.States) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	change := StateChange{States: states, At: b.now()}

	for _, ch := range b.subs {
		// drop the stale value if the subscriber has not picked it up yet
		select {
		case <-ch:
		default:
		}

		ch <- change
	}
}

// Subscribe returns a channel receiving state changes and a func that cancels the subscription.
func (b *Broadcaster) Subscribe() (<-chan StateChange, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan StateChange, 1)

	if b.closed {
		close(ch)

		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Close closes every subscriber channel. Publishing after Close is a no-op.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
