package events

import (
	"sync"

	"github.com/seantiz/kiln/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// All subscribes to events from every runtime.
const All = ""

// Broker fans runtime events out to live subscribers, per runtime key or for
// all runtimes. It is safe for concurrent use.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
	closed bool
}

type topic struct {
	subs   map[int]chan model.RuntimeEvent
	nextID int
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives events for the given runtime key
// (or every runtime when key is All) and an unsubscribe function. The channel
// is closed when the runtime is destroyed or the broker shuts down.
func (b *Broker) Subscribe(key string) (<-chan model.RuntimeEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.RuntimeEvent, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	t, ok := b.topics[key]
	if !ok {
		t = &topic{subs: make(map[int]chan model.RuntimeEvent)}
		b.topics[key] = t
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; !ok {
			return
		}
		delete(t.subs, id)
		close(ch)
		if len(t.subs) == 0 && b.topics[key] == t {
			delete(b.topics, key)
		}
	}
}

// Publish sends ev to subscribers of its runtime and to All subscribers.
// Events are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(ev model.RuntimeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, key := range []string{ev.Runtime, All} {
		t, ok := b.topics[key]
		if !ok {
			continue
		}
		for _, ch := range t.subs {
			select {
			case ch <- ev:
			default:
				// Drop for slow subscribers so restarts never block on them.
			}
		}
	}
}

// Close ends the stream for one runtime key. Subscribers are closed and the
// topic is forgotten, so a runtime later created under the same key starts a
// fresh stream.
func (b *Broker) Close(key string) {
	if key == All {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[key]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	delete(b.topics, key)
}

// Shutdown closes every subscriber. Later subscriptions get a closed channel.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for key, t := range b.topics {
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
		delete(b.topics, key)
	}
}

// Subscribers returns the number of live subscribers for key.
func (b *Broker) Subscribers(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[key]; ok {
		return len(t.subs)
	}
	return 0
}
