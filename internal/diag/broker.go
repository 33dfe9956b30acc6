// Package diag fans out compute worker diagnostics to live subscribers,
// keyed by pool session.
package diag

import (
	"sync"

	"github.com/seantiz/kiln/internal/model"
)

// subscriberBufferSize is the channel buffer for each diagnostics subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// closedTopicRetention is how many ended sessions keep their closed marker.
// Older markers are dropped; by then the session journal reports the session
// as ended and nobody subscribes to it.
const closedTopicRetention = 256

// Broker manages per-session diagnostic streaming to subscribers.
// It is safe for concurrent use.
//
// Recently closed sessions are retained as markers so that late subscribers
// receive a closed channel instead of blocking forever.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
	closed []string
	retain int
}

type topic struct {
	subs   map[int]chan model.DiagnosticLine
	nextID int
	closed bool
}

func newTopic() *topic {
	return &topic{subs: make(map[int]chan model.DiagnosticLine)}
}

// NewBroker creates a new diagnostics broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
		retain: closedTopicRetention,
	}
}

// Open registers a session so Publish delivers to its subscribers. Subscribe
// also creates the topic, so Open only matters for sessions nobody watches yet.
func (b *Broker) Open(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[sessionID]; !ok {
		b.topics[sessionID] = newTopic()
	}
}

// Subscribe returns a channel that receives diagnostics for the given session
// and an unsubscribe function. If the session has already ended (Close was
// called), the returned channel is immediately closed.
func (b *Broker) Subscribe(sessionID string) (<-chan model.DiagnosticLine, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sessionID]
	if !ok {
		t = newTopic()
		b.topics[sessionID] = t
	}

	ch := make(chan model.DiagnosticLine, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a diagnostic to all subscribers of its session.
// Lines are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(line model.DiagnosticLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[line.SessionID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			// Never block a worker channel reader on a slow subscriber.
		}
	}
}

// Close signals that no more diagnostics will be published for the session.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *Broker) Close(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sessionID]
	if !ok {
		t = newTopic()
		b.topics[sessionID] = t
	}

	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}

	b.closed = append(b.closed, sessionID)
	for len(b.closed) > b.retain {
		delete(b.topics, b.closed[0])
		b.closed = b.closed[1:]
	}
}

// Topics returns the number of sessions the broker holds state for.
func (b *Broker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

// Subscribers returns the number of live subscribers for a session.
func (b *Broker) Subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[sessionID]
	if !ok {
		return 0
	}
	return len(t.subs)
}
