package operations

import "sync"

// subscriberBufferSize is the channel buffer for each update subscriber.
// Snapshots are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Broker fans out operation snapshots to SSE subscribers.
// It is safe for concurrent use.
//
// Closed topics are kept as markers so that late subscribers of a finished
// operation receive a closed channel instead of blocking forever. A resumed
// operation reopens its topic.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan []byte
	nextID int
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]*topic)}
}

// Subscribe returns a channel of JSON snapshots for the given operation and
// an unsubscribe function. If the operation already reached a terminal
// status, the returned channel is closed.
func (b *Broker) Subscribe(operationID string) (<-chan []byte, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[operationID]
	if !ok {
		t = &topic{subs: make(map[int]chan []byte)}
		b.topics[operationID] = t
	}

	ch := make(chan []byte, subscriberBufferSize)
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

// Publish sends a snapshot to all subscribers of the operation.
func (b *Broker) Publish(operationID string, snapshot []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[operationID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- snapshot:
		default:
			// Slow subscriber; drop.
		}
	}
}

// Close ends the stream for an operation. Subscribers' channels are closed
// and future Subscribe calls get a closed channel until Reopen.
func (b *Broker) Close(operationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[operationID]
	if !ok {
		b.topics[operationID] = &topic{subs: make(map[int]chan []byte), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Reopen clears the closed marker of a resumed operation.
func (b *Broker) Reopen(operationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[operationID]; ok && t.closed {
		delete(b.topics, operationID)
	}
}
