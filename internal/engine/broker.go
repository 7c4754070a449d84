package engine

import (
	"sync"

	"github.com/seantiz/infergate/internal/model"
)

// Broker notifies subscribers when a result reaches a terminal state.
// It is safe for concurrent use.
//
// Nothing is retained for ids without subscribers, so a caller must subscribe
// first and then re-read the store to avoid missing a completion that lands in
// between.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*resultTopic
}

type resultTopic struct {
	subs   map[int]chan model.Result
	nextID int
}

// NewBroker creates a new result broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*resultTopic),
	}
}

// Subscribe returns a channel that receives the terminal result for id and is
// then closed, along with an unsubscribe function.
func (b *Broker) Subscribe(id string) (<-chan model.Result, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[id]
	if !ok {
		t = &resultTopic{subs: make(map[int]chan model.Result)}
		b.topics[id] = t
	}

	ch := make(chan model.Result, 1)
	subID := t.nextID
	t.nextID++
	t.subs[subID] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		cur, ok := b.topics[id]
		if !ok || cur != t {
			return
		}
		delete(t.subs, subID)
		if len(t.subs) == 0 {
			delete(b.topics, id)
		}
	}
}

// Publish delivers r to every subscriber of r.ID and closes their channels.
func (b *Broker) Publish(r model.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[r.ID]
	if !ok {
		return
	}
	delete(b.topics, r.ID)

	for _, ch := range t.subs {
		// Each channel has room for exactly this one value.
		ch <- r
		close(ch)
	}
}

// Subscribers returns the number of active subscriptions for id.
func (b *Broker) Subscribers(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[id]
	if !ok {
		return 0
	}
	return len(t.subs)
}
