// Package eventbus implements the process-wide publish/subscribe broker
// that carries all inter-component communication inside the session
// core: Invitation state changes, SDP updates, media stream lifecycle,
// and Session notifications all travel as Events.
package eventbus

import (
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
)

// Event is a single notification travelling the bus.
//
// SenderID identifies the originator (the owning Session's ID, for the
// Session, its Invitation and its Streams alike) and is used to pick a
// partition: events from the same sender are
// always delivered to subscribers in publication order, while
// independent senders are delivered concurrently.
type Event struct {
	Topic    string
	SenderID string
	Payload  interface{}
}

// Handler processes one Event. It must not block for long — it runs on
// the bus's partition goroutine and a slow handler delays every other
// event from the same sender.
type Handler func(Event)

// Subscription is returned by Subscribe; call Unsubscribe to stop
// receiving events.
type Subscription struct {
	id    string
	topic string
	bus   *Bus
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.topic, s.id)
}

type subscriber struct {
	id      string
	handler Handler
}

type partition struct {
	queue chan Event
	done  chan struct{}
}

// Bus is an in-memory, partitioned event broker.
//
// Publish is safe for concurrent callers. Each partition runs its own
// goroutine so that N independent senders make progress in parallel,
// while a single sender's events never reorder relative to each other.
type Bus struct {
	partitions []*partition

	mu          sync.RWMutex
	subscribers map[string][]subscriber // topic -> subscribers
	closed      bool
}

// New creates a Bus with the given number of partitions and per-
// partition queue depth. partitionCount is typically the number of
// concurrently active Sessions you expect; queueSize bounds how far a
// slow subscriber can lag before Publish starts blocking its caller.
func New(partitionCount, queueSize int) *Bus {
	if partitionCount < 1 {
		partitionCount = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	b := &Bus{
		partitions:  make([]*partition, partitionCount),
		subscribers: make(map[string][]subscriber),
	}
	for i := range b.partitions {
		p := &partition{
			queue: make(chan Event, queueSize),
			done:  make(chan struct{}),
		}
		b.partitions[i] = p
		go b.run(p)
	}
	return b
}

// Publish delivers event to every subscriber of event.Topic, on the
// partition owned by event.SenderID. It blocks only if that
// partition's queue is full (backpressure), never on the handler
// itself running.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}
	p := b.partitions[b.partitionFor(event.SenderID)]
	p.queue <- event
}

// Subscribe registers handler for topic and returns a handle to cancel
// it later. A sender's events still hit every subscriber of its topic,
// in the order they were published.
func (b *Bus) Subscribe(topic string, handler Handler) *Subscription {
	id := uuid.NewString()
	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], subscriber{id: id, handler: handler})
	b.mu.Unlock()
	return &Subscription{id: id, topic: topic, bus: b}
}

func (b *Bus) unsubscribe(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[topic]
	for i, s := range subs {
		if s.id == id {
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Close stops all partition goroutines. Queued events that have not
// yet been delivered are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	for _, p := range b.partitions {
		close(p.done)
	}
}

func (b *Bus) partitionFor(senderID string) int {
	if senderID == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(senderID))
	return int(h.Sum32() % uint32(len(b.partitions)))
}

func (b *Bus) run(p *partition) {
	for {
		select {
		case <-p.done:
			return
		case ev := <-p.queue:
			b.mu.RLock()
			subs := append([]subscriber(nil), b.subscribers[ev.Topic]...)
			b.mu.RUnlock()
			for _, s := range subs {
				s.handler(ev)
			}
		}
	}
}
