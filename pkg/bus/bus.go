// Package bus is the publish/subscribe client used by the coordinator and the
// workers. Topics are exact-match; every subscriber of a topic receives every
// message published on it. All subscriptions of one client feed a single
// inbox that Receive drains one message at a time in arrival order.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed is returned by every operation on a closed client.
	ErrClosed = errors.New("bus: closed")
)

// PayloadTooLargeError is returned by Publish when the payload exceeds the
// maximum message size of the transport.
type PayloadTooLargeError struct {
	Topic string
	Size  int
	Max   int64
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("bus: payload of %d bytes on %s exceeds max payload %d", e.Size, e.Topic, e.Max)
}

// Message is a delivered message.
type Message struct {
	Topic   string
	Payload []byte
}

// Bus is a connected publish/subscribe client.
type Bus interface {
	// Publish sends payload to every subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe adds topic to the client's subscriptions. Subscribing to a
	// topic twice is a no-op.
	Subscribe(topic string) error

	// Receive blocks until the next message for any subscribed topic arrives,
	// ctx is done, or the client is closed.
	Receive(ctx context.Context) (Message, error)

	// Close releases the client. Pending Receive calls return ErrClosed.
	Close() error
}

// MemoryHub is an in-process broker. Clients created with Connect see each
// other's publications; nothing is dropped.
type MemoryHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*memoryBus]struct{}
	maxPayload  int64
}

// NewMemoryHub creates an empty hub. maxPayload <= 0 disables the size check.
func NewMemoryHub(maxPayload int64) *MemoryHub {
	return &MemoryHub{
		subscribers: make(map[string]map[*memoryBus]struct{}),
		maxPayload:  maxPayload,
	}
}

// Connect creates a client attached to the hub.
func (h *MemoryHub) Connect(name string) Bus {
	return &memoryBus{
		name:   name,
		hub:    h,
		inbox:  newInbox(),
		topics: make(map[string]struct{}),
	}
}

type memoryBus struct {
	name   string
	hub    *MemoryHub
	inbox  *inbox
	mu     sync.Mutex
	topics map[string]struct{}
	closed bool
}

func (b *memoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.hub.maxPayload > 0 && int64(len(payload)) > b.hub.maxPayload {
		return &PayloadTooLargeError{Topic: topic, Size: len(payload), Max: b.hub.maxPayload}
	}

	b.hub.mu.RLock()
	defer b.hub.mu.RUnlock()
	for sub := range b.hub.subscribers[topic] {
		// Each receiver owns its copy, as it would after crossing the wire.
		data := make([]byte, len(payload))
		copy(data, payload)
		sub.inbox.push(Message{Topic: topic, Payload: data})
	}
	return nil
}

func (b *memoryBus) Subscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.topics[topic]; ok {
		return nil
	}
	b.topics[topic] = struct{}{}

	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	subs, ok := b.hub.subscribers[topic]
	if !ok {
		subs = make(map[*memoryBus]struct{})
		b.hub.subscribers[topic] = subs
	}
	subs[b] = struct{}{}
	return nil
}

func (b *memoryBus) Receive(ctx context.Context) (Message, error) {
	return b.inbox.pop(ctx)
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := b.topics
	b.topics = nil
	b.mu.Unlock()

	b.hub.mu.Lock()
	for topic := range topics {
		delete(b.hub.subscribers[topic], b)
		if len(b.hub.subscribers[topic]) == 0 {
			delete(b.hub.subscribers, topic)
		}
	}
	b.hub.mu.Unlock()

	b.inbox.close()
	return nil
}

func (b *memoryBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
