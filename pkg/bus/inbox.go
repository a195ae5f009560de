package bus

import (
	"context"
	"sync"
)

// inbox is an unbounded FIFO between transport callbacks and Receive.
// Pushing never blocks, so a slow consumer cannot stall delivery of other
// subscriptions or drop messages.
type inbox struct {
	mu     sync.Mutex
	queue  []Message
	notify chan struct{}
	closed bool
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (q *inbox) push(msg Message) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.queue = append(q.queue, msg)
	q.signal()
	q.mu.Unlock()
}

// signal wakes one waiter. Callers hold q.mu, which orders it against close.
func (q *inbox) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *inbox) pop(ctx context.Context) (Message, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Message{}, ErrClosed
		}
		if len(q.queue) > 0 {
			msg := q.queue[0]
			q.queue[0] = Message{}
			q.queue = q.queue[1:]
			if len(q.queue) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return msg, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

func (q *inbox) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.queue = nil
	close(q.notify)
	q.mu.Unlock()
}
