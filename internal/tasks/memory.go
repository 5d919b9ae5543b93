package tasks

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for tests and single-node runs.
type MemoryQueue struct {
	mu     sync.Mutex
	ch     chan Message
	timers []*time.Timer
}

// NewMemoryQueue returns a queue buffering up to size messages.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Message, size)}
}

// Enqueue delivers the message to the buffer.
func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueAfter delivers the message once delay elapses.
func (q *MemoryQueue) EnqueueAfter(_ context.Context, msg Message, delay time.Duration) error {
	if delay <= 0 {
		q.ch <- msg
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.timers = append(q.timers, time.AfterFunc(delay, func() {
		q.ch <- msg
	}))
	return nil
}

// Next blocks until a message is available or ctx is done.
func (q *MemoryQueue) Next(ctx context.Context) (Message, error) {
	select {
	case msg := <-q.ch:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// TryNext returns the next buffered message without blocking.
func (q *MemoryQueue) TryNext() (Message, bool) {
	select {
	case msg := <-q.ch:
		return msg, true
	default:
		return Message{}, false
	}
}

// Len reports the number of buffered messages.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Stop cancels pending delayed deliveries.
func (q *MemoryQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.timers {
		t.Stop()
	}
	q.timers = nil
}
