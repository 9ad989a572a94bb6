package queue

import (
	"context"
	"sync"
)

// MemoryQueue keeps messages in process. It backs local runs and tests.
type MemoryQueue struct {
	mu       sync.Mutex
	capacity int
	messages []Message
}

// NewMemoryQueue creates an in-memory queue. A non-positive capacity defaults to 1024.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{capacity: capacity}
}

// Send appends msg to the queue.
func (q *MemoryQueue) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) >= q.capacity {
		return ErrQueueFull
	}
	q.messages = append(q.messages, msg)
	return nil
}

// Messages returns a copy of everything sent so far.
func (q *MemoryQueue) Messages() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.messages...)
}

// Drain returns and removes everything sent so far.
func (q *MemoryQueue) Drain() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.messages
	q.messages = nil
	return out
}
