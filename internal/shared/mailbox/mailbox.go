// Package mailbox provides an unbounded FIFO queue with a blocking receive.
//
// Every event loop in the kernel (the dispatcher, each module execution
// context, each transport connection) drains one mailbox. Producers never
// block, so two loops that post to each other cannot deadlock.
package mailbox

import (
	"context"
	"sync"
)

// Mailbox is an unbounded multi-producer, single-consumer queue
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T  // Protected by mu
	closed bool // Protected by mu

	signal chan struct{}
	done   chan struct{}
}

// New creates an empty mailbox
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Put appends an item. It returns false once the mailbox is closed.
func (m *Mailbox[T]) Put(item T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, item)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// Receive blocks until an item is available, the mailbox is closed and
// drained, or ctx is done. ok is false in the latter two cases.
func (m *Mailbox[T]) Receive(ctx context.Context) (item T, ok bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			item = m.items[0]
			var zero T
			m.items[0] = zero
			m.items = m.items[1:]
			m.mu.Unlock()
			return item, true
		}
		closed := m.closed
		m.mu.Unlock()

		if closed {
			return item, false
		}

		select {
		case <-m.signal:
		case <-m.done:
		case <-ctx.Done():
			return item, false
		}
	}
}

// Close stops accepting items. Items already queued are still delivered.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}

// Len returns the number of queued items
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
