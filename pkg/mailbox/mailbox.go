package mailbox

import (
	"context"
	"sync"
	"time"

	"uas-server/pkg/errors"
	"uas-server/pkg/metrics"
)

// Infinite disables the timeout of Receive and Select.
const Infinite time.Duration = -1

// DefaultSize is the buffer size used when a caller passes zero.
const DefaultSize = 64

var (
	ErrClosed  = errors.ErrMailboxClosed
	ErrFull    = errors.ErrMailboxFull
	ErrTimeout = errors.ErrTimeout
)

// Mailbox is a bounded FIFO of messages with a single logical reader.
//
// Senders never block: a full or closed mailbox is reported through the
// return value of Send. Messages accepted before Close are still delivered.
type Mailbox struct {
	name string
	ch   chan Message

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewMailbox creates a mailbox that buffers up to size messages.
func NewMailbox(name string, size int) *Mailbox {
	if size <= 0 {
		size = DefaultSize
	}
	return &Mailbox{
		name: name,
		ch:   make(chan Message, size),
		done: make(chan struct{}),
	}
}

// Name returns the diagnostic name of the mailbox.
func (m *Mailbox) Name() string {
	if m == nil {
		return ""
	}
	return m.name
}

// Send enqueues msg without blocking.
func (m *Mailbox) Send(msg Message) error {
	if m == nil {
		return ErrClosed
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		metrics.RecordMailboxSendFailure("closed")
		return ErrClosed
	}

	select {
	case m.ch <- msg:
		return nil
	default:
		metrics.RecordMailboxSendFailure("full")
		return ErrFull
	}
}

// Close rejects further sends. Safe to call more than once.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}

// Closed reports whether Close has been called.
func (m *Mailbox) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Len returns the number of buffered messages.
func (m *Mailbox) Len() int {
	return len(m.ch)
}

// Receive waits for the next message. It returns ErrTimeout when timeout
// elapses, ErrClosed once the mailbox is closed and drained, and the
// context error when ctx is cancelled.
func (m *Mailbox) Receive(ctx context.Context, timeout time.Duration) (Message, error) {
	_, msg, err := Select(ctx, timeout, m)
	return msg, err
}

// Pair is the handle a parent holds on a child: the parent sends to Inbound
// and reads from Outbound.
type Pair struct {
	Inbound  *Mailbox
	Outbound *Mailbox
}

// NewPair creates both directions with the same buffer size.
func NewPair(name string, size int) Pair {
	return Pair{
		Inbound:  NewMailbox(name+".in", size),
		Outbound: NewMailbox(name+".out", size),
	}
}

// Close closes both directions.
func (p Pair) Close() {
	if p.Inbound != nil {
		p.Inbound.Close()
	}
	if p.Outbound != nil {
		p.Outbound.Close()
	}
}
