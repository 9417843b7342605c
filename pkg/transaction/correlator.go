// Package transaction correlates requests sent to a mailbox with the
// responses that come back for them.
package transaction

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"uas-server/pkg/errors"
	"uas-server/pkg/mailbox"
	"uas-server/pkg/metrics"
)

// Infinite is accepted as a timeout where waiting forever is the policy,
// e.g. waiting for a playback-stopped event.
const Infinite = mailbox.Infinite

// replyBoxSize bounds how many responses may be queued for one transaction.
const replyBoxSize = 8

// NewID returns a fresh transaction id.
func NewID() string {
	return uuid.NewString()
}

// Correlator hands out transaction ids and private reply mailboxes and
// retires them when the waiter gives up.
type Correlator struct {
	logger *logrus.Entry

	mu      sync.Mutex
	pending map[string]*Txn
}

// NewCorrelator creates an empty correlator.
func NewCorrelator(logger *logrus.Entry) *Correlator {
	return &Correlator{
		logger:  logger,
		pending: make(map[string]*Txn),
	}
}

// Txn is one outstanding request. A transaction may receive several
// responses (for example a provisional ack followed by a final event).
type Txn struct {
	ID      string
	c       *Correlator
	reply   *mailbox.Mailbox
	started time.Time
	once    sync.Once
	first   bool
}

// Begin sends msg to target with a new transaction id and a private reply
// mailbox as its source.
func (c *Correlator) Begin(target *mailbox.Mailbox, msg mailbox.Message) (*Txn, error) {
	id := NewID()
	txn := &Txn{
		ID:      id,
		c:       c,
		reply:   mailbox.NewMailbox("txn-"+id, replyBoxSize),
		started: time.Now(),
	}

	msg.TxnID = id
	msg.Source = txn.reply

	c.mu.Lock()
	c.pending[id] = txn
	c.mu.Unlock()

	if err := target.Send(msg); err != nil {
		txn.Close()
		metrics.RecordTransaction("error", 0)
		return nil, errors.Wrap(err, "send request", map[string]interface{}{
			"txn_id":  id,
			"target":  target.Name(),
			"message": string(msg.ID),
		})
	}
	return txn, nil
}

// Request sends msg and waits for the first response with the same id.
func (c *Correlator) Request(ctx context.Context, target *mailbox.Mailbox, msg mailbox.Message, timeout time.Duration) (mailbox.Message, error) {
	txn, err := c.Begin(target, msg)
	if err != nil {
		return mailbox.Message{}, err
	}
	defer txn.Close()
	return txn.Wait(ctx, timeout)
}

// Pending returns the number of transactions still waiting.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Reply returns the private mailbox responses arrive on, so callers can
// select on it together with other mailboxes.
func (t *Txn) Reply() *mailbox.Mailbox {
	return t.reply
}

// Matches reports whether msg belongs to this transaction.
func (t *Txn) Matches(msg mailbox.Message) bool {
	return msg.TxnID == t.ID
}

// Wait returns the next response for the transaction. Messages carrying a
// different transaction id are dropped.
func (t *Txn) Wait(ctx context.Context, timeout time.Duration) (mailbox.Message, error) {
	var deadline time.Time
	if timeout != Infinite {
		deadline = time.Now().Add(timeout)
	}

	for {
		remaining := Infinite
		if timeout != Infinite {
			remaining = time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
		}

		_, msg, err := mailbox.Select(ctx, remaining, t.reply)
		switch {
		case errors.IsErrorType(err, mailbox.ErrTimeout):
			metrics.RecordTransaction("timeout", 0)
			return mailbox.Message{}, errors.NewTransactionTimeout(t.ID, map[string]interface{}{
				"timeout": timeout.String(),
			})
		case err != nil:
			metrics.RecordTransaction("error", 0)
			return mailbox.Message{}, err
		}

		if !t.Matches(msg) {
			t.c.logger.WithFields(logrus.Fields{
				"txn_id":  t.ID,
				"got_txn": msg.TxnID,
				"message": msg.ID,
			}).Debug("Dropping response for another transaction")
			continue
		}

		if !t.first {
			t.first = true
			metrics.RecordTransaction("ok", time.Since(t.started))
		}
		return msg, nil
	}
}

// Close retires the transaction. Responses sent afterwards fail at the
// sender with a closed-mailbox error.
func (t *Txn) Close() {
	t.once.Do(func() {
		t.reply.Close()
		t.c.mu.Lock()
		delete(t.c.pending, t.ID)
		t.c.mu.Unlock()
	})
}

// Respond sends resp to the source of req with req's transaction id.
func Respond(req mailbox.Message, resp mailbox.Message) error {
	if req.Source == nil {
		return errors.NewInvalidInput("request has no reply address", map[string]interface{}{
			"message": string(req.ID),
		})
	}
	resp.TxnID = req.TxnID
	return req.Source.Send(resp)
}
