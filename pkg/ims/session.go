package ims

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"uas-server/pkg/errors"
	"uas-server/pkg/mailbox"
	"uas-server/pkg/media"
	"uas-server/pkg/metrics"
	"uas-server/pkg/transaction"
)

// Facade is what a Session needs from the process that owns it.
// *process.Process implements it.
type Facade interface {
	Context() context.Context
	Send(target *mailbox.Mailbox, msg mailbox.Message) error
	Request(target *mailbox.Mailbox, msg mailbox.Message, timeout time.Duration) (mailbox.Message, error)
	Begin(target *mailbox.Mailbox, msg mailbox.Message) (*transaction.Txn, error)
}

// Session is one media session on the media server. It is used by a single
// process and is not safe for concurrent use.
type Session struct {
	facade  Facade
	server  *mailbox.Mailbox
	timeout time.Duration
	handle  Handle
	local   media.CnxInfo
	logger  *logrus.Entry
}

// NewSession creates an unallocated session. timeout bounds every
// request/response exchange except the wait for playback to end.
func NewSession(facade Facade, server *mailbox.Mailbox, timeout time.Duration, logger *logrus.Entry) *Session {
	return &Session{
		facade:  facade,
		server:  server,
		timeout: timeout,
		logger:  logger.WithField("component", "ims"),
	}
}

// Handle returns the media server handle, or Undefined.
func (s *Session) Handle() Handle {
	return s.handle
}

// MediaData returns the local RTP endpoint of the session.
func (s *Session) MediaData() media.CnxInfo {
	return s.local
}

// Allocate creates the media session. Allocating an allocated session is a
// no-op.
func (s *Session) Allocate(remote media.CnxInfo, codec media.MediaFormat) error {
	if s.handle != Undefined {
		return nil
	}

	s.logger.WithFields(logrus.Fields{
		"remote": remote.String(),
		"codec":  codec.String(),
	}).Debug("Allocating media session")

	resp, err := s.facade.Request(s.server, mailbox.New(MsgAllocate, Allocate{Remote: remote, Codec: codec}), s.timeout)
	if err != nil {
		metrics.RecordMediaRequest("allocate", "error")
		s.logger.WithError(err).Warn("Error allocating media session")
		return err
	}

	switch payload := resp.Payload.(type) {
	case AllocateAck:
		s.handle = payload.Session
		s.local = payload.Local
		s.logger.WithField("session", s.handle).Debug("Media session allocated")
		return nil
	case AllocateNack:
		s.logger.WithField("reason", payload.Reason).Debug("Media session allocation refused")
		return errors.NewMediaRefused(payload.Reason)
	default:
		return errors.NewProtocolInconsistency("unexpected allocate response", map[string]interface{}{
			"message": string(resp.ID),
		})
	}
}

// StartPlay starts playing file and returns the open transaction that will
// carry PlayStopped, so the caller can wait for it together with other
// mailboxes. With provisional set the start is confirmed first, bounded by
// the transaction timeout. The caller must Close the transaction.
func (s *Session) StartPlay(file string, loop, provisional bool) (*transaction.Txn, error) {
	if s.handle == Undefined {
		return nil, errors.NewInvalidInput("media session not allocated", nil)
	}

	txn, err := s.facade.Begin(s.server, mailbox.New(MsgStartPlay, StartPlay{
		Session:     s.handle,
		File:        file,
		Loop:        loop,
		Provisional: provisional,
	}))
	if err != nil {
		return nil, err
	}

	if provisional {
		resp, err := txn.Wait(s.facade.Context(), s.timeout)
		if err != nil {
			txn.Close()
			return nil, err
		}
		if resp.ID != MsgStartPlayAck {
			txn.Close()
			return nil, errors.NewProtocolInconsistency("unexpected play response", map[string]interface{}{
				"message": string(resp.ID),
			})
		}
	}
	return txn, nil
}

// Play plays file. With sync set it blocks until playback stops, which has
// no time limit since a prompt can be of any length.
func (s *Session) Play(file string, sync, loop, provisional bool) error {
	txn, err := s.StartPlay(file, loop, provisional)
	if err != nil {
		return err
	}
	defer txn.Close()

	if !sync {
		return nil
	}

	resp, err := txn.Wait(s.facade.Context(), transaction.Infinite)
	if err != nil {
		return err
	}
	if resp.ID != MsgPlayStopped {
		return errors.NewProtocolInconsistency("unexpected play response", map[string]interface{}{
			"message": string(resp.ID),
		})
	}
	return nil
}

// TearDown releases the media session. It does not wait for the media
// server and is safe to call more than once.
func (s *Session) TearDown() {
	if s.handle == Undefined {
		return
	}
	handle := s.handle
	s.handle = Undefined

	if err := s.facade.Send(s.server, mailbox.New(MsgTearDown, TearDown{Session: handle})); err != nil {
		s.logger.WithError(err).WithField("session", handle).Warn("Failed to send media teardown")
	}
}
