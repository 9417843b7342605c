package app

import (
	"github.com/sirupsen/logrus"

	"uas-server/pkg/errors"
	"uas-server/pkg/ims"
	"uas-server/pkg/mailbox"
	"uas-server/pkg/media"
	"uas-server/pkg/process"
	"uas-server/pkg/uas"
)

// call handles one accepted offer from media allocation to hangup.
type call struct {
	cfg      Config
	offer    uas.CallOffered
	uas      *mailbox.Mailbox
	accepted []media.MediaFormat
	logger   *logrus.Entry
}

func (c *call) run(p *process.Process) error {
	c.logger = p.Logger().WithField("call_handle", c.offer.Handle)
	p.Ready()

	session := ims.NewSession(p, c.cfg.IMS, c.cfg.TransactionTimeout, c.logger)
	defer session.TearDown()

	if err := session.Allocate(c.offer.Remote, c.accepted[0]); err != nil {
		c.logger.WithError(err).Warn("Media allocation failed, rejecting call")
		if err := p.Send(c.uas, mailbox.New(uas.MsgCallOfferedNack, uas.CallOfferedNack{Handle: c.offer.Handle})); err != nil {
			c.logger.WithError(err).Debug("Reject not delivered")
		}
		return nil
	}

	if !c.connect(p, session.MediaData()) {
		return nil
	}

	play, err := session.StartPlay(c.cfg.Greeting, c.cfg.LoopGreeting, true)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to play greeting")
		c.hangup(p, "media failure")
		return nil
	}
	defer play.Close()

	for {
		idx, msg, err := p.Select(mailbox.Infinite, play.Reply(), c.offer.Events, p.Inbound())
		if err != nil {
			if idx == 1 {
				c.logger.Debug("Call released by UAS")
				return nil
			}
			c.hangup(p, "stopped")
			return nil
		}

		switch idx {
		case 0:
			if !play.Matches(msg) {
				continue
			}
			reason := ""
			if stopped, ok := msg.Payload.(ims.PlayStopped); ok {
				reason = stopped.Reason
			}
			c.logger.WithField("reason", reason).Info("Greeting finished, hanging up")
			c.hangup(p, "completed")
			return nil
		case 1:
			if hangup, ok := msg.Payload.(uas.CallHangup); ok {
				c.logger.WithField("reason", hangup.Reason).Info("Call ended")
				return nil
			}
		case 2:
			if msg.IsShutdown() {
				c.hangup(p, "shutdown")
				return nil
			}
		}
		c.logger.WithField("message", msg.ID).Debug("Ignoring message")
	}
}

// connect accepts the offer and waits until the caller confirms the answer.
// It reports whether the call is connected.
func (c *call) connect(p *process.Process, local media.CnxInfo) bool {
	txn, err := p.Begin(c.uas, mailbox.New(uas.MsgCallOfferedAck, uas.CallOfferedAck{
		Handle:   c.offer.Handle,
		Accepted: c.accepted,
		Local:    local,
	}))
	if err != nil {
		c.logger.WithError(err).Warn("Failed to accept call")
		return false
	}
	defer txn.Close()

	resp, err := txn.Wait(p.Context(), c.cfg.ConnectTimeout)
	if err != nil {
		if errors.IsErrorType(err, errors.ErrTransactionTimeout) {
			c.logger.Warn("Call was not confirmed in time")
			c.hangup(p, "connect timeout")
		}
		return false
	}

	switch payload := resp.Payload.(type) {
	case uas.CallConnected:
		c.logger.Info("Call connected")
		return true
	case uas.CallHangup:
		c.logger.WithField("reason", payload.Reason).Info("Call ended before connect")
		return false
	default:
		c.logger.WithField("message", resp.ID).Error("Unexpected response to call accept")
		c.hangup(p, "protocol error")
		return false
	}
}

func (c *call) hangup(p *process.Process, reason string) {
	msg := mailbox.New(uas.MsgHangupCall, uas.HangupCall{Handle: c.offer.Handle, Reason: reason})
	if err := p.Send(c.uas, msg); err != nil {
		c.logger.WithError(err).Debug("Hangup not delivered")
	}
}
