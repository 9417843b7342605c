// Package app is the call-handling logic: it decides on offered calls and
// runs one handler process per accepted call.
package app

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"uas-server/pkg/errors"
	"uas-server/pkg/mailbox"
	"uas-server/pkg/media"
	"uas-server/pkg/metrics"
	"uas-server/pkg/process"
	"uas-server/pkg/registry"
	"uas-server/pkg/uas"
)

// Config holds the call-handling policy.
type Config struct {
	// IMS is the media server inbound.
	IMS *mailbox.Mailbox
	// Codecs are the formats the service accepts, in preference order.
	Codecs []media.MediaFormat
	// Greeting is the prompt played to every caller.
	Greeting string
	// LoopGreeting keeps playing the greeting until the caller hangs up.
	LoopGreeting bool
	// MaxCalls limits concurrent calls; zero means unlimited.
	MaxCalls int
	// TransactionTimeout bounds requests to the media server.
	TransactionTimeout time.Duration
	// ConnectTimeout bounds the wait for the caller to confirm the answer.
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

// Handler is the call-handling actor.
type Handler struct {
	cfg    Config
	logger *logrus.Entry
}

// NewHandler creates the actor. Run it as a process.
func NewHandler(cfg Config, logger *logrus.Logger) *Handler {
	if len(cfg.Codecs) == 0 {
		cfg.Codecs = []media.MediaFormat{media.PCMU, media.PCMA}
	}
	if cfg.TransactionTimeout <= 0 {
		cfg.TransactionTimeout = 5 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 32 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	return &Handler{
		cfg:    cfg,
		logger: logger.WithField("component", "app"),
	}
}

// Run is the process body. Per-call handlers are children of p and are
// shut down with it.
func (h *Handler) Run(p *process.Process) error {
	h.logger = p.Logger().WithField("component", "app")

	p.Ready()
	h.logger.WithField("codecs", fmt.Sprint(h.cfg.Codecs)).Info("Call handler ready")

	for {
		_, msg, err := p.Select(h.cfg.KeepAlive, p.Inbound())
		if errors.IsErrorType(err, mailbox.ErrTimeout) {
			h.logger.WithField("calls", len(p.Children().Children())).Info("Keep alive")
			continue
		}
		if err != nil {
			return err
		}
		if msg.IsShutdown() {
			h.logger.Info("Call handler stopping")
			return nil
		}

		switch payload := msg.Payload.(type) {
		case uas.CallOffered:
			h.offered(p, msg, payload)
		default:
			h.logger.WithFields(logrus.Fields{
				"message": msg.ID,
				"payload": fmt.Sprintf("%T", msg.Payload),
			}).Warn("Unexpected message")
		}
	}
}

// offered decides on an offer: forward to a new call handler or nack.
func (h *Handler) offered(p *process.Process, msg mailbox.Message, offer uas.CallOffered) {
	logger := h.logger.WithFields(logrus.Fields{
		"call_handle": offer.Handle,
		"from":        offer.From,
		"remote":      offer.Remote.String(),
	})

	if msg.Source == nil {
		logger.Error("Offer without reply address dropped")
		return
	}

	if h.cfg.MaxCalls > 0 && len(p.Children().Children()) >= h.cfg.MaxCalls {
		logger.WithField("max_calls", h.cfg.MaxCalls).Warn("Call limit reached, rejecting call")
		h.nack(p, msg.Source, offer.Handle)
		return
	}

	accepted := media.Negotiate(offer.Codecs, h.cfg.Codecs)
	if len(accepted) == 0 {
		logger.WithField("offered", fmt.Sprint(offer.Codecs)).Info("No acceptable codec, rejecting call")
		h.nack(p, msg.Source, offer.Handle)
		return
	}

	c := &call{
		cfg:      h.cfg,
		offer:    offer,
		uas:      msg.Source,
		accepted: accepted,
	}
	p.Children().Fork(fmt.Sprintf("call-%d", offer.Handle), c.run)
	metrics.RecordCallEvent("offer_accepted")
	logger.WithField("codec", accepted[0].String()).Info("Call accepted")
}

func (h *Handler) nack(p *process.Process, target *mailbox.Mailbox, handle registry.Handle) {
	metrics.RecordCallEvent("offer_rejected")
	if err := p.Send(target, mailbox.New(uas.MsgCallOfferedNack, uas.CallOfferedNack{Handle: handle})); err != nil {
		h.logger.WithError(err).WithField("call_handle", handle).Warn("Failed to reject call")
	}
}
