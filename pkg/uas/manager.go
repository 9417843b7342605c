// Package uas implements the SIP user agent server call control: the call
// state machine and the actor that owns every call context.
package uas

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
)

// Config holds the Manager settings.
type Config struct {
	// App receives CallOffered for every usable offer.
	App *mailbox.Mailbox
	// Events is the stack event mailbox. When nil one of EventsSize is
	// created, so the transport can be built before the manager.
	Events *mailbox.Mailbox
	// EventsSize is the buffer of the stack event mailbox.
	EventsSize int
	// HandlerMailboxSize is the buffer of each per-call event mailbox.
	HandlerMailboxSize int
	// KeepAlive is how long the actor waits before logging that it is idle.
	KeepAlive time.Duration
	// SessionName is written to the s= line of answers.
	SessionName string
}

// Manager is the actor that owns the call registry. The SIP adapter posts
// dialog events to Events; the call-handling actor talks to the process
// inbound.
type Manager struct {
	stack   DialogStack
	cfg     Config
	calls   *registry.Registry[*CallContext]
	machine *Machine
	events  *mailbox.Mailbox
	control *mailbox.Mailbox
	logger  *logrus.Entry
}

// NewManager creates the UAS. Answers are numbered from the creation time.
func NewManager(stack DialogStack, cfg Config, logger *logrus.Logger) *Manager {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.HandlerMailboxSize <= 0 {
		cfg.HandlerMailboxSize = 8
	}

	if cfg.Events == nil {
		cfg.Events = mailbox.NewMailbox("uas.events", cfg.EventsSize)
	}

	entry := logger.WithField("component", "uas")
	return &Manager{
		stack:   stack,
		cfg:     cfg,
		calls:   registry.New[*CallContext](entry),
		machine: NewMachine(media.NewAnswerBuilder(uint64(time.Now().UnixMilli()), cfg.SessionName)),
		events:  cfg.Events,
		logger:  entry,
	}
}

// Events is the mailbox the SIP transport posts dialog events to.
func (m *Manager) Events() *mailbox.Mailbox {
	return m.events
}

// Run is the process body.
func (m *Manager) Run(p *process.Process) error {
	m.control = p.Inbound()
	m.logger = p.Logger().WithField("component", "uas")
	defer m.events.Close()

	p.Ready()
	m.logger.Info("UAS ready")

	for {
		_, msg, err := p.Select(m.cfg.KeepAlive, p.Inbound(), m.events)
		if errors.IsErrorType(err, mailbox.ErrTimeout) {
			m.logger.WithField("calls", m.calls.Len()).Info("Keep alive")
			continue
		}
		if err != nil {
			m.hangupAll("stopped")
			return err
		}
		if msg.IsShutdown() {
			m.hangupAll("shutdown")
			m.logger.Info("UAS stopped")
			return nil
		}
		m.dispatch(msg)
	}
}

func (m *Manager) dispatch(msg mailbox.Message) {
	switch payload := msg.Payload.(type) {
	case NewSession:
		m.newSession(payload)
	case Offer:
		m.handle(m.byDialog(payload.Dialog), payload, logrus.Fields{"dialog": payload.Dialog})
	case Connected:
		m.handle(m.byDialog(payload.Dialog), payload, logrus.Fields{"dialog": payload.Dialog})
	case Terminated:
		m.handle(m.byDialog(payload.Dialog), payload, logrus.Fields{"dialog": payload.Dialog, "reason": payload.Reason})
	case OutOfDialogRequest:
		m.handle(nil, payload, logrus.Fields{"method": payload.Method})
	case CallOfferedAck:
		m.handle(m.byHandle(payload.Handle), ackEvent{Ack: payload, Request: msg}, logrus.Fields{"call_handle": payload.Handle})
	case CallOfferedNack:
		m.handle(m.byHandle(payload.Handle), payload, logrus.Fields{"call_handle": payload.Handle})
	case HangupCall:
		m.handle(m.byHandle(payload.Handle), payload, logrus.Fields{"call_handle": payload.Handle})
	default:
		m.logger.WithFields(logrus.Fields{
			"message": msg.ID,
			"payload": fmt.Sprintf("%T", msg.Payload),
		}).Warn("Unexpected message")
	}
}

// newSession registers the call and, when the INVITE carried one, handles
// its offer. A duplicate session does not replay the offer.
func (m *Manager) newSession(ns NewSession) {
	fields := logrus.Fields{"dialog": ns.Dialog}
	known := m.byDialog(ns.Dialog) != nil
	m.handle(nil, ns, fields)
	if known || len(ns.SDP) == 0 {
		return
	}
	if call := m.byDialog(ns.Dialog); call != nil {
		m.handle(call, Offer{Dialog: ns.Dialog, SDP: ns.SDP}, fields)
	}
}

func (m *Manager) byDialog(d DialogHandle) *CallContext {
	call, _, ok := m.calls.LookupExternal(string(d))
	if !ok {
		return nil
	}
	return call
}

func (m *Manager) byHandle(h registry.Handle) *CallContext {
	call, ok := m.calls.Lookup(h)
	if !ok {
		return nil
	}
	return call
}

// handle runs one event through the state machine and applies its effects.
func (m *Manager) handle(call *CallContext, ev Event, fields logrus.Fields) {
	// A new session for a known dialog is a duplicate.
	if ns, ok := ev.(NewSession); ok {
		call = m.byDialog(ns.Dialog)
	}

	logger := m.logger.WithFields(fields).WithField("event", ev.EventName())
	if call != nil {
		logger = logger.WithFields(logrus.Fields{
			"call_handle": call.Handle,
			"state":       call.State(),
		})
	}

	metrics.RecordCallEvent(ev.EventName())
	effects, err := m.machine.Step(call, ev)
	if err != nil {
		m.report(logger, err)
	} else if _, ignored := ev.(OutOfDialogRequest); ignored && len(effects) == 0 {
		logger.Info("Ignoring out-of-dialog request")
	} else {
		if _, connected := ev.(Connected); connected && call != nil {
			metrics.ObserveCallSetup(call.ConnectedAt.Sub(call.CreatedAt))
		}
		logger.Debug("Call event handled")
	}

	m.apply(logger, effects)
	metrics.SetCallsActive(m.calls.Len())
}

// report logs a rejected event at the severity its class calls for.
func (m *Manager) report(logger *logrus.Entry, err error) {
	logger = logger.WithError(err).WithFields(logrus.Fields(errors.GetErrorFields(err)))

	switch {
	case errors.IsErrorType(err, errors.ErrNotFound):
		logger.Warn("Call not found")
	case errors.IsErrorType(err, errors.ErrProtocolInconsistency):
		metrics.RecordProtocolError("inconsistency")
		logger.WithField("severity", "critical").Error("Protocol inconsistency")
	case errors.IsErrorType(err, errors.ErrNegotiationFailure), errors.IsErrorType(err, errors.ErrInvalidSDP):
		metrics.RecordProtocolError("negotiation")
		logger.Warn("Media negotiation failed, hanging up")
	default:
		logger.Error("Call event failed")
	}
}

func (m *Manager) apply(logger *logrus.Entry, effects []Effect) {
	for _, e := range effects {
		if err := m.applyOne(e); err != nil {
			logger.WithError(err).WithField("effect", fmt.Sprintf("%T", e)).Warn("Effect failed")
		}
	}
}

func (m *Manager) applyOne(e Effect) error {
	switch e := e.(type) {
	case SendProvisional:
		return m.stack.Provisional(e.Dialog, e.Code)
	case Register:
		h, err := m.calls.Create(e.Call, string(e.Call.Dialog))
		if err != nil {
			return err
		}
		e.Call.Handle = h
		metrics.RecordCallEvent("registered")
		return nil
	case Unregister:
		if e.Call.Events != nil {
			e.Call.Events.Close()
		}
		if !e.Call.ConnectedAt.IsZero() {
			metrics.RecordCallEvent("completed")
		}
		return m.calls.Remove(e.Call.Handle)
	case ForwardOffer:
		return m.forwardOffer(e.Call)
	case ProvideAnswer:
		return m.stack.ProvideAnswer(e.Dialog, e.SDP)
	case AcceptSession:
		return m.stack.Accept(e.Dialog)
	case RejectDialog:
		return m.stack.Reject(e.Dialog, e.Code)
	case EndDialog:
		return m.stack.End(e.Dialog)
	case NotifyHandler:
		return e.Call.Events.Send(e.Message)
	case RespondRequest:
		if e.Request.Source == nil {
			return nil
		}
		return e.Request.Source.Send(e.Request.Reply(e.Response.ID, e.Response.Payload))
	case RespondOutOfDialog:
		return m.stack.RespondOutOfDialog(e.RequestID, e.Code)
	}
	return errors.NewInvalidInput(fmt.Sprintf("unknown effect %T", e))
}

func (m *Manager) forwardOffer(call *CallContext) error {
	call.Events = mailbox.NewMailbox(fmt.Sprintf("call-%d.events", call.Handle), m.cfg.HandlerMailboxSize)

	msg := mailbox.Message{
		ID:     MsgCallOffered,
		Source: m.control,
		Payload: CallOffered{
			Handle: call.Handle,
			Remote: call.Offer.Remote,
			Codecs: call.Offer.Codecs,
			From:   call.From,
			To:     call.To,
			Events: call.Events,
		},
	}

	if err := m.cfg.App.Send(msg); err != nil {
		// Nobody can decide on the offer.
		m.handle(call, HangupCall{Handle: call.Handle, Reason: "no call handler"}, logrus.Fields{"call_handle": call.Handle})
		return errors.Wrap(err, "forward offer")
	}
	return nil
}

// hangupAll ends every call still registered and tells its handler.
func (m *Manager) hangupAll(reason string) {
	for _, h := range m.calls.Handles() {
		m.handle(m.byHandle(h), HangupCall{Handle: h, Reason: reason, Notify: true}, logrus.Fields{"call_handle": h})
	}
}
