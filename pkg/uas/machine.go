package uas

import (
	"strings"
	"time"

	"uas-server/pkg/errors"
	"uas-server/pkg/mailbox"
	"uas-server/pkg/media"
)

// Effect is an action the Manager performs after a transition.
type Effect interface {
	effect()
}

// SendProvisional sends a 1xx response.
type SendProvisional struct {
	Dialog DialogHandle
	Code   int
}

// Register stores a new call in the registry under both handles.
type Register struct {
	Call *CallContext
}

// Unregister removes a call from the registry and closes its event mailbox.
type Unregister struct {
	Call *CallContext
}

// ForwardOffer hands the offer to the call-handling actor.
type ForwardOffer struct {
	Call *CallContext
}

// ProvideAnswer passes the local session description to the SIP layer.
type ProvideAnswer struct {
	Dialog DialogHandle
	SDP    []byte
}

// AcceptSession sends the 2xx response.
type AcceptSession struct {
	Dialog DialogHandle
}

// RejectDialog sends a final error response.
type RejectDialog struct {
	Dialog DialogHandle
	Code   int
}

// EndDialog ends the dialog at the SIP layer.
type EndDialog struct {
	Dialog DialogHandle
}

// NotifyHandler sends a message to the call-handling actor's mailbox for the call.
type NotifyHandler struct {
	Call    *CallContext
	Message mailbox.Message
}

// RespondRequest answers a correlated request from the call-handling actor.
type RespondRequest struct {
	Request  mailbox.Message
	Response mailbox.Message
}

// RespondOutOfDialog answers an out-of-dialog request.
type RespondOutOfDialog struct {
	RequestID string
	Code      int
}

func (SendProvisional) effect()    {}
func (Register) effect()           {}
func (Unregister) effect()         {}
func (ForwardOffer) effect()       {}
func (ProvideAnswer) effect()      {}
func (AcceptSession) effect()      {}
func (RejectDialog) effect()       {}
func (EndDialog) effect()          {}
func (NotifyHandler) effect()      {}
func (RespondRequest) effect()     {}
func (RespondOutOfDialog) effect() {}

// Machine is the call state transition function. It owns the SDP answer
// counters; everything else lives in the CallContext it is given.
type Machine struct {
	answers *media.AnswerBuilder
	now     func() time.Time
}

// NewMachine creates a transition function that renders answers with answers.
func NewMachine(answers *media.AnswerBuilder) *Machine {
	return &Machine{answers: answers, now: time.Now}
}

// Step applies ev to call and returns the effects to perform. call is the
// context the event resolves to, or nil when the lookup missed. The
// returned error classifies a rejected event; the effects still have to be
// applied, they carry the recovery.
func (m *Machine) Step(call *CallContext, ev Event) ([]Effect, error) {
	switch ev := ev.(type) {
	case NewSession:
		return m.onNewSession(call, ev)
	case Offer:
		return m.onOffer(call, ev)
	case ackEvent:
		return m.onOfferAck(call, ev)
	case CallOfferedNack:
		return m.onOfferNack(call, ev)
	case Connected:
		return m.onConnected(call, ev)
	case Terminated:
		return m.onTerminated(call, ev)
	case HangupCall:
		return m.hangup(call, ev)
	case OutOfDialogRequest:
		return m.onOutOfDialog(ev)
	}
	return nil, errors.NewInvalidInput("unknown call event", map[string]interface{}{
		"event": ev.EventName(),
	})
}

func (m *Machine) onNewSession(existing *CallContext, ev NewSession) ([]Effect, error) {
	if existing != nil {
		return nil, errors.NewProtocolInconsistency("new session for a known dialog", map[string]interface{}{
			"dialog": string(ev.Dialog),
			"state":  existing.State(),
		})
	}

	call := newCallContext(ev, m.now())
	return []Effect{
		SendProvisional{Dialog: ev.Dialog, Code: StatusTrying},
		SendProvisional{Dialog: ev.Dialog, Code: StatusRinging},
		Register{Call: call},
	}, nil
}

func (m *Machine) onOffer(call *CallContext, ev Offer) ([]Effect, error) {
	if call == nil {
		return []Effect{EndDialog{Dialog: ev.Dialog}},
			errors.NewProtocolInconsistency("offer for unknown dialog", map[string]interface{}{
				"dialog": string(ev.Dialog),
			})
	}
	if !call.can(transitionOffer) {
		return nil, errors.NewProtocolInconsistency("offer in unexpected state", map[string]interface{}{
			"dialog": string(ev.Dialog),
			"state":  call.State(),
		})
	}

	offer, err := media.ParseOffer(ev.SDP)
	if err != nil {
		call.reject()
		return []Effect{
			Unregister{Call: call},
			RejectDialog{Dialog: call.Dialog, Code: StatusNotAcceptable},
		}, errors.Wrap(err, "offer not usable", map[string]interface{}{"dialog": string(call.Dialog)})
	}

	call.Offer = offer
	if err := call.fire(transitionOffer); err != nil {
		return nil, errors.Wrap(err, "offer transition")
	}
	return []Effect{ForwardOffer{Call: call}}, nil
}

func (m *Machine) onOfferAck(call *CallContext, ev ackEvent) ([]Effect, error) {
	hangupReply := func(reason string) Effect {
		return RespondRequest{
			Request:  ev.Request,
			Response: mailbox.New(MsgCallHangup, CallHangup{Handle: ev.Ack.Handle, Reason: reason}),
		}
	}

	if call == nil {
		return []Effect{hangupReply("call gone")},
			errors.NewNotFound("ack for unknown call", map[string]interface{}{"handle": uint64(ev.Ack.Handle)})
	}
	if !call.can(transitionAccept) {
		// The first ack owns the outcome; a later one is answered at once.
		reply := hangupReply("unexpected ack")
		if call.State() == StateConnected {
			reply = RespondRequest{
				Request:  ev.Request,
				Response: mailbox.New(MsgCallConnected, CallConnected{Handle: call.Handle}),
			}
		}
		return []Effect{reply},
			errors.NewProtocolInconsistency("ack in unexpected state", map[string]interface{}{
				"handle": uint64(call.Handle),
				"state":  call.State(),
			})
	}

	answer, err := m.answers.Build(ev.Ack.Local, ev.Ack.Accepted)
	if err != nil {
		call.reject()
		return []Effect{
			Unregister{Call: call},
			RejectDialog{Dialog: call.Dialog, Code: StatusNotAcceptable},
			hangupReply("negotiation failed"),
		}, errors.Wrap(err, "cannot build answer", map[string]interface{}{"handle": uint64(call.Handle)})
	}

	call.Accepted = ev.Ack.Accepted
	call.Local = ev.Ack.Local
	req := ev.Request
	call.pendingAck = &req
	if err := call.fire(transitionAccept); err != nil {
		return nil, errors.Wrap(err, "accept transition")
	}

	return []Effect{
		ProvideAnswer{Dialog: call.Dialog, SDP: answer},
		AcceptSession{Dialog: call.Dialog},
	}, nil
}

func (m *Machine) onOfferNack(call *CallContext, ev CallOfferedNack) ([]Effect, error) {
	if call == nil {
		return nil, errors.NewNotFound("nack for unknown call", map[string]interface{}{"handle": uint64(ev.Handle)})
	}

	effects := m.releaseWaiters(call, "rejected")
	call.reject()
	return append(effects,
		Unregister{Call: call},
		EndDialog{Dialog: call.Dialog},
	), nil
}

func (m *Machine) onConnected(call *CallContext, ev Connected) ([]Effect, error) {
	if call == nil {
		return []Effect{EndDialog{Dialog: ev.Dialog}},
			errors.NewProtocolInconsistency("connected for unknown dialog", map[string]interface{}{
				"dialog": string(ev.Dialog),
			})
	}
	if !call.can(transitionConnect) {
		return nil, errors.NewProtocolInconsistency("connected in unexpected state", map[string]interface{}{
			"dialog": string(ev.Dialog),
			"state":  call.State(),
		})
	}

	if err := call.fire(transitionConnect); err != nil {
		return nil, errors.Wrap(err, "connect transition")
	}
	call.ConnectedAt = m.now()

	var effects []Effect
	if call.pendingAck != nil {
		effects = append(effects, RespondRequest{
			Request:  *call.pendingAck,
			Response: mailbox.New(MsgCallConnected, CallConnected{Handle: call.Handle}),
		})
		call.pendingAck = nil
	}
	return effects, nil
}

func (m *Machine) onTerminated(call *CallContext, ev Terminated) ([]Effect, error) {
	if call == nil {
		return nil, errors.NewNotFound("terminated for unknown dialog", map[string]interface{}{
			"dialog": string(ev.Dialog),
			"reason": ev.Reason,
		})
	}

	effects := m.releaseWaiters(call, ev.Reason)
	if call.Events != nil {
		effects = append(effects, NotifyHandler{
			Call:    call,
			Message: mailbox.New(MsgCallHangup, CallHangup{Handle: call.Handle, Reason: ev.Reason}),
		})
	}
	call.terminate()
	return append(effects, Unregister{Call: call}), nil
}

// hangup is the application driven termination, also used on shutdown.
func (m *Machine) hangup(call *CallContext, ev HangupCall) ([]Effect, error) {
	if call == nil {
		return nil, errors.NewNotFound("hangup of unknown call", map[string]interface{}{"handle": uint64(ev.Handle)})
	}

	effects := m.releaseWaiters(call, ev.Reason)
	if ev.Notify && call.Events != nil {
		effects = append(effects, NotifyHandler{
			Call:    call,
			Message: mailbox.New(MsgCallHangup, CallHangup{Handle: call.Handle, Reason: ev.Reason}),
		})
	}
	call.terminate()
	return append(effects,
		Unregister{Call: call},
		EndDialog{Dialog: call.Dialog},
	), nil
}

// releaseWaiters answers an ack still waiting for CallConnected.
func (m *Machine) releaseWaiters(call *CallContext, reason string) []Effect {
	if call.pendingAck == nil {
		return nil
	}
	req := *call.pendingAck
	call.pendingAck = nil
	return []Effect{RespondRequest{
		Request:  req,
		Response: mailbox.New(MsgCallHangup, CallHangup{Handle: call.Handle, Reason: reason}),
	}}
}

func (m *Machine) onOutOfDialog(ev OutOfDialogRequest) ([]Effect, error) {
	if strings.EqualFold(ev.Method, "OPTIONS") {
		return []Effect{RespondOutOfDialog{RequestID: ev.RequestID, Code: StatusMethodNotAllowed}}, nil
	}
	return nil, nil
}
