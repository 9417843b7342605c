package uas

import (
	"context"
	"time"

	"github.com/looplab/fsm"

	"uas-server/pkg/mailbox"
	"uas-server/pkg/media"
	"uas-server/pkg/registry"
)

// Call states.
const (
	StateCreated       = "created"
	StateOfferReceived = "offer_received"
	StateAccepted      = "accepted"
	StateConnected     = "connected"
	StateRejected      = "rejected"
	StateTerminated    = "terminated"
)

const (
	transitionOffer     = "offer"
	transitionAccept    = "accept"
	transitionConnect   = "connect"
	transitionReject    = "reject"
	transitionTerminate = "terminate"
)

// CallContext is the state the UAS keeps per dialog.
type CallContext struct {
	Handle registry.Handle
	Dialog DialogHandle
	From   string
	To     string

	Offer    media.Offer
	Accepted []media.MediaFormat
	Local    media.CnxInfo

	// Events is the call-handling actor's mailbox for this call.
	Events *mailbox.Mailbox

	// pendingAck is the ack request still waiting for CallConnected.
	pendingAck *mailbox.Message

	CreatedAt   time.Time
	ConnectedAt time.Time

	machine *fsm.FSM
	history []string
}

func newCallContext(ev NewSession, now time.Time) *CallContext {
	c := &CallContext{
		Dialog:    ev.Dialog,
		From:      ev.From,
		To:        ev.To,
		CreatedAt: now,
		history:   []string{StateCreated},
	}

	live := []string{StateCreated, StateOfferReceived, StateAccepted, StateConnected, StateRejected}
	c.machine = fsm.NewFSM(
		StateCreated,
		fsm.Events{
			{Name: transitionOffer, Src: []string{StateCreated}, Dst: StateOfferReceived},
			{Name: transitionAccept, Src: []string{StateOfferReceived}, Dst: StateAccepted},
			{Name: transitionConnect, Src: []string{StateAccepted}, Dst: StateConnected},
			{Name: transitionReject, Src: []string{StateCreated, StateOfferReceived}, Dst: StateRejected},
			{Name: transitionTerminate, Src: live, Dst: StateTerminated},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				c.history = append(c.history, e.Dst)
			},
		},
	)
	return c
}

// State returns the current state name.
func (c *CallContext) State() string {
	return c.machine.Current()
}

// History lists the states the call has been in, oldest first.
func (c *CallContext) History() []string {
	out := make([]string, len(c.history))
	copy(out, c.history)
	return out
}

// can reports whether transition is allowed in the current state.
func (c *CallContext) can(transition string) bool {
	return c.machine.Can(transition)
}

func (c *CallContext) fire(transition string) error {
	return c.machine.Event(context.Background(), transition)
}

// terminate moves the call to Terminated from any live state.
func (c *CallContext) terminate() {
	if c.can(transitionTerminate) {
		_ = c.fire(transitionTerminate)
	}
}

// reject ends an unanswered call through Rejected.
func (c *CallContext) reject() {
	if c.can(transitionReject) {
		_ = c.fire(transitionReject)
	}
	c.terminate()
}
