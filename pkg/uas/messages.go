package uas

import (
	"uas-server/pkg/mailbox"
	"uas-server/pkg/media"
	"uas-server/pkg/registry"
)

// DialogHandle is the identity the SIP transport gives a dialog.
type DialogHandle string

// Messages posted by the SIP transport adapter to Manager.Events.
const (
	MsgNewSession  mailbox.MessageID = "sip.new_session"
	MsgOffer       mailbox.MessageID = "sip.offer"
	MsgConnected   mailbox.MessageID = "sip.connected"
	MsgTerminated  mailbox.MessageID = "sip.terminated"
	MsgOutOfDialog mailbox.MessageID = "sip.out_of_dialog"
)

// Messages exchanged with the call-handling actor.
const (
	MsgCallOffered     mailbox.MessageID = "call.offered"
	MsgCallOfferedAck  mailbox.MessageID = "call.offered.ack"
	MsgCallOfferedNack mailbox.MessageID = "call.offered.nack"
	MsgCallConnected   mailbox.MessageID = "call.connected"
	MsgCallHangup      mailbox.MessageID = "call.hangup"
	MsgHangupCall      mailbox.MessageID = "call.hangup.req"
)

// Event is an input of the call state machine.
type Event interface {
	EventName() string
}

// NewSession announces an incoming INVITE. SDP is the offer the INVITE
// carried; when set, the Manager handles it as an Offer right after the
// call is registered.
type NewSession struct {
	Dialog DialogHandle
	From   string
	To     string
	SDP    []byte
}

// Offer carries the remote session description of a dialog.
type Offer struct {
	Dialog DialogHandle
	SDP    []byte
}

// Connected is reported when the caller confirms the accepted session.
type Connected struct {
	Dialog DialogHandle
}

// Terminated is reported when the dialog ended on the SIP side.
type Terminated struct {
	Dialog DialogHandle
	Reason string
}

// OutOfDialogRequest is a request outside any dialog, e.g. OPTIONS.
// RequestID lets the transport match the response to its transaction.
type OutOfDialogRequest struct {
	Method    string
	RequestID string
}

// CallOffered is sent to the call-handling actor for every usable offer.
// The message Source is the mailbox decisions must be sent to.
type CallOffered struct {
	Handle registry.Handle
	Remote media.CnxInfo
	Codecs []media.MediaFormat
	From   string
	To     string
	// Events receives CallHangup for this call. It is closed once the call
	// is gone, so sends to it after that fail.
	Events *mailbox.Mailbox
}

// CallOfferedAck accepts an offer. It is sent as a request; the response is
// CallConnected, or CallHangup if the call could not be set up.
type CallOfferedAck struct {
	Handle   registry.Handle
	Accepted []media.MediaFormat
	Local    media.CnxInfo
}

// CallOfferedNack rejects an offer.
type CallOfferedNack struct {
	Handle registry.Handle
}

// CallConnected answers a CallOfferedAck once the session is confirmed.
type CallConnected struct {
	Handle registry.Handle
}

// CallHangup tells the call-handling actor the call is over.
type CallHangup struct {
	Handle registry.Handle
	Reason string
}

// HangupCall asks the UAS to end a call.
type HangupCall struct {
	Handle registry.Handle
	Reason string
	// Notify also sends CallHangup to the call's event mailbox.
	Notify bool
}

// ackEvent pairs an ack with the request message so the eventual
// CallConnected can be sent as its response.
type ackEvent struct {
	Ack     CallOfferedAck
	Request mailbox.Message
}

func (NewSession) EventName() string         { return "new_session" }
func (Offer) EventName() string              { return "offer" }
func (Connected) EventName() string          { return "connected" }
func (Terminated) EventName() string         { return "terminated" }
func (OutOfDialogRequest) EventName() string { return "out_of_dialog" }
func (ackEvent) EventName() string           { return "offer_ack" }
func (CallOfferedNack) EventName() string    { return "offer_nack" }
func (HangupCall) EventName() string         { return "hangup" }
