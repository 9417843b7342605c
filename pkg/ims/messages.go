// Package ims talks to the media server that plays prompts into calls.
//
// Session is the client side, used from a call handler process. Loopback is
// an in-memory media server speaking the same message contract.
package ims

import (
	"uas-server/pkg/mailbox"
	"uas-server/pkg/media"
)

// Handle identifies a media session on the media server.
type Handle uint64

// Undefined is the handle of a session that was never allocated or was
// torn down.
const Undefined Handle = 0

// Media server message contract.
const (
	MsgAllocate      mailbox.MessageID = "ims.allocate.req"
	MsgAllocateAck   mailbox.MessageID = "ims.allocate.ack"
	MsgAllocateNack  mailbox.MessageID = "ims.allocate.nack"
	MsgStartPlay     mailbox.MessageID = "ims.play.req"
	MsgStartPlayAck  mailbox.MessageID = "ims.play.ack"
	MsgPlayStopped   mailbox.MessageID = "ims.play.stopped"
	MsgTearDown      mailbox.MessageID = "ims.teardown.req"
	msgPlayCompleted mailbox.MessageID = "ims.play.completed"
)

// Allocate requests a media session towards Remote using Codec.
type Allocate struct {
	Remote media.CnxInfo
	Codec  media.MediaFormat
}

// AllocateAck returns the new session and the local RTP endpoint to put in
// the SDP answer.
type AllocateAck struct {
	Session Handle
	Local   media.CnxInfo
}

// AllocateNack refuses an allocation.
type AllocateNack struct {
	Reason string
}

// StartPlay plays File into Session. With Provisional set the media server
// acknowledges the start before playback ends.
type StartPlay struct {
	Session     Handle
	File        string
	Loop        bool
	Provisional bool
}

// StartPlayAck is the provisional response to StartPlay.
type StartPlayAck struct {
	Session Handle
}

// PlayStopped is the final response to StartPlay.
type PlayStopped struct {
	Session Handle
	Reason  string
}

// TearDown releases a session. It has no response.
type TearDown struct {
	Session Handle
}

// playCompleted is posted by a Loopback play timer to its own inbound.
type playCompleted struct {
	play uint64
}

// Reasons carried by PlayStopped.
const (
	ReasonCompleted      = "completed"
	ReasonTornDown       = "teardown"
	ReasonUnknownSession = "unknown session"
	ReasonShutdown       = "shutdown"
)
