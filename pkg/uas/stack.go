package uas

// DialogStack is the part of the SIP transport the state machine drives.
// Calls are made from the UAS actor only.
type DialogStack interface {
	// Provisional sends a 1xx response on the dialog's INVITE.
	Provisional(d DialogHandle, code int) error
	// ProvideAnswer stores the local session description sent on Accept.
	ProvideAnswer(d DialogHandle, sdp []byte) error
	// Accept sends the 2xx response.
	Accept(d DialogHandle) error
	// Reject sends a final error response on an unanswered INVITE.
	Reject(d DialogHandle, code int) error
	// End terminates the dialog: a final error response before Accept,
	// a BYE after it.
	End(d DialogHandle) error
	// RespondOutOfDialog answers an out-of-dialog request.
	RespondOutOfDialog(requestID string, code int) error
}

// SIP status codes used by the state machine.
const (
	StatusTrying           = 100
	StatusRinging          = 180
	StatusMethodNotAllowed = 405
	StatusNotAcceptable    = 488
)
