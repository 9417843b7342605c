package mailbox

// MessageID identifies the kind of a message. Payload types are fixed per ID.
type MessageID string

// Runtime-level message kinds understood by every process.
const (
	MsgShutdownReq MessageID = "process.shutdown.req"
	MsgShutdownAck MessageID = "process.shutdown.ack"
)

// Message is the unit exchanged between processes. It is passed by value and
// must not be modified after Send.
type Message struct {
	ID MessageID
	// TxnID correlates a request with its responses. Empty for plain events.
	TxnID string
	// Source is where responses go. Nil when the sender expects no reply.
	Source  *Mailbox
	Payload interface{}
}

// New creates a message without a reply address.
func New(id MessageID, payload interface{}) Message {
	return Message{ID: id, Payload: payload}
}

// Reply builds a response that carries the transaction id of m.
func (m Message) Reply(id MessageID, payload interface{}) Message {
	return Message{ID: id, TxnID: m.TxnID, Payload: payload}
}

// IsShutdown reports whether m asks the receiving process to stop.
func (m Message) IsShutdown() bool {
	return m.ID == MsgShutdownReq
}
