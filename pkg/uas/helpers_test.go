package uas

import (
	"sync"

	"github.com/sirupsen/logrus"

	"uas-server/pkg/mailbox"
)

type stackCall struct {
	op      string
	dialog  DialogHandle
	code    int
	sdp     []byte
	request string
}

// fakeStack records what the state machine asked the SIP layer to do.
type fakeStack struct {
	mu    sync.Mutex
	calls []stackCall
}

func (s *fakeStack) record(c stackCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	return nil
}

func (s *fakeStack) Provisional(d DialogHandle, code int) error {
	return s.record(stackCall{op: "provisional", dialog: d, code: code})
}

func (s *fakeStack) ProvideAnswer(d DialogHandle, sdp []byte) error {
	return s.record(stackCall{op: "answer", dialog: d, sdp: sdp})
}

func (s *fakeStack) Accept(d DialogHandle) error {
	return s.record(stackCall{op: "accept", dialog: d})
}

func (s *fakeStack) Reject(d DialogHandle, code int) error {
	return s.record(stackCall{op: "reject", dialog: d, code: code})
}

func (s *fakeStack) End(d DialogHandle) error {
	return s.record(stackCall{op: "end", dialog: d})
}

func (s *fakeStack) RespondOutOfDialog(requestID string, code int) error {
	return s.record(stackCall{op: "ood", request: requestID, code: code})
}

func (s *fakeStack) ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.op)
	}
	return out
}

func (s *fakeStack) find(op string) (stackCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.op == op {
			return c, true
		}
	}
	return stackCall{}, false
}

func (s *fakeStack) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

const offerPCMUPCMA = "v=0\r\n" +
	"o=alice 2890844526 2890844526 IN IP4 192.0.2.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0 8\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n"

const offerVideoOnly = "v=0\r\n" +
	"o=alice 1 1 IN IP4 192.0.2.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"m=video 49172 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n"

const offerNoMedia = "v=0\r\n" +
	"o=alice 1 1 IN IP4 192.0.2.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n"

// ackRequest builds the request message the call-handling actor would send.
func ackRequest(ack CallOfferedAck, reply *mailbox.Mailbox, txn string) mailbox.Message {
	return mailbox.Message{ID: MsgCallOfferedAck, TxnID: txn, Source: reply, Payload: ack}
}
