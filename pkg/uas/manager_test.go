package uas

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uas-server/pkg/mailbox"
	"uas-server/pkg/media"
	"uas-server/pkg/process"
)

type managerFixture struct {
	m       *Manager
	stack   *fakeStack
	app     *mailbox.Mailbox
	control *mailbox.Mailbox
}

// newFixture builds a Manager driven through dispatch, without a process.
func newFixture(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{
		stack:   &fakeStack{},
		app:     mailbox.NewMailbox("app", 16),
		control: mailbox.NewMailbox("uas.in", 16),
	}
	f.m = NewManager(f.stack, Config{App: f.app}, quietLogger())
	f.m.control = f.control
	return f
}

func (f *managerFixture) send(id mailbox.MessageID, payload interface{}) {
	f.m.dispatch(mailbox.New(id, payload))
}

func (f *managerFixture) offered(t *testing.T) (mailbox.Message, CallOffered) {
	t.Helper()
	msg, err := f.app.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, MsgCallOffered, msg.ID)
	return msg, msg.Payload.(CallOffered)
}

func TestBasicCallScenario(t *testing.T) {
	f := newFixture(t)

	f.send(MsgNewSession, NewSession{Dialog: "D1"})
	assert.Equal(t, []string{"provisional", "provisional"}, f.stack.ops())
	assert.Equal(t, 1, f.m.calls.Len())

	f.send(MsgOffer, Offer{Dialog: "D1", SDP: []byte(offerPCMUPCMA)})
	msg, offered := f.offered(t)
	assert.Same(t, f.control, msg.Source, "decisions go to the UAS inbound")
	assert.Equal(t, []media.MediaFormat{media.PCMA, media.PCMU}, offered.Codecs)
	assert.Equal(t, media.CnxInfo{IP: "192.0.2.10", Port: 49170}, offered.Remote)

	reply := mailbox.NewMailbox("reply", 4)
	f.m.dispatch(ackRequest(CallOfferedAck{
		Handle:   offered.Handle,
		Accepted: []media.MediaFormat{media.PCMU},
		Local:    media.CnxInfo{IP: "203.0.113.1", Port: 7000},
	}, reply, "txn-1"))

	assert.Equal(t, []string{"provisional", "provisional", "answer", "accept"}, f.stack.ops())
	answer, _ := f.stack.find("answer")
	desc, err := media.ParseSDP(answer.sdp)
	require.NoError(t, err)
	require.Len(t, desc.MediaDescriptions, 1)
	assert.Equal(t, []string{"0"}, desc.MediaDescriptions[0].MediaName.Formats)

	f.send(MsgConnected, Connected{Dialog: "D1"})
	resp, err := reply.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, MsgCallConnected, resp.ID)
	assert.Equal(t, "txn-1", resp.TxnID)

	f.send(MsgTerminated, Terminated{Dialog: "D1", Reason: "bye"})
	hangup, err := offered.Events.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, MsgCallHangup, hangup.ID)
	assert.Equal(t, "bye", hangup.Payload.(CallHangup).Reason)

	assert.Equal(t, 0, f.m.calls.Len())
	_, ok := f.m.calls.Lookup(offered.Handle)
	assert.False(t, ok)
	_, _, ok = f.m.calls.LookupExternal("D1")
	assert.False(t, ok)

	// The handler mailbox is a capability that dies with the call.
	assert.ErrorIs(t, offered.Events.Send(mailbox.New("test.late", nil)), mailbox.ErrClosed)
}

func TestSessionCarryingOffer(t *testing.T) {
	f := newFixture(t)

	f.send(MsgNewSession, NewSession{Dialog: "D1", From: "sip:alice@192.0.2.10", SDP: []byte(offerPCMUPCMA)})
	assert.Equal(t, []string{"provisional", "provisional"}, f.stack.ops())
	_, offered := f.offered(t)
	assert.Equal(t, "sip:alice@192.0.2.10", offered.From)
	assert.Equal(t, []media.MediaFormat{media.PCMA, media.PCMU}, offered.Codecs)

	call, _, ok := f.m.calls.LookupExternal("D1")
	require.True(t, ok)
	assert.Equal(t, StateOfferReceived, call.State())

	// A repeated session neither registers again nor replays the offer.
	f.send(MsgNewSession, NewSession{Dialog: "D1", SDP: []byte(offerPCMUPCMA)})
	assert.Equal(t, 1, f.m.calls.Len())
	assert.Equal(t, 0, f.app.Len())
	assert.Equal(t, StateOfferReceived, call.State())
}

func TestSessionCarryingUnusableOffer(t *testing.T) {
	f := newFixture(t)

	f.send(MsgNewSession, NewSession{Dialog: "D1", SDP: []byte(offerVideoOnly)})
	reject, ok := f.stack.find("reject")
	require.True(t, ok)
	assert.Equal(t, StatusNotAcceptable, reject.code)
	assert.Equal(t, 0, f.m.calls.Len())
	assert.Equal(t, 0, f.app.Len())
}

func TestOfferForUnregisteredDialog(t *testing.T) {
	f := newFixture(t)

	f.send(MsgOffer, Offer{Dialog: "D9", SDP: []byte(offerPCMUPCMA)})
	end, ok := f.stack.find("end")
	require.True(t, ok)
	assert.Equal(t, DialogHandle("D9"), end.dialog)
	assert.Equal(t, 0, f.app.Len())
}

func TestOfferWithoutAudioRemovesCall(t *testing.T) {
	f := newFixture(t)
	f.send(MsgNewSession, NewSession{Dialog: "D1"})

	f.send(MsgOffer, Offer{Dialog: "D1", SDP: []byte(offerVideoOnly)})
	reject, ok := f.stack.find("reject")
	require.True(t, ok)
	assert.Equal(t, StatusNotAcceptable, reject.code)
	assert.Equal(t, 0, f.m.calls.Len())
	assert.Equal(t, 0, f.app.Len())
}

func TestNackAfterHangupRace(t *testing.T) {
	f := newFixture(t)
	f.send(MsgNewSession, NewSession{Dialog: "D1"})
	f.send(MsgOffer, Offer{Dialog: "D1", SDP: []byte(offerPCMUPCMA)})
	_, offered := f.offered(t)

	f.send(MsgTerminated, Terminated{Dialog: "D1", Reason: "cancel"})
	before := f.stack.ops()

	f.send(MsgCallOfferedNack, CallOfferedNack{Handle: offered.Handle})
	assert.Equal(t, before, f.stack.ops(), "nack for a removed call has no side effects")
	assert.Equal(t, 0, f.m.calls.Len())
}

func TestEmptyAcceptHangsUpWithoutAnswer(t *testing.T) {
	f := newFixture(t)
	f.send(MsgNewSession, NewSession{Dialog: "D1"})
	f.send(MsgOffer, Offer{Dialog: "D1", SDP: []byte(offerPCMUPCMA)})
	_, offered := f.offered(t)

	reply := mailbox.NewMailbox("reply", 4)
	f.m.dispatch(ackRequest(CallOfferedAck{
		Handle: offered.Handle,
		Local:  media.CnxInfo{IP: "203.0.113.1", Port: 7000},
	}, reply, "txn-1"))

	assert.Equal(t, 0, f.stack.count("answer"))
	assert.Equal(t, 0, f.stack.count("accept"))
	assert.Equal(t, 1, f.stack.count("reject"))
	assert.Equal(t, 0, f.m.calls.Len())

	resp, err := reply.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, MsgCallHangup, resp.ID)
	assert.Equal(t, "txn-1", resp.TxnID)
}

func TestAnswerVersionIncreasesAcrossCalls(t *testing.T) {
	f := newFixture(t)

	var versions []uint64
	for _, d := range []DialogHandle{"D1", "D2", "D3"} {
		f.send(MsgNewSession, NewSession{Dialog: d})
		f.send(MsgOffer, Offer{Dialog: d, SDP: []byte(offerPCMUPCMA)})
		_, offered := f.offered(t)
		f.m.dispatch(ackRequest(CallOfferedAck{
			Handle:   offered.Handle,
			Accepted: []media.MediaFormat{media.PCMU, media.PCMA},
			Local:    media.CnxInfo{IP: "203.0.113.1", Port: 7000},
		}, mailbox.NewMailbox("reply", 1), string(d)))
	}

	for _, c := range f.stack.calls {
		if c.op != "answer" {
			continue
		}
		desc, err := media.ParseSDP(c.sdp)
		require.NoError(t, err)
		assert.Len(t, desc.MediaDescriptions[0].Attributes, 2)
		versions = append(versions, desc.Origin.SessionVersion)
	}
	require.Len(t, versions, 3)
	assert.Less(t, versions[0], versions[1])
	assert.Less(t, versions[1], versions[2])
}

func TestHangupCallIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.send(MsgNewSession, NewSession{Dialog: "D1"})
	f.send(MsgOffer, Offer{Dialog: "D1", SDP: []byte(offerPCMUPCMA)})
	_, offered := f.offered(t)

	f.send(MsgHangupCall, HangupCall{Handle: offered.Handle})
	f.send(MsgHangupCall, HangupCall{Handle: offered.Handle})

	assert.Equal(t, 1, f.stack.count("end"))
	assert.Equal(t, 0, f.m.calls.Len())
}

func TestOutOfDialogPolicy(t *testing.T) {
	f := newFixture(t)

	f.send(MsgOutOfDialog, OutOfDialogRequest{Method: "OPTIONS", RequestID: "r1"})
	f.send(MsgOutOfDialog, OutOfDialogRequest{Method: "MESSAGE", RequestID: "r2"})

	require.Equal(t, 1, f.stack.count("ood"))
	ood, _ := f.stack.find("ood")
	assert.Equal(t, "r1", ood.request)
	assert.Equal(t, StatusMethodNotAllowed, ood.code)
}

func TestOfferWithoutHandlerHangsUp(t *testing.T) {
	f := newFixture(t)
	f.app.Close()

	f.send(MsgNewSession, NewSession{Dialog: "D1"})
	f.send(MsgOffer, Offer{Dialog: "D1", SDP: []byte(offerPCMUPCMA)})

	assert.Equal(t, 1, f.stack.count("end"))
	assert.Equal(t, 0, f.m.calls.Len())
}

func TestUnexpectedPayloadIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.send("test.unknown", 17)
	assert.Empty(t, f.stack.ops())
}

func TestRunHangsUpCallsOnShutdown(t *testing.T) {
	stack := &fakeStack{}
	app := mailbox.NewMailbox("app", 4)
	m := NewManager(stack, Config{App: app, KeepAlive: 10 * time.Millisecond}, quietLogger())

	region := process.NewRegion(context.Background(), "test", quietLogger(), process.Config{})
	p, err := region.Start("uas", m.Run)
	require.NoError(t, err)

	require.NoError(t, m.Events().Send(mailbox.New(MsgNewSession, NewSession{Dialog: "D1"})))
	require.NoError(t, m.Events().Send(mailbox.New(MsgOffer, Offer{Dialog: "D1", SDP: []byte(offerPCMUPCMA)})))

	msg, err := app.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	offered := msg.Payload.(CallOffered)
	assert.Same(t, p.Inbound(), msg.Source)

	require.NoError(t, region.Shutdown(p, time.Second))

	hangup, err := offered.Events.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "shutdown", hangup.Payload.(CallHangup).Reason)
	assert.Equal(t, 1, stack.count("end"))
	assert.ErrorIs(t, m.Events().Send(mailbox.New(MsgNewSession, nil)), mailbox.ErrClosed)
}
