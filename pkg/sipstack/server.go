// Package sipstack adapts the sipgo transport to the UAS state machine. It
// turns incoming requests into uas events and implements uas.DialogStack.
package sipstack

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"uas-server/pkg/errors"
	"uas-server/pkg/mailbox"
	"uas-server/pkg/metrics"
	"uas-server/pkg/uas"
	"uas-server/pkg/version"
)

// Config holds the transport settings.
type Config struct {
	// ContactHost and ContactPort are advertised in the Contact header of
	// 2xx responses.
	ContactHost string
	ContactPort int
	UserAgent   string
	// ByeTimeout bounds the wait for a response to a BYE we send.
	ByeTimeout time.Duration
}

// responder is the part of a server transaction the adapter uses.
// sip.ServerTransaction satisfies it.
type responder interface {
	Respond(res *sip.Response) error
	Done() <-chan struct{}
}

// dialog tracks one incoming INVITE until its dialog ends.
type dialog struct {
	handle    uas.DialogHandle
	invite    *sip.Request
	tx        responder
	localTag  string
	answer    []byte
	answered  bool
	confirmed bool
}

type pendingRequest struct {
	req *sip.Request
	tx  responder
}

// Server is the SIP side of the UAS.
type Server struct {
	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client
	events *mailbox.Mailbox
	cfg    Config
	logger *logrus.Entry

	mu      sync.Mutex
	dialogs map[uas.DialogHandle]*dialog
	pending map[string]*pendingRequest
}

// outOfDialogMethods are forwarded to the UAS as OutOfDialogRequest.
var outOfDialogMethods = []sip.RequestMethod{
	sip.OPTIONS, sip.INFO, sip.MESSAGE, sip.NOTIFY, sip.SUBSCRIBE, sip.REGISTER, sip.REFER, sip.UPDATE,
}

// New creates the transport. Events are posted to events, which is normally
// uas.Manager.Events.
func New(events *mailbox.Mailbox, cfg Config, logger *logrus.Logger) (*Server, error) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = version.UserAgent()
	}
	if cfg.ByeTimeout <= 0 {
		cfg.ByeTimeout = 5 * time.Second
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create SIP user agent")
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, errors.Wrap(err, "failed to create SIP server")
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, errors.Wrap(err, "failed to create SIP client")
	}

	s := newServer(events, cfg, logger)
	s.ua = ua
	s.server = server
	s.client = client

	server.OnRequest(sip.INVITE, func(req *sip.Request, tx sip.ServerTransaction) {
		s.onInvite(req, tx)
	})
	server.OnRequest(sip.ACK, func(req *sip.Request, tx sip.ServerTransaction) {
		s.onAck(req)
	})
	server.OnRequest(sip.BYE, func(req *sip.Request, tx sip.ServerTransaction) {
		s.onBye(req, tx)
	})
	server.OnRequest(sip.CANCEL, func(req *sip.Request, tx sip.ServerTransaction) {
		s.onCancel(req, tx)
	})
	for _, method := range outOfDialogMethods {
		server.OnRequest(method, func(req *sip.Request, tx sip.ServerTransaction) {
			s.onOutOfDialog(req, tx)
		})
	}
	return s, nil
}

func newServer(events *mailbox.Mailbox, cfg Config, logger *logrus.Logger) *Server {
	return &Server{
		events:  events,
		cfg:     cfg,
		logger:  logger.WithField("component", "sipstack"),
		dialogs: make(map[uas.DialogHandle]*dialog),
		pending: make(map[string]*pendingRequest),
	}
}

// ListenAndServe serves SIP on network ("udp" or "tcp") until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, network, addr string) error {
	s.logger.WithFields(logrus.Fields{
		"network": network,
		"address": addr,
	}).Info("Starting SIP listener")
	return s.server.ListenAndServe(ctx, network, addr)
}

// Close releases the transport.
func (s *Server) Close() error {
	if s.ua == nil {
		return nil
	}
	return s.ua.Close()
}

// Dialogs returns the number of dialogs the transport is tracking.
func (s *Server) Dialogs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dialogs)
}

func dialogKey(req *sip.Request) uas.DialogHandle {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	tag := ""
	if from := req.From(); from != nil && from.Params != nil {
		tag, _ = from.Params.Get("tag")
	}
	return uas.DialogHandle(callID + ";" + tag)
}

func hasToTag(req *sip.Request) bool {
	to := req.To()
	if to == nil || to.Params == nil {
		return false
	}
	_, ok := to.Params.Get("tag")
	return ok
}

func generateTag() string {
	return fmt.Sprintf("tag-%d", time.Now().UnixNano())
}

func (s *Server) post(id mailbox.MessageID, payload interface{}) error {
	if err := s.events.Send(mailbox.New(id, payload)); err != nil {
		s.logger.WithError(err).WithField("message", id).Warn("Failed to post SIP event")
		return err
	}
	return nil
}

func (s *Server) onInvite(req *sip.Request, tx responder) {
	metrics.RecordSIPRequest(sip.INVITE.String())
	key := dialogKey(req)
	logger := s.logger.WithField("dialog", key)

	if hasToTag(req) {
		s.mu.Lock()
		_, known := s.dialogs[key]
		s.mu.Unlock()
		if !known {
			logger.Warn("Received re-INVITE for unknown dialog")
			s.respondRequest(req, tx, 481, nil)
			return
		}
		logger.Info("Session modification is not supported, rejecting re-INVITE")
		s.respondRequest(req, tx, uas.StatusNotAcceptable, nil)
		return
	}

	if len(req.Body()) == 0 {
		logger.Warn("INVITE without offer rejected")
		s.respondRequest(req, tx, uas.StatusNotAcceptable, nil)
		return
	}

	d := &dialog{
		handle:   key,
		invite:   req,
		tx:       tx,
		localTag: generateTag(),
	}

	s.mu.Lock()
	if _, exists := s.dialogs[key]; exists {
		s.mu.Unlock()
		logger.Debug("INVITE retransmission ignored")
		return
	}
	s.dialogs[key] = d
	s.mu.Unlock()

	// One message, so a full mailbox cannot split the session from its offer.
	session := uas.NewSession{Dialog: key, SDP: req.Body()}
	if from := req.From(); from != nil {
		session.From = from.Address.String()
	}
	if to := req.To(); to != nil {
		session.To = to.Address.String()
	}

	if err := s.post(uas.MsgNewSession, session); err != nil {
		s.forget(key)
		s.respondRequest(req, tx, 503, nil)
		return
	}

	logger.WithField("from", session.From).Info("Incoming call")
	go s.watchInvite(d)
}

// watchInvite reports a dialog whose INVITE transaction ended before it was
// answered, e.g. on transport failure.
func (s *Server) watchInvite(d *dialog) {
	<-d.tx.Done()
	s.mu.Lock()
	current, ok := s.dialogs[d.handle]
	if !ok || current != d || d.answered {
		s.mu.Unlock()
		return
	}
	delete(s.dialogs, d.handle)
	s.mu.Unlock()

	s.logger.WithField("dialog", d.handle).Info("INVITE transaction ended before answer")
	_ = s.post(uas.MsgTerminated, uas.Terminated{Dialog: d.handle, Reason: "transaction terminated"})
}

func (s *Server) onAck(req *sip.Request) {
	metrics.RecordSIPRequest(sip.ACK.String())
	key := dialogKey(req)

	s.mu.Lock()
	d, ok := s.dialogs[key]
	confirm := ok && d.answered && !d.confirmed
	if confirm {
		d.confirmed = true
	}
	s.mu.Unlock()

	if !confirm {
		s.logger.WithField("dialog", key).Debug("ACK does not confirm a dialog")
		return
	}
	_ = s.post(uas.MsgConnected, uas.Connected{Dialog: key})
}

func (s *Server) onBye(req *sip.Request, tx responder) {
	metrics.RecordSIPRequest(sip.BYE.String())
	key := dialogKey(req)

	if _, ok := s.forget(key); !ok {
		s.logger.WithField("dialog", key).Warn("Received BYE for non-existent dialog")
		s.respondRequest(req, tx, 481, nil)
		return
	}
	s.respondRequest(req, tx, 200, nil)
	s.logger.WithField("dialog", key).Info("Dialog ended by remote party")
	_ = s.post(uas.MsgTerminated, uas.Terminated{Dialog: key, Reason: "bye"})
}

func (s *Server) onCancel(req *sip.Request, tx responder) {
	metrics.RecordSIPRequest(sip.CANCEL.String())
	key := dialogKey(req)

	s.mu.Lock()
	d, ok := s.dialogs[key]
	if ok && d.answered {
		ok = false
	}
	if ok {
		delete(s.dialogs, key)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.WithField("dialog", key).Warn("Received CANCEL for non-existent call")
		s.respondRequest(req, tx, 481, nil)
		return
	}

	s.respondRequest(req, tx, 200, nil)
	s.respondDialog(d, 487, nil)
	s.logger.WithField("dialog", key).Info("Call cancelled")
	_ = s.post(uas.MsgTerminated, uas.Terminated{Dialog: key, Reason: "cancel"})
}

func (s *Server) onOutOfDialog(req *sip.Request, tx responder) {
	method := req.Method.String()
	metrics.RecordSIPRequest(method)

	id := uuid.New().String()
	s.mu.Lock()
	s.pending[id] = &pendingRequest{req: req, tx: tx}
	s.mu.Unlock()

	if err := s.post(uas.MsgOutOfDialog, uas.OutOfDialogRequest{Method: method, RequestID: id}); err != nil {
		s.takePending(id)
		s.respondRequest(req, tx, 503, nil)
		return
	}

	// Requests the UAS ignores are dropped with their transaction.
	go func() {
		<-tx.Done()
		s.takePending(id)
	}()
}

func (s *Server) takePending(id string) (*pendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	delete(s.pending, id)
	return p, ok
}

func (s *Server) forget(key uas.DialogHandle) (*dialog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dialogs[key]
	delete(s.dialogs, key)
	return d, ok
}

func (s *Server) lookup(key uas.DialogHandle) (*dialog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dialogs[key]
	if !ok {
		return nil, errors.NewNotFound("dialog").WithField("dialog", string(key))
	}
	return d, nil
}

// Provisional sends a 1xx response.
func (s *Server) Provisional(key uas.DialogHandle, code int) error {
	d, err := s.lookup(key)
	if err != nil {
		return err
	}
	return s.respondDialog(d, code, nil)
}

// ProvideAnswer stores the answer sent by Accept.
func (s *Server) ProvideAnswer(key uas.DialogHandle, sdp []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dialogs[key]
	if !ok {
		return errors.NewNotFound("dialog").WithField("dialog", string(key))
	}
	d.answer = append([]byte(nil), sdp...)
	return nil
}

// Accept sends 200 OK carrying the stored answer.
func (s *Server) Accept(key uas.DialogHandle) error {
	s.mu.Lock()
	d, ok := s.dialogs[key]
	if ok {
		d.answered = true
	}
	s.mu.Unlock()
	if !ok {
		return errors.NewNotFound("dialog").WithField("dialog", string(key))
	}
	return s.respondDialog(d, 200, d.answer)
}

// Reject sends a final error response and forgets the dialog.
func (s *Server) Reject(key uas.DialogHandle, code int) error {
	d, ok := s.forget(key)
	if !ok {
		return errors.NewNotFound("dialog").WithField("dialog", string(key))
	}
	return s.respondDialog(d, code, nil)
}

// End terminates the dialog. An unanswered INVITE gets 480, an answered
// dialog a BYE sent in the background.
func (s *Server) End(key uas.DialogHandle) error {
	d, ok := s.forget(key)
	if !ok {
		return errors.NewNotFound("dialog").WithField("dialog", string(key))
	}
	if !d.answered {
		return s.respondDialog(d, 480, nil)
	}
	if s.client == nil {
		return errors.New("SIP client not available").WithField("dialog", string(key))
	}
	go s.sendBye(d)
	return nil
}

// RespondOutOfDialog answers a pending out-of-dialog request.
func (s *Server) RespondOutOfDialog(requestID string, code int) error {
	p, ok := s.takePending(requestID)
	if !ok {
		return errors.NewNotFound("request").WithField("request_id", requestID)
	}
	resp := sip.NewResponseFromRequest(p.req, sip.StatusCode(code), reasonPhrase(code), nil)
	if code == 405 {
		resp.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, BYE, CANCEL"))
	}
	return s.send(p.tx, resp)
}

func (s *Server) respondRequest(req *sip.Request, tx responder, code int, body []byte) {
	resp := sip.NewResponseFromRequest(req, sip.StatusCode(code), reasonPhrase(code), body)
	if err := s.send(tx, resp); err != nil {
		s.logger.WithError(err).WithField("status", code).Warn("Failed to send response")
	}
}

func (s *Server) respondDialog(d *dialog, code int, body []byte) error {
	resp := sip.NewResponseFromRequest(d.invite, sip.StatusCode(code), reasonPhrase(code), body)
	if code > 100 {
		if to := resp.To(); to != nil {
			if to.Params == nil {
				to.Params = sip.NewParams()
			}
			to.Params.Add("tag", d.localTag)
		}
	}
	if code >= 200 && code < 300 {
		resp.AppendHeader(&sip.ContactHeader{
			Address: sip.Uri{User: "uas", Host: s.cfg.ContactHost, Port: s.cfg.ContactPort},
		})
	}
	if len(body) > 0 {
		resp.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	if err := s.send(d.tx, resp); err != nil {
		return errors.Wrap(err, "failed to send response").
			WithField("dialog", string(d.handle)).
			WithField("status", code)
	}
	return nil
}

func (s *Server) send(tx responder, resp *sip.Response) error {
	resp.AppendHeader(sip.NewHeader("Server", version.ServerHeader()))
	metrics.RecordSIPResponse(int(resp.StatusCode))
	return tx.Respond(resp)
}

// byeRequest builds the BYE ending an answered dialog. We are the callee,
// so From and To are swapped relative to the INVITE.
func byeRequest(d *dialog) *sip.Request {
	invite := d.invite
	target := invite.From().Address
	if contact := invite.Contact(); contact != nil {
		target = contact.Address
	}
	bye := sip.NewRequest(sip.BYE, target)

	from := &sip.FromHeader{Address: invite.To().Address, Params: sip.NewParams()}
	from.Params.Add("tag", d.localTag)
	bye.AppendHeader(from)

	remoteTag, _ := invite.From().Params.Get("tag")
	to := &sip.ToHeader{Address: invite.From().Address, Params: sip.NewParams()}
	to.Params.Add("tag", remoteTag)
	bye.AppendHeader(to)

	callID := sip.CallIDHeader(invite.CallID().Value())
	bye.AppendHeader(&callID)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE})
	maxForwards := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxForwards)
	return bye
}

func (s *Server) sendBye(d *dialog) {
	logger := s.logger.WithField("dialog", d.handle)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ByeTimeout)
	defer cancel()

	metrics.RecordSIPRequest(sip.BYE.String())
	tx, err := s.client.TransactionRequest(ctx, byeRequest(d))
	if err != nil {
		logger.WithError(err).Warn("Failed to send BYE")
		return
	}
	defer tx.Terminate()

	for {
		select {
		case resp, ok := <-tx.Responses():
			if !ok {
				return
			}
			if resp.StatusCode < 200 {
				continue
			}
			logger.WithField("status", resp.StatusCode).Info("BYE answered")
			return
		case <-tx.Done():
			logger.WithError(tx.Err()).Warn("BYE transaction ended without response")
			return
		case <-ctx.Done():
			logger.Warn("Timed out waiting for BYE response")
			return
		}
	}
}

func reasonPhrase(code int) string {
	switch code {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 183:
		return "Session Progress"
	case 200:
		return "OK"
	case 405:
		return "Method Not Allowed"
	case 480:
		return "Temporarily Unavailable"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 500:
		return "Server Internal Error"
	case 503:
		return "Service Unavailable"
	default:
		return ""
	}
}
