// Package process runs actors: goroutines that own a mailbox pair, signal
// readiness once and stop when asked by their parent region.
package process

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"uas-server/pkg/errors"
	"uas-server/pkg/mailbox"
	"uas-server/pkg/metrics"
	"uas-server/pkg/transaction"
	"uas-server/pkg/util"
)

// State is the lifecycle position of a process. It only moves forward.
type State int32

const (
	Created State = iota
	Ready
	Running
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// Func is the body of a process. It must call p.Ready once initialised and
// return when it receives a shutdown request or its context is cancelled.
type Func func(p *Process) error

// Process is the descriptor of a running actor.
type Process struct {
	id     string
	name   string
	pair   mailbox.Pair
	state  atomic.Int32
	cfg    Config
	logger *logrus.Entry
	base   *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	err       error

	txns     *transaction.Correlator
	children *Region
	panics   *util.PanicHandler

	mu          sync.Mutex
	owned       []*mailbox.Mailbox
	shutdownReq *mailbox.Message
	startedAt   time.Time
}

func spawn(parent context.Context, base *logrus.Logger, name string, cfg Config, fn Func) *Process {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()

	p := &Process{
		id:        id,
		name:      name,
		pair:      mailbox.NewPair(name, cfg.MailboxSize),
		cfg:       cfg,
		base:      base,
		ctx:       ctx,
		cancel:    cancel,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		panics:    util.NewPanicHandler(base),
		startedAt: time.Now(),
	}
	p.logger = base.WithFields(logrus.Fields{
		"process": name,
		"pid":     id[:8],
	})
	p.txns = transaction.NewCorrelator(p.logger)
	p.children = newRegion(ctx, name, base, cfg)
	p.state.Store(int32(Created))

	metrics.RecordProcessStarted()
	go p.run(fn)
	return p
}

func (p *Process) run(fn Func) {
	var err error
	func() {
		defer p.panics.Guard("process:"+p.name, func(perr *util.PanicError) {
			err = perr
		})
		err = fn(p)
	}()
	p.terminate(err)
}

func (p *Process) terminate(err error) {
	p.setState(ShuttingDown)

	if cerr := p.children.Close(p.cfg.ShutdownTimeout); cerr != nil {
		p.logger.WithError(cerr).Warn("Children did not shut down cleanly")
	}

	p.mu.Lock()
	owned := p.owned
	req := p.shutdownReq
	p.owned = nil
	p.mu.Unlock()

	for _, b := range owned {
		b.Close()
	}
	p.pair.Inbound.Close()

	// Shutdown requests that were never read still get acknowledged.
	pending := p.drainShutdownRequests()

	switch {
	case err == nil, errors.IsErrorType(err, context.Canceled):
		p.logger.WithField("uptime", time.Since(p.startedAt).String()).Debug("Process terminated")
	default:
		p.logger.WithError(err).Error("Process terminated with error")
	}

	p.err = err
	p.state.Store(int32(Terminated))
	metrics.RecordProcessTerminated()

	if req != nil {
		pending = append(pending, *req)
	}
	for _, r := range pending {
		if r.Source != nil {
			_ = r.Source.Send(r.Reply(mailbox.MsgShutdownAck, nil))
		}
	}

	p.cancel()
	close(p.done)
}

func (p *Process) drainShutdownRequests() []mailbox.Message {
	var reqs []mailbox.Message
	for {
		_, msg, err := mailbox.Select(context.Background(), 0, p.pair.Inbound)
		if err != nil {
			return reqs
		}
		if msg.IsShutdown() {
			reqs = append(reqs, msg)
		}
	}
}

func (p *Process) setState(s State) {
	for {
		cur := p.state.Load()
		if State(cur) >= s {
			return
		}
		if p.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// ID returns the unique process id.
func (p *Process) ID() string { return p.id }

// Name returns the diagnostic name given at fork time.
func (p *Process) Name() string { return p.name }

// State returns the current lifecycle state.
func (p *Process) State() State { return State(p.state.Load()) }

// Pair returns the mailbox pair the parent uses to talk to this process.
func (p *Process) Pair() mailbox.Pair { return p.pair }

// Inbound is the mailbox the process reads requests from.
func (p *Process) Inbound() *mailbox.Mailbox { return p.pair.Inbound }

// Outbound is the mailbox the parent reads this process's output from.
func (p *Process) Outbound() *mailbox.Mailbox { return p.pair.Outbound }

// Context is cancelled when the process terminates or is forcibly reclaimed.
func (p *Process) Context() context.Context { return p.ctx }

// Logger returns an entry tagged with the process name and id.
func (p *Process) Logger() *logrus.Entry { return p.logger }

// BaseLogger returns the logger processes forked from this one should use.
func (p *Process) BaseLogger() *logrus.Logger { return p.base }

// Config returns the runtime settings the process was started with.
func (p *Process) Config() Config { return p.cfg }

// Done is closed once the process is Terminated.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the error the body returned. Valid after Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Children is the region for processes forked by this one. It is shut down
// before this process terminates.
func (p *Process) Children() *Region { return p.children }

// Ready signals the parent that initialisation is complete. Only the first
// call has an effect.
func (p *Process) Ready() {
	p.readyOnce.Do(func() {
		p.setState(Ready)
		close(p.ready)
		p.logger.Debug("Process ready")
	})
}

// NewMailbox creates a mailbox owned by the process; it is closed when the
// process terminates, so it can be handed out as a reply address.
func (p *Process) NewMailbox(name string, size int) *mailbox.Mailbox {
	box := mailbox.NewMailbox(p.name+"."+name, size)
	p.mu.Lock()
	p.owned = append(p.owned, box)
	p.mu.Unlock()
	return box
}

// Select waits on boxes like mailbox.Select, bound to the process context.
// A shutdown request moves the process to ShuttingDown; the runtime sends
// the acknowledgement after the body returns.
func (p *Process) Select(timeout time.Duration, boxes ...*mailbox.Mailbox) (int, mailbox.Message, error) {
	p.state.CompareAndSwap(int32(Ready), int32(Running))

	idx, msg, err := mailbox.Select(p.ctx, timeout, boxes...)
	if err == nil && msg.IsShutdown() {
		p.mu.Lock()
		if p.shutdownReq == nil {
			req := msg
			p.shutdownReq = &req
		}
		p.mu.Unlock()
		p.setState(ShuttingDown)
		p.logger.Debug("Shutdown requested")
	}
	return idx, msg, err
}

// Receive waits on the process inbound.
func (p *Process) Receive(timeout time.Duration) (mailbox.Message, error) {
	_, msg, err := p.Select(timeout, p.pair.Inbound)
	return msg, err
}

// ShutdownRequested reports whether a shutdown request has been received.
func (p *Process) ShutdownRequested() bool {
	return p.State() >= ShuttingDown
}

// Send delivers msg to target without waiting for an answer.
func (p *Process) Send(target *mailbox.Mailbox, msg mailbox.Message) error {
	if err := target.Send(msg); err != nil {
		p.logger.WithFields(logrus.Fields{
			"target":  target.Name(),
			"message": msg.ID,
		}).WithError(err).Debug("Send failed")
		return err
	}
	return nil
}

// Request sends msg to target and waits up to timeout for the correlated response.
func (p *Process) Request(target *mailbox.Mailbox, msg mailbox.Message, timeout time.Duration) (mailbox.Message, error) {
	return p.txns.Request(p.ctx, target, msg, timeout)
}

// Begin starts a transaction whose responses are collected with Txn.Wait.
func (p *Process) Begin(target *mailbox.Mailbox, msg mailbox.Message) (*transaction.Txn, error) {
	return p.txns.Begin(target, msg)
}

// Respond answers req on its reply address.
func (p *Process) Respond(req, resp mailbox.Message) error {
	return transaction.Respond(req, resp)
}
