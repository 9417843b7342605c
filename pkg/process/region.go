package process

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"uas-server/pkg/errors"
	"uas-server/pkg/mailbox"
	"uas-server/pkg/metrics"
	"uas-server/pkg/transaction"
)

// Config holds the runtime settings shared by a region and its processes.
type Config struct {
	MailboxSize     int
	ReadyTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig mirrors the defaults of the process section in pkg/config.
func DefaultConfig() Config {
	return Config{
		MailboxSize:     mailbox.DefaultSize,
		ReadyTimeout:    5 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MailboxSize <= 0 {
		c.MailboxSize = d.MailboxSize
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = d.ReadyTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Region is a supervision scope. Children are shut down in reverse order of
// creation, and a region never outlives the process that owns it.
type Region struct {
	name   string
	ctx    context.Context
	base   *logrus.Logger
	logger *logrus.Entry
	cfg    Config
	txns   *transaction.Correlator

	mu       sync.Mutex
	children []*Process
}

// NewRegion creates a root region. Processes forked from it are cancelled
// when ctx is.
func NewRegion(ctx context.Context, name string, logger *logrus.Logger, cfg Config) *Region {
	return newRegion(ctx, name, logger, cfg.withDefaults())
}

func newRegion(ctx context.Context, name string, base *logrus.Logger, cfg Config) *Region {
	logger := base.WithField("region", name)
	return &Region{
		name:   name,
		ctx:    ctx,
		base:   base,
		logger: logger,
		cfg:    cfg,
		txns:   transaction.NewCorrelator(logger),
	}
}

// Fork starts fn as a child process and returns its descriptor.
func (r *Region) Fork(name string, fn Func) *Process {
	p := spawn(r.ctx, r.base, name, r.cfg, fn)

	r.mu.Lock()
	r.children = append(r.children, p)
	r.mu.Unlock()

	// Children that return on their own leave the region.
	go func() {
		<-p.done
		r.remove(p)
	}()

	r.logger.WithFields(logrus.Fields{
		"process": name,
		"pid":     p.id[:8],
	}).Debug("Forked process")
	return p
}

// WaitReady blocks until child signals readiness. A child that terminates
// first, or does not signal within timeout, is a startup failure.
func (r *Region) WaitReady(child *Process, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-child.ready:
		return nil
	case <-child.done:
		// Ready may have been signalled just before the body returned.
		select {
		case <-child.ready:
			return nil
		default:
		}
		fields := map[string]interface{}{"reason": "terminated before ready"}
		if child.err != nil {
			fields["cause"] = child.err.Error()
		}
		return errors.NewStartupFailure(child.name, fields)
	case <-timer.C:
		return errors.NewStartupFailure(child.name, map[string]interface{}{
			"reason":  "ready timeout",
			"timeout": timeout.String(),
		})
	case <-r.ctx.Done():
		return errors.NewStartupFailure(child.name, map[string]interface{}{
			"reason": "region cancelled",
		})
	}
}

// Start forks fn and waits for it to become ready. On failure every child of
// the region, including the failed one, is shut down in reverse order.
func (r *Region) Start(name string, fn Func) (*Process, error) {
	child := r.Fork(name, fn)

	if err := r.WaitReady(child, r.cfg.ReadyTimeout); err != nil {
		metrics.RecordProcessStart("failed")
		r.logger.WithError(err).WithField("process", name).Error("Process failed to start, unwinding region")
		if cerr := r.Close(r.cfg.ShutdownTimeout); cerr != nil {
			r.logger.WithError(cerr).Warn("Unwinding after startup failure was not clean")
		}
		return nil, err
	}

	metrics.RecordProcessStart("ready")
	return child, nil
}

// Shutdown asks child to stop and waits up to grace for the acknowledgement.
// A child that does not answer in time is abandoned: its context is
// cancelled and the failure is returned. Calling Shutdown again is harmless.
func (r *Region) Shutdown(child *Process, grace time.Duration) error {
	logger := r.logger.WithFields(logrus.Fields{
		"process": child.name,
		"pid":     child.id[:8],
	})
	defer r.remove(child)

	select {
	case <-child.done:
		return nil
	default:
	}

	start := time.Now()
	txn, err := r.txns.Begin(child.Inbound(), mailbox.New(mailbox.MsgShutdownReq, nil))
	if err == nil {
		_, err = txn.Wait(context.Background(), grace)
		txn.Close()
	} else {
		// The inbound is already closed, the child is on its way out.
		err = waitDone(child, grace)
	}

	if err != nil {
		child.cancel()
		logger.WithError(err).WithField("grace", grace.String()).Error("Process did not shut down in time, abandoning it")
		return errors.NewShutdownTimeout(child.name, map[string]interface{}{
			"grace": grace.String(),
		})
	}

	<-child.done
	metrics.ObserveProcessShutdown(time.Since(start))
	logger.WithField("elapsed", time.Since(start).String()).Debug("Process shut down")
	return nil
}

func waitDone(child *Process, grace time.Duration) error {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-child.done:
		return nil
	case <-timer.C:
		return errors.ErrTimeout
	}
}

func (r *Region) remove(child *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.children {
		if c == child {
			r.children = append(r.children[:i], r.children[i+1:]...)
			break
		}
	}
	child.pair.Outbound.Close()
}

// Close shuts down every child in reverse creation order. The first failure
// is returned; the remaining children are still shut down.
func (r *Region) Close(grace time.Duration) error {
	r.mu.Lock()
	children := make([]*Process, len(r.children))
	copy(children, r.children)
	r.mu.Unlock()

	var first error
	for i := len(children) - 1; i >= 0; i-- {
		if err := r.Shutdown(children[i], grace); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Children returns the live children in creation order.
func (r *Region) Children() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Process, len(r.children))
	copy(out, r.children)
	return out
}

// Config returns the settings used for forked processes.
func (r *Region) Config() Config {
	return r.cfg
}
