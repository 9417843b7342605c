package process

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uas-server/pkg/errors"
	"uas-server/pkg/mailbox"
	"uas-server/pkg/util"
)

func testRegion(t *testing.T) *Region {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return NewRegion(context.Background(), "test", logger, Config{
		ReadyTimeout:    200 * time.Millisecond,
		ShutdownTimeout: 200 * time.Millisecond,
	})
}

// serve is a well-behaved body: ready, then wait for shutdown.
func serve(onStop func()) Func {
	return func(p *Process) error {
		p.Ready()
		for {
			msg, err := p.Receive(mailbox.Infinite)
			if err != nil {
				return err
			}
			if msg.IsShutdown() {
				if onStop != nil {
					onStop()
				}
				return nil
			}
		}
	}
}

func TestLifecycle(t *testing.T) {
	r := testRegion(t)
	entered := make(chan struct{})

	p := r.Fork("worker", func(p *Process) error {
		p.Ready()
		p.Ready()
		close(entered)
		_, err := p.Receive(mailbox.Infinite)
		return err
	})

	require.NoError(t, r.WaitReady(p, time.Second))
	<-entered
	assert.Eventually(t, func() bool { return p.State() == Running }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Shutdown(p, time.Second))
	assert.Equal(t, Terminated, p.State())
	assert.NoError(t, p.Err())
	assert.Empty(t, r.Children())

	// Sends to a terminated process fail.
	assert.ErrorIs(t, p.Inbound().Send(mailbox.New("test.late", nil)), mailbox.ErrClosed)
}

func TestShutdownIsIdempotent(t *testing.T) {
	r := testRegion(t)
	p, err := r.Start("worker", serve(nil))
	require.NoError(t, err)

	require.NoError(t, r.Shutdown(p, time.Second))
	require.NoError(t, r.Shutdown(p, time.Second))
}

func TestWaitReadyTimeout(t *testing.T) {
	r := testRegion(t)
	p := r.Fork("sleepy", func(p *Process) error {
		<-p.Context().Done()
		return nil
	})

	err := r.WaitReady(p, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsErrorType(err, errors.ErrStartupFailure))
	_ = r.Shutdown(p, 10*time.Millisecond)
}

func TestWaitReadyChildExitsEarly(t *testing.T) {
	r := testRegion(t)
	p := r.Fork("broken", func(p *Process) error {
		return errors.New("cannot bind")
	})

	err := r.WaitReady(p, time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsErrorType(err, errors.ErrStartupFailure))
	assert.Equal(t, "cannot bind", errors.GetErrorFields(err)["cause"])
}

func TestStartFailureUnwindsSiblingsInReverseOrder(t *testing.T) {
	r := testRegion(t)

	var mu sync.Mutex
	var stopped []string
	stop := func(name string) func() {
		return func() {
			mu.Lock()
			stopped = append(stopped, name)
			mu.Unlock()
		}
	}

	_, err := r.Start("ipc", serve(stop("ipc")))
	require.NoError(t, err)
	_, err = r.Start("stack", serve(stop("stack")))
	require.NoError(t, err)

	_, err = r.Start("script", func(p *Process) error {
		return errors.New("script missing")
	})
	require.Error(t, err)
	assert.True(t, errors.IsErrorType(err, errors.ErrStartupFailure))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"stack", "ipc"}, stopped)
	assert.Empty(t, r.Children())
}

func TestCloseReverseOrder(t *testing.T) {
	r := testRegion(t)

	var mu sync.Mutex
	var stopped []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		_, err := r.Start(name, serve(func() {
			mu.Lock()
			stopped = append(stopped, name)
			mu.Unlock()
		}))
		require.NoError(t, err)
	}

	require.NoError(t, r.Close(time.Second))
	assert.Equal(t, []string{"c", "b", "a"}, stopped)
}

func TestShutdownAbandonsStuckChild(t *testing.T) {
	r := testRegion(t)
	release := make(chan struct{})
	defer close(release)

	p, err := r.Start("stuck", func(p *Process) error {
		p.Ready()
		<-release
		return nil
	})
	require.NoError(t, err)

	start := time.Now()
	err = r.Shutdown(p, 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsErrorType(err, errors.ErrShutdownTimeout))
	assert.Less(t, time.Since(start), time.Second)
	assert.Error(t, p.Context().Err(), "abandoned child is cancelled")
	assert.Empty(t, r.Children())
}

func TestPanicBecomesProcessError(t *testing.T) {
	r := testRegion(t)
	p := r.Fork("panicky", func(p *Process) error {
		p.Ready()
		panic("boom")
	})

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("process did not terminate")
	}

	var perr *util.PanicError
	require.ErrorAs(t, p.Err(), &perr)
	assert.Equal(t, "boom", perr.Value)
	assert.Equal(t, Terminated, p.State())
}

func TestChildrenStopBeforeParent(t *testing.T) {
	r := testRegion(t)

	var mu sync.Mutex
	var order []string
	mark := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	parent, err := r.Start("parent", func(p *Process) error {
		if _, err := p.Children().Start("child", serve(func() { mark("child") })); err != nil {
			return err
		}
		p.Ready()
		for {
			msg, err := p.Receive(mailbox.Infinite)
			if err != nil {
				return err
			}
			if msg.IsShutdown() {
				mark("parent")
				return nil
			}
		}
	})
	require.NoError(t, err)

	require.NoError(t, r.Shutdown(parent, time.Second))
	assert.Equal(t, []string{"parent", "child"}, order)
	assert.Empty(t, parent.Children().Children())
}

func TestOwnedMailboxFailsAfterTermination(t *testing.T) {
	r := testRegion(t)
	boxes := make(chan *mailbox.Mailbox, 1)

	p, err := r.Start("owner", func(p *Process) error {
		boxes <- p.NewMailbox("reply", 4)
		return serve(nil)(p)
	})
	require.NoError(t, err)

	reply := <-boxes
	require.NoError(t, reply.Send(mailbox.New("test.early", nil)))

	require.NoError(t, r.Shutdown(p, time.Second))
	assert.ErrorIs(t, reply.Send(mailbox.New("test.late", nil)), mailbox.ErrClosed)
}

func TestRequestBetweenProcesses(t *testing.T) {
	r := testRegion(t)

	server, err := r.Start("server", func(p *Process) error {
		p.Ready()
		for {
			msg, err := p.Receive(mailbox.Infinite)
			if err != nil {
				return err
			}
			if msg.IsShutdown() {
				return nil
			}
			_ = p.Respond(msg, mailbox.New("test.pong", msg.Payload))
		}
	})
	require.NoError(t, err)

	answers := make(chan interface{}, 1)
	client, err := r.Start("client", func(p *Process) error {
		p.Ready()
		resp, err := p.Request(server.Inbound(), mailbox.New("test.ping", 7), time.Second)
		if err != nil {
			return err
		}
		answers <- resp.Payload
		return serve(nil)(p)
	})
	require.NoError(t, err)

	select {
	case v := <-answers:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("no answer")
	}

	require.NoError(t, r.Close(time.Second))
	assert.Equal(t, Terminated, client.State())
	assert.Equal(t, Terminated, server.State())
}

func TestExitedChildLeavesRegion(t *testing.T) {
	r := testRegion(t)
	p, err := r.Start("oneshot", func(p *Process) error {
		p.Ready()
		return nil
	})
	require.NoError(t, err)

	<-p.Done()
	assert.Eventually(t, func() bool { return len(r.Children()) == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, p.Outbound().Closed())
}
