package ims

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uas-server/pkg/errors"
	"uas-server/pkg/mailbox"
	"uas-server/pkg/media"
	"uas-server/pkg/metrics"
	"uas-server/pkg/process"
)

var remote = media.CnxInfo{IP: "192.0.2.10", Port: 4000}

func startLoopback(t *testing.T, cfg LoopbackConfig) (*process.Region, *process.Process, *Loopback) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	region := process.NewRegion(context.Background(), "ims-test", logger, process.Config{
		ReadyTimeout:    time.Second,
		ShutdownTimeout: time.Second,
	})
	t.Cleanup(func() { _ = region.Close(time.Second) })

	loop := NewLoopback(cfg, logger)
	p, err := region.Start("ims", loop.Run)
	require.NoError(t, err)
	return region, p, loop
}

// runClient runs fn inside a process so the session has a facade, and
// returns its error.
func runClient(t *testing.T, region *process.Region, fn func(p *process.Process) error) error {
	t.Helper()
	result := make(chan error, 1)
	region.Fork("client", func(p *process.Process) error {
		p.Ready()
		err := fn(p)
		result <- err
		return nil
	})
	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("client did not finish")
		return nil
	}
}

func TestAllocatePlayTearDown(t *testing.T) {
	region, server, _ := startLoopback(t, LoopbackConfig{
		IP:           "192.0.2.1",
		MinPort:      30000,
		MaxPort:      30010,
		PlayDuration: 20 * time.Millisecond,
	})

	err := runClient(t, region, func(p *process.Process) error {
		s := NewSession(p, server.Inbound(), time.Second, p.Logger())
		assert.Equal(t, Undefined, s.Handle())

		if err := s.Allocate(remote, media.PCMU); err != nil {
			return err
		}
		assert.NotEqual(t, Undefined, s.Handle())
		assert.Equal(t, media.CnxInfo{IP: "192.0.2.1", Port: 30000}, s.MediaData())

		// A second allocate keeps the session.
		first := s.Handle()
		if err := s.Allocate(remote, media.PCMA); err != nil {
			return err
		}
		assert.Equal(t, first, s.Handle())

		if err := s.Play("hello.wav", true, false, true); err != nil {
			return err
		}

		s.TearDown()
		s.TearDown()
		assert.Equal(t, Undefined, s.Handle())
		return nil
	})
	require.NoError(t, err)
}

func TestAllocateRefused(t *testing.T) {
	region, server, _ := startLoopback(t, LoopbackConfig{})

	err := runClient(t, region, func(p *process.Process) error {
		s := NewSession(p, server.Inbound(), time.Second, p.Logger())
		return s.Allocate(media.CnxInfo{IP: "not-an-ip", Port: 4000}, media.PCMU)
	})
	require.Error(t, err)
	assert.True(t, errors.IsErrorType(err, errors.ErrMediaRefused))
	assert.Equal(t, errors.CodeMediaRefused, errors.GetErrorCode(err))
}

func TestPlayRequiresSession(t *testing.T) {
	region, server, _ := startLoopback(t, LoopbackConfig{})

	err := runClient(t, region, func(p *process.Process) error {
		s := NewSession(p, server.Inbound(), time.Second, p.Logger())
		return s.Play("hello.wav", true, false, false)
	})
	assert.True(t, errors.IsErrorType(err, errors.ErrInvalidInput))
}

func TestTearDownStopsLoopingPlay(t *testing.T) {
	region, server, _ := startLoopback(t, LoopbackConfig{})

	err := runClient(t, region, func(p *process.Process) error {
		s := NewSession(p, server.Inbound(), time.Second, p.Logger())
		if err := s.Allocate(remote, media.PCMU); err != nil {
			return err
		}
		txn, err := s.StartPlay("music.wav", true, true)
		if err != nil {
			return err
		}
		defer txn.Close()

		// Nothing arrives while the loop plays.
		_, err = txn.Wait(p.Context(), 50*time.Millisecond)
		assert.True(t, errors.IsErrorType(err, errors.ErrTransactionTimeout))

		s.TearDown()
		resp, err := txn.Wait(p.Context(), time.Second)
		if err != nil {
			return err
		}
		assert.Equal(t, MsgPlayStopped, resp.ID)
		assert.Equal(t, ReasonTornDown, resp.Payload.(PlayStopped).Reason)
		return nil
	})
	require.NoError(t, err)
}

func TestAllocateTimesOutWithoutServer(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	region := process.NewRegion(context.Background(), "ims-test", logger, process.Config{})
	t.Cleanup(func() { _ = region.Close(time.Second) })

	silent := mailbox.NewMailbox("silent", 4)
	err := runClient(t, region, func(p *process.Process) error {
		s := NewSession(p, silent, 30*time.Millisecond, p.Logger())
		return s.Allocate(remote, media.PCMU)
	})
	assert.True(t, errors.IsErrorType(err, errors.ErrTransactionTimeout))
}

func TestShutdownStopsPlays(t *testing.T) {
	region, server, loop := startLoopback(t, LoopbackConfig{})

	stopped := make(chan mailbox.Message, 1)
	started := make(chan struct{})
	region.Fork("client", func(p *process.Process) error {
		p.Ready()
		s := NewSession(p, server.Inbound(), time.Second, p.Logger())
		if err := s.Allocate(remote, media.PCMU); err != nil {
			return err
		}
		txn, err := s.StartPlay("music.wav", true, true)
		if err != nil {
			return err
		}
		defer txn.Close()
		close(started)
		resp, err := txn.Wait(p.Context(), time.Second)
		if err == nil {
			stopped <- resp
		}
		return nil
	})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("play did not start")
	}
	require.NoError(t, region.Shutdown(server, time.Second))

	select {
	case resp := <-stopped:
		assert.Equal(t, ReasonShutdown, resp.Payload.(PlayStopped).Reason)
	case <-time.After(time.Second):
		t.Fatal("play was not stopped")
	}
	assert.Equal(t, 0, loop.Sessions())
}

// freeEvenPort finds an even UDP port that is free right now.
func freeEvenPort(t *testing.T) int {
	t.Helper()
	for i := 0; i < 50; i++ {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		require.NoError(t, err)
		port := conn.LocalAddr().(*net.UDPAddr).Port
		conn.Close()
		if port%2 == 0 {
			return port
		}
	}
	t.Fatal("no even port found")
	return 0
}

func TestStreamSendsSilence(t *testing.T) {
	caller, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer caller.Close()
	callerAddr := caller.LocalAddr().(*net.UDPAddr)

	// RTCP goes to the next port up when it is available.
	control, _ := net.ListenUDP("udp4", &net.UDPAddr{IP: callerAddr.IP, Port: callerAddr.Port + 1})
	if control != nil {
		defer control.Close()
	}

	port := freeEvenPort(t)
	region, server, _ := startLoopback(t, LoopbackConfig{
		IP:           "127.0.0.1",
		MinPort:      port,
		MaxPort:      port + 1,
		PlayDuration: 100 * time.Millisecond,
		StreamRTP:    true,
	})

	err = runClient(t, region, func(p *process.Process) error {
		s := NewSession(p, server.Inbound(), time.Second, p.Logger())
		if err := s.Allocate(media.CnxInfo{IP: "127.0.0.1", Port: callerAddr.Port}, media.PCMA); err != nil {
			return err
		}
		if err := s.Play("hello.wav", true, false, false); err != nil {
			return err
		}
		s.TearDown()
		return nil
	})
	require.NoError(t, err)

	buf := make([]byte, 1500)
	require.NoError(t, caller.SetReadDeadline(time.Now().Add(time.Second)))
	n, from, err := caller.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, port, from.Port)

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	assert.Equal(t, uint8(media.PCMA.PayloadType), pkt.PayloadType)
	assert.True(t, pkt.Marker)
	require.Len(t, pkt.Payload, 160)
	assert.Equal(t, byte(0xD5), pkt.Payload[0])

	if control == nil {
		return
	}
	require.NoError(t, control.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err = control.ReadFromUDP(buf)
	require.NoError(t, err)
	packets, err := rtcp.Unmarshal(buf[:n])
	require.NoError(t, err)
	require.Len(t, packets, 2)
	report, ok := packets[0].(*rtcp.SenderReport)
	require.True(t, ok)
	assert.Equal(t, pkt.SSRC, report.SSRC)
	assert.NotZero(t, report.PacketCount)
	assert.IsType(t, &rtcp.Goodbye{}, packets[1])
}

func TestStreamBindFailureRefusesAllocate(t *testing.T) {
	taken, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: freeEvenPort(t)})
	require.NoError(t, err)
	defer taken.Close()
	port := taken.LocalAddr().(*net.UDPAddr).Port

	region, server, loop := startLoopback(t, LoopbackConfig{
		IP:        "127.0.0.1",
		MinPort:   port,
		MaxPort:   port + 1,
		StreamRTP: true,
	})

	err = runClient(t, region, func(p *process.Process) error {
		s := NewSession(p, server.Inbound(), time.Second, p.Logger())
		return s.Allocate(remote, media.PCMU)
	})
	assert.True(t, errors.IsErrorType(err, errors.ErrMediaRefused))
	require.NoError(t, region.Close(time.Second))
	assert.Equal(t, 0, loop.Sessions())
}

func TestPortOccupancyPublished(t *testing.T) {
	metrics.Init(logrus.New())
	region, server, _ := startLoopback(t, LoopbackConfig{
		IP:      "192.0.2.1",
		MinPort: 31000,
		MaxPort: 31004,
	})
	used := func() float64 { return testutil.ToFloat64(metrics.RTPPorts.WithLabelValues("used")) }
	available := func() float64 { return testutil.ToFloat64(metrics.RTPPorts.WithLabelValues("available")) }

	err := runClient(t, region, func(p *process.Process) error {
		s := NewSession(p, server.Inbound(), time.Second, p.Logger())
		if err := s.Allocate(remote, media.PCMU); err != nil {
			return err
		}
		assert.Equal(t, 1.0, used())
		assert.Equal(t, 2.0, available())
		s.TearDown()
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return used() == 0 && available() == 3 }, time.Second, 5*time.Millisecond)
}

func TestPortPool(t *testing.T) {
	pool := NewPortPool(10001, 10006)
	min, max := pool.Range()
	assert.Equal(t, 10002, min)
	assert.Equal(t, 10006, max)

	a, err := pool.Allocate()
	require.NoError(t, err)
	b, err := pool.Allocate()
	require.NoError(t, err)
	c, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, []int{10002, 10004, 10006}, []int{a, b, c})

	_, err = pool.Allocate()
	assert.Error(t, err)

	pool.Release(b)
	pool.Release(b)
	d, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, b, d)

	stats := pool.Stats()
	assert.Equal(t, 3, stats.TotalPorts)
	assert.Equal(t, 3, stats.UsedPorts)
	assert.Equal(t, int64(4), stats.AllocationCount)
	assert.Equal(t, int64(1), stats.DeallocationCount)

	fallback := NewPortPool(0, 0)
	min, max = fallback.Range()
	assert.Equal(t, 10000, min)
	assert.Equal(t, 20000, max)
}
