package ims

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"uas-server/pkg/errors"
	"uas-server/pkg/media"
)

const (
	packetInterval = 20 * time.Millisecond
	rtpVersion     = 2
)

// silence returns one packet interval of silence for codec.
func silence(codec media.MediaFormat) []byte {
	samples := codec.SamplingRate * int(packetInterval/time.Millisecond) / 1000
	frame := make([]byte, samples)
	fill := byte(0xFF) // mu-law zero
	if codec.Matches(media.PCMA) {
		fill = 0xD5
	}
	for i := range frame {
		frame[i] = fill
	}
	return frame
}

// rtpStream sends silence from the local port of a session to the remote
// end while a play is active, and says goodbye over RTCP on close.
type rtpStream struct {
	conn    *net.UDPConn
	remote  *net.UDPAddr
	control *net.UDPAddr
	codec   media.MediaFormat
	payload []byte
	ssrc    uint32
	logger  *logrus.Entry

	mu      sync.Mutex
	seq     uint16
	ts      uint32
	packets uint32
	octets  uint32
	stop    chan struct{}
	wg      sync.WaitGroup
}

func openStream(local, remote media.CnxInfo, codec media.MediaFormat, logger *logrus.Entry) (*rtpStream, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(local.IP), Port: local.Port})
	if err != nil {
		return nil, errors.Wrap(err, "failed to bind RTP port", map[string]interface{}{"local": local.String()})
	}
	remoteIP := net.ParseIP(remote.IP)
	return &rtpStream{
		conn:    conn,
		remote:  &net.UDPAddr{IP: remoteIP, Port: remote.Port},
		control: &net.UDPAddr{IP: remoteIP, Port: remote.Port + 1},
		codec:   codec,
		payload: silence(codec),
		ssrc:    rand.Uint32(),
		seq:     uint16(rand.Uint32()),
		ts:      rand.Uint32(),
		logger:  logger,
	}, nil
}

// start begins sending if the stream is idle.
func (s *rtpStream) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.send(s.stop)
}

// pause stops sending and waits for the sender to exit.
func (s *rtpStream) pause() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		s.wg.Wait()
	}
}

func (s *rtpStream) send(stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(packetInterval)
	defer ticker.Stop()

	marker := true
	for {
		if err := s.writePacket(marker); err != nil {
			s.logger.WithError(err).Debug("Failed to send RTP packet")
		}
		marker = false

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (s *rtpStream) writePacket(marker bool) error {
	s.mu.Lock()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        rtpVersion,
			Marker:         marker,
			PayloadType:    uint8(s.codec.PayloadType),
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: s.payload,
	}
	s.seq++
	s.ts += uint32(len(s.payload))
	s.packets++
	s.octets += uint32(len(s.payload))
	s.mu.Unlock()

	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(raw, s.remote)
	return err
}

// close stops sending, reports what was sent and says goodbye.
func (s *rtpStream) close() error {
	s.pause()

	s.mu.Lock()
	report := &rtcp.SenderReport{
		SSRC:        s.ssrc,
		NTPTime:     ntpTime(time.Now()),
		RTPTime:     s.ts,
		PacketCount: s.packets,
		OctetCount:  s.octets,
	}
	s.mu.Unlock()

	raw, err := rtcp.Marshal([]rtcp.Packet{report, &rtcp.Goodbye{Sources: []uint32{s.ssrc}}})
	if err == nil {
		_, err = s.conn.WriteToUDP(raw, s.control)
	}
	if err != nil {
		s.logger.WithError(err).Debug("Failed to send RTCP goodbye")
	}
	return s.conn.Close()
}

// ntpTime converts t to the 64-bit NTP format used in sender reports.
func ntpTime(t time.Time) uint64 {
	const ntpEpochOffset = 2208988800
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return secs<<32 | frac
}
