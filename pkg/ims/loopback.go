package ims

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"uas-server/pkg/errors"
	"uas-server/pkg/mailbox"
	"uas-server/pkg/media"
	"uas-server/pkg/metrics"
	"uas-server/pkg/process"
	"uas-server/pkg/transaction"
)

// LoopbackConfig configures the in-memory media server.
type LoopbackConfig struct {
	// IP is advertised as the local RTP address of every session.
	IP      string
	MinPort int
	MaxPort int
	// PlayDuration is how long a non-looping play lasts.
	PlayDuration time.Duration
	KeepAlive    time.Duration
	// StreamRTP binds the allocated port and sends silence to the remote
	// end while a play is active.
	StreamRTP bool
}

type loopSession struct {
	handle Handle
	remote media.CnxInfo
	local  media.CnxInfo
	codec  media.MediaFormat
	stream *rtpStream
}

type activePlay struct {
	id      uint64
	session Handle
	file    string
	request mailbox.Message
	timer   *time.Timer
}

// Loopback is a media server that plays silence: plays complete after
// PlayDuration, looping plays run until stopped. Ports come from a real
// range so answers look like those of a media server, and with StreamRTP
// the silence is actually sent.
type Loopback struct {
	cfg         LoopbackConfig
	ports       *PortPool
	sessions    map[Handle]*loopSession
	plays       map[uint64]*activePlay
	nextSession Handle
	nextPlay    uint64
	logger      *logrus.Entry
}

// NewLoopback creates the media server. Run it as a process.
func NewLoopback(cfg LoopbackConfig, logger *logrus.Logger) *Loopback {
	if cfg.IP == "" {
		cfg.IP = "127.0.0.1"
	}
	if cfg.PlayDuration <= 0 {
		cfg.PlayDuration = 3 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	return &Loopback{
		cfg:      cfg,
		ports:    NewPortPool(cfg.MinPort, cfg.MaxPort),
		sessions: make(map[Handle]*loopSession),
		plays:    make(map[uint64]*activePlay),
		logger:   logger.WithField("component", "ims"),
	}
}

// Run is the process body.
func (l *Loopback) Run(p *process.Process) error {
	l.logger = p.Logger().WithField("component", "ims")
	inbound := p.Inbound()

	p.Ready()
	minPort, maxPort := l.ports.Range()
	l.reportPorts()
	l.logger.WithFields(logrus.Fields{
		"ip":       l.cfg.IP,
		"min_port": minPort,
		"max_port": maxPort,
	}).Info("Media server ready")

	for {
		_, msg, err := p.Select(l.cfg.KeepAlive, inbound)
		if errors.IsErrorType(err, mailbox.ErrTimeout) {
			stats := l.reportPorts()
			l.logger.WithFields(logrus.Fields{
				"sessions":    len(l.sessions),
				"plays":       len(l.plays),
				"ports_used":  stats.UsedPorts,
				"allocations": stats.AllocationCount,
			}).Debug("Keep alive")
			continue
		}
		if err != nil {
			l.stopAll(ReasonShutdown)
			return err
		}
		if msg.IsShutdown() {
			l.stopAll(ReasonShutdown)
			l.logger.Info("Media server stopped")
			return nil
		}
		l.dispatch(p, msg)
	}
}

func (l *Loopback) dispatch(p *process.Process, msg mailbox.Message) {
	switch payload := msg.Payload.(type) {
	case Allocate:
		l.allocate(p, msg, payload)
	case StartPlay:
		l.startPlay(p, msg, payload)
	case playCompleted:
		l.completePlay(payload.play)
	case TearDown:
		l.tearDown(payload.Session)
	default:
		l.logger.WithFields(logrus.Fields{
			"message": msg.ID,
			"payload": fmt.Sprintf("%T", msg.Payload),
		}).Warn("Unexpected message")
	}
}

func (l *Loopback) respond(p *process.Process, req mailbox.Message, id mailbox.MessageID, payload interface{}) {
	if err := p.Respond(req, mailbox.New(id, payload)); err != nil {
		l.logger.WithError(err).WithField("message", id).Debug("Response not delivered")
	}
}

func (l *Loopback) allocate(p *process.Process, req mailbox.Message, a Allocate) {
	if !a.Remote.Valid() || a.Codec.Name == "" {
		metrics.RecordMediaRequest("allocate", "rejected")
		l.respond(p, req, MsgAllocateNack, AllocateNack{Reason: "invalid remote end or codec"})
		return
	}

	port, err := l.ports.Allocate()
	if err != nil {
		metrics.RecordMediaRequest("allocate", "rejected")
		l.logger.WithError(err).Warn("Media session allocation failed")
		l.respond(p, req, MsgAllocateNack, AllocateNack{Reason: err.Error()})
		return
	}

	l.nextSession++
	s := &loopSession{
		handle: l.nextSession,
		remote: a.Remote,
		local:  media.CnxInfo{IP: l.cfg.IP, Port: port},
		codec:  a.Codec,
	}
	if l.cfg.StreamRTP {
		s.stream, err = openStream(s.local, s.remote, s.codec, l.logger.WithField("session", s.handle))
		if err != nil {
			l.ports.Release(port)
			l.reportPorts()
			metrics.RecordMediaRequest("allocate", "rejected")
			l.logger.WithError(err).Warn("Media session allocation failed")
			l.respond(p, req, MsgAllocateNack, AllocateNack{Reason: err.Error()})
			return
		}
	}
	l.sessions[s.handle] = s
	l.reportPorts()
	metrics.RecordMediaRequest("allocate", "ok")
	metrics.AddMediaSessions(1)

	l.logger.WithFields(logrus.Fields{
		"session": s.handle,
		"remote":  s.remote.String(),
		"local":   s.local.String(),
		"codec":   s.codec.String(),
	}).Debug("Media session allocated")
	l.respond(p, req, MsgAllocateAck, AllocateAck{Session: s.handle, Local: s.local})
}

func (l *Loopback) startPlay(p *process.Process, req mailbox.Message, sp StartPlay) {
	s, ok := l.sessions[sp.Session]
	if !ok {
		metrics.RecordMediaRequest("play", "rejected")
		l.respond(p, req, MsgPlayStopped, PlayStopped{Session: sp.Session, Reason: ReasonUnknownSession})
		return
	}

	if sp.Provisional {
		l.respond(p, req, MsgStartPlayAck, StartPlayAck{Session: sp.Session})
	}

	l.nextPlay++
	play := &activePlay{
		id:      l.nextPlay,
		session: sp.Session,
		file:    sp.File,
		request: req,
	}
	if !sp.Loop {
		inbound := p.Inbound()
		id := play.id
		play.timer = time.AfterFunc(l.cfg.PlayDuration, func() {
			_ = inbound.Send(mailbox.New(msgPlayCompleted, playCompleted{play: id}))
		})
	}
	l.plays[play.id] = play
	if s.stream != nil {
		s.stream.start()
	}
	metrics.RecordMediaRequest("play", "ok")

	l.logger.WithFields(logrus.Fields{
		"session": sp.Session,
		"file":    sp.File,
		"loop":    sp.Loop,
	}).Debug("Play started")
}

func (l *Loopback) completePlay(id uint64) {
	play, ok := l.plays[id]
	if !ok {
		return
	}
	l.stopPlay(play, ReasonCompleted)
}

func (l *Loopback) stopPlay(play *activePlay, reason string) {
	if play.timer != nil {
		play.timer.Stop()
	}
	delete(l.plays, play.id)
	if s, ok := l.sessions[play.session]; ok && s.stream != nil && !l.playing(play.session) {
		s.stream.pause()
	}

	resp := mailbox.New(MsgPlayStopped, PlayStopped{Session: play.session, Reason: reason})
	if err := transaction.Respond(play.request, resp); err != nil {
		l.logger.WithError(err).WithField("session", play.session).Debug("Play stop not delivered")
	}
	l.logger.WithFields(logrus.Fields{
		"session": play.session,
		"file":    play.file,
		"reason":  reason,
	}).Debug("Play stopped")
}

func (l *Loopback) playing(h Handle) bool {
	for _, play := range l.plays {
		if play.session == h {
			return true
		}
	}
	return false
}

func (l *Loopback) release(s *loopSession) {
	if s.stream != nil {
		if err := s.stream.close(); err != nil {
			l.logger.WithError(err).WithField("session", s.handle).Debug("Failed to close RTP stream")
		}
	}
	l.ports.Release(s.local.Port)
	delete(l.sessions, s.handle)
	l.reportPorts()
	metrics.AddMediaSessions(-1)
}

func (l *Loopback) reportPorts() PortPoolStats {
	stats := l.ports.Stats()
	metrics.SetRTPPorts(stats.UsedPorts, stats.AvailablePorts)
	return stats
}

func (l *Loopback) tearDown(h Handle) {
	s, ok := l.sessions[h]
	if !ok {
		l.logger.WithField("session", h).Debug("Teardown for unknown session")
		return
	}
	for _, play := range l.plays {
		if play.session == h {
			l.stopPlay(play, ReasonTornDown)
		}
	}
	l.release(s)
	metrics.RecordMediaRequest("teardown", "ok")
	l.logger.WithField("session", h).Debug("Media session torn down")
}

func (l *Loopback) stopAll(reason string) {
	for _, play := range l.plays {
		l.stopPlay(play, reason)
	}
	for _, s := range l.sessions {
		l.release(s)
	}
}

// Sessions returns the number of allocated sessions. It must only be called
// from the process running the Loopback or after it stopped.
func (l *Loopback) Sessions() int {
	return len(l.sessions)
}
