package media

import (
	"strconv"
	"sync"

	"github.com/pion/sdp/v3"

	"uas-server/pkg/errors"
)

// DefaultSessionName is written to the s= line of generated answers.
const DefaultSessionName = "uas session"

// AnswerBuilder renders SDP answers. It owns the origin session id and the
// version counter, so each UAS instance numbers its answers independently.
type AnswerBuilder struct {
	sessionName string

	mu        sync.Mutex
	sessionID uint64
	version   uint64
}

// NewAnswerBuilder seeds the session id and the first version with seed,
// typically the current time in milliseconds.
func NewAnswerBuilder(seed uint64, sessionName string) *AnswerBuilder {
	if sessionName == "" {
		sessionName = DefaultSessionName
	}
	return &AnswerBuilder{
		sessionName: sessionName,
		sessionID:   seed,
		version:     seed,
	}
}

// Version returns the version used by the last generated answer.
func (b *AnswerBuilder) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// Build renders an answer with one audio medium listing exactly codecs.
// Every successful call uses a new, strictly larger origin version.
func (b *AnswerBuilder) Build(local CnxInfo, codecs []MediaFormat) ([]byte, error) {
	if len(codecs) == 0 {
		return nil, errors.NewNegotiationFailure("no accepted codecs")
	}
	if !local.Valid() {
		return nil, errors.NewInvalidInput("local media address must be IPv4", map[string]interface{}{
			"address": local.String(),
		})
	}

	b.mu.Lock()
	b.version++
	version := b.version
	sessionID := b.sessionID
	b.mu.Unlock()

	formats := make([]string, 0, len(codecs))
	attrs := make([]sdp.Attribute, 0, len(codecs))
	for _, c := range codecs {
		formats = append(formats, strconv.Itoa(c.PayloadType))
		attrs = append(attrs, sdp.NewAttribute("rtpmap", c.RTPMap()))
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: local.IP,
		},
		SessionName: sdp.SessionName(b.sessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: local.IP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: local.Port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}

	return desc.Marshal()
}
