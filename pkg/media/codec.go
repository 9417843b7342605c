package media

import (
	"fmt"
	"net"
	"strings"
)

// MediaFormat is one RTP payload format: name, clock rate and payload type.
type MediaFormat struct {
	Name         string
	SamplingRate int
	PayloadType  int
}

// Static payload types from RFC 3551 that may appear without an rtpmap.
var (
	PCMU = MediaFormat{Name: "PCMU", SamplingRate: 8000, PayloadType: 0}
	GSM  = MediaFormat{Name: "GSM", SamplingRate: 8000, PayloadType: 3}
	PCMA = MediaFormat{Name: "PCMA", SamplingRate: 8000, PayloadType: 8}
	G722 = MediaFormat{Name: "G722", SamplingRate: 8000, PayloadType: 9}
	G729 = MediaFormat{Name: "G729", SamplingRate: 8000, PayloadType: 18}
)

var staticFormats = map[int]MediaFormat{
	PCMU.PayloadType: PCMU,
	GSM.PayloadType:  GSM,
	PCMA.PayloadType: PCMA,
	G722.PayloadType: G722,
	G729.PayloadType: G729,
}

// StaticFormat returns the well-known format for a static payload type.
func StaticFormat(pt int) (MediaFormat, bool) {
	f, ok := staticFormats[pt]
	return f, ok
}

// FormatByName looks up a static format by encoding name, case-insensitively.
func FormatByName(name string) (MediaFormat, bool) {
	for _, f := range staticFormats {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return MediaFormat{}, false
}

// RTPMap renders the value of an rtpmap attribute, e.g. "0 PCMU/8000".
func (f MediaFormat) RTPMap() string {
	return fmt.Sprintf("%d %s/%d", f.PayloadType, f.Name, f.SamplingRate)
}

func (f MediaFormat) String() string {
	return fmt.Sprintf("%s/%d(%d)", f.Name, f.SamplingRate, f.PayloadType)
}

// Matches compares name and clock rate; payload types may differ for
// dynamic formats.
func (f MediaFormat) Matches(other MediaFormat) bool {
	return strings.EqualFold(f.Name, other.Name) && f.SamplingRate == other.SamplingRate
}

// CnxInfo is an IPv4 address and port of an RTP endpoint.
type CnxInfo struct {
	IP   string
	Port int
}

// Valid reports whether the address is a dotted-quad IPv4 address and the
// port is usable.
func (c CnxInfo) Valid() bool {
	ip := net.ParseIP(c.IP)
	return ip != nil && ip.To4() != nil && c.Port > 0 && c.Port < 65536
}

func (c CnxInfo) String() string {
	return net.JoinHostPort(c.IP, fmt.Sprint(c.Port))
}

// Negotiate returns the formats of offered that are supported, in the
// order of offered. The payload type of the offer is kept.
func Negotiate(offered, supported []MediaFormat) []MediaFormat {
	var out []MediaFormat
	for _, o := range offered {
		for _, s := range supported {
			if o.Matches(s) {
				out = append(out, o)
				break
			}
		}
	}
	return out
}
