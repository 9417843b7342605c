package media

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"uas-server/pkg/errors"
)

// Offer is the audio part of a remote session description.
type Offer struct {
	Remote CnxInfo
	// Codecs are listed in reverse order of the m= line.
	Codecs []MediaFormat
}

// ParseSDP decodes a session description.
func ParseSDP(raw []byte) (*sdp.SessionDescription, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(raw); err != nil {
		return nil, errors.NewInvalidSDP(err.Error())
	}
	return desc, nil
}

// ParseOffer decodes raw and extracts the audio offer from it.
func ParseOffer(raw []byte) (Offer, error) {
	desc, err := ParseSDP(raw)
	if err != nil {
		return Offer{}, err
	}
	return AudioOffer(desc)
}

// AudioOffer extracts the remote RTP endpoint and codec list of the first
// audio medium. Other media are ignored.
func AudioOffer(desc *sdp.SessionDescription) (Offer, error) {
	if len(desc.MediaDescriptions) == 0 {
		return Offer{}, errors.NewNegotiationFailure("offer has no media")
	}

	var md *sdp.MediaDescription
	for _, candidate := range desc.MediaDescriptions {
		if strings.EqualFold(candidate.MediaName.Media, "audio") {
			md = candidate
			break
		}
	}
	if md == nil {
		return Offer{}, errors.NewNegotiationFailure("offer has no audio medium", map[string]interface{}{
			"media_count": len(desc.MediaDescriptions),
		})
	}

	ip := connectionAddress(desc, md)
	if ip == "" {
		return Offer{}, errors.NewInvalidSDP("no connection address")
	}

	offer := Offer{
		Remote: CnxInfo{IP: ip, Port: md.MediaName.Port.Value},
	}
	for _, format := range md.MediaName.Formats {
		f, ok := formatFromAttributes(md.Attributes, format)
		if !ok {
			continue
		}
		// Prepend: the codec list is kept in reverse m= line order.
		offer.Codecs = append([]MediaFormat{f}, offer.Codecs...)
	}
	return offer, nil
}

// connectionAddress prefers the session level c= line and falls back to the
// media level one.
func connectionAddress(desc *sdp.SessionDescription, md *sdp.MediaDescription) string {
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		return desc.ConnectionInformation.Address.Address
	}
	if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
		return md.ConnectionInformation.Address.Address
	}
	return ""
}

// formatFromAttributes resolves a payload type through its rtpmap, falling
// back to the static payload table.
func formatFromAttributes(attrs []sdp.Attribute, format string) (MediaFormat, bool) {
	pt, err := strconv.Atoi(format)
	if err != nil {
		return MediaFormat{}, false
	}

	for _, attr := range attrs {
		if attr.Key != "rtpmap" {
			continue
		}
		parts := strings.Fields(attr.Value)
		if len(parts) != 2 || parts[0] != format {
			continue
		}

		rtpmapParts := strings.Split(parts[1], "/")
		f := MediaFormat{Name: strings.ToUpper(rtpmapParts[0]), PayloadType: pt}
		if len(rtpmapParts) > 1 {
			if sr, err := strconv.Atoi(rtpmapParts[1]); err == nil {
				f.SamplingRate = sr
			}
		}
		return f, true
	}

	return StaticFormat(pt)
}
