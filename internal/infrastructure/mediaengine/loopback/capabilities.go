package loopback

import (
	"fmt"
	"strings"

	"sfusignal/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

const (
	firstDynamicPayloadType = 100
	lastDynamicPayloadType  = 127

	mimeTypeRTX = "rtx"
)

var (
	audioFeedback = []domain.RtcpFeedback{
		{Type: "transport-cc"},
	}
	videoFeedback = []domain.RtcpFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "goog-remb"},
		{Type: "transport-cc"},
	}

	headerExtensions = []domain.RtpHeaderExtension{
		{Kind: domain.MediaKindAudio, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1, Direction: "sendrecv"},
		{Kind: domain.MediaKindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1, Direction: "sendrecv"},
		{Kind: domain.MediaKindAudio, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 4, Direction: "sendrecv"},
		{Kind: domain.MediaKindVideo, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 4, Direction: "sendrecv"},
		{Kind: domain.MediaKindVideo, URI: "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01", PreferredID: 5, Direction: "sendrecv"},
		{Kind: domain.MediaKindAudio, URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level", PreferredID: 10, Direction: "sendrecv"},
		{Kind: domain.MediaKindVideo, URI: "urn:3gpp:video-orientation", PreferredID: 11, Direction: "sendrecv"},
	}
)

// buildCapabilities turns the configured codec list into router
// capabilities: payload types are assigned from the dynamic range, RTCP
// feedback is filled per kind and every video codec gets an RTX companion.
func buildCapabilities(codecs []domain.RtpCodecCapability) (domain.RtpCapabilities, error) {
	if len(codecs) == 0 {
		return domain.RtpCapabilities{}, fmt.Errorf("no media codecs configured")
	}

	used := make(map[uint8]bool)
	for _, c := range codecs {
		if c.PreferredPayloadType != 0 {
			if used[c.PreferredPayloadType] {
				return domain.RtpCapabilities{}, fmt.Errorf("duplicate payload type %d", c.PreferredPayloadType)
			}
			used[c.PreferredPayloadType] = true
		}
	}
	next := uint8(firstDynamicPayloadType)
	allocate := func() (uint8, error) {
		for next <= lastDynamicPayloadType {
			pt := next
			next++
			if !used[pt] {
				used[pt] = true
				return pt, nil
			}
		}
		return 0, fmt.Errorf("dynamic payload types exhausted")
	}

	caps := domain.RtpCapabilities{}
	for _, c := range codecs {
		kind, err := domain.KindFromMimeType(c.MimeType)
		if err != nil {
			return domain.RtpCapabilities{}, err
		}
		if c.Kind != "" && c.Kind != kind {
			return domain.RtpCapabilities{}, fmt.Errorf("codec %s declares kind %s", c.MimeType, c.Kind)
		}
		if domain.IsRtxCodec(c.MimeType) {
			return domain.RtpCapabilities{}, fmt.Errorf("rtx codecs are added automatically")
		}
		if c.ClockRate == 0 {
			return domain.RtpCapabilities{}, fmt.Errorf("codec %s has no clock rate", c.MimeType)
		}

		codec := domain.RtpCodecCapability{
			Kind:                 kind,
			MimeType:             c.MimeType,
			PreferredPayloadType: c.PreferredPayloadType,
			ClockRate:            c.ClockRate,
			Channels:             c.Channels,
			Parameters:           copyParams(c.Parameters),
		}
		if codec.PreferredPayloadType == 0 {
			if codec.PreferredPayloadType, err = allocate(); err != nil {
				return domain.RtpCapabilities{}, err
			}
		}
		if kind == domain.MediaKindAudio {
			if codec.Channels == 0 {
				codec.Channels = 1
			}
			codec.RtcpFeedback = append([]domain.RtcpFeedback(nil), audioFeedback...)
		} else {
			codec.Channels = 0
			codec.RtcpFeedback = append([]domain.RtcpFeedback(nil), videoFeedback...)
		}
		caps.Codecs = append(caps.Codecs, codec)

		if kind == domain.MediaKindVideo {
			pt, err := allocate()
			if err != nil {
				return domain.RtpCapabilities{}, err
			}
			caps.Codecs = append(caps.Codecs, domain.RtpCodecCapability{
				Kind:                 kind,
				MimeType:             "video/" + mimeTypeRTX,
				PreferredPayloadType: pt,
				ClockRate:            codec.ClockRate,
				Parameters:           map[string]interface{}{"apt": int(codec.PreferredPayloadType)},
			})
		}
	}
	caps.HeaderExtensions = append([]domain.RtpHeaderExtension(nil), headerExtensions...)
	return caps, nil
}

// codecsMatch compares two codecs the way a receiver decides it can decode
// what a sender emits.
func codecsMatch(a, b domain.RtpCodecCapability) bool {
	if !strings.EqualFold(a.MimeType, b.MimeType) || a.ClockRate != b.ClockRate {
		return false
	}
	if strings.HasPrefix(strings.ToLower(a.MimeType), "audio/") && channels(a.Channels) != channels(b.Channels) {
		return false
	}

	if strings.EqualFold(a.MimeType, webrtc.MimeTypeH264) {
		if packetizationMode(a.Parameters) != packetizationMode(b.Parameters) {
			return false
		}
		if profileLevelID(a.Parameters)[:4] != profileLevelID(b.Parameters)[:4] {
			return false
		}
	}
	return true
}

func channels(n uint16) uint16 {
	if n == 0 {
		return 1
	}
	return n
}

func packetizationMode(params map[string]interface{}) string {
	if v := domain.ParamString(params, "packetization-mode"); v != "" {
		return v
	}
	return "0"
}

// profileLevelID defaults to baseline level 3.1 as RFC 6184 does. Only the
// first four hex digits (profile_idc, profile_iop) must match; levels may
// differ.
func profileLevelID(params map[string]interface{}) string {
	v := domain.ParamString(params, "profile-level-id")
	if len(v) != 6 {
		return "42001f"
	}
	return v
}

func codecCapability(kind domain.MediaKind, p domain.RtpCodecParameters) domain.RtpCodecCapability {
	return domain.RtpCodecCapability{
		Kind:       kind,
		MimeType:   p.MimeType,
		ClockRate:  p.ClockRate,
		Channels:   p.Channels,
		Parameters: p.Parameters,
	}
}

func findMatching(codecs []domain.RtpCodecCapability, want domain.RtpCodecCapability) (domain.RtpCodecCapability, bool) {
	for _, c := range codecs {
		if domain.IsRtxCodec(c.MimeType) {
			continue
		}
		if codecsMatch(c, want) {
			return c, true
		}
	}
	return domain.RtpCodecCapability{}, false
}

func copyParams(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
