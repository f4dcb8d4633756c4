package domain

import (
	"fmt"
	"strings"
)

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// RtcpFeedback mirrors the mediasoup-client RtcpFeedback dictionary.
type RtcpFeedback struct {
	Type      string `json:"type" yaml:"type" validate:"required"`
	Parameter string `json:"parameter,omitempty" yaml:"parameter,omitempty"`
}

// RtpCodecCapability describes a codec a router or a receiver supports.
type RtpCodecCapability struct {
	Kind                 MediaKind              `json:"kind" yaml:"kind" validate:"required,oneof=audio video"`
	MimeType             string                 `json:"mimeType" yaml:"mime_type" validate:"required,contains=/"`
	PreferredPayloadType uint8                  `json:"preferredPayloadType,omitempty" yaml:"preferred_payload_type,omitempty"`
	ClockRate            uint32                 `json:"clockRate" yaml:"clock_rate" validate:"required,gt=0"`
	Channels             uint16                 `json:"channels,omitempty" yaml:"channels,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback         `json:"rtcpFeedback,omitempty" yaml:"rtcp_feedback,omitempty" validate:"dive"`
}

type RtpHeaderExtension struct {
	Kind             MediaKind `json:"kind"`
	URI              string    `json:"uri" validate:"required"`
	PreferredID      int       `json:"preferredId" validate:"gte=1,lte=14"`
	PreferredEncrypt bool      `json:"preferredEncrypt"`
	Direction        string    `json:"direction,omitempty"`
}

// RtpCapabilities is exchanged during capability negotiation.
type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs" validate:"required,min=1,dive"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions" validate:"dive"`
}

type RtpCodecParameters struct {
	MimeType     string                 `json:"mimeType" validate:"required,contains=/"`
	PayloadType  uint8                  `json:"payloadType" validate:"lte=127"`
	ClockRate    uint32                 `json:"clockRate" validate:"required,gt=0"`
	Channels     uint16                 `json:"channels,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback         `json:"rtcpFeedback,omitempty" validate:"dive"`
}

type RtpHeaderExtensionParameters struct {
	URI        string                 `json:"uri" validate:"required"`
	ID         int                    `json:"id" validate:"gte=1,lte=14"`
	Encrypt    bool                   `json:"encrypt"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

type RtxParameters struct {
	SSRC uint32 `json:"ssrc"`
}

type RtpEncodingParameters struct {
	SSRC             uint32         `json:"ssrc,omitempty"`
	Rid              string         `json:"rid,omitempty"`
	CodecPayloadType uint8          `json:"codecPayloadType,omitempty"`
	Rtx              *RtxParameters `json:"rtx,omitempty"`
	Dtx              bool           `json:"dtx,omitempty"`
	ScalabilityMode  string         `json:"scalabilityMode,omitempty"`
	MaxBitrate       uint32         `json:"maxBitrate,omitempty"`
}

type RtcpParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

// RtpParameters describes a single media track sent or received by the router.
type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs" validate:"required,min=1,dive"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty" validate:"dive"`
	Encodings        []RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             RtcpParameters                 `json:"rtcp"`
}

// IsRtxCodec reports whether mimeType names a retransmission codec.
func IsRtxCodec(mimeType string) bool {
	return strings.HasSuffix(strings.ToLower(mimeType), "/rtx")
}

// KindFromMimeType returns the media kind encoded in the mime type prefix.
func KindFromMimeType(mimeType string) (MediaKind, error) {
	prefix, _, ok := strings.Cut(strings.ToLower(mimeType), "/")
	if !ok {
		return "", fmt.Errorf("invalid mime type %q", mimeType)
	}
	kind := MediaKind(prefix)
	if !kind.Valid() {
		return "", fmt.Errorf("invalid mime type %q", mimeType)
	}
	return kind, nil
}

// ParamString normalizes a codec parameter value; JSON numbers decode as
// float64 and YAML numbers as int, both must compare equal.
func ParamString(params map[string]interface{}, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.ToLower(t)
	case float64:
		return fmt.Sprintf("%d", int64(t))
	default:
		return strings.ToLower(fmt.Sprint(t))
	}
}
