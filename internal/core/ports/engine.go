package ports

import (
	"context"

	"sfusignal/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// MediaEngine is the facade over the process that owns ICE, DTLS, SRTP and
// RTP forwarding. Every method may cross a process boundary and block.
type MediaEngine interface {
	CreateRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (Router, error)
	Close() error
}

// Router owns one fixed codec capability set.
type Router interface {
	ID() string
	Capabilities() domain.RtpCapabilities
	CreateTransport(ctx context.Context, opts domain.TransportOptions) (TransportHandle, error)
	CanConsume(producerID string, caps domain.RtpCapabilities) bool
	Close() error
}

type TransportHandle interface {
	ID() string
	Parameters() domain.TransportParameters
	Connect(ctx context.Context, dtls domain.DtlsParameters) error
	Produce(ctx context.Context, kind domain.MediaKind, params domain.RtpParameters) (ProducerHandle, error)
	Consume(ctx context.Context, producerID string, caps domain.RtpCapabilities, paused bool) (ConsumerHandle, error)
	// OnStateChange registers a callback for connection state changes
	// reported by the engine. It replaces any previous callback.
	OnStateChange(fn func(domain.TransportState))
	Close() error
}

type ProducerHandle interface {
	ID() string
	Kind() domain.MediaKind
	WriteRTP(pkt *rtp.Packet) error
	// RTCP delivers feedback (PLI, NACK) addressed to the producing endpoint.
	RTCP() <-chan []rtcp.Packet
	Close() error
}

type ConsumerHandle interface {
	ID() string
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
	Resume(ctx context.Context) error
	Pause(ctx context.Context) error
	// SetSink sets where forwarded packets of an active consumer go.
	SetSink(fn func(*rtp.Packet) error)
	Close() error
}
