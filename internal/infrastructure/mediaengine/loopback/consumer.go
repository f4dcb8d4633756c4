package loopback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/pkg/utils"

	"github.com/pion/rtp"
)

var ErrConsumerClosed = errors.New("consumer closed")

type Consumer struct {
	id          string
	kind        domain.MediaKind
	producer    *Producer
	transport   *Transport
	params      domain.RtpParameters
	ssrc        uint32
	payloadType uint8

	mu     sync.Mutex
	paused bool
	sink   func(*rtp.Packet) error
	closed bool

	forwarded atomic.Uint64
	dropped   atomic.Uint64
}

var _ ports.ConsumerHandle = (*Consumer)(nil)

func newConsumer(t *Transport, p *Producer, caps domain.RtpCapabilities, mid string, paused bool) (*Consumer, error) {
	routerCodec, remoteCodec, err := p.matchConsumerCodec(caps)
	if err != nil {
		return nil, err
	}

	c := &Consumer{
		id:          utils.GenerateID(""),
		kind:        p.kind,
		producer:    p,
		transport:   t,
		ssrc:        randomSSRC(),
		payloadType: routerCodec.PreferredPayloadType,
		paused:      paused,
	}

	codec := domain.RtpCodecParameters{
		MimeType:     routerCodec.MimeType,
		PayloadType:  routerCodec.PreferredPayloadType,
		ClockRate:    routerCodec.ClockRate,
		Parameters:   copyParams(routerCodec.Parameters),
		RtcpFeedback: commonFeedback(routerCodec.RtcpFeedback, remoteCodec.RtcpFeedback),
	}
	if p.kind == domain.MediaKindAudio {
		codec.Channels = routerCodec.Channels
	}
	encoding := domain.RtpEncodingParameters{SSRC: c.ssrc}
	c.params = domain.RtpParameters{
		Mid:    mid,
		Codecs: []domain.RtpCodecParameters{codec},
		Rtcp:   domain.RtcpParameters{CNAME: p.params.Rtcp.CNAME, ReducedSize: true},
	}

	if rtx, ok := rtxFor(t.router.caps.Codecs, routerCodec.PreferredPayloadType); ok && receiverHasRtx(caps) {
		c.params.Codecs = append(c.params.Codecs, domain.RtpCodecParameters{
			MimeType:    rtx.MimeType,
			PayloadType: rtx.PreferredPayloadType,
			ClockRate:   rtx.ClockRate,
			Parameters:  copyParams(rtx.Parameters),
		})
		encoding.Rtx = &domain.RtxParameters{SSRC: randomSSRC()}
	}
	c.params.Encodings = []domain.RtpEncodingParameters{encoding}

	for _, ext := range t.router.caps.HeaderExtensions {
		if ext.Kind != p.kind || !receiverHasExtension(caps, p.kind, ext.URI) {
			continue
		}
		c.params.HeaderExtensions = append(c.params.HeaderExtensions, domain.RtpHeaderExtensionParameters{
			URI: ext.URI,
			ID:  ext.PreferredID,
		})
	}

	return c, nil
}

func (c *Consumer) ID() string { return c.id }

func (c *Consumer) Kind() domain.MediaKind { return c.kind }

func (c *Consumer) ProducerID() string { return c.producer.id }

func (c *Consumer) RtpParameters() domain.RtpParameters { return c.params }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Stats returns forwarded and dropped packet counts.
func (c *Consumer) Stats() (forwarded, dropped uint64) {
	return c.forwarded.Load(), c.dropped.Load()
}

// Resume starts forwarding. Video consumers ask the producer for a key
// frame so the receiver can start decoding immediately.
func (c *Consumer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConsumerClosed
	}
	wasPaused := c.paused
	c.paused = false
	c.mu.Unlock()

	if wasPaused && c.kind == domain.MediaKindVideo {
		c.producer.requestKeyFrame(c.ssrc)
	}
	return nil
}

func (c *Consumer) Pause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConsumerClosed
	}
	c.paused = true
	return nil
}

func (c *Consumer) SetSink(fn func(*rtp.Packet) error) {
	c.mu.Lock()
	c.sink = fn
	c.mu.Unlock()
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.producer.removeConsumer(c.id)
	c.transport.removeConsumer(c.id)
	return nil
}

func (c *Consumer) producerClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.transport.removeConsumer(c.id)
}

// forward rewrites SSRC and payload type for this receiver. Only the
// negotiated codec is forwarded.
func (c *Consumer) forward(pkt *rtp.Packet, routerPT uint8) {
	c.mu.Lock()
	sink := c.sink
	skip := c.closed || c.paused || sink == nil || routerPT != c.payloadType
	c.mu.Unlock()

	if skip {
		c.dropped.Add(1)
		return
	}

	out := pkt.Clone()
	out.SSRC = c.ssrc
	out.PayloadType = c.payloadType
	if err := sink(out); err != nil {
		c.dropped.Add(1)
		return
	}
	c.forwarded.Add(1)
}

func commonFeedback(router, remote []domain.RtcpFeedback) []domain.RtcpFeedback {
	var out []domain.RtcpFeedback
	for _, fb := range router {
		for _, r := range remote {
			if fb.Type == r.Type && fb.Parameter == r.Parameter {
				out = append(out, fb)
				break
			}
		}
	}
	return out
}

func rtxFor(codecs []domain.RtpCodecCapability, apt uint8) (domain.RtpCodecCapability, bool) {
	want := int(apt)
	for _, c := range codecs {
		if !domain.IsRtxCodec(c.MimeType) {
			continue
		}
		if v, ok := c.Parameters["apt"].(int); ok && v == want {
			return c, true
		}
	}
	return domain.RtpCodecCapability{}, false
}

func receiverHasRtx(caps domain.RtpCapabilities) bool {
	for _, c := range caps.Codecs {
		if domain.IsRtxCodec(c.MimeType) {
			return true
		}
	}
	return false
}

func receiverHasExtension(caps domain.RtpCapabilities, kind domain.MediaKind, uri string) bool {
	for _, ext := range caps.HeaderExtensions {
		if ext.URI == uri && (ext.Kind == "" || ext.Kind == kind) {
			return true
		}
	}
	return false
}
