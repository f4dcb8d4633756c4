package loopback

import (
	"errors"
	"fmt"
	"sync"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/pkg/utils"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

var ErrProducerClosed = errors.New("producer closed")

const rtcpBuffer = 16

type Producer struct {
	id        string
	kind      domain.MediaKind
	transport *Transport
	params    domain.RtpParameters
	ssrc      uint32

	// media codecs of the producer mapped onto router codecs, in the
	// producer's preference order
	routerCodecs []domain.RtpCodecCapability
	// producer payload type -> router payload type
	payloadTypes map[uint8]uint8

	mu        sync.RWMutex
	consumers map[string]*Consumer
	rtcpCh    chan []rtcp.Packet
	closed    bool
}

var _ ports.ProducerHandle = (*Producer)(nil)

func newProducer(t *Transport, kind domain.MediaKind, params domain.RtpParameters) (*Producer, error) {
	if len(params.Codecs) == 0 {
		return nil, fmt.Errorf("rtp parameters carry no codecs")
	}

	p := &Producer{
		id:           utils.GenerateID(""),
		kind:         kind,
		transport:    t,
		params:       params,
		payloadTypes: make(map[uint8]uint8),
		consumers:    make(map[string]*Consumer),
		rtcpCh:       make(chan []rtcp.Packet, rtcpBuffer),
	}

	for _, c := range params.Codecs {
		if domain.IsRtxCodec(c.MimeType) {
			continue
		}
		codecKind, err := domain.KindFromMimeType(c.MimeType)
		if err != nil {
			return nil, err
		}
		if codecKind != kind {
			return nil, fmt.Errorf("codec %s does not match kind %s", c.MimeType, kind)
		}
		routerCodec, ok := findMatching(t.router.caps.Codecs, codecCapability(kind, c))
		if !ok {
			return nil, fmt.Errorf("unsupported codec %s/%d", c.MimeType, c.ClockRate)
		}
		p.routerCodecs = append(p.routerCodecs, routerCodec)
		p.payloadTypes[c.PayloadType] = routerCodec.PreferredPayloadType
	}
	if len(p.routerCodecs) == 0 {
		return nil, fmt.Errorf("rtp parameters carry no media codec")
	}

	if len(params.Encodings) > 0 && params.Encodings[0].SSRC != 0 {
		p.ssrc = params.Encodings[0].SSRC
	} else {
		p.ssrc = randomSSRC()
	}
	return p, nil
}

func (p *Producer) ID() string { return p.id }

func (p *Producer) Kind() domain.MediaKind { return p.kind }

func (p *Producer) SSRC() uint32 { return p.ssrc }

// RTCP delivers feedback for the producing endpoint. The channel is closed
// with the producer.
func (p *Producer) RTCP() <-chan []rtcp.Packet { return p.rtcpCh }

// WriteRTP fans a packet out to every active consumer.
func (p *Producer) WriteRTP(pkt *rtp.Packet) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrProducerClosed
	}
	routerPT, ok := p.payloadTypes[pkt.PayloadType]
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown payload type %d", pkt.PayloadType)
	}
	for _, c := range consumers {
		c.forward(pkt, routerPT)
	}
	return nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = make(map[string]*Consumer)
	close(p.rtcpCh)
	p.mu.Unlock()

	for _, c := range consumers {
		c.producerClosed()
	}
	p.transport.router.removeProducer(p.id)
	p.transport.removeProducer(p.id)
	return nil
}

// requestKeyFrame queues a PLI for the producer; it is dropped when the
// feedback buffer is full.
func (p *Producer) requestKeyFrame(senderSSRC uint32) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	pli := &rtcp.PictureLossIndication{SenderSSRC: senderSSRC, MediaSSRC: p.ssrc}
	select {
	case p.rtcpCh <- []rtcp.Packet{pli}:
	default:
	}
}

// matchConsumerCodec picks the first producer codec the receiver supports
// and returns the router codec together with the receiver's matching codec.
func (p *Producer) matchConsumerCodec(caps domain.RtpCapabilities) (domain.RtpCodecCapability, domain.RtpCodecCapability, error) {
	for _, routerCodec := range p.routerCodecs {
		for _, remote := range caps.Codecs {
			if domain.IsRtxCodec(remote.MimeType) {
				continue
			}
			if remote.Kind != "" && remote.Kind != p.kind {
				continue
			}
			if codecsMatch(routerCodec, remote) {
				return routerCodec, remote, nil
			}
		}
	}
	return domain.RtpCodecCapability{}, domain.RtpCodecCapability{}, fmt.Errorf("no compatible codec for producer %s", p.id)
}

func (p *Producer) addConsumer(c *Consumer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProducerClosed
	}
	p.consumers[c.id] = c
	return nil
}

func (p *Producer) removeConsumer(id string) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}
