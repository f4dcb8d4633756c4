package loopback

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/pkg/utils"

	"github.com/pion/webrtc/v3"
)

// Router holds one fixed capability set and the DTLS identity shared by all
// of its transports.
type Router struct {
	id           string
	engine       *Engine
	caps         domain.RtpCapabilities
	fingerprints []domain.DtlsFingerprint

	mu         sync.RWMutex
	transports map[string]*Transport
	producers  map[string]*Producer
	closed     bool
}

var _ ports.Router = (*Router)(nil)

func newRouter(engine *Engine, codecs []domain.RtpCodecCapability) (*Router, error) {
	caps, err := buildCapabilities(codecs)
	if err != nil {
		return nil, fmt.Errorf("invalid router codecs: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate dtls key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("failed to generate dtls certificate: %w", err)
	}
	fps, err := cert.GetFingerprints()
	if err != nil {
		return nil, fmt.Errorf("failed to compute dtls fingerprints: %w", err)
	}
	fingerprints := make([]domain.DtlsFingerprint, 0, len(fps))
	for _, fp := range fps {
		fingerprints = append(fingerprints, domain.DtlsFingerprint{
			Algorithm: fp.Algorithm,
			Value:     strings.ToUpper(fp.Value),
		})
	}

	return &Router{
		id:           utils.GenerateID("router"),
		engine:       engine,
		caps:         caps,
		fingerprints: fingerprints,
		transports:   make(map[string]*Transport),
		producers:    make(map[string]*Producer),
	}, nil
}

func (r *Router) ID() string { return r.id }

// Capabilities returns a copy; callers may not mutate router state.
func (r *Router) Capabilities() domain.RtpCapabilities {
	out := domain.RtpCapabilities{
		Codecs:           make([]domain.RtpCodecCapability, len(r.caps.Codecs)),
		HeaderExtensions: append([]domain.RtpHeaderExtension(nil), r.caps.HeaderExtensions...),
	}
	for i, c := range r.caps.Codecs {
		c.Parameters = copyParams(c.Parameters)
		c.RtcpFeedback = append([]domain.RtcpFeedback(nil), c.RtcpFeedback...)
		out.Codecs[i] = c
	}
	return out
}

func (r *Router) CreateTransport(ctx context.Context, opts domain.TransportOptions) (ports.TransportHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !opts.Role.Valid() {
		return nil, fmt.Errorf("invalid transport role %q", opts.Role)
	}

	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrRouterClosed
	}

	port, err := r.engine.ports.allocate()
	if err != nil {
		return nil, err
	}

	t := newTransport(r, opts.Role, port)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.engine.ports.release(port)
		return nil, ErrRouterClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()

	r.engine.logger.Debugw("transport allocated", "router_id", r.id, "transport_id", t.id, "port", port, "role", opts.Role)
	return t, nil
}

// CanConsume reports whether a receiver with caps can decode what the
// producer sends.
func (r *Router) CanConsume(producerID string, caps domain.RtpCapabilities) bool {
	r.mu.RLock()
	p, ok := r.producers[producerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	_, _, err := p.matchConsumerCodec(caps)
	return err == nil
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	r.engine.removeRouter(r.id)
	return nil
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) addProducer(p *Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRouterClosed
	}
	r.producers[p.id] = p
	return nil
}

func (r *Router) removeProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Router) removeTransport(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}
