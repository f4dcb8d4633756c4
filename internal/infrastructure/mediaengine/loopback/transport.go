package loopback

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/pkg/utils"
)

const hostCandidatePriority = 1076302079

var (
	ErrNotConnected     = errors.New("transport not connected")
	ErrAlreadyConnected = errors.New("transport already connected")

	fingerprintValue = regexp.MustCompile(`^[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2})+$`)

	supportedFingerprintAlgorithms = map[string]bool{
		"sha-1":   true,
		"sha-224": true,
		"sha-256": true,
		"sha-384": true,
		"sha-512": true,
	}
)

type Transport struct {
	id         string
	router     *Router
	role       domain.TransportRole
	port       uint16
	ice        domain.IceParameters
	candidates []domain.IceCandidate

	mu        sync.Mutex
	state     domain.TransportState
	onState   func(domain.TransportState)
	remote    *domain.DtlsParameters
	producers map[string]*Producer
	consumers map[string]*Consumer
	nextMid   int
	closed    bool
}

var _ ports.TransportHandle = (*Transport)(nil)

func newTransport(r *Router, role domain.TransportRole, port uint16) *Transport {
	t := &Transport{
		id:     utils.GenerateID(""),
		router: r,
		role:   role,
		port:   port,
		ice: domain.IceParameters{
			UsernameFragment: utils.GenerateToken(8),
			Password:         utils.GenerateToken(16),
			IceLite:          true,
		},
		state:     domain.TransportNew,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
	for i, l := range r.engine.cfg.ListenIPs {
		addr := l.IP
		if l.AnnouncedIP != "" {
			addr = l.AnnouncedIP
		}
		t.candidates = append(t.candidates, domain.IceCandidate{
			Foundation: "udpcandidate",
			Priority:   uint32(hostCandidatePriority - i),
			IP:         addr,
			Address:    addr,
			Protocol:   "udp",
			Port:       port,
			Type:       "host",
		})
	}
	return t
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Role() domain.TransportRole { return t.role }

func (t *Transport) Port() uint16 { return t.port }

func (t *Transport) State() domain.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Parameters() domain.TransportParameters {
	return domain.TransportParameters{
		ID:            domain.TransportID(t.id),
		IceParameters: t.ice,
		IceCandidates: append([]domain.IceCandidate(nil), t.candidates...),
		DtlsParameters: domain.DtlsParameters{
			Role:         domain.DtlsRoleAuto,
			Fingerprints: append([]domain.DtlsFingerprint(nil), t.router.fingerprints...),
		},
	}
}

func (t *Transport) OnStateChange(fn func(domain.TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

// Connect accepts the remote DTLS parameters. The loopback engine has no
// handshake to run, so it reports connecting and connected before returning.
func (t *Transport) Connect(ctx context.Context, dtls domain.DtlsParameters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateDtls(dtls); err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if t.remote != nil {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	remote := dtls
	t.remote = &remote
	t.mu.Unlock()

	t.setState(domain.TransportConnecting)
	t.setState(domain.TransportConnected)
	return nil
}

// Fail simulates an ICE or DTLS failure reported by the network.
func (t *Transport) Fail() {
	t.setState(domain.TransportFailed)
}

func (t *Transport) setState(state domain.TransportState) {
	t.mu.Lock()
	if t.closed || t.state == state {
		t.mu.Unlock()
		return
	}
	t.state = state
	cb := t.onState
	t.mu.Unlock()

	if cb != nil {
		cb(state)
	}
}

func (t *Transport) Produce(ctx context.Context, kind domain.MediaKind, params domain.RtpParameters) (ports.ProducerHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.role != domain.RoleSend {
		return nil, fmt.Errorf("cannot produce on %s transport", t.role)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid media kind %q", kind)
	}
	if err := t.requireConnected(); err != nil {
		return nil, err
	}

	p, err := newProducer(t, kind, params)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	if err := t.router.addProducer(p); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producerID string, caps domain.RtpCapabilities, paused bool) (ports.ConsumerHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.role != domain.RoleRecv {
		return nil, fmt.Errorf("cannot consume on %s transport", t.role)
	}
	if err := t.requireConnected(); err != nil {
		return nil, err
	}

	p, ok := t.router.producer(producerID)
	if !ok {
		return nil, fmt.Errorf("producer %s not found", producerID)
	}

	t.mu.Lock()
	mid := strconv.Itoa(t.nextMid)
	t.nextMid++
	t.mu.Unlock()

	c, err := newConsumer(t, p, caps, mid, paused)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	if err := p.addConsumer(c); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the port and every producer and consumer on the
// transport. It does not report a state change.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.state = domain.TransportClosed
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
	t.router.engine.ports.release(t.port)
	t.router.removeTransport(t.id)
	return nil
}

func (t *Transport) requireConnected() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.state != domain.TransportConnected {
		return ErrNotConnected
	}
	return nil
}

func (t *Transport) removeProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *Transport) removeConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

func validateDtls(dtls domain.DtlsParameters) error {
	switch dtls.Role {
	case "", domain.DtlsRoleAuto, domain.DtlsRoleClient, domain.DtlsRoleServer:
	default:
		return fmt.Errorf("invalid dtls role %q", dtls.Role)
	}
	if len(dtls.Fingerprints) == 0 {
		return fmt.Errorf("dtls parameters carry no fingerprints")
	}
	for _, fp := range dtls.Fingerprints {
		if !supportedFingerprintAlgorithms[strings.ToLower(fp.Algorithm)] {
			return fmt.Errorf("unsupported fingerprint algorithm %q", fp.Algorithm)
		}
		if !fingerprintValue.MatchString(fp.Value) {
			return fmt.Errorf("malformed fingerprint value")
		}
	}
	return nil
}

func randomSSRC() uint32 {
	for {
		if ssrc := rand.Uint32(); ssrc != 0 {
			return ssrc
		}
	}
}
