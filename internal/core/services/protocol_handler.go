package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"

	"go.uber.org/zap"
)

// ConnectionState is the per-connection signaling state.
type ConnectionState string

const (
	StateDisconnected        ConnectionState = "disconnected"
	StateCapabilitiesPending ConnectionState = "capabilities_pending"
	StateReady               ConnectionState = "ready"
	StateClosed              ConnectionState = "closed"
)

// ConsumeRequest selects a producer by id, by kind, or, when both are empty,
// the room's most recently registered producer.
type ConsumeRequest struct {
	TransportID     domain.TransportID
	ProducerID      domain.ProducerID
	Kind            domain.MediaKind
	RtpCapabilities *domain.RtpCapabilities
}

type ConsumeResult struct {
	ID            domain.ConsumerID    `json:"id"`
	ProducerID    domain.ProducerID    `json:"producerId"`
	Kind          domain.MediaKind     `json:"kind"`
	RtpParameters domain.RtpParameters `json:"rtpParameters"`
}

type ProducerInfo struct {
	ID     domain.ProducerID `json:"id"`
	Kind   domain.MediaKind  `json:"kind"`
	PeerID domain.PeerID     `json:"peerId"`
}

// Capabilities caches the router capabilities encoded once so every
// getCapabilities answer is byte-identical.
type Capabilities struct {
	caps domain.RtpCapabilities
	raw  json.RawMessage
}

func NewCapabilities(router ports.Router) (*Capabilities, error) {
	caps := router.Capabilities()
	raw, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("failed to encode router capabilities: %w", err)
	}
	return &Capabilities{caps: caps, raw: raw}, nil
}

func (c *Capabilities) Raw() json.RawMessage { return c.raw }

func (c *Capabilities) Value() domain.RtpCapabilities { return c.caps }

// ProtocolHandler drives the signaling state machine of one connection.
// Callers must not invoke request methods concurrently for the same
// connection; Close may be called from any goroutine.
type ProtocolHandler struct {
	peerID domain.PeerID
	roomID domain.RoomID

	router       ports.Router
	registry     ports.SessionRegistry
	capabilities *Capabilities

	// mu guards state and clientCaps, and is held across the liveness check
	// and registry commit so Close cannot slip in between.
	mu         sync.Mutex
	state      ConnectionState
	clientCaps *domain.RtpCapabilities

	ctx    context.Context
	cancel context.CancelFunc

	logger *zap.SugaredLogger
}

func NewProtocolHandler(
	parent context.Context,
	peerID domain.PeerID,
	roomID domain.RoomID,
	router ports.Router,
	registry ports.SessionRegistry,
	capabilities *Capabilities,
	logger *zap.SugaredLogger,
) *ProtocolHandler {
	ctx, cancel := context.WithCancel(parent)
	return &ProtocolHandler{
		peerID:       peerID,
		roomID:       roomID,
		router:       router,
		registry:     registry,
		capabilities: capabilities,
		state:        StateDisconnected,
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger.With("peer_id", peerID, "room_id", roomID),
	}
}

func (h *ProtocolHandler) PeerID() domain.PeerID { return h.peerID }

func (h *ProtocolHandler) RoomID() domain.RoomID { return h.roomID }

// Context is canceled when the connection closes.
func (h *ProtocolHandler) Context() context.Context { return h.ctx }

func (h *ProtocolHandler) State() ConnectionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Accept moves a fresh connection to capabilities_pending.
func (h *ProtocolHandler) Accept() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateDisconnected {
		h.state = StateCapabilitiesPending
	}
}

func (h *ProtocolHandler) GetCapabilities() (json.RawMessage, error) {
	if err := h.requireOpen(); err != nil {
		return nil, err
	}
	return h.capabilities.Raw(), nil
}

// CapabilitiesLoaded records the client's acknowledgement. The optional caps
// become the default for later consume requests.
func (h *ProtocolHandler) CapabilitiesLoaded(caps *domain.RtpCapabilities) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateClosed {
		return domain.ErrConnectionLost
	}
	if caps != nil {
		c := *caps
		h.clientCaps = &c
	}
	if h.state != StateReady {
		h.logger.Debugw("capabilities loaded", "from_state", h.state)
	}
	h.state = StateReady
	return nil
}

func (h *ProtocolHandler) CreateTransport(ctx context.Context, role domain.TransportRole) (domain.TransportParameters, error) {
	if err := h.requireReady(); err != nil {
		return domain.TransportParameters{}, err
	}
	if !role.Valid() {
		return domain.TransportParameters{}, fmt.Errorf("%w: invalid role %q", domain.ErrTransportRole, role)
	}
	if err := h.checkRoleFree(role); err != nil {
		return domain.TransportParameters{}, err
	}

	handle, err := h.router.CreateTransport(ctx, domain.TransportOptions{Role: role})
	if err != nil {
		h.logger.Warnw("engine failed to create transport", "role", role, "error", err)
		return domain.TransportParameters{}, fmt.Errorf("%w: create transport: %w", domain.ErrEngineFailure, err)
	}

	var id domain.TransportID
	err = h.commit(handle.Close, func() error {
		var regErr error
		id, regErr = h.registry.RegisterTransport(h.roomID, h.peerID, role, handle)
		return regErr
	})
	if err != nil {
		return domain.TransportParameters{}, err
	}

	handle.OnStateChange(func(state domain.TransportState) {
		if err := h.registry.SetTransportState(context.Background(), id, state); err != nil {
			h.logger.Debugw("ignoring state change for closed transport", "transport_id", id, "state", state)
		}
	})

	params := handle.Parameters()
	params.ID = id
	h.logger.Infow("transport created", "transport_id", id, "role", role)
	return params, nil
}

func (h *ProtocolHandler) ConnectTransport(ctx context.Context, id domain.TransportID, dtls domain.DtlsParameters) error {
	if err := h.requireOpen(); err != nil {
		return err
	}
	t, handle, err := h.ownTransport(id)
	if err != nil {
		return err
	}
	if t.State == domain.TransportConnected {
		return fmt.Errorf("%w: %s", domain.ErrTransportConnected, id)
	}

	if err := handle.Connect(ctx, dtls); err != nil {
		h.logger.Warnw("engine failed to connect transport", "transport_id", id, "error", err)
		return fmt.Errorf("%w: connect transport: %w", domain.ErrEngineFailure, err)
	}

	if err := h.requireOpen(); err != nil {
		return err
	}
	if err := h.registry.SetTransportState(ctx, id, domain.TransportConnected); err != nil {
		return err
	}
	h.logger.Infow("transport connected", "transport_id", id, "role", t.Role)
	return nil
}

func (h *ProtocolHandler) Produce(ctx context.Context, transportID domain.TransportID, kind domain.MediaKind, params domain.RtpParameters) (domain.ProducerID, error) {
	if err := h.requireReady(); err != nil {
		return "", err
	}
	t, handle, err := h.ownTransport(transportID)
	if err != nil {
		return "", err
	}
	if t.Role != domain.RoleSend {
		return "", fmt.Errorf("%w: cannot produce on %s transport", domain.ErrTransportRole, t.Role)
	}
	if t.State != domain.TransportConnected {
		return "", fmt.Errorf("%w: transport %s is %s", domain.ErrTransportNotConnected, transportID, t.State)
	}

	producer, err := handle.Produce(ctx, kind, params)
	if err != nil {
		h.logger.Warnw("engine failed to produce", "transport_id", transportID, "kind", kind, "error", err)
		return "", fmt.Errorf("%w: produce: %w", domain.ErrEngineFailure, err)
	}

	var id domain.ProducerID
	err = h.commit(producer.Close, func() error {
		var regErr error
		id, regErr = h.registry.RegisterProducer(transportID, kind, producer)
		return regErr
	})
	if err != nil {
		return "", err
	}

	h.logger.Infow("producer created", "producer_id", id, "transport_id", transportID, "kind", kind)
	return id, nil
}

func (h *ProtocolHandler) Consume(ctx context.Context, req ConsumeRequest) (ConsumeResult, error) {
	if err := h.requireReady(); err != nil {
		return ConsumeResult{}, err
	}
	t, handle, err := h.ownTransport(req.TransportID)
	if err != nil {
		return ConsumeResult{}, err
	}
	if t.Role != domain.RoleRecv {
		return ConsumeResult{}, fmt.Errorf("%w: cannot consume on %s transport", domain.ErrTransportRole, t.Role)
	}
	if t.State != domain.TransportConnected {
		return ConsumeResult{}, fmt.Errorf("%w: transport %s is %s", domain.ErrTransportNotConnected, req.TransportID, t.State)
	}

	caps := req.RtpCapabilities
	if caps == nil {
		h.mu.Lock()
		caps = h.clientCaps
		h.mu.Unlock()
	}
	if caps == nil {
		return ConsumeResult{}, fmt.Errorf("%w: no rtp capabilities supplied", domain.ErrCapabilitiesNotLoaded)
	}

	producer, err := h.selectProducer(req)
	if err != nil {
		return ConsumeResult{}, err
	}
	producerHandle, err := h.registry.ProducerHandle(producer.ID)
	if err != nil {
		return ConsumeResult{}, err
	}

	if !h.router.CanConsume(producerHandle.ID(), *caps) {
		return ConsumeResult{}, fmt.Errorf("%w: cannot consume producer %s", domain.ErrIncompatibleCapability, producer.ID)
	}

	consumer, err := handle.Consume(ctx, producerHandle.ID(), *caps, true)
	if err != nil {
		h.logger.Warnw("engine failed to consume", "transport_id", req.TransportID, "producer_id", producer.ID, "error", err)
		return ConsumeResult{}, fmt.Errorf("%w: consume: %w", domain.ErrEngineFailure, err)
	}

	var id domain.ConsumerID
	err = h.commit(consumer.Close, func() error {
		var regErr error
		id, regErr = h.registry.RegisterConsumer(req.TransportID, producer.ID, consumer)
		return regErr
	})
	if err != nil {
		return ConsumeResult{}, err
	}

	h.logger.Infow("consumer created", "consumer_id", id, "producer_id", producer.ID, "kind", producer.Kind)
	return ConsumeResult{
		ID:            id,
		ProducerID:    producer.ID,
		Kind:          producer.Kind,
		RtpParameters: consumer.RtpParameters(),
	}, nil
}

func (h *ProtocolHandler) ResumeConsumer(ctx context.Context, id domain.ConsumerID) error {
	return h.setConsumerPaused(ctx, id, false)
}

func (h *ProtocolHandler) PauseConsumer(ctx context.Context, id domain.ConsumerID) error {
	return h.setConsumerPaused(ctx, id, true)
}

// CloseProducer closes one of this peer's producers and every consumer of it.
func (h *ProtocolHandler) CloseProducer(ctx context.Context, id domain.ProducerID) error {
	if err := h.requireOpen(); err != nil {
		return err
	}
	p, err := h.registry.GetProducer(id)
	if err != nil {
		return err
	}
	if p.PeerID != h.peerID {
		return fmt.Errorf("%w: %s", domain.ErrProducerNotFound, id)
	}
	if err := h.registry.CloseProducer(ctx, id); err != nil {
		return err
	}
	h.logger.Infow("producer closed", "producer_id", id)
	return nil
}

func (h *ProtocolHandler) ListProducers() ([]ProducerInfo, error) {
	if err := h.requireOpen(); err != nil {
		return nil, err
	}
	producers := h.registry.Producers(h.roomID)
	out := make([]ProducerInfo, 0, len(producers))
	for _, p := range producers {
		out = append(out, ProducerInfo{ID: p.ID, Kind: p.Kind, PeerID: p.PeerID})
	}
	return out, nil
}

// Close tears the connection down and cascades every transport it owns.
// It is safe to call more than once.
func (h *ProtocolHandler) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return nil
	}
	h.state = StateClosed
	h.mu.Unlock()

	h.cancel()
	if err := h.registry.ClosePeer(ctx, h.peerID); err != nil {
		h.logger.Errorw("failed to clean up peer", "error", err)
		return err
	}
	h.logger.Infow("connection closed")
	return nil
}

func (h *ProtocolHandler) setConsumerPaused(ctx context.Context, id domain.ConsumerID, paused bool) error {
	if err := h.requireOpen(); err != nil {
		return err
	}
	c, err := h.registry.GetConsumer(id)
	if err != nil {
		return err
	}
	if c.PeerID != h.peerID {
		return fmt.Errorf("%w: %s", domain.ErrConsumerNotFound, id)
	}
	handle, err := h.registry.ConsumerHandle(id)
	if err != nil {
		return err
	}

	target := domain.ConsumerActive
	op := handle.Resume
	if paused {
		target = domain.ConsumerPaused
		op = handle.Pause
	}
	if c.State == target {
		return nil
	}

	if err := op(ctx); err != nil {
		h.logger.Warnw("engine failed to change consumer state", "consumer_id", id, "target", target, "error", err)
		return fmt.Errorf("%w: %s consumer: %w", domain.ErrEngineFailure, target, err)
	}
	if err := h.registry.SetConsumerState(id, target); err != nil {
		return err
	}
	h.logger.Debugw("consumer state changed", "consumer_id", id, "state", target)
	return nil
}

func (h *ProtocolHandler) selectProducer(req ConsumeRequest) (domain.Producer, error) {
	switch {
	case req.ProducerID != "":
		p, err := h.registry.GetProducer(req.ProducerID)
		if err != nil {
			return domain.Producer{}, err
		}
		if p.RoomID != h.roomID {
			return domain.Producer{}, fmt.Errorf("%w: %s", domain.ErrProducerNotFound, req.ProducerID)
		}
		if req.Kind != "" && p.Kind != req.Kind {
			return domain.Producer{}, fmt.Errorf("%w: producer %s is %s", domain.ErrIncompatibleCapability, p.ID, p.Kind)
		}
		return p, nil
	case req.Kind != "":
		return h.registry.CurrentProducer(h.roomID, req.Kind)
	default:
		return h.registry.LatestProducer(h.roomID)
	}
}

// ownTransport hides transports of other peers behind not-found.
func (h *ProtocolHandler) ownTransport(id domain.TransportID) (domain.Transport, ports.TransportHandle, error) {
	t, err := h.registry.GetTransport(id)
	if err != nil {
		return domain.Transport{}, nil, err
	}
	if t.PeerID != h.peerID {
		return domain.Transport{}, nil, fmt.Errorf("%w: %s", domain.ErrTransportNotFound, id)
	}
	handle, err := h.registry.TransportHandle(id)
	if err != nil {
		return domain.Transport{}, nil, err
	}
	return t, handle, nil
}

// checkRoleFree avoids an engine round trip for a request the registry
// would reject anyway.
func (h *ProtocolHandler) checkRoleFree(role domain.TransportRole) error {
	for _, t := range h.registry.PeerTransports(h.roomID, h.peerID) {
		if t.Role == role {
			return fmt.Errorf("%w: peer already has %s transport %s", domain.ErrDuplicateRole, role, t.ID)
		}
	}
	return nil
}

// commit runs register only while the connection is still open. On any
// failure the engine handle is released so nothing orphaned survives.
func (h *ProtocolHandler) commit(release func() error, register func() error) error {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		h.logger.Infow("connection closed during engine call, discarding result")
		h.release(release)
		return domain.ErrConnectionLost
	}
	err := register()
	h.mu.Unlock()

	if err != nil {
		h.release(release)
		return err
	}
	return nil
}

func (h *ProtocolHandler) release(closeFn func() error) {
	if err := closeFn(); err != nil {
		h.logger.Warnw("failed to release engine handle", "error", err)
	}
}

func (h *ProtocolHandler) requireOpen() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateClosed {
		return domain.ErrConnectionLost
	}
	return nil
}

func (h *ProtocolHandler) requireReady() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateClosed:
		return domain.ErrConnectionLost
	case StateReady:
		return nil
	default:
		return domain.ErrCapabilitiesNotLoaded
	}
}
