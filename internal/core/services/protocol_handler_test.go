package services

import (
	"context"
	"errors"
	"testing"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/internal/infrastructure/mediaengine/loopback"
	apperrors "sfusignal/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockRouter for tests that need to control engine behaviour
type MockRouter struct {
	mock.Mock
}

func (m *MockRouter) ID() string { return "mock-router" }

func (m *MockRouter) Capabilities() domain.RtpCapabilities {
	args := m.Called()
	return args.Get(0).(domain.RtpCapabilities)
}

func (m *MockRouter) CreateTransport(ctx context.Context, opts domain.TransportOptions) (ports.TransportHandle, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ports.TransportHandle), args.Error(1)
}

func (m *MockRouter) CanConsume(producerID string, caps domain.RtpCapabilities) bool {
	args := m.Called(producerID, caps)
	return args.Bool(0)
}

func (m *MockRouter) Close() error { return nil }

var testCodecs = []domain.RtpCodecCapability{
	{Kind: domain.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	{Kind: domain.MediaKindVideo, MimeType: "video/VP8", ClockRate: 90000},
}

func validDtls() domain.DtlsParameters {
	return domain.DtlsParameters{
		Role: domain.DtlsRoleClient,
		Fingerprints: []domain.DtlsFingerprint{
			{Algorithm: "sha-256", Value: "AB:CD:EF:01:23:45:67:89:AB:CD:EF:01:23:45:67:89:AB:CD:EF:01:23:45:67:89:AB:CD:EF:01:23:45:67:89"},
		},
	}
}

func vp8Rtp() domain.RtpParameters {
	return domain.RtpParameters{
		Codecs:    []domain.RtpCodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
		Encodings: []domain.RtpEncodingParameters{{SSRC: 2222}},
	}
}

type handlerEnv struct {
	router   ports.Router
	registry *SessionRegistry
	sink     *recordingSink
	caps     *Capabilities
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	engine, err := loopback.New(loopback.Config{
		ListenIPs: []loopback.ListenIP{{IP: "127.0.0.1"}},
		MinPort:   40000,
		MaxPort:   41000,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	router, err := engine.CreateRouter(context.Background(), testCodecs)
	require.NoError(t, err)

	caps, err := NewCapabilities(router)
	require.NoError(t, err)

	registry, sink := newTestRegistry()
	return &handlerEnv{router: router, registry: registry, sink: sink, caps: caps}
}

func (e *handlerEnv) peer(id domain.PeerID) *ProtocolHandler {
	h := NewProtocolHandler(context.Background(), id, "room", e.router, e.registry, e.caps, zap.NewNop().Sugar())
	h.Accept()
	return h
}

// ready returns a handler that has loaded capabilities.
func (e *handlerEnv) ready(t *testing.T, id domain.PeerID) *ProtocolHandler {
	t.Helper()
	h := e.peer(id)
	caps := e.caps.Value()
	require.NoError(t, h.CapabilitiesLoaded(&caps))
	return h
}

func readyTransport(t *testing.T, h *ProtocolHandler, role domain.TransportRole) domain.TransportID {
	t.Helper()
	ctx := context.Background()
	params, err := h.CreateTransport(ctx, role)
	require.NoError(t, err)
	require.NoError(t, h.ConnectTransport(ctx, params.ID, validDtls()))
	return params.ID
}

func codeOf(err error) apperrors.ErrorCode {
	return ClassifyError(err).Code
}

func TestProtocolHandler_StateMachine(t *testing.T) {
	env := newHandlerEnv(t)
	h := NewProtocolHandler(context.Background(), "p1", "room", env.router, env.registry, env.caps, zap.NewNop().Sugar())

	assert.Equal(t, StateDisconnected, h.State())
	h.Accept()
	assert.Equal(t, StateCapabilitiesPending, h.State())

	require.NoError(t, h.CapabilitiesLoaded(nil))
	assert.Equal(t, StateReady, h.State())

	require.NoError(t, h.Close(context.Background()))
	assert.Equal(t, StateClosed, h.State())
	assert.Error(t, h.Context().Err())

	_, err := h.GetCapabilities()
	assert.Equal(t, apperrors.ErrCodeConnectionLost, codeOf(err))
	assert.NoError(t, h.Close(context.Background()), "close is idempotent")
}

func TestProtocolHandler_GetCapabilities_Idempotent(t *testing.T) {
	env := newHandlerEnv(t)
	h := env.peer("p1")

	first, err := h.GetCapabilities()
	require.NoError(t, err)
	second, err := h.GetCapabilities()
	require.NoError(t, err)
	assert.Equal(t, []byte(first), []byte(second))

	other, err := env.peer("p2").GetCapabilities()
	require.NoError(t, err)
	assert.Equal(t, []byte(first), []byte(other))
}

func TestProtocolHandler_RequiresCapabilities(t *testing.T) {
	env := newHandlerEnv(t)
	h := env.peer("p1")
	ctx := context.Background()

	_, err := h.CreateTransport(ctx, domain.RoleSend)
	assert.ErrorIs(t, err, domain.ErrCapabilitiesNotLoaded)
	assert.Equal(t, apperrors.ErrCodePrecondition, codeOf(err))

	_, err = h.Produce(ctx, "t", domain.MediaKindVideo, vp8Rtp())
	assert.ErrorIs(t, err, domain.ErrCapabilitiesNotLoaded)

	_, err = h.Consume(ctx, ConsumeRequest{TransportID: "t"})
	assert.ErrorIs(t, err, domain.ErrCapabilitiesNotLoaded)

	assert.Empty(t, env.registry.Rooms())
}

// Scenario A
func TestProtocolHandler_ProduceFlow(t *testing.T) {
	env := newHandlerEnv(t)
	p1 := env.ready(t, "p1")
	ctx := context.Background()

	params, err := p1.CreateTransport(ctx, domain.RoleSend)
	require.NoError(t, err)
	assert.NotEmpty(t, params.ID)
	assert.NotEmpty(t, params.IceParameters.UsernameFragment)
	assert.NotEmpty(t, params.IceCandidates)
	assert.NotEmpty(t, params.DtlsParameters.Fingerprints)

	// produce before connect
	_, err = p1.Produce(ctx, params.ID, domain.MediaKindVideo, vp8Rtp())
	assert.ErrorIs(t, err, domain.ErrTransportNotConnected)
	assert.Equal(t, apperrors.ErrCodePrecondition, codeOf(err))
	assert.Empty(t, env.registry.Producers("room"))

	require.NoError(t, p1.ConnectTransport(ctx, params.ID, validDtls()))
	tr, err := env.registry.GetTransport(params.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransportConnected, tr.State)

	err = p1.ConnectTransport(ctx, params.ID, validDtls())
	assert.Equal(t, apperrors.ErrCodeConflict, codeOf(err))

	pid, err := p1.Produce(ctx, params.ID, domain.MediaKindVideo, vp8Rtp())
	require.NoError(t, err)

	cur, err := env.registry.CurrentProducer("room", domain.MediaKindVideo)
	require.NoError(t, err)
	assert.Equal(t, pid, cur.ID)
}

// Scenario B
func TestProtocolHandler_ConsumeFlow(t *testing.T) {
	env := newHandlerEnv(t)
	ctx := context.Background()

	p1 := env.ready(t, "p1")
	send := readyTransport(t, p1, domain.RoleSend)
	pid, err := p1.Produce(ctx, send, domain.MediaKindVideo, vp8Rtp())
	require.NoError(t, err)

	p2 := env.ready(t, "p2")
	recv := readyTransport(t, p2, domain.RoleRecv)

	res, err := p2.Consume(ctx, ConsumeRequest{TransportID: recv})
	require.NoError(t, err)
	assert.Equal(t, pid, res.ProducerID)
	assert.Equal(t, domain.MediaKindVideo, res.Kind)
	assert.NotEmpty(t, res.RtpParameters.Codecs)

	c, err := env.registry.GetConsumer(res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConsumerPaused, c.State)

	require.NoError(t, p2.ResumeConsumer(ctx, res.ID))
	c, _ = env.registry.GetConsumer(res.ID)
	assert.Equal(t, domain.ConsumerActive, c.State)

	require.NoError(t, p2.PauseConsumer(ctx, res.ID))
	c, _ = env.registry.GetConsumer(res.ID)
	assert.Equal(t, domain.ConsumerPaused, c.State)

	// p1 cannot touch p2's consumer
	err = p1.ResumeConsumer(ctx, res.ID)
	assert.ErrorIs(t, err, domain.ErrConsumerNotFound)
}

// Scenario C
func TestProtocolHandler_DisconnectCascades(t *testing.T) {
	env := newHandlerEnv(t)
	ctx := context.Background()

	p1 := env.ready(t, "p1")
	send := readyTransport(t, p1, domain.RoleSend)
	pid, err := p1.Produce(ctx, send, domain.MediaKindVideo, vp8Rtp())
	require.NoError(t, err)

	p2 := env.ready(t, "p2")
	recv := readyTransport(t, p2, domain.RoleRecv)
	res, err := p2.Consume(ctx, ConsumeRequest{TransportID: recv, ProducerID: pid})
	require.NoError(t, err)
	require.NoError(t, p2.ResumeConsumer(ctx, res.ID))

	require.NoError(t, p1.Close(ctx))

	_, err = env.registry.GetTransport(send)
	assert.ErrorIs(t, err, domain.ErrAlreadyClosed)
	_, err = env.registry.GetProducer(pid)
	assert.ErrorIs(t, err, domain.ErrProducerClosed)

	err = p2.ResumeConsumer(ctx, res.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAlreadyClosed) || errors.Is(err, domain.ErrConsumerNotFound))

	closed := env.sink.ofType(domain.EventProducerClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, []domain.PeerID{"p2"}, closed[0].Recipients)
}

// Scenario D
func TestProtocolHandler_ConsumeWithoutTransport(t *testing.T) {
	env := newHandlerEnv(t)
	ctx := context.Background()

	p1 := env.ready(t, "p1")
	send := readyTransport(t, p1, domain.RoleSend)
	_, err := p1.Produce(ctx, send, domain.MediaKindVideo, vp8Rtp())
	require.NoError(t, err)

	p2 := env.ready(t, "p2")
	_, err = p2.Consume(ctx, ConsumeRequest{TransportID: "never-created"})
	assert.Equal(t, apperrors.ErrCodeNotFound, codeOf(err))

	params, err := p2.CreateTransport(ctx, domain.RoleRecv)
	require.NoError(t, err)
	_, err = p2.Consume(ctx, ConsumeRequest{TransportID: params.ID})
	assert.Equal(t, apperrors.ErrCodePrecondition, codeOf(err))

	_, _, consumers := env.registry.Counts()
	assert.Equal(t, 0, consumers)
}

func TestProtocolHandler_ConsumeIncompatible(t *testing.T) {
	env := newHandlerEnv(t)
	ctx := context.Background()

	p1 := env.ready(t, "p1")
	send := readyTransport(t, p1, domain.RoleSend)
	_, err := p1.Produce(ctx, send, domain.MediaKindVideo, vp8Rtp())
	require.NoError(t, err)

	p2 := env.ready(t, "p2")
	recv := readyTransport(t, p2, domain.RoleRecv)
	audioOnly := domain.RtpCapabilities{Codecs: []domain.RtpCodecCapability{
		{Kind: domain.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	}}

	_, err = p2.Consume(ctx, ConsumeRequest{TransportID: recv, RtpCapabilities: &audioOnly})
	assert.ErrorIs(t, err, domain.ErrIncompatibleCapability)
	assert.Equal(t, apperrors.ErrCodeIncompatible, codeOf(err))

	_, _, consumers := env.registry.Counts()
	assert.Equal(t, 0, consumers)
}

func TestProtocolHandler_ConsumeSelection(t *testing.T) {
	env := newHandlerEnv(t)
	ctx := context.Background()

	p1 := env.ready(t, "p1")
	send := readyTransport(t, p1, domain.RoleSend)
	video, err := p1.Produce(ctx, send, domain.MediaKindVideo, vp8Rtp())
	require.NoError(t, err)
	audio, err := p1.Produce(ctx, send, domain.MediaKindAudio, domain.RtpParameters{
		Codecs: []domain.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
	})
	require.NoError(t, err)

	p2 := env.ready(t, "p2")
	recv := readyTransport(t, p2, domain.RoleRecv)

	res, err := p2.Consume(ctx, ConsumeRequest{TransportID: recv})
	require.NoError(t, err)
	assert.Equal(t, audio, res.ProducerID, "latest producer by default")

	res, err = p2.Consume(ctx, ConsumeRequest{TransportID: recv, Kind: domain.MediaKindVideo})
	require.NoError(t, err)
	assert.Equal(t, video, res.ProducerID)

	res, err = p2.Consume(ctx, ConsumeRequest{TransportID: recv, ProducerID: video})
	require.NoError(t, err)
	assert.Equal(t, domain.MediaKindVideo, res.Kind)

	_, err = p2.Consume(ctx, ConsumeRequest{TransportID: recv, ProducerID: video, Kind: domain.MediaKindAudio})
	assert.Error(t, err)

	_, err = p2.Consume(ctx, ConsumeRequest{TransportID: recv, ProducerID: "nope"})
	assert.Equal(t, apperrors.ErrCodeNotFound, codeOf(err))

	list, err := p2.ListProducers()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, video, list[0].ID)
	assert.Equal(t, domain.PeerID("p1"), list[0].PeerID)
}

func TestProtocolHandler_ConsumeNoProducer(t *testing.T) {
	env := newHandlerEnv(t)
	p2 := env.ready(t, "p2")
	recv := readyTransport(t, p2, domain.RoleRecv)

	_, err := p2.Consume(context.Background(), ConsumeRequest{TransportID: recv})
	assert.ErrorIs(t, err, domain.ErrNoProducer)
	assert.Equal(t, apperrors.ErrCodeNotFound, codeOf(err))
}

func TestProtocolHandler_ConsumeNeedsCaps(t *testing.T) {
	env := newHandlerEnv(t)
	ctx := context.Background()

	p1 := env.ready(t, "p1")
	send := readyTransport(t, p1, domain.RoleSend)
	_, err := p1.Produce(ctx, send, domain.MediaKindVideo, vp8Rtp())
	require.NoError(t, err)

	p2 := env.peer("p2")
	require.NoError(t, p2.CapabilitiesLoaded(nil))
	recv := readyTransport(t, p2, domain.RoleRecv)

	_, err = p2.Consume(ctx, ConsumeRequest{TransportID: recv})
	assert.ErrorIs(t, err, domain.ErrCapabilitiesNotLoaded)
}

func TestProtocolHandler_ForeignTransportIsNotFound(t *testing.T) {
	env := newHandlerEnv(t)
	ctx := context.Background()

	p1 := env.ready(t, "p1")
	send := readyTransport(t, p1, domain.RoleSend)

	p2 := env.ready(t, "p2")
	_, err := p2.Produce(ctx, send, domain.MediaKindVideo, vp8Rtp())
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)

	err = p2.ConnectTransport(ctx, send, validDtls())
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
}

func TestProtocolHandler_DuplicateRole(t *testing.T) {
	env := newHandlerEnv(t)
	p1 := env.ready(t, "p1")
	ctx := context.Background()

	_, err := p1.CreateTransport(ctx, domain.RoleSend)
	require.NoError(t, err)
	_, err = p1.CreateTransport(ctx, domain.RoleSend)
	assert.ErrorIs(t, err, domain.ErrDuplicateRole)
	assert.Equal(t, apperrors.ErrCodeConflict, codeOf(err))
}

func TestProtocolHandler_CloseProducer(t *testing.T) {
	env := newHandlerEnv(t)
	ctx := context.Background()

	p1 := env.ready(t, "p1")
	send := readyTransport(t, p1, domain.RoleSend)
	pid, err := p1.Produce(ctx, send, domain.MediaKindVideo, vp8Rtp())
	require.NoError(t, err)

	p2 := env.ready(t, "p2")
	assert.ErrorIs(t, p2.CloseProducer(ctx, pid), domain.ErrProducerNotFound)

	require.NoError(t, p1.CloseProducer(ctx, pid))
	_, err = env.registry.CurrentProducer("room", domain.MediaKindVideo)
	assert.ErrorIs(t, err, domain.ErrNoProducer)
}

func TestProtocolHandler_EngineFailure(t *testing.T) {
	registry, _ := newTestRegistry()
	router := new(MockRouter)
	router.On("Capabilities").Return(domain.RtpCapabilities{Codecs: testCodecs})
	router.On("CreateTransport", mock.Anything, domain.TransportOptions{Role: domain.RoleSend}).
		Return(nil, errors.New("port range exhausted"))

	caps, err := NewCapabilities(router)
	require.NoError(t, err)
	h := NewProtocolHandler(context.Background(), "p1", "room", router, registry, caps, zap.NewNop().Sugar())
	h.Accept()
	require.NoError(t, h.CapabilitiesLoaded(nil))

	_, err = h.CreateTransport(context.Background(), domain.RoleSend)
	require.Error(t, err)

	appErr := ClassifyError(err)
	assert.Equal(t, apperrors.ErrCodeEngine, appErr.Code)
	assert.NotContains(t, appErr.Message, "port")
	assert.Empty(t, registry.Rooms())
	router.AssertExpectations(t)
}

// closingRouter closes the connection while the engine call is in flight.
type closingRouter struct {
	*MockRouter
	handler *ProtocolHandler
	created *stubTransport
}

func (r *closingRouter) CreateTransport(ctx context.Context, opts domain.TransportOptions) (ports.TransportHandle, error) {
	_ = r.handler.Close(context.Background())
	r.created = &stubTransport{}
	return r.created, nil
}

func TestProtocolHandler_OrphanedResultIsDiscarded(t *testing.T) {
	registry, _ := newTestRegistry()
	mockRouter := new(MockRouter)
	mockRouter.On("Capabilities").Return(domain.RtpCapabilities{Codecs: testCodecs})
	router := &closingRouter{MockRouter: mockRouter}

	caps, err := NewCapabilities(router)
	require.NoError(t, err)
	h := NewProtocolHandler(context.Background(), "p1", "room", router, registry, caps, zap.NewNop().Sugar())
	router.handler = h
	h.Accept()
	require.NoError(t, h.CapabilitiesLoaded(nil))

	_, err = h.CreateTransport(context.Background(), domain.RoleSend)
	assert.ErrorIs(t, err, domain.ErrConnectionLost)

	require.NotNil(t, router.created)
	assert.EqualValues(t, 1, router.created.closed.Load())
	transports, _, _ := registry.Counts()
	assert.Equal(t, 0, transports)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		code apperrors.ErrorCode
	}{
		{domain.ErrTransportNotFound, apperrors.ErrCodeNotFound},
		{domain.ErrConsumerNotFound, apperrors.ErrCodeNotFound},
		{domain.ErrNoProducer, apperrors.ErrCodeNotFound},
		{domain.ErrTransportNotConnected, apperrors.ErrCodePrecondition},
		{domain.ErrAlreadyClosed, apperrors.ErrCodePrecondition},
		{domain.ErrCapabilitiesNotLoaded, apperrors.ErrCodePrecondition},
		{domain.ErrIncompatibleCapability, apperrors.ErrCodeIncompatible},
		{domain.ErrDuplicateRole, apperrors.ErrCodeConflict},
		{domain.ErrConnectionLost, apperrors.ErrCodeConnectionLost},
		{errors.New("boom"), apperrors.ErrCodeInternal},
		{apperrors.NewValidationError("bad"), apperrors.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.code, ClassifyError(tt.err).Code)
		})
	}
	assert.Nil(t, ClassifyError(nil))
}
