package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/internal/core/services"
	"sfusignal/pkg/config"
	apperrors "sfusignal/pkg/errors"
	"sfusignal/pkg/tracing"
	"sfusignal/pkg/utils"
	"sfusignal/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Metrics is the subset of the prometheus collector the server reports to.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	ConnectionRejected(reason string)
	ObserveRequest(requestType, code string, d time.Duration)
	EventPushed(event string)
}

// Authenticator checks the token presented on connect.
type Authenticator interface {
	ValidateToken(token string) (*services.Claims, error)
	AuthorizeRoom(claims *services.Claims, room domain.RoomID) error
}

type Options struct {
	DefaultRoom       domain.RoomID
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	MessagesPerSecond float64
	MessageBurst      int
	AllowedOrigins    []string
}

func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		DefaultRoom:    domain.RoomID(cfg.Signal.DefaultRoom),
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		opts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		opts.MessageBurst = cfg.RateLimiting.WebSocket.Burst
	}
	return opts
}

type WebSocketServer struct {
	router       ports.Router
	registry     ports.SessionRegistry
	capabilities *services.Capabilities
	auth         Authenticator
	metrics      Metrics
	opts         Options
	upgrader     websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	connections map[domain.PeerID]*connection
	mu          sync.RWMutex

	logger *zap.SugaredLogger
}

var _ ports.EventSink = (*WebSocketServer)(nil)

type ServerOption func(*WebSocketServer)

// WithAuthenticator requires a valid token on every connection.
func WithAuthenticator(auth Authenticator) ServerOption {
	return func(s *WebSocketServer) { s.auth = auth }
}

func WithMetrics(m Metrics) ServerOption {
	return func(s *WebSocketServer) { s.metrics = m }
}

func NewWebSocketServer(
	router ports.Router,
	registry ports.SessionRegistry,
	capabilities *services.Capabilities,
	opts Options,
	logger *zap.SugaredLogger,
	options ...ServerOption,
) *WebSocketServer {
	if opts.DefaultRoom == "" {
		opts.DefaultRoom = domain.DefaultRoom
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PongTimeout <= opts.PingInterval {
		opts.PongTimeout = 2 * opts.PingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &WebSocketServer{
		router:       router,
		registry:     registry,
		capabilities: capabilities,
		metrics:      nopMetrics{},
		opts:         opts,
		ctx:          ctx,
		cancel:       cancel,
		connections:  make(map[domain.PeerID]*connection),
		logger:       logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// HandleWebSocket upgrades GET /ws?room_id=<room>&token=<jwt>.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID, err := s.resolveRoom(r)
	if err != nil {
		s.reject(w, "invalid_room", apperrors.NewValidationError(err.Error()))
		return
	}
	if err := s.authenticate(r, roomID); err != nil {
		s.reject(w, "unauthorized", err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.ConnectionRejected("upgrade_failed")
		s.logger.Warnw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	peerID := domain.PeerID(utils.GeneratePeerID())
	handler := services.NewProtocolHandler(s.ctx, peerID, roomID, s.router, s.registry, s.capabilities, s.logger)
	handler.Accept()

	c := &connection{
		server:  s,
		conn:    conn,
		handler: handler,
		peerID:  peerID,
		roomID:  roomID,
		done:    make(chan struct{}),
	}
	if s.opts.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), max(s.opts.MessageBurst, 1))
	}

	s.mu.Lock()
	s.connections[peerID] = c
	s.mu.Unlock()
	s.metrics.ConnectionOpened()

	s.logger.Infow("peer connected", "peer_id", peerID, "room_id", roomID, "remote", r.RemoteAddr)

	if err := c.write(Push{Type: msgTypeEvent, Event: eventWelcome, Payload: WelcomeEvent{PeerID: peerID, RoomID: roomID}}); err != nil {
		c.shutdown("welcome write failed")
		return
	}

	c.serve()
}

// Publish delivers a registry event to the connected peers it concerns.
func (s *WebSocketServer) Publish(_ context.Context, ev domain.SessionEvent) {
	push := Push{Type: msgTypeEvent, Event: string(ev.Type), Payload: eventPayload(ev)}
	for _, c := range s.recipients(ev) {
		if err := c.write(push); err != nil {
			s.logger.Debugw("failed to push event", "peer_id", c.peerID, "event", ev.Type, "error", err)
			continue
		}
		s.metrics.EventPushed(string(ev.Type))
	}
}

// ConnectionCount returns the number of open signaling connections.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *WebSocketServer) IsPeerConnected(peerID domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.connections[peerID]
	return ok
}

// Shutdown closes every connection with a going-away frame. Peer cleanup
// runs through the normal disconnect path.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.RLock()
	conns := make([]*connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	deadline := time.Now().Add(s.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range conns {
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		c.shutdown("server shutdown")
	}
	s.logger.Infow("signaling server stopped", "closed_connections", len(conns))
	return nil
}

// recipients resolves who must hear about ev. New producers are announced
// to every other peer in the room; everything else goes to the peers the
// registry listed.
func (s *WebSocketServer) recipients(ev domain.SessionEvent) []*connection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*connection
	if ev.Type == domain.EventProducerAdded {
		for id, c := range s.connections {
			if c.roomID == ev.RoomID && id != ev.PeerID {
				out = append(out, c)
			}
		}
		return out
	}
	for _, id := range ev.Recipients {
		if c, ok := s.connections[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *WebSocketServer) remove(c *connection) {
	s.mu.Lock()
	if cur, ok := s.connections[c.peerID]; ok && cur == c {
		delete(s.connections, c.peerID)
	}
	s.mu.Unlock()
}

func (s *WebSocketServer) resolveRoom(r *http.Request) (domain.RoomID, error) {
	room := r.URL.Query().Get("room_id")
	if room == "" {
		return s.opts.DefaultRoom, nil
	}
	if err := validation.ValidateRoomID(room); err != nil {
		return "", err
	}
	return domain.RoomID(room), nil
}

func (s *WebSocketServer) authenticate(r *http.Request, room domain.RoomID) error {
	if s.auth == nil {
		return nil
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token == "" {
		return apperrors.NewUnauthorizedError("missing token")
	}
	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		s.logger.Debugw("rejected token", "token", utils.MaskSensitive(token, 8), "error", err)
		return apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, err.Error(), http.StatusUnauthorized)
	}
	if err := s.auth.AuthorizeRoom(claims, room); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, err.Error(), http.StatusForbidden)
	}
	return nil
}

func (s *WebSocketServer) reject(w http.ResponseWriter, reason string, err error) {
	appErr := services.ClassifyError(err)
	s.metrics.ConnectionRejected(reason)
	s.logger.Infow("rejecting signaling connection", "reason", reason, "error", err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": ErrorBody{Code: appErr.Code, Message: appErr.Message},
	})
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	s.logger.Warnw("origin not allowed", "origin", origin)
	return false
}

type connection struct {
	server  *WebSocketServer
	conn    *websocket.Conn
	handler *services.ProtocolHandler
	limiter *rate.Limiter

	peerID domain.PeerID
	roomID domain.RoomID

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// serve runs the reader goroutine and processes requests strictly in
// arrival order until the peer goes away.
func (c *connection) serve() {
	s := c.server
	defer c.shutdown("connection closed")

	if s.opts.MaxMessageSize > 0 {
		c.conn.SetReadLimit(s.opts.MaxMessageSize)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	})

	pingTicker := time.NewTicker(s.opts.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan []byte, 16)
	errorChan := make(chan error, 1)

	go func() {
		for {
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				errorChan <- err
				// Cancels any engine call in flight for this peer.
				c.shutdown("read failed")
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))

			if c.limiter != nil && !c.limiter.Allow() {
				s.metrics.ConnectionRejected("rate_limited")
				s.logger.Warnw("peer exceeded message rate", "peer_id", c.peerID)
				c.closeWith(websocket.ClosePolicyViolation, "message rate exceeded")
				errorChan <- errors.New("message rate exceeded")
				c.shutdown("rate limited")
				return
			}

			select {
			case messageChan <- data:
			case <-c.done:
				return
			}
		}
	}()

	for {
		select {
		case data := <-messageChan:
			c.handleMessage(data)

		case <-pingTicker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				s.logger.Debugw("ping failed", "peer_id", c.peerID, "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Infow("peer connection dropped", "peer_id", c.peerID, "error", err)
			}
			return

		case <-c.done:
			return
		}
	}
}

func (c *connection) handleMessage(data []byte) {
	s := c.server
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Debugw("malformed frame", "peer_id", c.peerID, "frame", utils.TruncateString(string(data), 128))
		c.respond(req, nil, apperrors.NewValidationError("malformed message: "+err.Error()), time.Now())
		return
	}
	if req.Type == "" {
		c.respond(req, nil, apperrors.NewValidationError("type is required"), time.Now())
		return
	}

	start := time.Now()
	ctx, span := tracing.TraceSignalRequest(c.handler.Context(), string(req.Type), string(c.roomID), string(c.peerID))
	defer span.End()

	result, err := c.dispatch(ctx, req)
	if err != nil {
		appErr := services.ClassifyError(err)
		tracing.RecordError(span, err, string(appErr.Code))
		if appErr.Code == apperrors.ErrCodeEngine || appErr.Code == apperrors.ErrCodeInternal {
			s.logger.Warnw("signaling request failed", "peer_id", c.peerID, "type", req.Type, "code", appErr.Code, "error", err)
		} else {
			s.logger.Debugw("signaling request rejected", "peer_id", c.peerID, "type", req.Type, "code", appErr.Code, "error", err)
		}
		c.respond(req, nil, appErr, start)
		return
	}
	c.respond(req, result, nil, start)
}

func (c *connection) dispatch(ctx context.Context, req Request) (interface{}, error) {
	h := c.handler
	switch req.Type {
	case ReqGetCapabilities:
		return h.GetCapabilities()

	case ReqCapabilitiesLoaded:
		var p CapabilitiesLoadedPayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return nil, h.CapabilitiesLoaded(p.RtpCapabilities)

	case ReqCreateTransport:
		var p CreateTransportPayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		params, err := h.CreateTransport(ctx, p.Role)
		if err != nil {
			return nil, err
		}
		tracing.AddSpanAttributes(ctx, tracing.TransportIDKey.String(string(params.ID)))
		return params, nil

	case ReqConnectTransport:
		var p ConnectTransportPayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		tracing.AddSpanAttributes(ctx, tracing.TransportIDKey.String(string(p.TransportID)))
		return nil, h.ConnectTransport(ctx, p.TransportID, p.DtlsParameters)

	case ReqProduce:
		var p ProducePayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		id, err := h.Produce(ctx, p.TransportID, p.Kind, p.RtpParameters)
		if err != nil {
			return nil, err
		}
		tracing.AddSpanAttributes(ctx, tracing.ProducerIDKey.String(string(id)))
		return ProduceResult{ID: id}, nil

	case ReqConsume:
		var p ConsumePayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		res, err := h.Consume(ctx, services.ConsumeRequest{
			TransportID:     p.TransportID,
			ProducerID:      p.ProducerID,
			Kind:            p.Kind,
			RtpCapabilities: p.RtpCapabilities,
		})
		if err != nil {
			return nil, err
		}
		tracing.AddSpanAttributes(ctx, tracing.ConsumerIDKey.String(string(res.ID)))
		return res, nil

	case ReqResumeConsumer, ReqPauseConsumer:
		var p ConsumerPayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		if req.Type == ReqPauseConsumer {
			return nil, h.PauseConsumer(ctx, p.ConsumerID)
		}
		return nil, h.ResumeConsumer(ctx, p.ConsumerID)

	case ReqCloseProducer:
		var p ProducerPayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return nil, h.CloseProducer(ctx, p.ProducerID)

	case ReqListProducers:
		producers, err := h.ListProducers()
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"producers": producers}, nil

	default:
		return nil, apperrors.NewValidationError("unknown request type " + string(req.Type))
	}
}

func (c *connection) respond(req Request, result interface{}, appErr *apperrors.AppError, start time.Time) {
	var resp Response
	code := "OK"
	if appErr != nil {
		resp = errorResponse(req.ID, appErr)
		code = string(appErr.Code)
	} else {
		resp = okResponse(req.ID, result)
	}
	reqType := string(req.Type)
	if reqType == "" {
		reqType = "invalid"
	}
	c.server.metrics.ObserveRequest(reqType, code, time.Since(start))

	if err := c.write(resp); err != nil {
		c.server.logger.Debugw("failed to write response", "peer_id", c.peerID, "type", req.Type, "error", err)
	}
}

func (c *connection) write(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.server.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *connection) closeWith(code int, text string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(c.server.opts.WriteTimeout))
}

// shutdown is idempotent and may run on the reader goroutine while a
// request is still being processed.
func (c *connection) shutdown(reason string) {
	c.closeOnce.Do(func() {
		s := c.server
		close(c.done)
		s.remove(c)
		_ = c.handler.Close(context.Background())
		_ = c.conn.Close()
		s.metrics.ConnectionClosed()
		s.logger.Infow("peer disconnected", "peer_id", c.peerID, "room_id", c.roomID, "reason", reason)
	})
}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened()                             {}
func (nopMetrics) ConnectionClosed()                             {}
func (nopMetrics) ConnectionRejected(string)                     {}
func (nopMetrics) ObserveRequest(string, string, time.Duration) {}
func (nopMetrics) EventPushed(string)                            {}
