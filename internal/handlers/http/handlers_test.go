package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/services"
	"sfusignal/internal/infrastructure/mediaengine/loopback"
	"sfusignal/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "handler-test-secret-0123456789abcdef"

func newRoomFixture(t *testing.T) (*services.SessionRegistry, *services.Capabilities, domain.ProducerID) {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop().Sugar()

	engine, err := loopback.New(loopback.Config{
		ListenIPs: []loopback.ListenIP{{IP: "127.0.0.1"}},
		MinPort:   43000,
		MaxPort:   43010,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	router, err := engine.CreateRouter(ctx, []domain.RtpCodecCapability{
		{Kind: domain.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	})
	require.NoError(t, err)
	caps, err := services.NewCapabilities(router)
	require.NoError(t, err)

	registry := services.NewSessionRegistry()
	h := services.NewProtocolHandler(ctx, "p1", "lobby", router, registry, caps, logger)
	h.Accept()
	require.NoError(t, h.CapabilitiesLoaded(nil))

	params, err := h.CreateTransport(ctx, domain.RoleSend)
	require.NoError(t, err)
	require.NoError(t, h.ConnectTransport(ctx, params.ID, domain.DtlsParameters{
		Role:         domain.DtlsRoleClient,
		Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
	}))
	producerID, err := h.Produce(ctx, params.ID, domain.MediaKindAudio, domain.RtpParameters{
		Codecs:    []domain.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
		Encodings: []domain.RtpEncodingParameters{{SSRC: 42}},
	})
	require.NoError(t, err)
	return registry, caps, producerID
}

func newTestEngine(handlers ...func(api *gin.RouterGroup)) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	api := r.Group("/api/v1")
	for _, h := range handlers {
		h(api)
	}
	return r
}

func do(r *gin.Engine, method, path, body string, header ...string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRoomHandler(t *testing.T) {
	registry, caps, producerID := newRoomFixture(t)
	rooms := NewRoomHandler(registry, caps)
	r := newTestEngine(func(api *gin.RouterGroup) { rooms.SetupRoutes(api) })

	w := do(r, http.MethodGet, "/api/v1/rooms", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Rooms []domain.RoomStats `json:"rooms"`
		Total int                `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, domain.RoomID("lobby"), list.Rooms[0].RoomID)
	assert.Equal(t, 1, list.Rooms[0].Producers)
	assert.Equal(t, 1, list.Rooms[0].Transports)

	w = do(r, http.MethodGet, "/api/v1/rooms/lobby/producers", "")
	require.Equal(t, http.StatusOK, w.Code)
	var producers struct {
		Producers []services.ProducerInfo `json:"producers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &producers))
	require.Len(t, producers.Producers, 1)
	assert.Equal(t, producerID, producers.Producers[0].ID)

	w = do(r, http.MethodGet, "/api/v1/rooms/empty", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")

	w = do(r, http.MethodGet, "/api/v1/rooms/bad%20room", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/api/v1/capabilities", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, string(caps.Raw()), w.Body.String())
}

func TestRoomHandler_RoomScopedToken(t *testing.T) {
	registry, caps, _ := newRoomFixture(t)
	auth := services.NewAuthService(testSecret, time.Hour, time.Hour)
	rooms := NewRoomHandler(registry, caps)
	r := newTestEngine(func(api *gin.RouterGroup) {
		rooms.SetupRoutes(api.Group("", middleware.AuthMiddleware(auth)), middleware.RoomAccessMiddleware(auth))
	})

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/v1/rooms/lobby", "").Code)

	other, err := auth.GenerateToken("u1", "alice", "other")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodGet, "/api/v1/rooms/lobby", "", "Authorization", "Bearer "+other).Code)

	lobby, err := auth.GenerateToken("u1", "alice", "lobby")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/rooms/lobby", "", "Authorization", "Bearer "+lobby).Code)
}

func TestAuthHandler_IssueAndRefresh(t *testing.T) {
	auth := services.NewAuthService(testSecret, 15*time.Minute, time.Hour)
	handler := NewAuthHandler(auth, true)
	r := newTestEngine(func(api *gin.RouterGroup) { handler.SetupRoutes(api) })

	w := do(r, http.MethodPost, "/api/v1/auth/token", `{"username":"alice","room_id":"lobby"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var issued TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issued))
	assert.Equal(t, 900, issued.ExpiresIn)

	claims, err := auth.ValidateToken(issued.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("lobby"), claims.RoomID)
	assert.Equal(t, "alice", claims.Username)

	w = do(r, http.MethodPost, "/api/v1/auth/refresh", `{"refresh_token":"`+issued.RefreshToken+`","room_id":"stage"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var refreshed TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &refreshed))
	claims, err = auth.ValidateToken(refreshed.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("stage"), claims.RoomID)
	assert.Equal(t, issued.UserID, claims.UserID)

	w = do(r, http.MethodPost, "/api/v1/auth/refresh", `{"refresh_token":"`+issued.AccessToken+`"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "access tokens cannot refresh")

	w = do(r, http.MethodPost, "/api/v1/auth/token", `{"username":"a b"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthHandler_IssueDisabled(t *testing.T) {
	auth := services.NewAuthService(testSecret, time.Minute, time.Hour)
	handler := NewAuthHandler(auth, false)
	r := newTestEngine(func(api *gin.RouterGroup) { handler.SetupRoutes(api) })

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPost, "/api/v1/auth/token", `{"username":"alice"}`).Code)
}
