package http

import (
	"net/http"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/internal/core/services"
	"sfusignal/pkg/errors"
	"sfusignal/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RoomHandler exposes read-only views of the session registry.
type RoomHandler struct {
	registry     ports.SessionRegistry
	capabilities *services.Capabilities
}

func NewRoomHandler(registry ports.SessionRegistry, capabilities *services.Capabilities) *RoomHandler {
	return &RoomHandler{
		registry:     registry,
		capabilities: capabilities,
	}
}

// SetupRoutes mounts the handlers on router. Middleware in roomMW runs
// only for the per-room routes.
func (h *RoomHandler) SetupRoutes(router gin.IRouter, roomMW ...gin.HandlerFunc) {
	router.GET("/capabilities", h.GetCapabilities)
	router.GET("/rooms", h.ListRooms)

	room := router.Group("/rooms/:id", roomMW...)
	{
		room.GET("", h.GetRoom)
		room.GET("/producers", h.ListProducers)
	}
}

func (h *RoomHandler) GetCapabilities(c *gin.Context) {
	c.Data(http.StatusOK, "application/json; charset=utf-8", h.capabilities.Raw())
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms := h.registry.Rooms()
	out := make([]domain.RoomStats, 0, len(rooms))
	for _, id := range rooms {
		// A room may empty out between Rooms and RoomStats.
		stats, err := h.registry.RoomStats(id)
		if err != nil {
			continue
		}
		out = append(out, stats)
	}
	c.JSON(http.StatusOK, gin.H{
		"rooms": out,
		"total": len(out),
	})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	stats, err := h.registry.RoomStats(room)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *RoomHandler) ListProducers(c *gin.Context) {
	room, ok := roomParam(c)
	if !ok {
		return
	}
	if _, err := h.registry.RoomStats(room); err != nil {
		c.Error(err)
		return
	}

	producers := h.registry.Producers(room)
	out := make([]services.ProducerInfo, 0, len(producers))
	for _, p := range producers {
		out = append(out, services.ProducerInfo{ID: p.ID, Kind: p.Kind, PeerID: p.PeerID})
	}
	c.JSON(http.StatusOK, gin.H{
		"room_id":   room,
		"producers": out,
	})
}

func roomParam(c *gin.Context) (domain.RoomID, bool) {
	id := c.Param("id")
	if err := validation.ValidateRoomID(id); err != nil {
		c.Error(errors.NewValidationError(err.Error()))
		return "", false
	}
	return domain.RoomID(id), true
}
