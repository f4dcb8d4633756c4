package http

import (
	"net/http"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/services"
	"sfusignal/pkg/errors"
	"sfusignal/pkg/utils"
	"sfusignal/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AuthHandler issues signaling tokens. There is no user store: token issue
// is a development convenience switched by auth.allow_token_issue.
type AuthHandler struct {
	authService services.AuthService
	allowIssue  bool
}

func NewAuthHandler(authService services.AuthService, allowIssue bool) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		allowIssue:  allowIssue,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/auth")
	{
		if h.allowIssue {
			api.POST("/token", h.IssueToken)
		}
		api.POST("/refresh", h.RefreshToken)
	}
}

type TokenRequest struct {
	Username string `json:"username" binding:"required,max=50"`
	RoomID   string `json:"room_id" binding:"omitempty,max=64"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required,max=2048"`
	RoomID       string `json:"room_id" binding:"omitempty,max=64"`
}

type TokenResponse struct {
	UserID       domain.UserID `json:"user_id,omitempty"`
	Username     string        `json:"username,omitempty"`
	RoomID       domain.RoomID `json:"room_id,omitempty"`
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	ExpiresIn    int           `json:"expires_in"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("invalid request format"))
		return
	}

	req.Username = utils.SanitizeString(req.Username)
	if err := validation.ValidateUsername(req.Username); err != nil {
		c.Error(errors.NewValidationError(err.Error()))
		return
	}
	if req.RoomID != "" {
		if err := validation.ValidateRoomID(req.RoomID); err != nil {
			c.Error(errors.NewValidationError(err.Error()))
			return
		}
	}

	userID := domain.UserID(uuid.NewString())
	room := domain.RoomID(req.RoomID)

	accessToken, err := h.authService.GenerateToken(userID, req.Username, room)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}
	refreshToken, err := h.authService.GenerateRefreshToken(userID, req.Username)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate refresh token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, TokenResponse{
		UserID:       userID,
		Username:     req.Username,
		RoomID:       room,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int(h.authService.AccessTokenTTL().Seconds()),
	})
}

func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("invalid request format"))
		return
	}
	if req.RoomID != "" {
		if err := validation.ValidateRoomID(req.RoomID); err != nil {
			c.Error(errors.NewValidationError(err.Error()))
			return
		}
	}

	claims, err := h.authService.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		c.Error(errors.NewUnauthorizedError("invalid refresh token"))
		return
	}

	accessToken, err := h.authService.GenerateToken(claims.UserID, claims.Username, domain.RoomID(req.RoomID))
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, TokenResponse{
		RoomID:      domain.RoomID(req.RoomID),
		AccessToken: accessToken,
		ExpiresIn:   int(h.authService.AccessTokenTTL().Seconds()),
	})
}
