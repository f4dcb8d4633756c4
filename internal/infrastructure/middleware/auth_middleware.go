package middleware

import (
	"net/http"
	"strings"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/services"
	apperrors "sfusignal/pkg/errors"

	"github.com/gin-gonic/gin"
)

const (
	ContextKeyClaims   = "claims"
	ContextKeyUserID   = "user_id"
	ContextKeyUsername = "username"
)

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware requires a valid bearer access token.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			abortWithError(c, apperrors.NewUnauthorizedError("authorization header required"))
			return
		}
		token, ok := bearerToken(c)
		if !ok {
			abortWithError(c, apperrors.NewUnauthorizedError("invalid authorization header format"))
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			abortWithError(c, apperrors.NewUnauthorizedError(err.Error()))
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyUsername, claims.Username)
		c.Next()
	}
}

// RoomAccessMiddleware rejects tokens scoped to a different room than the
// :id path parameter. It must run after AuthMiddleware.
func RoomAccessMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		val, exists := c.Get(ContextKeyClaims)
		claims, ok := val.(*services.Claims)
		if !exists || !ok {
			abortWithError(c, apperrors.NewUnauthorizedError("authentication required"))
			return
		}
		room := domain.RoomID(c.Param("id"))
		if err := authService.AuthorizeRoom(claims, room); err != nil {
			appErr := apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, err.Error(), http.StatusForbidden)
			abortWithError(c, appErr)
			return
		}
		c.Next()
	}
}

func abortWithError(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
