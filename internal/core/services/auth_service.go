package services

import (
	"errors"
	"time"

	"sfusignal/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token expired")
	ErrRoomForbidden = errors.New("token not valid for this room")
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

type AuthService interface {
	// GenerateToken issues an access token. An empty room admits the holder
	// to any room.
	GenerateToken(userID domain.UserID, username string, room domain.RoomID) (string, error)
	GenerateRefreshToken(userID domain.UserID, username string) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	ValidateRefreshToken(tokenString string) (*Claims, error)
	AuthorizeRoom(claims *Claims, room domain.RoomID) error
	AccessTokenTTL() time.Duration
}

type Claims struct {
	UserID    domain.UserID `json:"user_id"`
	Username  string        `json:"username"`
	RoomID    domain.RoomID `json:"room_id,omitempty"`
	TokenType string        `json:"typ"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret       []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	now             func() time.Time
}

func NewAuthService(jwtSecret string, accessTokenTTL, refreshTokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret:       []byte(jwtSecret),
		accessTokenTTL:  accessTokenTTL,
		refreshTokenTTL: refreshTokenTTL,
		now:             time.Now,
	}
}

func (s *authService) GenerateToken(userID domain.UserID, username string, room domain.RoomID) (string, error) {
	return s.sign(&Claims{
		UserID:           userID,
		Username:         username,
		RoomID:           room,
		TokenType:        tokenTypeAccess,
		RegisteredClaims: s.registered(userID, s.accessTokenTTL),
	})
}

func (s *authService) GenerateRefreshToken(userID domain.UserID, username string) (string, error) {
	return s.sign(&Claims{
		UserID:           userID,
		Username:         username,
		TokenType:        tokenTypeRefresh,
		RegisteredClaims: s.registered(userID, s.refreshTokenTTL),
	})
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	return s.parse(tokenString, tokenTypeAccess)
}

func (s *authService) ValidateRefreshToken(tokenString string) (*Claims, error) {
	return s.parse(tokenString, tokenTypeRefresh)
}

func (s *authService) AuthorizeRoom(claims *Claims, room domain.RoomID) error {
	if claims == nil {
		return ErrInvalidToken
	}
	if claims.RoomID != "" && claims.RoomID != room {
		return ErrRoomForbidden
	}
	return nil
}

func (s *authService) AccessTokenTTL() time.Duration { return s.accessTokenTTL }

func (s *authService) registered(userID domain.UserID, ttl time.Duration) jwt.RegisteredClaims {
	now := s.now()
	return jwt.RegisteredClaims{
		Subject:   string(userID),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
}

func (s *authService) sign(claims *Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

func (s *authService) parse(tokenString, tokenType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.TokenType != tokenType {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
