package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried in the duel handshake token. The identity provider that
// issues these lives outside this repo; the relay only verifies them.
type Claims struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name"`
	Guest       bool   `json:"guest"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Manager verifies handshake tokens. Issue exists for the bot and tests;
// production tokens come from the external identity provider.
type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewManager creates a token manager for the given HMAC secret.
func NewManager(secret []byte, issuer string) *Manager {
	if issuer == "" {
		issuer = "mathduel"
	}
	return &Manager{
		secret: secret,
		issuer: issuer,
		ttl:    24 * time.Hour,
	}
}

// Issue signs a token for a player identity.
func (m *Manager) Issue(playerID, displayName string, guest bool) (string, error) {
	now := time.Now()
	claims := Claims{
		PlayerID:    playerID,
		DisplayName: displayName,
		Guest:       guest,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   playerID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Verify parses and validates a handshake token.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.PlayerID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
