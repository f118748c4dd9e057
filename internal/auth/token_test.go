package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	mgr := NewManager([]byte("test-secret"), "mathduel-test")

	token, err := mgr.Issue("player-1", "Mia", false)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := mgr.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "player-1", claims.PlayerID)
	assert.Equal(t, "Mia", claims.DisplayName)
	assert.False(t, claims.Guest)
	assert.Equal(t, "mathduel-test", claims.Issuer)
	assert.Equal(t, "player-1", claims.Subject)
}

func TestGuestFlagSurvivesRoundtrip(t *testing.T) {
	mgr := NewManager([]byte("test-secret"), "")

	token, err := mgr.Issue("guest-7", "Guest", true)
	require.NoError(t, err)

	claims, err := mgr.Verify(token)
	require.NoError(t, err)
	assert.True(t, claims.Guest)
	assert.Equal(t, "mathduel", claims.Issuer, "empty issuer falls back to the default")
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewManager([]byte("secret-a"), "").Issue("player-1", "Mia", false)
	require.NoError(t, err)

	_, err = NewManager([]byte("secret-b"), "").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	mgr := NewManager([]byte("test-secret"), "")

	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		_, err := mgr.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken, "token %q", token)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	claims := Claims{
		PlayerID:    "player-1",
		DisplayName: "Mia",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	_, err = NewManager(secret, "").Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyRejectsMissingPlayerID(t *testing.T) {
	secret := []byte("test-secret")
	claims := Claims{
		DisplayName: "Nobody",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	_, err = NewManager(secret, "").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsUnsignedToken(t *testing.T) {
	claims := Claims{
		PlayerID: "player-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewManager([]byte("test-secret"), "").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
