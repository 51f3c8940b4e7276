package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenService() *TokenService {
	return NewTokenService("test-secret", "liveaudio-test", time.Hour, 5*time.Minute)
}

func TestSessionTokenRoundTrip(t *testing.T) {
	svc := newTestTokenService()

	token, err := svc.MintSession(IdentityUser, "user-1", "Alice", "BROADCASTER", 3)
	require.NoError(t, err)

	claims, err := svc.Validate(token, TokenKindSession)
	require.NoError(t, err)
	assert.Equal(t, IdentityUser, claims.IdentityKind)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "Alice", claims.Name)
	assert.Equal(t, "BROADCASTER", claims.Role)
	assert.Equal(t, int64(3), claims.SessionVersion)
	assert.Equal(t, "user-1", claims.VersionIdentity())
}

func TestSocketTokenCarriesSessionID(t *testing.T) {
	svc := newTestTokenService()

	token, err := svc.MintSocket(IdentityUser, "user-1", "Alice", "BROADCASTER", "sess-9", 1)
	require.NoError(t, err)

	claims, err := svc.Validate(token, TokenKindSocket)
	require.NoError(t, err)
	assert.Equal(t, "sess-9", claims.SessionID)
}

func TestSessionTokenRejectedAsSocket(t *testing.T) {
	svc := newTestTokenService()

	token, err := svc.MintSession(IdentityUser, "user-1", "Alice", "ADMIN", 1)
	require.NoError(t, err)

	_, err = svc.Validate(token, TokenKindSocket)
	assert.ErrorIs(t, err, ErrWrongKind)
}

func TestTokenFromDifferentSecretRejected(t *testing.T) {
	other := NewTokenService("other-secret", "liveaudio-test", time.Hour, 5*time.Minute)
	token, err := other.MintSession(IdentityUser, "user-1", "Alice", "ADMIN", 1)
	require.NoError(t, err)

	_, err = newTestTokenService().Validate(token, TokenKindSession)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredTokenRejected(t *testing.T) {
	svc := NewTokenService("test-secret", "liveaudio-test", -time.Minute, -time.Minute)
	token, err := svc.MintSession(IdentityUser, "user-1", "Alice", "ADMIN", 1)
	require.NoError(t, err)

	_, err = svc.Validate(token, TokenKindSession)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLegacyAdminVersionIdentityIsEmpty(t *testing.T) {
	claims := &Claims{IdentityKind: IdentityLegacyAdmin, UserID: ""}
	assert.Equal(t, "", claims.VersionIdentity())
}
