package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token kinds. Session tokens ride the auth cookie; socket tokens are
// short-lived and only accepted by the realtime handshake.
const (
	TokenKindSession = "session"
	TokenKindSocket  = "socket"
)

// Identity kinds. Legacy-admin is the env-configured bootstrap account
// with no users row.
const (
	IdentityLegacyAdmin = "legacy-admin"
	IdentityUser        = "user"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongKind    = errors.New("wrong token kind")
)

// Claims is the JWT payload for both session and socket tokens.
type Claims struct {
	Kind           string `json:"kind"`
	IdentityKind   string `json:"identityKind"`
	UserID         string `json:"userId,omitempty"`
	Name           string `json:"name"`
	Role           string `json:"role"`
	SessionVersion int64  `json:"sv"`
	SessionID      string `json:"sessionId,omitempty"` // socket tokens only
	jwt.RegisteredClaims
}

// VersionIdentity returns the key used to look up this identity's session
// version: the user ID for user identities, "" (legacy) otherwise.
func (c *Claims) VersionIdentity() string {
	if c.IdentityKind == IdentityUser {
		return c.UserID
	}
	return ""
}

// TokenService mints and validates HMAC-signed tokens.
type TokenService struct {
	secret     []byte
	issuer     string
	sessionTTL time.Duration
	socketTTL  time.Duration
}

func NewTokenService(secret, issuer string, sessionTTL, socketTTL time.Duration) *TokenService {
	return &TokenService{
		secret:     []byte(secret),
		issuer:     issuer,
		sessionTTL: sessionTTL,
		socketTTL:  socketTTL,
	}
}

// SessionTTL reports the lifetime of newly minted session tokens.
func (s *TokenService) SessionTTL() time.Duration { return s.sessionTTL }

// MintSession issues a session token for the given identity. sv is the
// identity's session version at mint time.
func (s *TokenService) MintSession(identityKind, userID, name, role string, sv int64) (string, error) {
	return s.sign(&Claims{
		Kind:           TokenKindSession,
		IdentityKind:   identityKind,
		UserID:         userID,
		Name:           name,
		Role:           role,
		SessionVersion: sv,
	}, s.sessionTTL)
}

// MintSocket issues a short-lived token scoped to one broadcast session,
// exchanged by an authenticated HTTP call and consumed once by the
// realtime handshake.
func (s *TokenService) MintSocket(identityKind, userID, name, role, sessionID string, sv int64) (string, error) {
	return s.sign(&Claims{
		Kind:           TokenKindSocket,
		IdentityKind:   identityKind,
		UserID:         userID,
		Name:           name,
		Role:           role,
		SessionVersion: sv,
		SessionID:      sessionID,
	}, s.socketTTL)
}

func (s *TokenService) sign(claims *Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Validate parses and verifies a token of the expected kind. Signature,
// expiry and issuer are checked here; the session-version check happens in
// the caller because it needs storage.
func (s *TokenService) Validate(tokenString, kind string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Kind != kind {
		return nil, ErrWrongKind
	}
	return claims, nil
}
