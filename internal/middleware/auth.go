package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/liveaudio/backend/internal/auth"
	"github.com/liveaudio/backend/pkg/response"
)

// PasswordChangeRequiredCode is returned with 403 while a forced password
// change is pending.
const PasswordChangeRequiredCode = "PASSWORD_CHANGE_REQUIRED"

type AuthMiddleware struct {
	tokens           *auth.TokenService
	versions         *auth.VersionStore
	refreshThreshold time.Duration
	logger           *zap.Logger
}

func NewAuthMiddleware(tokens *auth.TokenService, versions *auth.VersionStore, refreshThreshold time.Duration, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		tokens:           tokens,
		versions:         versions,
		refreshThreshold: refreshThreshold,
		logger:           logger,
	}
}

// RequireAuth validates the session token from the auth cookie (or a bearer
// header), checks the embedded session version against the current one, and
// slides the cookie forward when it is close to expiry.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := tokenFromRequest(c)
		if tokenString == "" {
			response.Unauthorized(c, "authentication required")
			c.Abort()
			return
		}

		claims, err := m.tokens.Validate(tokenString, auth.TokenKindSession)
		if err != nil {
			auth.ClearSessionCookie(c)
			response.Unauthorized(c, "invalid or expired session")
			c.Abort()
			return
		}

		current, err := m.versions.Current(c.Request.Context(), claims.VersionIdentity())
		if err != nil {
			response.Internal(c, "session validation failed")
			c.Abort()
			return
		}
		if claims.SessionVersion != current {
			auth.ClearSessionCookie(c)
			response.Unauthorized(c, "session has been revoked")
			c.Abort()
			return
		}

		m.maybeRefresh(c, claims, current)
		auth.StoreClaims(c, claims)
		c.Next()
	}
}

// maybeRefresh reissues the cookie when less than the refresh threshold of
// lifetime remains, keeping active admins logged in indefinitely.
func (m *AuthMiddleware) maybeRefresh(c *gin.Context, claims *auth.Claims, sv int64) {
	if claims.ExpiresAt == nil {
		return
	}
	if time.Until(claims.ExpiresAt.Time) > m.refreshThreshold {
		return
	}
	token, err := m.tokens.MintSession(claims.IdentityKind, claims.UserID, claims.Name, claims.Role, sv)
	if err != nil {
		m.logger.Warn("session refresh failed", zap.Error(err))
		return
	}
	auth.SetSessionCookie(c, token, int(m.tokens.SessionTTL().Seconds()))
}

// RequireRole allows only the listed roles past. Runs after RequireAuth.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := auth.ClaimsFrom(c)
		if claims == nil {
			response.Unauthorized(c, "authentication required")
			c.Abort()
			return
		}
		for _, role := range roles {
			if claims.Role == role {
				c.Next()
				return
			}
		}
		response.Forbidden(c, "insufficient permissions")
		c.Abort()
	}
}

// PasswordGate reports whether a user still must change their password.
type PasswordGate interface {
	MustChangePassword(ctx context.Context, userID string) (bool, error)
}

// RequirePasswordChanged blocks authenticated requests while a forced
// password change is pending, except the endpoints needed to complete it.
func RequirePasswordChanged(users PasswordGate) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := auth.ClaimsFrom(c)
		if claims == nil || claims.UserID == "" {
			c.Next()
			return
		}
		if passwordChangeExempt(c.FullPath()) {
			c.Next()
			return
		}
		must, err := users.MustChangePassword(c.Request.Context(), claims.UserID)
		if err != nil {
			response.Internal(c, "session validation failed")
			c.Abort()
			return
		}
		if must {
			response.ForbiddenCode(c, "password change required", PasswordChangeRequiredCode)
			c.Abort()
			return
		}
		c.Next()
	}
}

func passwordChangeExempt(path string) bool {
	switch path {
	case "/api/session/me", "/api/session/logout", "/api/session/change-password":
		return true
	}
	return false
}

func tokenFromRequest(c *gin.Context) string {
	if cookie, err := c.Cookie(auth.CookieName); err == nil && cookie != "" {
		return cookie
	}
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
