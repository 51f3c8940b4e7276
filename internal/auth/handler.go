package auth

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/liveaudio/backend/config"
	"github.com/liveaudio/backend/internal/models"
	"github.com/liveaudio/backend/pkg/response"
	"github.com/liveaudio/backend/pkg/utils"
)

// AppConfig keys that override the env bootstrap-admin credentials.
const (
	configKeyAdminLoginName    = "admin-login-name"
	configKeyAdminPasswordHash = "admin-password-hash"
)

// SessionAccessStore is the slice of the sessions repository the ws-auth
// endpoint needs.
type SessionAccessStore interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	HasAccess(ctx context.Context, sessionID, userID string) (bool, error)
}

type Handler struct {
	users    *Repository
	versions *VersionStore
	tokens   *TokenService
	sessions SessionAccessStore
	config   ConfigStore
	admin    config.AdminConfig
	logger   *zap.Logger
}

func NewHandler(users *Repository, versions *VersionStore, tokens *TokenService, sessions SessionAccessStore, cfgStore ConfigStore, admin config.AdminConfig, logger *zap.Logger) *Handler {
	return &Handler{
		users:    users,
		versions: versions,
		tokens:   tokens,
		sessions: sessions,
		config:   cfgStore,
		admin:    admin,
		logger:   logger,
	}
}

type loginRequest struct {
	Name     string `json:"name" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	User               models.UserPublic `json:"user"`
	MustChangePassword bool              `json:"mustChangePassword"`
}

// Login authenticates against the users table, falling back to the
// bootstrap admin credentials while no ADMIN user exists. The bootstrap
// path creates the first ADMIN row with a forced password change.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "name and password are required")
		return
	}

	user, err := h.users.GetByName(c.Request.Context(), req.Name)
	if err != nil {
		response.Internal(c, "login failed")
		return
	}
	if user == nil {
		user, err = h.tryBootstrapAdmin(c.Request.Context(), req.Name, req.Password)
		if err != nil {
			response.Internal(c, "login failed")
			return
		}
		if user == nil {
			response.Unauthorized(c, "invalid credentials")
			return
		}
	} else if !utils.CheckPassword(req.Password, user.PasswordHash) {
		response.Unauthorized(c, "invalid credentials")
		return
	}

	sv, err := h.versions.Current(c.Request.Context(), user.ID.String())
	if err != nil {
		response.Internal(c, "login failed")
		return
	}
	token, err := h.tokens.MintSession(IdentityUser, user.ID.String(), user.Name, string(user.Role), sv)
	if err != nil {
		response.Internal(c, "login failed")
		return
	}

	SetSessionCookie(c, token, int(h.tokens.SessionTTL().Seconds()))
	h.logger.Info("user logged in", zap.String("userId", user.ID.String()), zap.String("role", string(user.Role)))
	response.OK(c, loginResponse{User: user.ToPublic(), MustChangePassword: user.MustChangePassword})
}

// tryBootstrapAdmin validates req against the configured bootstrap admin.
// Returns the freshly created ADMIN user on success, nil on mismatch. The
// path is disabled once any ADMIN user exists.
func (h *Handler) tryBootstrapAdmin(ctx context.Context, name, password string) (*models.User, error) {
	loginName := h.admin.LoginName
	if v, ok, err := h.config.Get(ctx, configKeyAdminLoginName); err != nil {
		return nil, err
	} else if ok {
		loginName = v
	}
	hash := h.admin.PasswordHash
	if v, ok, err := h.config.Get(ctx, configKeyAdminPasswordHash); err != nil {
		return nil, err
	} else if ok {
		hash = v
	}
	if loginName == "" || hash == "" {
		return nil, nil
	}
	if utils.NormalizeName(name) != utils.NormalizeName(loginName) || !utils.CheckPassword(password, hash) {
		return nil, nil
	}

	users, err := h.users.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.Role == models.RoleAdmin {
			return nil, nil
		}
	}

	h.logger.Info("bootstrap admin login, creating first ADMIN user")
	return h.users.Create(ctx, strings.TrimSpace(loginName), string(models.RoleAdmin), hash, true)
}

// Logout bumps the identity's session version, invalidating every token
// minted before now, and clears the cookie.
func (h *Handler) Logout(c *gin.Context) {
	if claims := ClaimsFrom(c); claims != nil {
		if _, err := h.versions.Bump(c.Request.Context(), claims.VersionIdentity()); err != nil {
			h.logger.Warn("session version bump failed on logout", zap.Error(err))
		}
	}
	ClearSessionCookie(c)
	response.OK(c, gin.H{"loggedOut": true})
}

// Me returns the authenticated identity.
func (h *Handler) Me(c *gin.Context) {
	claims := ClaimsFrom(c)
	if claims == nil {
		response.Unauthorized(c, "not authenticated")
		return
	}
	out := gin.H{
		"name": claims.Name,
		"role": claims.Role,
	}
	if claims.UserID != "" {
		user, err := h.users.GetByID(c.Request.Context(), claims.UserID)
		if err != nil {
			response.Internal(c, "lookup failed")
			return
		}
		if user == nil {
			response.Unauthorized(c, "account no longer exists")
			return
		}
		out["user"] = user.ToPublic()
		out["mustChangePassword"] = user.MustChangePassword
	}
	response.OK(c, out)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" binding:"required"`
	NewPassword     string `json:"newPassword" binding:"required,min=8"`
}

// ChangePassword verifies the current password, stores the new hash, bumps
// the session version and reissues the cookie so the caller stays logged in
// while every other session dies.
func (h *Handler) ChangePassword(c *gin.Context) {
	claims := ClaimsFrom(c)
	if claims == nil || claims.UserID == "" {
		response.Unauthorized(c, "not authenticated")
		return
	}
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "currentPassword and newPassword (min 8 chars) are required")
		return
	}

	user, err := h.users.GetByID(c.Request.Context(), claims.UserID)
	if err != nil || user == nil {
		response.Internal(c, "password change failed")
		return
	}
	if !utils.CheckPassword(req.CurrentPassword, user.PasswordHash) {
		response.Unauthorized(c, "current password is incorrect")
		return
	}

	hash, err := utils.HashPassword(req.NewPassword)
	if err != nil {
		response.Internal(c, "password change failed")
		return
	}
	if err := h.users.UpdatePassword(c.Request.Context(), user.ID.String(), hash); err != nil {
		response.Internal(c, "password change failed")
		return
	}

	sv, err := h.versions.Bump(c.Request.Context(), user.ID.String())
	if err != nil {
		response.Internal(c, "password change failed")
		return
	}
	token, err := h.tokens.MintSession(IdentityUser, user.ID.String(), user.Name, string(user.Role), sv)
	if err != nil {
		response.Internal(c, "password change failed")
		return
	}
	SetSessionCookie(c, token, int(h.tokens.SessionTTL().Seconds()))
	h.logger.Info("password changed", zap.String("userId", user.ID.String()))
	response.OK(c, gin.H{"changed": true})
}

// WSAuth mints a short-lived socket token for the realtime handshake, after
// verifying the caller may broadcast into the requested session. A missing
// access grant answers 404 so callers cannot probe which sessions exist.
func (h *Handler) WSAuth(c *gin.Context) {
	claims := ClaimsFrom(c)
	if claims == nil {
		response.Unauthorized(c, "not authenticated")
		return
	}
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		response.BadRequest(c, "sessionId is required")
		return
	}

	session, err := h.sessions.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		response.Internal(c, "lookup failed")
		return
	}
	if session == nil {
		response.NotFound(c, "session not found")
		return
	}
	if claims.Role != string(models.RoleAdmin) {
		ok, err := h.sessions.HasAccess(c.Request.Context(), sessionID, claims.UserID)
		if err != nil {
			response.Internal(c, "lookup failed")
			return
		}
		if !ok {
			response.NotFound(c, "session not found")
			return
		}
	}

	sv, err := h.versions.Current(c.Request.Context(), claims.VersionIdentity())
	if err != nil {
		response.Internal(c, "token mint failed")
		return
	}
	token, err := h.tokens.MintSocket(claims.IdentityKind, claims.UserID, claims.Name, claims.Role, sessionID, sv)
	if err != nil {
		response.Internal(c, "token mint failed")
		return
	}
	response.OK(c, gin.H{"token": token})
}

type createUserRequest struct {
	Name     string `json:"name" binding:"required"`
	Role     string `json:"role" binding:"required"`
	Password string `json:"password" binding:"required,min=8"`
}

// CreateUser lets an ADMIN provision accounts. New users must change their
// password on first login.
func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "name, role and password (min 8 chars) are required")
		return
	}
	if !models.ValidRole(req.Role) {
		response.BadRequest(c, "invalid role")
		return
	}
	existing, err := h.users.GetByName(c.Request.Context(), req.Name)
	if err != nil {
		response.Internal(c, "user creation failed")
		return
	}
	if existing != nil {
		response.Conflict(c, "a user with that name already exists")
		return
	}

	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		response.Internal(c, "user creation failed")
		return
	}
	user, err := h.users.Create(c.Request.Context(), strings.TrimSpace(req.Name), req.Role, hash, true)
	if err != nil {
		response.Internal(c, "user creation failed")
		return
	}
	response.Created(c, user.ToPublic())
}

// ListUsers returns all accounts.
func (h *Handler) ListUsers(c *gin.Context) {
	users, err := h.users.List(c.Request.Context())
	if err != nil {
		response.Internal(c, "user listing failed")
		return
	}
	out := make([]models.UserPublic, 0, len(users))
	for _, u := range users {
		out = append(out, u.ToPublic())
	}
	response.OK(c, out)
}

// DeleteUser removes an account and bumps its session version so live
// tokens die immediately.
func (h *Handler) DeleteUser(c *gin.Context) {
	id := c.Param("id")
	if claims := ClaimsFrom(c); claims != nil && claims.UserID == id {
		response.BadRequest(c, "cannot delete your own account")
		return
	}
	if err := h.users.Delete(c.Request.Context(), id); err != nil {
		response.Internal(c, "user deletion failed")
		return
	}
	if _, err := h.versions.Bump(c.Request.Context(), id); err != nil {
		h.logger.Warn("session version bump failed after user deletion", zap.Error(err))
	}
	response.NoContent(c)
}

// ResetPassword sets a temporary password and forces a change at next login.
func (h *Handler) ResetPassword(c *gin.Context) {
	id := c.Param("id")
	var req struct {
		Password string `json:"password" binding:"required,min=8"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "password (min 8 chars) is required")
		return
	}
	user, err := h.users.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "password reset failed")
		return
	}
	if user == nil {
		response.NotFound(c, "user not found")
		return
	}
	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		response.Internal(c, "password reset failed")
		return
	}
	if err := h.users.UpdatePassword(c.Request.Context(), id, hash); err != nil {
		response.Internal(c, "password reset failed")
		return
	}
	if err := h.users.SetMustChangePassword(c.Request.Context(), id, true); err != nil {
		response.Internal(c, "password reset failed")
		return
	}
	if _, err := h.versions.Bump(c.Request.Context(), id); err != nil {
		h.logger.Warn("session version bump failed after password reset", zap.Error(err))
	}
	response.OK(c, gin.H{"reset": true})
}
