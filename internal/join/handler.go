// Package join is the unauthenticated listener surface: code validation,
// live state and public session info.
package join

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liveaudio/backend/internal/media"
	"github.com/liveaudio/backend/internal/models"
	"github.com/liveaudio/backend/internal/registry"
	"github.com/liveaudio/backend/internal/sessions"
	"github.com/liveaudio/backend/pkg/redis"
	"github.com/liveaudio/backend/pkg/response"
	"github.com/liveaudio/backend/pkg/storage"
)

// Branding appconfig keys.
const (
	configKeyAppName = "app-name"
	configKeyLogoKey = "branding-logo-key"
	defaultAppName   = "Live Audio"
)

// ConfigReader is the key/value slice the branding endpoint needs.
type ConfigReader interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

type Handler struct {
	resolver *sessions.CodeResolver
	repo     *sessions.Repository
	registry *registry.Registry
	media    *media.Client
	limiter  *redis.Limiter
	config   ConfigReader
	storage  *storage.S3 // nil when S3 is not configured
	logger   *zap.Logger
}

func NewHandler(
	resolver *sessions.CodeResolver,
	repo *sessions.Repository,
	reg *registry.Registry,
	mediaClient *media.Client,
	limiter *redis.Limiter,
	config ConfigReader,
	s3 *storage.S3,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		resolver: resolver,
		repo:     repo,
		registry: reg,
		media:    mediaClient,
		limiter:  limiter,
		config:   config,
		storage:  s3,
		logger:   logger,
	}
}

// publicSession is the listener-facing session view; the join code never
// travels back out.
type publicSession struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	Status      string    `json:"status"`
}

func toPublic(s *models.Session) publicSession {
	return publicSession{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		ImageURL:    s.ImageURL,
		Status:      string(s.Status),
	}
}

type codeRequest struct {
	Code string `json:"code" binding:"required"`
}

// ValidateCode checks a join code. Attempts are rate limited per (ip, code);
// an invalid code burns an attempt, a valid one clears the counter.
func (h *Handler) ValidateCode(c *gin.Context) {
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "code is required")
		return
	}

	key := fmt.Sprintf("%s:%s", c.ClientIP(), req.Code)
	allowed, err := h.limiter.Allow(c.Request.Context(), key)
	if err != nil {
		h.logger.Warn("join rate limiter unavailable", zap.Error(err))
		// Redis being down must not lock listeners out.
		allowed = true
	}
	if !allowed {
		response.TooManyRequests(c, "too many attempts, try again later")
		return
	}

	session, err := h.resolver.ResolveActive(c.Request.Context(), req.Code)
	if err != nil {
		response.Internal(c, "code validation failed")
		return
	}
	if session == nil {
		response.Unauthorized(c, "invalid code")
		return
	}
	if err := h.limiter.Reset(c.Request.Context(), key); err != nil {
		h.logger.Warn("join rate limiter reset failed", zap.Error(err))
	}

	channels, err := h.repo.ListChannels(c.Request.Context(), session.ID)
	if err != nil {
		response.Internal(c, "channel listing failed")
		return
	}
	active := make([]models.Channel, 0, len(channels))
	for _, ch := range channels {
		if ch.IsActive {
			active = append(active, ch)
		}
	}

	response.OK(c, gin.H{
		"session":        toPublic(session),
		"channels":       active,
		"liveChannelIds": h.liveChannelIDs(c.Request.Context(), session.ID.String()),
		"liveMode":       h.registry.LiveMode(session.ID.String()),
	})
}

// LiveState reports which channels currently carry audio for a code.
func (h *Handler) LiveState(c *gin.Context) {
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "code is required")
		return
	}
	session, err := h.resolver.ResolveActive(c.Request.Context(), req.Code)
	if err != nil {
		response.Internal(c, "lookup failed")
		return
	}
	if session == nil {
		response.Unauthorized(c, "invalid code")
		return
	}
	response.OK(c, gin.H{
		"sessionId":      session.ID,
		"liveChannelIds": h.liveChannelIDs(c.Request.Context(), session.ID.String()),
		"liveMode":       h.registry.LiveMode(session.ID.String()),
	})
}

// PublicSession returns an ACTIVE session's public view.
func (h *Handler) PublicSession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	session, err := h.repo.Get(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "session lookup failed")
		return
	}
	if session == nil || session.Status != models.SessionActive {
		response.NotFound(c, "session not found")
		return
	}
	response.OK(c, toPublic(session))
}

// Branding returns the app name and logo for the join page.
func (h *Handler) Branding(c *gin.Context) {
	name := defaultAppName
	if v, ok, err := h.config.Get(c.Request.Context(), configKeyAppName); err == nil && ok {
		name = v
	}
	out := gin.H{"appName": name}

	if h.storage != nil {
		if key, ok, err := h.config.Get(c.Request.Context(), configKeyLogoKey); err == nil && ok && key != "" {
			if url, err := h.storage.PresignedDownloadURL(c.Request.Context(), key); err == nil {
				out["logoUrl"] = url
			}
		}
	}
	response.OK(c, out)
}

// liveChannelIDs asks the media plane which channels have producers. Media
// being unreachable degrades to "nothing live".
func (h *Handler) liveChannelIDs(ctx context.Context, sessionID string) []string {
	stats, err := h.media.Stats(ctx, sessionID)
	if err != nil {
		h.logger.Warn("media stats unavailable", zap.String("sessionId", sessionID), zap.Error(err))
		return []string{}
	}
	if stats.ActiveChannelIDs == nil {
		return []string{}
	}
	return stats.ActiveChannelIDs
}
