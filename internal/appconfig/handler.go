package appconfig

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/liveaudio/backend/config"
	"github.com/liveaudio/backend/pkg/response"
	"github.com/liveaudio/backend/pkg/storage"
)

const (
	keyDebugMode = "debug-mode"
	keyAppName   = "app-name"
	keyLogoKey   = "branding-logo-key"
)

// DebugEnabled reads the runtime debug flag, falling back to the env
// default when unset or unreadable.
func DebugEnabled(ctx context.Context, repo *Repository, fallback bool) bool {
	raw, ok, err := repo.Get(ctx, keyDebugMode)
	if err != nil || !ok {
		return fallback
	}
	enabled, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return enabled
}

// Handler exposes the runtime-tunable settings to admins.
type Handler struct {
	repo    *Repository
	debug   config.DebugConfig
	storage *storage.S3 // nil when S3 is not configured
	logger  *zap.Logger
}

func NewHandler(repo *Repository, debug config.DebugConfig, s3 *storage.S3, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, debug: debug, storage: s3, logger: logger}
}

// GetSettings returns the current runtime settings.
func (h *Handler) GetSettings(c *gin.Context) {
	ctx := c.Request.Context()
	out := gin.H{
		"debugMode":        DebugEnabled(ctx, h.repo, h.debug.Enabled),
		"debugModeMutable": h.debug.CanToggle,
	}
	if name, ok, err := h.repo.Get(ctx, keyAppName); err == nil && ok {
		out["appName"] = name
	}
	if key, ok, err := h.repo.Get(ctx, keyLogoKey); err == nil && ok {
		out["logoKey"] = key
	}
	response.OK(c, out)
}

// PutDebugMode toggles the runtime debug flag.
func (h *Handler) PutDebugMode(c *gin.Context) {
	if !h.debug.CanToggle {
		response.Forbidden(c, "debug mode is fixed by configuration")
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "enabled is required")
		return
	}
	if err := h.repo.Upsert(c.Request.Context(), keyDebugMode, strconv.FormatBool(req.Enabled)); err != nil {
		response.Internal(c, "settings update failed")
		return
	}
	h.logger.Info("debug mode changed", zap.Bool("enabled", req.Enabled))
	response.OK(c, gin.H{"enabled": req.Enabled})
}

// PutAppName sets the branding name shown on the join page.
func (h *Handler) PutAppName(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "name is required")
		return
	}
	if err := h.repo.Upsert(c.Request.Context(), keyAppName, req.Name); err != nil {
		response.Internal(c, "settings update failed")
		return
	}
	response.OK(c, gin.H{"name": req.Name})
}

// UploadLogo stores the branding logo in S3 and records its key.
func (h *Handler) UploadLogo(c *gin.Context) {
	if h.storage == nil {
		response.BadRequest(c, "image storage is not configured")
		return
	}
	file, header, err := c.Request.FormFile("logo")
	if err != nil {
		response.BadRequest(c, "logo file is required")
		return
	}
	defer file.Close()

	if header.Size > storage.MaxImageFileSize {
		response.BadRequest(c, "logo exceeds the size limit")
		return
	}
	if !storage.ValidateImageFilename(header.Filename) {
		response.BadRequest(c, "unsupported image type")
		return
	}

	key := storage.BrandingLogoKey(header.Filename)
	if _, err := h.storage.Upload(c.Request.Context(), key, storage.ContentTypeForFilename(header.Filename), file, header.Size); err != nil {
		h.logger.Error("logo upload failed", zap.Error(err))
		response.Internal(c, "logo upload failed")
		return
	}
	if err := h.repo.Upsert(c.Request.Context(), keyLogoKey, key); err != nil {
		response.Internal(c, "settings update failed")
		return
	}
	response.OK(c, gin.H{"logoKey": key})
}
