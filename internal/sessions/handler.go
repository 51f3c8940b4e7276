package sessions

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liveaudio/backend/internal/analytics"
	"github.com/liveaudio/backend/internal/auth"
	"github.com/liveaudio/backend/internal/media"
	"github.com/liveaudio/backend/internal/models"
	"github.com/liveaudio/backend/internal/registry"
	"github.com/liveaudio/backend/pkg/response"
	"github.com/liveaudio/backend/pkg/storage"
	"github.com/liveaudio/backend/pkg/utils"
)

// RoomNotifier is the slice of the realtime hub the admin surface needs.
type RoomNotifier interface {
	NotifyChannelsUpdated(sessionID string)
	NotifyTakeoverRequested(sessionID, byName string)
	NotifyOwnershipChanged(sessionID, ownerName string, takeover bool)
	NotifyLiveModeChanged(sessionID, mode string)
	ForceDisconnect(connIDs []string)
}

type Handler struct {
	repo       *Repository
	resolver   *CodeResolver
	registry   *registry.Registry
	notifier   RoomNotifier
	media      *media.Client
	analytics  *analytics.Repository
	service    *analytics.Service
	autoswitch *AutoSwitcher
	storage    *storage.S3 // nil when S3 is not configured
	logger     *zap.Logger
}

func NewHandler(
	repo *Repository,
	resolver *CodeResolver,
	reg *registry.Registry,
	notifier RoomNotifier,
	mediaClient *media.Client,
	analyticsRepo *analytics.Repository,
	analyticsService *analytics.Service,
	autoswitch *AutoSwitcher,
	s3 *storage.S3,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		repo:       repo,
		resolver:   resolver,
		registry:   reg,
		notifier:   notifier,
		media:      mediaClient,
		analytics:  analyticsRepo,
		service:    analyticsService,
		autoswitch: autoswitch,
		storage:    s3,
		logger:     logger,
	}
}

// List returns all sessions for admins, granted sessions for broadcasters.
func (h *Handler) List(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	var (
		list []models.Session
		err  error
	)
	if claims != nil && claims.Role == string(models.RoleAdmin) {
		list, err = h.repo.List(c.Request.Context())
	} else if claims != nil {
		userID, perr := uuid.Parse(claims.UserID)
		if perr != nil {
			response.OK(c, []models.Session{})
			return
		}
		list, err = h.repo.ListForUser(c.Request.Context(), userID)
	}
	if err != nil {
		response.Internal(c, "session listing failed")
		return
	}
	if list == nil {
		list = []models.Session{}
	}
	response.OK(c, list)
}

type createSessionRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// Create makes a session with a freshly generated join code. Broadcasters
// get an access grant for their own creation.
func (h *Handler) Create(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "name is required")
		return
	}

	code, err := h.resolver.GenerateUnique(c.Request.Context(), uuid.Nil)
	if err != nil {
		h.logger.Error("session code generation failed", zap.Error(err))
		response.Internal(c, "could not allocate a session code")
		return
	}

	claims := auth.ClaimsFrom(c)
	var createdBy *uuid.UUID
	if claims != nil && claims.UserID != "" {
		if id, perr := uuid.Parse(claims.UserID); perr == nil {
			createdBy = &id
		}
	}

	session, err := h.repo.Create(c.Request.Context(), req.Name, req.Description, code, "", createdBy)
	if err != nil {
		response.Internal(c, "session creation failed")
		return
	}
	if claims != nil && claims.Role == string(models.RoleBroadcaster) && createdBy != nil {
		if err := h.repo.GrantAccess(c.Request.Context(), session.ID, *createdBy); err != nil {
			h.logger.Warn("creator access grant failed", zap.String("sessionId", session.ID.String()), zap.Error(err))
		}
	}
	response.Created(c, session)
}

// Get returns one session with its channels.
func (h *Handler) Get(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	// Hash-only sessions predate plaintext storage and cannot show their
	// code; issue a fresh one on first read so the detail view has it.
	if session.BroadcastCode == nil && session.BroadcastCodeHash != nil {
		code, err := h.resolver.GenerateUnique(c.Request.Context(), session.ID)
		if err == nil {
			err = h.repo.SetCode(c.Request.Context(), session.ID, code)
		}
		if err != nil {
			h.logger.Warn("legacy session code backfill failed",
				zap.String("sessionId", session.ID.String()), zap.Error(err))
		} else {
			session.BroadcastCode = &code
			session.BroadcastCodeHash = nil
		}
	}
	channels, err := h.repo.ListChannels(c.Request.Context(), session.ID)
	if err != nil {
		response.Internal(c, "channel listing failed")
		return
	}
	if channels == nil {
		channels = []models.Channel{}
	}
	response.OK(c, gin.H{"session": session, "channels": channels})
}

type updateSessionRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	ImageURL    string `json:"imageUrl"`
}

// Update saves editable session fields.
func (h *Handler) Update(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	var req updateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "name is required")
		return
	}
	updated, err := h.repo.Update(c.Request.Context(), session.ID, req.Name, req.Description, req.ImageURL)
	if err != nil {
		response.Internal(c, "session update failed")
		return
	}
	response.OK(c, updated)
}

// End moves a session to ENDED; its code stops resolving.
func (h *Handler) End(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	if err := h.repo.SetStatus(c.Request.Context(), session.ID, models.SessionEnded); err != nil {
		response.Internal(c, "session update failed")
		return
	}
	response.OK(c, gin.H{"status": models.SessionEnded})
}

// Delete removes a session and everything recorded for it.
func (h *Handler) Delete(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	if err := h.service.Clear(c.Request.Context(), session.ID); err != nil {
		h.logger.Warn("analytics cleanup failed", zap.String("sessionId", session.ID.String()), zap.Error(err))
	}
	if err := h.repo.Delete(c.Request.Context(), session.ID); err != nil {
		response.Internal(c, "session deletion failed")
		return
	}
	response.NoContent(c)
}

// RotateCode replaces the session's join code. Legacy hash-only sessions
// come out of rotation with a plaintext code.
func (h *Handler) RotateCode(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	code, err := h.resolver.GenerateUnique(c.Request.Context(), session.ID)
	if err != nil {
		h.logger.Error("session code rotation failed", zap.Error(err))
		response.Internal(c, "could not allocate a session code")
		return
	}
	if err := h.repo.SetCode(c.Request.Context(), session.ID, code); err != nil {
		response.Internal(c, "session update failed")
		return
	}
	response.OK(c, gin.H{"broadcastCode": code})
}

// ---- channels ----

type channelRequest struct {
	Name         string `json:"name" binding:"required"`
	LanguageCode string `json:"languageCode" binding:"required"`
	IsActive     *bool  `json:"isActive"`
}

// ListChannels returns the session's channels.
func (h *Handler) ListChannels(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	channels, err := h.repo.ListChannels(c.Request.Context(), session.ID)
	if err != nil {
		response.Internal(c, "channel listing failed")
		return
	}
	if channels == nil {
		channels = []models.Channel{}
	}
	response.OK(c, channels)
}

// CreateChannel adds a channel and notifies the room.
func (h *Handler) CreateChannel(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	var req channelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "name and languageCode are required")
		return
	}
	channel, err := h.repo.CreateChannel(c.Request.Context(), session.ID, req.Name, req.LanguageCode)
	if err != nil {
		response.Internal(c, "channel creation failed")
		return
	}
	h.notifier.NotifyChannelsUpdated(session.ID.String())
	response.Created(c, channel)
}

// UpdateChannel saves channel fields and notifies the room.
func (h *Handler) UpdateChannel(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	channel, ok := h.loadChannel(c, session)
	if !ok {
		return
	}
	var req channelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "name and languageCode are required")
		return
	}
	isActive := channel.IsActive
	if req.IsActive != nil {
		isActive = *req.IsActive
	}
	if err := h.repo.UpdateChannel(c.Request.Context(), channel.ID, req.Name, req.LanguageCode, isActive); err != nil {
		response.Internal(c, "channel update failed")
		return
	}
	if !isActive {
		h.registry.DropChannel(session.ID.String(), channel.ID.String())
	}
	h.notifier.NotifyChannelsUpdated(session.ID.String())
	response.OK(c, gin.H{"updated": true})
}

// DeleteChannel removes a channel, reconciles live counts and notifies the
// room.
func (h *Handler) DeleteChannel(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	channel, ok := h.loadChannel(c, session)
	if !ok {
		return
	}
	if err := h.repo.DeleteChannel(c.Request.Context(), channel.ID); err != nil {
		response.Internal(c, "channel deletion failed")
		return
	}
	h.registry.DropChannel(session.ID.String(), channel.ID.String())
	h.notifier.NotifyChannelsUpdated(session.ID.String())
	response.NoContent(c)
}

// ---- ownership ----

// BroadcastOwner reports whether the broadcaster slot is held and by whom.
func (h *Handler) BroadcastOwner(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	owner, held := h.registry.Owner(session.ID.String())
	out := gin.H{"occupied": held}
	if held {
		out["ownerName"] = owner.Name
		out["since"] = owner.StartedAt
		claims := auth.ClaimsFrom(c)
		if claims != nil {
			self := registry.Identity{UserID: claims.UserID, Name: claims.Name}
			out["occupiedByOther"] = !identityEqual(owner.Identity, self)
		}
	}
	response.OK(c, out)
}

type takeoverRequest struct {
	Confirm bool `json:"confirm"`
}

// Takeover forcibly releases the broadcaster slot: the room is warned, the
// holder's connections are closed, and the requester can reconnect as owner.
func (h *Handler) Takeover(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	var req takeoverRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Confirm {
		response.BadRequest(c, "confirm must be true")
		return
	}
	if _, held := h.registry.Owner(session.ID.String()); !held {
		response.Conflict(c, "no broadcaster to take over from")
		return
	}

	claims := auth.ClaimsFrom(c)
	byName := ""
	if claims != nil {
		byName = claims.Name
	}
	sessionID := session.ID.String()
	h.notifier.NotifyTakeoverRequested(sessionID, byName)
	conns := h.registry.ForceTakeover(sessionID)
	h.notifier.ForceDisconnect(conns)
	h.notifier.NotifyOwnershipChanged(sessionID, byName, true)

	h.logger.Info("broadcast takeover",
		zap.String("sessionId", sessionID),
		zap.String("by", byName),
		zap.Int("disconnected", len(conns)))
	response.OK(c, gin.H{"takenOver": true, "disconnected": len(conns)})
}

// Stats reports the session's realtime and media-plane state.
func (h *Handler) Stats(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	sessionID := session.ID.String()
	out := gin.H{
		"channels":     h.registry.ChannelCounts(sessionID),
		"total":        h.registry.Total(sessionID),
		"broadcasters": h.registry.BroadcasterConnCount(sessionID),
		"liveMode":     h.registry.LiveMode(sessionID),
	}
	if owner, held := h.registry.Owner(sessionID); held {
		out["owner"] = owner
	}
	if consumes, err := h.analytics.CountRecentEvents(c.Request.Context(), session.ID, models.EventListenerConsume, 24*time.Hour); err == nil {
		out["consumes24h"] = consumes
	}
	if stats, err := h.media.Stats(c.Request.Context(), sessionID); err == nil {
		out["media"] = stats
	} else {
		h.logger.Warn("media stats unavailable", zap.String("sessionId", sessionID), zap.Error(err))
	}
	response.OK(c, out)
}

// ---- auto-switch ----

// GetAutoSwitch returns the pre-show auto-switch schedule.
func (h *Handler) GetAutoSwitch(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	schedule, err := h.autoswitch.Schedule(c.Request.Context(), session.ID)
	if err != nil {
		response.Internal(c, "schedule lookup failed")
		return
	}
	response.OK(c, schedule)
}

// PutAutoSwitch stores the pre-show auto-switch schedule.
func (h *Handler) PutAutoSwitch(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	var schedule AutoSwitchSchedule
	if err := c.ShouldBindJSON(&schedule); err != nil {
		response.BadRequest(c, "enabled and time are required")
		return
	}
	if err := h.autoswitch.SetSchedule(c.Request.Context(), session.ID, schedule); err != nil {
		if err == ErrBadSchedule {
			response.BadRequest(c, err.Error())
			return
		}
		response.Internal(c, "schedule update failed")
		return
	}
	response.OK(c, schedule)
}

// ---- access grants ----

// ListAccess returns the user ids granted access.
func (h *Handler) ListAccess(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	ids, err := h.repo.ListAccess(c.Request.Context(), session.ID)
	if err != nil {
		response.Internal(c, "access listing failed")
		return
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	response.OK(c, ids)
}

type accessRequest struct {
	UserID uuid.UUID `json:"userId" binding:"required"`
}

// GrantAccess gives a user access to the session.
func (h *Handler) GrantAccess(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	var req accessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "userId is required")
		return
	}
	if err := h.repo.GrantAccess(c.Request.Context(), session.ID, req.UserID); err != nil {
		response.Internal(c, "access grant failed")
		return
	}
	response.OK(c, gin.H{"granted": true})
}

// RevokeAccess removes a user's grant.
func (h *Handler) RevokeAccess(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	userID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		response.BadRequest(c, "invalid user id")
		return
	}
	if err := h.repo.RevokeAccess(c.Request.Context(), session.ID, userID); err != nil {
		response.Internal(c, "access revoke failed")
		return
	}
	response.NoContent(c)
}

// ---- session image ----

// UploadImage stores a session image in S3 and records its key.
func (h *Handler) UploadImage(c *gin.Context) {
	if h.storage == nil {
		response.BadRequest(c, "image storage is not configured")
		return
	}
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	file, header, err := c.Request.FormFile("image")
	if err != nil {
		response.BadRequest(c, "image file is required")
		return
	}
	defer file.Close()

	if header.Size > storage.MaxImageFileSize {
		response.BadRequest(c, "image exceeds the size limit")
		return
	}
	if !storage.ValidateImageFilename(header.Filename) {
		response.BadRequest(c, "unsupported image type")
		return
	}

	key := storage.SessionImageKey(session.ID.String(), header.Filename)
	if _, err := h.storage.Upload(c.Request.Context(), key, storage.ContentTypeForFilename(header.Filename), file, header.Size); err != nil {
		h.logger.Error("session image upload failed", zap.String("sessionId", session.ID.String()), zap.Error(err))
		response.Internal(c, "image upload failed")
		return
	}
	if _, err := h.repo.Update(c.Request.Context(), session.ID, session.Name, session.Description, key); err != nil {
		response.Internal(c, "session update failed")
		return
	}
	response.OK(c, gin.H{"imageKey": key})
}

// ImageURL returns a presigned download URL for the session image.
func (h *Handler) ImageURL(c *gin.Context) {
	if h.storage == nil {
		response.BadRequest(c, "image storage is not configured")
		return
	}
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	if session.ImageURL == "" {
		response.NotFound(c, "session has no image")
		return
	}
	url, err := h.storage.PresignedDownloadURL(c.Request.Context(), session.ImageURL)
	if err != nil {
		response.Internal(c, "presign failed")
		return
	}
	response.OK(c, gin.H{"url": url})
}

// ---- helpers ----

// loadSession resolves :id and enforces per-session access for
// non-admin callers. Missing access answers 404.
func (h *Handler) loadSession(c *gin.Context) (*models.Session, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return nil, false
	}
	session, err := h.repo.Get(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "session lookup failed")
		return nil, false
	}
	if session == nil {
		response.NotFound(c, "session not found")
		return nil, false
	}
	claims := auth.ClaimsFrom(c)
	if claims != nil && claims.Role != string(models.RoleAdmin) {
		ok, err := h.repo.HasAccess(c.Request.Context(), id.String(), claims.UserID)
		if err != nil {
			response.Internal(c, "session lookup failed")
			return nil, false
		}
		if !ok {
			response.NotFound(c, "session not found")
			return nil, false
		}
	}
	return session, true
}

func (h *Handler) loadChannel(c *gin.Context, session *models.Session) (*models.Channel, bool) {
	id, err := uuid.Parse(c.Param("channelId"))
	if err != nil {
		response.BadRequest(c, "invalid channel id")
		return nil, false
	}
	channel, err := h.repo.GetChannel(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "channel lookup failed")
		return nil, false
	}
	if channel == nil || channel.SessionID != session.ID {
		response.NotFound(c, "channel not found")
		return nil, false
	}
	return channel, true
}

func identityEqual(a, b registry.Identity) bool {
	if a.UserID != "" && b.UserID != "" {
		return a.UserID == b.UserID
	}
	return utils.NormalizeName(a.Name) == utils.NormalizeName(b.Name)
}
