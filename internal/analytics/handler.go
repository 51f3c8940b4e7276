package analytics

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liveaudio/backend/internal/registry"
	"github.com/liveaudio/backend/pkg/response"
)

type Handler struct {
	service     *Service
	registry    *registry.Registry
	logger      *zap.Logger
	maxSessions int
}

func NewHandler(service *Service, reg *registry.Registry, logger *zap.Logger, maxSessions int) *Handler {
	return &Handler{service: service, registry: reg, logger: logger, maxSessions: maxSessions}
}

// GetSessionAnalytics returns the combined live + retrospective view.
func (h *Handler) GetSessionAnalytics(c *gin.Context) {
	sessionID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	view, err := h.service.BuildSessionAnalytics(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("session analytics failed", zap.String("sessionId", sessionID.String()), zap.Error(err))
		response.Internal(c, "analytics unavailable")
		return
	}
	response.OK(c, view)
}

// Export streams the measurement window's raw facts as JSON or CSV.
func (h *Handler) Export(c *gin.Context) {
	sessionID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	logs, err := h.service.ExportLogs(c.Request.Context(), sessionID)
	if err != nil {
		response.Internal(c, "export failed")
		return
	}
	switch c.DefaultQuery("format", "json") {
	case "csv":
		c.Header("Content-Disposition", `attachment; filename="access-log-`+sessionID.String()+`.csv"`)
		c.Data(http.StatusOK, "text/csv; charset=utf-8", []byte(ExportCSV(logs)))
	case "json":
		response.OK(c, logs)
	default:
		response.BadRequest(c, "format must be json or csv")
	}
}

// Clear wipes a session's recorded analytics.
func (h *Handler) Clear(c *gin.Context) {
	sessionID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	if err := h.service.Clear(c.Request.Context(), sessionID); err != nil {
		response.Internal(c, "clear failed")
		return
	}
	response.OK(c, gin.H{"cleared": true})
}

// Compare returns ranked bucketed series across sessions.
func (h *Handler) Compare(c *gin.Context) {
	rawIDs := strings.Split(c.Query("sessionIds"), ",")
	var sessionIDs []uuid.UUID
	for _, raw := range rawIDs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			response.BadRequest(c, "invalid session id: "+raw)
			return
		}
		sessionIDs = append(sessionIDs, id)
	}
	if len(sessionIDs) == 0 {
		response.BadRequest(c, "sessionIds is required")
		return
	}
	if len(sessionIDs) > h.maxSessions {
		response.BadRequest(c, "too many sessions to compare")
		return
	}

	metric := c.DefaultQuery("metric", "listeners_total")
	granularity, err := ParseGranularity(c.Query("granularity"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	from, to, err := parseWindow(c.Query("from"), c.Query("to"))
	if err != nil {
		response.BadRequest(c, "from/to must be RFC3339 timestamps")
		return
	}

	series, err := h.service.Compare(c.Request.Context(), sessionIDs, metric, from, to, granularity)
	if err != nil {
		response.Internal(c, "compare failed")
		return
	}
	response.OK(c, gin.H{
		"metric":      metric,
		"granularity": granularity.String(),
		"from":        from,
		"to":          to,
		"series":      series,
	})
}

// Overview reports the realtime state of every session with activity.
func (h *Handler) Overview(c *gin.Context) {
	type sessionOverview struct {
		SessionID    string          `json:"sessionId"`
		Total        int             `json:"total"`
		Channels     map[string]int  `json:"channels"`
		Broadcasters int             `json:"broadcasters"`
		LiveMode     string          `json:"liveMode"`
		Owner        *registry.Owner `json:"owner,omitempty"`
	}

	out := []sessionOverview{}
	for _, id := range h.registry.ActiveSessionIDs() {
		ov := sessionOverview{
			SessionID:    id,
			Total:        h.registry.Total(id),
			Channels:     h.registry.ChannelCounts(id),
			Broadcasters: h.registry.BroadcasterConnCount(id),
			LiveMode:     h.registry.LiveMode(id),
		}
		if owner, ok := h.registry.Owner(id); ok {
			ov.Owner = &owner
		}
		out = append(out, ov)
	}
	response.OK(c, out)
}

// BroadcastLog returns reconstructed on-air runs for a session.
func (h *Handler) BroadcastLog(c *gin.Context) {
	raw := c.Query("sessionId")
	sessionID, err := uuid.Parse(raw)
	if err != nil {
		response.BadRequest(c, "sessionId is required")
		return
	}
	runs, err := h.service.BroadcastLog(c.Request.Context(), sessionID)
	if err != nil {
		response.Internal(c, "broadcast log unavailable")
		return
	}
	response.OK(c, runs)
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.BadRequest(c, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// parseWindow defaults to the trailing 24 hours.
func parseWindow(fromRaw, toRaw string) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from, to := now.Add(-24*time.Hour), now
	var err error
	if fromRaw != "" {
		if from, err = time.Parse(time.RFC3339, fromRaw); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if toRaw != "" {
		if to, err = time.Parse(time.RFC3339, toRaw); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	return from, to, nil
}
