package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liveaudio/backend/internal/registry"
)

const autoSwitchPrefix = "preshow-auto-switch:"

var hhmmPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// ErrBadSchedule is returned for schedule times outside HH:MM.
var ErrBadSchedule = errors.New("schedule time must be HH:MM")

// AutoSwitchSchedule flips a session from pre-show into live mode at a wall
// clock time, so a scheduled broadcast goes live even if the broadcaster
// forgets the switch.
type AutoSwitchSchedule struct {
	Enabled bool   `json:"enabled"`
	Time    string `json:"time"` // "HH:MM", server local time
}

func (s AutoSwitchSchedule) valid() bool {
	return !s.Enabled || hhmmPattern.MatchString(s.Time)
}

// ScheduleStore is the key/value persistence for schedules.
type ScheduleStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Upsert(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	ListPrefix(ctx context.Context, prefix string) (map[string]string, error)
}

// LiveModeNotifier pushes a live-mode change to a session's room.
type LiveModeNotifier interface {
	NotifyLiveModeChanged(sessionID, mode string)
}

// AutoSwitcher runs the schedules: once the scheduled minute arrives for a
// session that is playing pre-show music with a broadcaster attached, the
// mode flips to mic and the room is notified. Sessions in any other mode
// are left alone.
type AutoSwitcher struct {
	store    ScheduleStore
	registry *registry.Registry
	notifier LiveModeNotifier
	logger   *zap.Logger
}

func NewAutoSwitcher(store ScheduleStore, reg *registry.Registry, notifier LiveModeNotifier, logger *zap.Logger) *AutoSwitcher {
	return &AutoSwitcher{store: store, registry: reg, notifier: notifier, logger: logger}
}

func scheduleKey(sessionID uuid.UUID) string {
	return autoSwitchPrefix + sessionID.String()
}

// Schedule returns the session's schedule; absent means disabled.
func (a *AutoSwitcher) Schedule(ctx context.Context, sessionID uuid.UUID) (AutoSwitchSchedule, error) {
	raw, ok, err := a.store.Get(ctx, scheduleKey(sessionID))
	if err != nil || !ok {
		return AutoSwitchSchedule{}, err
	}
	var s AutoSwitchSchedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return AutoSwitchSchedule{}, nil
	}
	return s, nil
}

// SetSchedule stores or clears the session's schedule.
func (a *AutoSwitcher) SetSchedule(ctx context.Context, sessionID uuid.UUID, s AutoSwitchSchedule) error {
	if !s.valid() {
		return ErrBadSchedule
	}
	if !s.Enabled {
		return a.store.Delete(ctx, scheduleKey(sessionID))
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return a.store.Upsert(ctx, scheduleKey(sessionID), string(raw))
}

// Run checks the schedules twice a minute until ctx is cancelled.
func (a *AutoSwitcher) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx, time.Now())
		}
	}
}

func (a *AutoSwitcher) tick(ctx context.Context, now time.Time) {
	schedules, err := a.store.ListPrefix(ctx, autoSwitchPrefix)
	if err != nil {
		a.logger.Warn("auto-switch schedule load failed", zap.Error(err))
		return
	}
	current := now.Format("15:04")
	for key, raw := range schedules {
		var s AutoSwitchSchedule
		if err := json.Unmarshal([]byte(raw), &s); err != nil || !s.Enabled || s.Time != current {
			continue
		}
		sessionID := strings.TrimPrefix(key, autoSwitchPrefix)
		if a.registry.LiveMode(sessionID) != registry.ModePreshow {
			continue
		}
		if a.registry.BroadcasterConnCount(sessionID) == 0 {
			continue
		}
		a.registry.SetLiveMode(sessionID, registry.ModeMic)
		a.notifier.NotifyLiveModeChanged(sessionID, registry.ModeMic)
		a.logger.Info("auto-switched session from pre-show to mic", zap.String("sessionId", sessionID))
	}
}
