package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/liveaudio/backend/internal/analytics"
	"github.com/liveaudio/backend/internal/models"
	"github.com/liveaudio/backend/internal/registry"
)

// memAnalyticsBackend satisfies analytics.Store; only the methods the fresh
// measurement window touches do real work.
type memAnalyticsBackend struct {
	memFactWriter
	purged []uuid.UUID
}

func (m *memAnalyticsBackend) ListAccessLogsSince(_ context.Context, _ uuid.UUID, _ time.Time) ([]models.AccessLog, error) {
	return nil, nil
}

func (m *memAnalyticsBackend) CountRecentEvents(_ context.Context, _ uuid.UUID, _ models.AccessEventType, _ time.Duration) (int, error) {
	return 0, nil
}

func (m *memAnalyticsBackend) DeleteAccessLogs(_ context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purged = append(m.purged, sessionID)
	return nil
}

func (m *memAnalyticsBackend) DeletePoints(_ context.Context, _ uuid.UUID) error { return nil }

func (m *memAnalyticsBackend) ListPoints(_ context.Context, _ []uuid.UUID, _ string, _, _ time.Time) ([]models.AnalyticsPoint, error) {
	return nil, nil
}

func (m *memAnalyticsBackend) ListRunEvents(_ context.Context, _ uuid.UUID) ([]models.AnalyticsPoint, error) {
	return nil, nil
}

type memConfig struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemConfig() *memConfig { return &memConfig{values: make(map[string]string)} }

func (m *memConfig) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memConfig) Upsert(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memConfig) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *memConfig) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.values[key]
	return ok
}

// wsPair returns the two ends of a live websocket connection.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	up := websocket.Upgrader{}
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
	}))
	t.Cleanup(srv.Close)

	dialed, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { dialed.Close() })
	return <-accepted, dialed
}

func TestBroadcasterTakeoverFlow(t *testing.T) {
	sid := uuid.New()
	session := &models.Session{ID: sid, Status: models.SessionActive}

	backend := &memAnalyticsBackend{}
	cfg := newMemConfig()
	reg := registry.New()
	rec := analytics.NewRecorder(backend, zap.NewNop())
	svc := analytics.NewService(backend, reg, rec, cfg, zap.NewNop())
	hub := NewHub(zap.NewNop())
	g := NewGateway(hub, reg, nil, &memSessionStore{}, nil, nil, nil, svc, rec,
		func(context.Context) bool { return false }, zap.NewNop())

	alice := &Client{id: "conn-a", gw: g, send: make(chan []byte, sendBuffer),
		role: RoleBroadcaster, identity: registry.Identity{UserID: "u1", Name: "Alice"},
		sessionID: sid.String(), session: session}
	hub.register(alice)
	require.True(t, g.claimSlot(alice))

	// First broadcaster connection starts a fresh measurement window.
	assert.True(t, cfg.has("session-stats-since:"+sid.String()))
	assert.Equal(t, []uuid.UUID{sid}, backend.purged)

	// A different broadcaster is rejected and told who holds the slot.
	serverConn, dialerConn := wsPair(t)
	bob := &Client{id: "conn-b", gw: g, conn: serverConn, send: make(chan []byte, sendBuffer),
		role: RoleBroadcaster, identity: registry.Identity{UserID: "u2", Name: "Bob"},
		sessionID: sid.String(), session: session}
	hub.register(bob)
	require.False(t, g.claimSlot(bob))

	dialerConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := dialerConn.ReadMessage()
	require.NoError(t, err)
	var frame envelope
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, EventTakeoverRequired, frame.Event)
	var payload takeoverPayload
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	assert.Equal(t, "Alice", payload.OwnerName)

	// Takeover: kick the owner's connections, then the slot is free.
	kicked := reg.ForceTakeover(sid.String())
	assert.Equal(t, []string{"conn-a"}, kicked)
	res := reg.RemoveBroadcasterConn(sid.String(), "conn-a")
	assert.True(t, res.OwnerCleared)

	granted, first, owner := reg.TrySetOwner(sid.String(), bob.identity, "conn-b2")
	assert.True(t, granted)
	assert.True(t, first)
	assert.Equal(t, "Bob", owner.Name)
}
