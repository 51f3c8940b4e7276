package realtime

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/liveaudio/backend/internal/analytics"
	"github.com/liveaudio/backend/internal/models"
	"github.com/liveaudio/backend/internal/registry"
)

type memSessionStore struct {
	sessions map[string]*models.Session
	channels map[uuid.UUID]*models.Channel
}

func (m *memSessionStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	return m.sessions[id], nil
}

func (m *memSessionStore) HasAccess(_ context.Context, _, _ string) (bool, error) {
	return true, nil
}

func (m *memSessionStore) GetChannel(_ context.Context, id uuid.UUID) (*models.Channel, error) {
	return m.channels[id], nil
}

type memFactWriter struct {
	mu     sync.Mutex
	logs   []models.AccessLog
	points []models.AnalyticsPoint
}

func (m *memFactWriter) InsertPoints(_ context.Context, points []models.AnalyticsPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, points...)
	return nil
}

func (m *memFactWriter) AppendAccessLog(_ context.Context, log *models.AccessLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *log)
	return nil
}

func (m *memFactWriter) snapshot() ([]models.AccessLog, []models.AnalyticsPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AccessLog(nil), m.logs...), append([]models.AnalyticsPoint(nil), m.points...)
}

func TestListenerChannelSwitchRecordsLeaveAndJoinFacts(t *testing.T) {
	sid := uuid.New()
	chA, chB := uuid.New(), uuid.New()
	session := &models.Session{ID: sid, Status: models.SessionActive}
	store := &memSessionStore{
		sessions: map[string]*models.Session{sid.String(): session},
		channels: map[uuid.UUID]*models.Channel{
			chA: {ID: chA, SessionID: sid, Name: "Main", IsActive: true},
			chB: {ID: chB, SessionID: sid, Name: "Translation", IsActive: true},
		},
	}

	reg := registry.New()
	writer := &memFactWriter{}
	rec := analytics.NewRecorder(writer, zap.NewNop())
	g := NewGateway(NewHub(zap.NewNop()), reg, nil, store, nil, nil, nil, nil, rec,
		func(context.Context) bool { return false }, zap.NewNop())

	cl := &Client{
		id:        "conn1",
		gw:        g,
		send:      make(chan []byte, sendBuffer),
		role:      RoleListener,
		sessionID: sid.String(),
		session:   session,
		ip:        "203.0.113.7",
		userAgent: "listener-app",
	}
	reg.AddListenerConn(cl.id, cl.sessionID)

	ctx := context.Background()
	counts, err := g.handleListenerJoin(ctx, cl, mustJSON(t, joinSessionPayload{ChannelID: chA.String()}))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{chA.String(): 1}, counts)

	// Re-joining the same channel is a no-op on counts and facts.
	counts, err = g.handleListenerJoin(ctx, cl, mustJSON(t, joinSessionPayload{ChannelID: chA.String()}))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{chA.String(): 1}, counts)

	counts, err = g.handleListenerJoin(ctx, cl, mustJSON(t, joinSessionPayload{ChannelID: chB.String()}))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{chB.String(): 1}, counts)

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { rec.Run(runCtx); close(done) }()
	stop()
	<-done

	logs, points := writer.snapshot()
	require.Len(t, logs, 3) // join A, leave A, join B

	assert.Equal(t, models.EventListenerJoin, logs[0].EventType)
	require.NotNil(t, logs[0].ChannelID)
	assert.Equal(t, chA, *logs[0].ChannelID)
	assert.Equal(t, "203.0.113.7", logs[0].IP)

	assert.Equal(t, models.EventListenerLeave, logs[1].EventType)
	require.NotNil(t, logs[1].ChannelID)
	assert.Equal(t, chA, *logs[1].ChannelID)
	require.True(t, strings.HasPrefix(logs[1].Reason, "durationMs="))
	ms, err := strconv.ParseInt(strings.TrimPrefix(logs[1].Reason, "durationMs="), 10, 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ms, int64(0))

	assert.Equal(t, models.EventListenerJoin, logs[2].EventType)
	require.NotNil(t, logs[2].ChannelID)
	assert.Equal(t, chB, *logs[2].ChannelID)

	metrics := make([]string, 0, len(points))
	for _, p := range points {
		metrics = append(metrics, p.Metric)
	}
	assert.ElementsMatch(t, []string{
		models.MetricListenerJoin,
		models.MetricListenerLeave,
		models.MetricListenerJoin,
	}, metrics)

	// One snapshot per effective channel change.
	assert.Len(t, reg.Snapshots(sid.String()), 2)
}

func TestListenerJoinRejectsForeignOrInactiveChannel(t *testing.T) {
	sid := uuid.New()
	foreign := uuid.New()
	inactive := uuid.New()
	session := &models.Session{ID: sid, Status: models.SessionActive}
	store := &memSessionStore{
		sessions: map[string]*models.Session{sid.String(): session},
		channels: map[uuid.UUID]*models.Channel{
			foreign:  {ID: foreign, SessionID: uuid.New(), IsActive: true},
			inactive: {ID: inactive, SessionID: sid, IsActive: false},
		},
	}

	reg := registry.New()
	rec := analytics.NewRecorder(&memFactWriter{}, zap.NewNop())
	g := NewGateway(NewHub(zap.NewNop()), reg, nil, store, nil, nil, nil, nil, rec,
		func(context.Context) bool { return false }, zap.NewNop())

	cl := &Client{id: "conn1", gw: g, send: make(chan []byte, sendBuffer),
		role: RoleListener, sessionID: sid.String(), session: session}
	reg.AddListenerConn(cl.id, cl.sessionID)

	for _, ch := range []uuid.UUID{foreign, inactive} {
		_, err := g.handleListenerJoin(context.Background(), cl, mustJSON(t, joinSessionPayload{ChannelID: ch.String()}))
		assert.Error(t, err)
	}
	assert.Equal(t, 0, reg.Total(sid.String()))
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestCreateTransportRejectsMalformedPayload(t *testing.T) {
	sid := uuid.New()
	session := &models.Session{ID: sid, Status: models.SessionActive}

	reg := registry.New()
	rec := analytics.NewRecorder(&memFactWriter{}, zap.NewNop())
	g := NewGateway(NewHub(zap.NewNop()), reg, nil, &memSessionStore{}, nil, nil, nil, nil, rec,
		func(context.Context) bool { return false }, zap.NewNop())

	cl := &Client{id: "conn1", gw: g, send: make(chan []byte, sendBuffer),
		role: RoleBroadcaster, sessionID: sid.String(), session: session,
		identity: registry.Identity{UserID: uuid.New().String()}}
	granted, _, _ := reg.TrySetOwner(cl.sessionID, cl.identity, cl.id)
	require.True(t, granted)

	_, err := g.dispatch(cl, &envelope{Event: EventCreateTransportB, Data: json.RawMessage(`{"direction":`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed createTransport payload")
}
