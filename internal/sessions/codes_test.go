package sessions

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/liveaudio/backend/internal/models"
	"github.com/liveaudio/backend/pkg/utils"
)

type memCodeStore struct {
	sessions []models.Session
	upgrades map[uuid.UUID]string
}

func newMemCodeStore() *memCodeStore {
	return &memCodeStore{upgrades: make(map[uuid.UUID]string)}
}

func (m *memCodeStore) addPlain(code string) *models.Session {
	s := models.Session{ID: uuid.New(), Status: models.SessionActive, BroadcastCode: &code}
	m.sessions = append(m.sessions, s)
	return &m.sessions[len(m.sessions)-1]
}

func (m *memCodeStore) addLegacy(t *testing.T, code string) *models.Session {
	t.Helper()
	hash, err := utils.HashCode(code)
	require.NoError(t, err)
	s := models.Session{ID: uuid.New(), Status: models.SessionActive, BroadcastCodeHash: &hash}
	m.sessions = append(m.sessions, s)
	return &m.sessions[len(m.sessions)-1]
}

func (m *memCodeStore) GetByPlainCode(_ context.Context, code string) (*models.Session, error) {
	for i := range m.sessions {
		s := &m.sessions[i]
		if s.Status == models.SessionActive && s.BroadcastCode != nil && *s.BroadcastCode == code {
			out := *s
			return &out, nil
		}
	}
	return nil, nil
}

func (m *memCodeStore) ListActiveLegacy(_ context.Context) ([]models.Session, error) {
	var out []models.Session
	for _, s := range m.sessions {
		if s.Status == models.SessionActive && s.BroadcastCode == nil && s.BroadcastCodeHash != nil {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memCodeStore) SetCode(_ context.Context, id uuid.UUID, code string) error {
	m.upgrades[id] = code
	for i := range m.sessions {
		if m.sessions[i].ID == id {
			m.sessions[i].BroadcastCode = &code
			m.sessions[i].BroadcastCodeHash = nil
		}
	}
	return nil
}

func TestResolveActivePlainCode(t *testing.T) {
	store := newMemCodeStore()
	want := store.addPlain("123456")
	resolver := NewCodeResolver(store, zap.NewNop())

	got, err := resolver.ResolveActive(context.Background(), "123456")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)
}

func TestResolveActiveUnknownCode(t *testing.T) {
	store := newMemCodeStore()
	store.addPlain("123456")
	resolver := NewCodeResolver(store, zap.NewNop())

	got, err := resolver.ResolveActive(context.Background(), "654321")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResolveActiveRejectsMalformedCodes(t *testing.T) {
	resolver := NewCodeResolver(newMemCodeStore(), zap.NewNop())
	for _, code := range []string{"", "12345", "1234567", "12a456"} {
		got, err := resolver.ResolveActive(context.Background(), code)
		require.NoError(t, err)
		assert.Nil(t, got, "code %q", code)
	}
}

func TestResolveActiveLegacyHashUpgradesInPlace(t *testing.T) {
	store := newMemCodeStore()
	legacy := store.addLegacy(t, "246810")
	resolver := NewCodeResolver(store, zap.NewNop())

	got, err := resolver.ResolveActive(context.Background(), "246810")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, legacy.ID, got.ID)
	require.NotNil(t, got.BroadcastCode)
	assert.Equal(t, "246810", *got.BroadcastCode)
	assert.Equal(t, "246810", store.upgrades[legacy.ID])

	// Second resolution finds it on the indexed path.
	remaining, err := store.ListActiveLegacy(context.Background())
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestGenerateUniqueProducesSixDigits(t *testing.T) {
	resolver := NewCodeResolver(newMemCodeStore(), zap.NewNop())

	code, err := resolver.GenerateUnique(context.Background(), uuid.Nil)
	require.NoError(t, err)
	assert.True(t, validCode(code), "got %q", code)
	assert.NotEqual(t, byte('0'), code[0])
}

func TestGenerateUniqueAvoidsExistingCodes(t *testing.T) {
	store := newMemCodeStore()
	taken := store.addPlain("555555")
	store.addLegacy(t, "777777")
	resolver := NewCodeResolver(store, zap.NewNop())

	for i := 0; i < 20; i++ {
		code, err := resolver.GenerateUnique(context.Background(), uuid.Nil)
		require.NoError(t, err)
		assert.NotEqual(t, "555555", code)
		assert.NotEqual(t, "777777", code)
	}
	_ = taken
}

func TestGenerateUniqueExcludesOwnSession(t *testing.T) {
	store := newMemCodeStore()
	own := store.addPlain("123456")
	resolver := NewCodeResolver(store, zap.NewNop())

	// A collision with the excluded session does not count as taken; verify
	// that directly rather than waiting for the 1-in-900000 draw.
	takenByOther, err := resolver.codeTaken(context.Background(), "123456", uuid.New(), nil)
	require.NoError(t, err)
	assert.True(t, takenByOther)

	takenBySelf, err := resolver.codeTaken(context.Background(), "123456", own.ID, nil)
	require.NoError(t, err)
	assert.False(t, takenBySelf)
}
