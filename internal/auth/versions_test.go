package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memConfigStore struct {
	values map[string]string
}

func newMemConfigStore() *memConfigStore {
	return &memConfigStore{values: make(map[string]string)}
}

func (m *memConfigStore) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memConfigStore) Upsert(_ context.Context, key, value string) error {
	m.values[key] = value
	return nil
}

func TestVersionStoreDefaultsToOne(t *testing.T) {
	vs := NewVersionStore(newMemConfigStore())

	v, err := vs.Current(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestVersionStoreBumpIncrements(t *testing.T) {
	vs := NewVersionStore(newMemConfigStore())
	ctx := context.Background()

	v, err := vs.Bump(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	v, err = vs.Bump(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	cur, err := vs.Current(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cur)
}

func TestVersionStoreIdentitiesAreIndependent(t *testing.T) {
	vs := NewVersionStore(newMemConfigStore())
	ctx := context.Background()

	_, err := vs.Bump(ctx, "user-1")
	require.NoError(t, err)

	v, err := vs.Current(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestVersionStoreEmptyIdentityUsesLegacyKey(t *testing.T) {
	store := newMemConfigStore()
	vs := NewVersionStore(store)

	_, err := vs.Bump(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "2", store.values["AUTH_SESSION_VERSION:LEGACY"])
}

func TestVersionStoreUnparsableValueCountsAsOne(t *testing.T) {
	store := newMemConfigStore()
	store.values["AUTH_SESSION_VERSION:user-1"] = "not-a-number"
	vs := NewVersionStore(store)

	v, err := vs.Current(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}
