package auth

import (
	"context"
	"strconv"
)

const (
	sessionVersionPrefix = "AUTH_SESSION_VERSION:"
	legacyIdentityKey    = "LEGACY"
)

// ConfigStore is the key/value persistence the version store needs.
type ConfigStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Upsert(ctx context.Context, key, value string) error
}

// VersionStore tracks a monotonically increasing session version per
// identity. Every issued token embeds the version current at mint time;
// bumping the version invalidates all previously issued tokens for that
// identity without any token blacklist.
type VersionStore struct {
	store ConfigStore
}

func NewVersionStore(store ConfigStore) *VersionStore {
	return &VersionStore{store: store}
}

func versionKey(identity string) string {
	if identity == "" {
		identity = legacyIdentityKey
	}
	return sessionVersionPrefix + identity
}

// Current returns the identity's session version. Missing or unparsable
// values count as version 1, so identities that never logged out validate
// against the default embedded in older tokens.
func (s *VersionStore) Current(ctx context.Context, identity string) (int64, error) {
	raw, ok, err := s.store.Get(ctx, versionKey(identity))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 1 {
		return 1, nil
	}
	return v, nil
}

// Bump increments the identity's session version and returns the new value.
// All tokens minted with an older version become invalid.
func (s *VersionStore) Bump(ctx context.Context, identity string) (int64, error) {
	cur, err := s.Current(ctx, identity)
	if err != nil {
		return 0, err
	}
	next := cur + 1
	if err := s.store.Upsert(ctx, versionKey(identity), strconv.FormatInt(next, 10)); err != nil {
		return 0, err
	}
	return next, nil
}
