package sessions

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liveaudio/backend/internal/models"
	"github.com/liveaudio/backend/pkg/utils"
)

// codeAttempts bounds generation retries; with 900000 possible codes the
// budget only runs out when the code space is nearly saturated.
const codeAttempts = 40

// ErrCodeSpaceExhausted means no free code was found within the attempt
// budget.
var ErrCodeSpaceExhausted = errors.New("could not generate a unique session code")

// CodeStore is the persistence slice code resolution needs.
type CodeStore interface {
	GetByPlainCode(ctx context.Context, code string) (*models.Session, error)
	ListActiveLegacy(ctx context.Context) ([]models.Session, error)
	SetCode(ctx context.Context, id uuid.UUID, code string) error
}

// CodeResolver maps 6-digit join codes to ACTIVE sessions. Sessions created
// before plaintext storage only carry a bcrypt hash; those resolve through a
// bounded scan and are upgraded in place on first match.
type CodeResolver struct {
	store  CodeStore
	logger *zap.Logger
}

func NewCodeResolver(store CodeStore, logger *zap.Logger) *CodeResolver {
	return &CodeResolver{store: store, logger: logger}
}

// ResolveActive returns the ACTIVE session owning code, or nil when no
// session matches. The plaintext index answers first; the legacy path
// bcrypt-compares against every ACTIVE hash-only session, which stays
// affordable because rotation and upgrades shrink that set toward zero.
func (r *CodeResolver) ResolveActive(ctx context.Context, code string) (*models.Session, error) {
	if !validCode(code) {
		return nil, nil
	}
	session, err := r.store.GetByPlainCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if session != nil {
		return session, nil
	}

	legacy, err := r.store.ListActiveLegacy(ctx)
	if err != nil {
		return nil, err
	}
	for i := range legacy {
		s := &legacy[i]
		if s.BroadcastCodeHash == nil || !utils.CheckCode(code, *s.BroadcastCodeHash) {
			continue
		}
		if err := r.store.SetCode(ctx, s.ID, code); err != nil {
			r.logger.Warn("legacy code upgrade failed", zap.String("sessionId", s.ID.String()), zap.Error(err))
		}
		s.BroadcastCode = &code
		return s, nil
	}
	return nil, nil
}

// GenerateUnique draws random 6-digit codes until one collides with no
// ACTIVE session, excluding excludeSessionID (so rotation can keep or
// replace a session's own code). Returns ErrCodeSpaceExhausted after
// codeAttempts tries.
func (r *CodeResolver) GenerateUnique(ctx context.Context, excludeSessionID uuid.UUID) (string, error) {
	legacy, err := r.store.ListActiveLegacy(ctx)
	if err != nil {
		return "", err
	}

	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		taken, err := r.codeTaken(ctx, code, excludeSessionID, legacy)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

func (r *CodeResolver) codeTaken(ctx context.Context, code string, exclude uuid.UUID, legacy []models.Session) (bool, error) {
	session, err := r.store.GetByPlainCode(ctx, code)
	if err != nil {
		return false, err
	}
	if session != nil && session.ID != exclude {
		return true, nil
	}
	for i := range legacy {
		s := &legacy[i]
		if s.ID == exclude || s.BroadcastCodeHash == nil {
			continue
		}
		if utils.CheckCode(code, *s.BroadcastCodeHash) {
			return true, nil
		}
	}
	return false, nil
}

// randomCode returns a uniform 6-digit code, 100000 through 999999, so codes
// never need zero padding.
func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return (n.Add(n, big.NewInt(100000))).String(), nil
}

func validCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, ch := range code {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}
