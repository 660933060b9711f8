package token

import (
	"context"

	"github.com/and161185/goph-identity/internal/securestore"
)

// Storage keys.
const (
	KeyAccessToken  = "auth.access_token"
	KeyRefreshToken = "auth.refresh_token"
)

// Store persists raw token strings in secure storage. It holds no cache.
type Store struct {
	s securestore.Storage
}

// NewStore wraps a secure storage backend.
func NewStore(s securestore.Storage) *Store { return &Store{s: s} }

// SaveAccess persists the access token.
func (st *Store) SaveAccess(ctx context.Context, tok string) error {
	return st.s.SetString(ctx, KeyAccessToken, tok)
}

// LoadAccess returns the persisted access token or "".
func (st *Store) LoadAccess(ctx context.Context) (string, error) {
	v, _, err := st.s.GetString(ctx, KeyAccessToken)
	return v, err
}

// SaveRefresh persists the refresh token.
func (st *Store) SaveRefresh(ctx context.Context, tok string) error {
	return st.s.SetString(ctx, KeyRefreshToken, tok)
}

// LoadRefresh returns the persisted refresh token or "".
func (st *Store) LoadRefresh(ctx context.Context) (string, error) {
	v, _, err := st.s.GetString(ctx, KeyRefreshToken)
	return v, err
}

// Clear deletes both tokens. Both deletes are attempted.
func (st *Store) Clear(ctx context.Context) error {
	errA := st.s.Delete(ctx, KeyAccessToken)
	errR := st.s.Delete(ctx, KeyRefreshToken)
	if errA != nil {
		return errA
	}
	return errR
}
