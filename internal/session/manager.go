// Package session validates tokens against the backend and owns the current Session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/goph-identity/internal/api"
	"github.com/and161185/goph-identity/internal/errs"
	"github.com/and161185/goph-identity/internal/model"
	"github.com/and161185/goph-identity/internal/securestore"
)

// Backend paths.
const (
	PathMe      = "/auth/me"
	PathRefresh = "/auth/refresh"
)

// KeySession is the secure storage key of the persisted session.
const KeySession = "auth.session"

// Tokens is the subset of the token manager used here.
type Tokens interface {
	CurrentAccessToken() string
	ShouldRefreshToken() bool
	Metadata() (model.TokenMetadata, bool)
	RefreshToken(ctx context.Context) (string, error)
	SetAccessToken(token string) error
	SetRefreshToken(token string) error
	ClearAllTokens(ctx context.Context) error
}

// ProfileResponse is the body of GET /auth/me.
type ProfileResponse struct {
	ID           string            `json:"id,omitempty"`
	ProfileID    string            `json:"profile_id,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	EntityID     string            `json:"entity_id"`
	Type         model.ProfileType `json:"type"`
	FirstName    string            `json:"first_name,omitempty"`
	LastName     string            `json:"last_name,omitempty"`
	BusinessName string            `json:"business_name,omitempty"`
	Email        string            `json:"email,omitempty"`
	AvatarURL    string            `json:"avatar_url,omitempty"`
}

// Profile returns profile_id, falling back to id.
func (p ProfileResponse) Profile() string {
	if p.ProfileID != "" {
		return p.ProfileID
	}
	return p.ID
}

// TokenResponse is the body of POST /auth/refresh and /auth/switch-profile.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Options tunes a Manager.
type Options struct {
	ValidationWindow time.Duration // default 5m
	RequestTimeout   time.Duration // default 30s
	// CleanupKeys are extra storage keys wiped by EmergencyCleanup.
	CleanupKeys []string
	Now         func() time.Time
}

// Manager is the single writer of the current Session.
type Manager struct {
	api     api.Client
	tokens  Tokens
	storage securestore.Storage
	log     *zap.Logger
	opts    Options

	group      singleflight.Group
	validating atomic.Bool

	mu      sync.RWMutex
	current *model.Session
}

// NewManager constructs a session manager.
func NewManager(client api.Client, tokens Tokens, storage securestore.Storage, log *zap.Logger, opts Options) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ValidationWindow <= 0 {
		opts.ValidationWindow = 5 * time.Minute
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{api: client, tokens: tokens, storage: storage, log: log, opts: opts}
}

// IsValidating reports whether a validation is in flight.
func (m *Manager) IsValidating() bool { return m.validating.Load() }

// ValidateAndRestoreSession validates the local token, refreshes it when close to
// expiry, fetches the profile and installs the resulting Session. Concurrent callers
// join the validation already in flight and share its result.
func (m *Manager) ValidateAndRestoreSession(ctx context.Context) (*model.Session, error) {
	v, err, shared := m.group.Do("validate", func() (any, error) {
		m.validating.Store(true)
		defer m.validating.Store(false)
		return m.validate(ctx)
	})
	if shared {
		m.log.Debug("joined in-flight session validation")
	}
	if err != nil {
		return nil, err
	}
	return v.(*model.Session).Clone(), nil
}

func (m *Manager) validate(ctx context.Context) (*model.Session, error) {
	tok := m.tokens.CurrentAccessToken()
	if tok == "" || m.tokens.ShouldRefreshToken() {
		if refreshed := m.RefreshAccessToken(ctx); refreshed != "" {
			tok = refreshed
		}
	}
	if tok == "" {
		return nil, fmt.Errorf("validate session: %w", errs.ErrUnauthorized)
	}
	meta, _ := m.tokens.Metadata()
	m.api.SetAccessToken(tok)
	m.api.SetProfileID(meta.ProfileID)

	prof, err := m.FetchProfile(ctx)
	if err != nil {
		if api.IsStatus(err, http.StatusUnauthorized) {
			if cerr := m.ClearSession(ctx); cerr != nil {
				m.log.Warn("clear session after 401 failed", zap.Error(cerr))
			}
			return nil, fmt.Errorf("validate session: %w", errs.ErrUnauthorized)
		}
		return nil, err
	}

	s := m.BuildSession(*prof, meta.UserID)
	if cur := m.Current(); cur != nil && cur.ProfileID == s.ProfileID {
		s.SessionID = cur.SessionID
		s.CreatedAt = cur.CreatedAt
	}
	if err := m.ReplaceSession(ctx, s); err != nil {
		m.log.Warn("persist session failed", zap.Error(err))
	}
	return s, nil
}

// RefreshAccessToken exchanges the refresh token for a new access token. It returns
// "" on any failure; callers treat that as "could not refresh".
func (m *Manager) RefreshAccessToken(ctx context.Context) string {
	rt, err := m.tokens.RefreshToken(ctx)
	if err != nil || rt == "" {
		if err != nil {
			m.log.Warn("refresh token unavailable", zap.Error(err))
		}
		return ""
	}
	resp, err := m.api.Post(ctx, PathRefresh, refreshRequest{RefreshToken: rt}, api.WithTimeout(m.opts.RequestTimeout))
	if err != nil {
		m.log.Warn("token refresh failed", zap.Error(err))
		return ""
	}
	var tr TokenResponse
	if err := resp.Decode(&tr); err != nil || tr.AccessToken == "" {
		m.log.Warn("token refresh returned no access token", zap.Error(err))
		return ""
	}
	if err := m.tokens.SetAccessToken(tr.AccessToken); err != nil {
		return ""
	}
	m.api.SetAccessToken(tr.AccessToken)
	if tr.RefreshToken != "" && m.tokens.SetRefreshToken(tr.RefreshToken) == nil {
		m.api.SetRefreshToken(tr.RefreshToken)
	}
	return tr.AccessToken
}

// FetchProfile loads the active profile, bypassing caches.
func (m *Manager) FetchProfile(ctx context.Context) (*ProfileResponse, error) {
	resp, err := m.api.Get(ctx, PathMe, api.WithNoCache(), api.WithTimeout(m.opts.RequestTimeout))
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	var p ProfileResponse
	if err := resp.Decode(&p); err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	if p.Profile() == "" || p.EntityID == "" {
		return nil, fmt.Errorf("fetch profile: %w: missing profile or entity id", errs.ErrMalformedResponse)
	}
	return &p, nil
}

// BuildSession maps a profile response into a fresh Session.
func (m *Manager) BuildSession(p ProfileResponse, userID string) *model.Session {
	if p.UserID != "" {
		userID = p.UserID
	}
	typ := p.Type
	if !typ.Valid() {
		typ = model.ProfilePersonal
	}
	now := m.opts.Now()
	return &model.Session{
		UserID:          userID,
		ProfileID:       p.Profile(),
		EntityID:        p.EntityID,
		Email:           p.Email,
		FirstName:       p.FirstName,
		LastName:        p.LastName,
		BusinessName:    p.BusinessName,
		AvatarURL:       p.AvatarURL,
		ProfileType:     typ,
		SessionID:       uuid.Must(uuid.NewV4()).String(),
		CreatedAt:       now,
		LastValidatedAt: now,
	}
}

// Current returns a copy of the current session, or nil.
func (m *Manager) Current() *model.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// ReplaceSession installs s wholesale and persists it. The in-memory pointer is
// updated even when persisting fails.
func (m *Manager) ReplaceSession(ctx context.Context, s *model.Session) error {
	m.mu.Lock()
	m.current = s.Clone()
	m.mu.Unlock()
	if s == nil {
		return m.storage.Delete(ctx, KeySession)
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := m.storage.SetString(ctx, KeySession, string(b)); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorageWrite, err)
	}
	return nil
}

// LoadPersisted restores the last persisted session without validating it.
func (m *Manager) LoadPersisted(ctx context.Context) (*model.Session, error) {
	raw, ok, err := m.storage.GetString(ctx, KeySession)
	if err != nil || !ok {
		return nil, err
	}
	var s model.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		m.log.Warn("discarding unreadable persisted session", zap.Error(err))
		return nil, m.storage.Delete(ctx, KeySession)
	}
	m.mu.Lock()
	m.current = s.Clone()
	m.mu.Unlock()
	return &s, nil
}

// IsFresh reports whether the current session was validated within the window.
func (m *Manager) IsFresh() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != nil && m.opts.Now().Sub(m.current.LastValidatedAt) < m.opts.ValidationWindow
}

// IsAuthenticated reports whether there is a fresh session backed by a usable token.
// A stale session must be re-validated before it is trusted.
func (m *Manager) IsAuthenticated() bool {
	return m.IsFresh() && m.tokens.CurrentAccessToken() != ""
}

// ClearSession drops the current session. Safe to call repeatedly.
func (m *Manager) ClearSession(ctx context.Context) error {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	return m.storage.Delete(ctx, KeySession)
}

// EmergencyCleanup wipes all local identity state: session, tokens, default headers
// and the extra cleanup keys. Every step is attempted.
func (m *Manager) EmergencyCleanup(ctx context.Context) error {
	m.log.Warn("emergency cleanup of local identity state")
	var all []error
	if err := m.ClearSession(ctx); err != nil {
		all = append(all, err)
	}
	if err := m.tokens.ClearAllTokens(ctx); err != nil {
		all = append(all, err)
	}
	m.api.SetAccessToken("")
	m.api.SetRefreshToken("")
	m.api.SetProfileID("")
	for _, k := range m.opts.CleanupKeys {
		if err := m.storage.Delete(ctx, k); err != nil {
			all = append(all, fmt.Errorf("delete %s: %w", k, err))
		}
	}
	return errors.Join(all...)
}
