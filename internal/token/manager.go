// Package token keeps the access/refresh token pair: a synchronous in-memory cache
// mirrored into secure storage.
package token

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/goph-identity/internal/errs"
	"github.com/and161185/goph-identity/internal/model"
)

const persistTimeout = 10 * time.Second

// Options tunes a Manager. Zero values take the defaults.
type Options struct {
	ExpiryBuffer     time.Duration // default 30s
	RefreshThreshold time.Duration // default 5m
	Now              func() time.Time
}

// Manager is the single writer of the token cache. Reads never block on storage
// except RefreshToken on a cold cache.
type Manager struct {
	store     *Store
	log       *zap.Logger
	now       func() time.Time
	buffer    time.Duration
	threshold time.Duration

	mu            sync.RWMutex
	access        *model.TokenMetadata
	refresh       string
	refreshCached bool

	// persistMu serializes storage writes; generations drop writes superseded
	// by a later set or clear.
	persistMu  sync.Mutex
	accessGen  atomic.Uint64
	refreshGen atomic.Uint64
	pending    sync.WaitGroup
}

// NewManager constructs a Manager over store.
func NewManager(store *Store, log *zap.Logger, opts Options) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ExpiryBuffer <= 0 {
		opts.ExpiryBuffer = 30 * time.Second
	}
	if opts.RefreshThreshold <= 0 {
		opts.RefreshThreshold = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:     store,
		log:       log,
		now:       opts.Now,
		buffer:    opts.ExpiryBuffer,
		threshold: opts.RefreshThreshold,
	}
}

// validate parses raw and rejects tokens already inside the expiry buffer.
func (m *Manager) validate(raw string) (model.TokenMetadata, error) {
	meta, err := ParseAccessToken(raw)
	if err != nil {
		return model.TokenMetadata{}, err
	}
	if !usable(meta, m.now(), m.buffer) {
		return model.TokenMetadata{}, fmt.Errorf("%w: expires at %s", errs.ErrExpiredToken, meta.ExpiresAt.Format(time.RFC3339))
	}
	return meta, nil
}

// Load hydrates the cache from storage. Expired or malformed entries are not cached.
func (m *Manager) Load(ctx context.Context) error {
	access, err := m.store.LoadAccess(ctx)
	if err != nil {
		return fmt.Errorf("load access token: %w", err)
	}
	refresh, err := m.store.LoadRefresh(ctx)
	if err != nil {
		return fmt.Errorf("load refresh token: %w", err)
	}

	var meta *model.TokenMetadata
	if access != "" {
		md, err := m.validate(access)
		if err != nil {
			m.log.Info("stored access token not restored", zap.Error(err))
		} else {
			meta = &md
		}
	}

	m.mu.Lock()
	m.access = meta
	m.refresh = refresh
	m.refreshCached = refresh != ""
	m.mu.Unlock()
	return nil
}

// CurrentAccessToken returns a non-expired access token or "".
// An expired cache entry is purged as a side effect.
func (m *Manager) CurrentAccessToken() string {
	m.mu.RLock()
	meta := m.access
	m.mu.RUnlock()
	if meta == nil {
		return ""
	}
	if usable(*meta, m.now(), m.buffer) {
		return meta.Token
	}

	m.mu.Lock()
	if m.access == meta {
		m.access = nil
	}
	m.mu.Unlock()
	m.log.Debug("purged expired access token from cache", zap.String("profile_id", meta.ProfileID))
	return ""
}

// Metadata returns the cached access token metadata, if any.
func (m *Manager) Metadata() (model.TokenMetadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.access == nil {
		return model.TokenMetadata{}, false
	}
	return *m.access, true
}

// ProfileID returns the profile identifier of the cached token.
func (m *Manager) ProfileID() string {
	md, _ := m.Metadata()
	return md.ProfileID
}

// EntityID returns the entity identifier of the cached token.
func (m *Manager) EntityID() string {
	md, _ := m.Metadata()
	return md.EntityID
}

// SetAccessToken validates and caches token, then persists it in the background.
// An invalid or expired token leaves the cache untouched; the returned error is
// informational and already logged.
func (m *Manager) SetAccessToken(token string) error {
	meta, err := m.validate(token)
	if err != nil {
		m.log.Error("access token rejected", zap.Error(err))
		return err
	}
	m.mu.Lock()
	m.access = &meta
	gen := m.accessGen.Add(1)
	m.mu.Unlock()

	m.persistAsync(&m.accessGen, gen, "access", func(ctx context.Context) error {
		return m.store.SaveAccess(ctx, token)
	})
	return nil
}

// RefreshToken returns the cached refresh token, falling back to storage.
func (m *Manager) RefreshToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	tok, cached := m.refresh, m.refreshCached
	gen := m.refreshGen.Load()
	m.mu.RUnlock()
	if cached {
		return tok, nil
	}

	tok, err := m.store.LoadRefresh(ctx)
	if err != nil {
		return "", fmt.Errorf("load refresh token: %w", err)
	}
	if tok == "" {
		return "", nil
	}
	m.mu.Lock()
	if !m.refreshCached && m.refreshGen.Load() == gen {
		m.refresh = tok
		m.refreshCached = true
	}
	m.mu.Unlock()
	return tok, nil
}

// SetRefreshToken caches token and persists it in the background.
func (m *Manager) SetRefreshToken(token string) error {
	if token == "" {
		err := fmt.Errorf("%w: empty refresh token", errs.ErrInvalidTokenFormat)
		m.log.Error("refresh token rejected", zap.Error(err))
		return err
	}
	m.mu.Lock()
	m.refresh = token
	m.refreshCached = true
	gen := m.refreshGen.Add(1)
	m.mu.Unlock()

	m.persistAsync(&m.refreshGen, gen, "refresh", func(ctx context.Context) error {
		return m.store.SaveRefresh(ctx, token)
	})
	return nil
}

func (m *Manager) persistAsync(genCounter *atomic.Uint64, gen uint64, kind string, write func(context.Context) error) {
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		m.persistMu.Lock()
		defer m.persistMu.Unlock()
		if genCounter.Load() != gen {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := write(ctx); err != nil {
			// cache and storage stay divergent until the next successful write
			m.log.Error("token persist failed", zap.String("kind", kind), zap.Error(err))
		}
	}()
}

// Flush waits for background writes started so far.
func (m *Manager) Flush() { m.pending.Wait() }

// SwapTokens replaces the pair in memory, then persists it synchronously. If the
// write fails the previous in-memory pair is restored and ErrStorageWrite returned.
// An empty refresh keeps the current refresh token.
func (m *Manager) SwapTokens(ctx context.Context, access, refresh string) error {
	meta, err := m.validate(access)
	if err != nil {
		return err
	}

	m.mu.Lock()
	prevAccess, prevRefresh, prevCached := m.access, m.refresh, m.refreshCached
	m.access = &meta
	accessGen := m.accessGen.Add(1)
	refreshGen := m.refreshGen.Load()
	if refresh != "" {
		m.refresh = refresh
		m.refreshCached = true
		refreshGen = m.refreshGen.Add(1)
	}
	m.mu.Unlock()

	m.persistMu.Lock()
	err = m.store.SaveAccess(ctx, access)
	if err == nil && refresh != "" {
		err = m.store.SaveRefresh(ctx, refresh)
	}
	if err != nil && prevAccess != nil {
		if rerr := m.store.SaveAccess(ctx, prevAccess.Token); rerr != nil {
			m.log.Warn("restore of persisted access token failed", zap.Error(rerr))
		}
	}
	m.persistMu.Unlock()

	if err == nil {
		return nil
	}

	m.mu.Lock()
	if m.accessGen.Load() == accessGen {
		m.access = prevAccess
	}
	if refresh != "" && m.refreshGen.Load() == refreshGen {
		m.refresh, m.refreshCached = prevRefresh, prevCached
	}
	m.mu.Unlock()
	return fmt.Errorf("%w: %v", errs.ErrStorageWrite, err)
}

// Tokens returns the raw pair as held now, without expiry filtering.
func (m *Manager) Tokens(ctx context.Context) (model.Tokens, error) {
	refresh, err := m.RefreshToken(ctx)
	if err != nil {
		return model.Tokens{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := model.Tokens{RefreshToken: refresh}
	if m.access != nil {
		t.AccessToken = m.access.Token
	}
	return t, nil
}

// Restore puts back an exact pair captured earlier, bypassing expiry checks,
// and persists it synchronously. Empty values clear the corresponding slot.
func (m *Manager) Restore(ctx context.Context, t model.Tokens) error {
	var meta *model.TokenMetadata
	if t.AccessToken != "" {
		md, err := ParseAccessToken(t.AccessToken)
		if err != nil {
			return err
		}
		meta = &md
	}

	m.mu.Lock()
	m.access = meta
	m.refresh = t.RefreshToken
	m.refreshCached = t.RefreshToken != ""
	m.accessGen.Add(1)
	m.refreshGen.Add(1)
	m.mu.Unlock()

	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if err := m.writeOrDelete(ctx, KeyAccessToken, t.AccessToken); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorageWrite, err)
	}
	if err := m.writeOrDelete(ctx, KeyRefreshToken, t.RefreshToken); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorageWrite, err)
	}
	return nil
}

func (m *Manager) writeOrDelete(ctx context.Context, key, value string) error {
	if value == "" {
		return m.store.s.Delete(ctx, key)
	}
	return m.store.s.SetString(ctx, key, value)
}

// ClearAllTokens empties the cache before storage, so no synchronous reader can
// observe a token that is about to be deleted. Safe to call repeatedly.
func (m *Manager) ClearAllTokens(ctx context.Context) error {
	m.mu.Lock()
	m.access = nil
	m.refresh = ""
	m.refreshCached = false
	m.accessGen.Add(1)
	m.refreshGen.Add(1)
	m.mu.Unlock()

	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	return nil
}

// ShouldRefreshToken reports whether the cached access token expires within the
// refresh threshold. It is false when nothing is cached.
func (m *Manager) ShouldRefreshToken() bool {
	md, ok := m.Metadata()
	if !ok {
		return false
	}
	return md.TimeToExpiry(m.now()) < m.threshold
}
