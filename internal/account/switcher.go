// Package account manages the independent accounts stored on the device and
// switches the active one.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/goph-identity/internal/api"
	"github.com/and161185/goph-identity/internal/authctx"
	"github.com/and161185/goph-identity/internal/cache"
	"github.com/and161185/goph-identity/internal/device"
	"github.com/and161185/goph-identity/internal/errs"
	"github.com/and161185/goph-identity/internal/model"
	"github.com/and161185/goph-identity/internal/repository"
	"github.com/and161185/goph-identity/internal/securestore"
	"github.com/and161185/goph-identity/internal/token"
)

// KeyActiveAccount is the secure storage key of the active account's user ID.
const KeyActiveAccount = "accounts.active"

const biometricPrompt = "Confirm account switch"

// Tokens is the subset of token.Manager used for switching.
type Tokens interface {
	SwapTokens(ctx context.Context, access, refresh string) error
	Tokens(ctx context.Context) (model.Tokens, error)
	Restore(ctx context.Context, t model.Tokens) error
}

// Sessions is the subset of session.Manager used for switching.
type Sessions interface {
	Current() *model.Session
	ReplaceSession(ctx context.Context, s *model.Session) error
}

// IdentitySink receives the identity of the newly active account.
type IdentitySink interface {
	SetIdentity(authctx.Identity)
}

// Options tunes a Switcher.
type Options struct {
	MaxAccounts  int           // default 5
	ExpiryBuffer time.Duration // default 30s
	Now          func() time.Time
}

// Deps groups the collaborators of a Switcher. Identity and Cache may be nil.
type Deps struct {
	Repo         repository.AccountRepository
	Tokens       Tokens
	Sessions     Sessions
	API          api.Client
	Storage      securestore.Storage
	Cache        cache.Cache
	Biometric    device.Biometric
	Connectivity device.Connectivity
	Identity     IdentitySink
}

// Switcher owns the account switch lock.
type Switcher struct {
	d    Deps
	log  *zap.Logger
	opts Options

	locked atomic.Bool
}

// NewSwitcher constructs a Switcher.
func NewSwitcher(d Deps, log *zap.Logger, opts Options) *Switcher {
	if log == nil {
		log = zap.NewNop()
	}
	if d.Biometric == nil {
		d.Biometric = device.NoBiometric{}
	}
	if d.Connectivity == nil {
		d.Connectivity = device.AlwaysOnline{}
	}
	if opts.MaxAccounts <= 0 {
		opts.MaxAccounts = 5
	}
	if opts.ExpiryBuffer <= 0 {
		opts.ExpiryBuffer = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Switcher{d: d, log: log, opts: opts}
}

// InProgress reports whether a switch holds the lock.
func (s *Switcher) InProgress() bool { return s.locked.Load() }

// FromSession builds the stored account record for an authenticated session.
func FromSession(sess *model.Session, t model.Tokens) model.Account {
	return model.Account{
		UserID:       sess.UserID,
		ProfileID:    sess.ProfileID,
		EntityID:     sess.EntityID,
		ProfileType:  sess.ProfileType,
		FirstName:    sess.FirstName,
		LastName:     sess.LastName,
		AvatarURL:    sess.AvatarURL,
		DisplayName:  sess.DisplayName(),
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
	}
}

// SwitchAccount makes targetUserID the active account. currentUserID is the
// account being left; its latest tokens are written back before the switch.
func (s *Switcher) SwitchAccount(ctx context.Context, targetUserID, currentUserID string) (*model.Account, error) {
	if !s.locked.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: account switch", errs.ErrConcurrentOperation)
	}
	defer s.locked.Store(false)

	if !s.d.Connectivity.IsOnline(ctx) {
		return nil, errs.ErrOffline
	}
	if err := s.confirmBiometric(ctx); err != nil {
		return nil, err
	}

	target, err := s.d.Repo.Get(ctx, targetUserID)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", targetUserID, err)
	}
	meta, err := token.ParseAccessToken(target.AccessToken)
	if err != nil {
		return nil, err
	}
	if !meta.ExpiresAt.After(s.opts.Now().Add(s.opts.ExpiryBuffer)) {
		return nil, fmt.Errorf("%w: account %s must sign in again", errs.ErrExpiredToken, targetUserID)
	}
	if targetUserID == currentUserID {
		return target, nil
	}

	s.writeBack(ctx, currentUserID)
	if err := s.activate(ctx, target); err != nil {
		return nil, err
	}
	s.log.Info("account switched", zap.String("user_id", target.UserID), zap.String("profile_id", target.ProfileID))
	return target, nil
}

// confirmBiometric passes through when hardware or enrollment is missing.
func (s *Switcher) confirmBiometric(ctx context.Context) error {
	if !device.Available(s.d.Biometric) {
		return nil
	}
	res, err := s.d.Biometric.Authenticate(ctx, biometricPrompt)
	if errors.Is(err, errs.ErrBiometricUnavailable) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBiometricRejected, err)
	}
	if !res.Success {
		return errs.ErrBiometricRejected
	}
	return nil
}

func (s *Switcher) writeBack(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	cur, err := s.d.Repo.Get(ctx, userID)
	if err != nil {
		return
	}
	t, err := s.d.Tokens.Tokens(ctx)
	if err != nil || t.AccessToken == "" {
		return
	}
	cur.AccessToken, cur.RefreshToken = t.AccessToken, t.RefreshToken
	if err := s.d.Repo.Upsert(ctx, cur); err != nil {
		s.log.Warn("write back of current account tokens failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// activate swaps tokens, default headers and the session together and drops the
// outgoing account's cached data. A session or cache failure puts the previous
// tokens, headers and session back.
func (s *Switcher) activate(ctx context.Context, a *model.Account) error {
	prevTokens, err := s.d.Tokens.Tokens(ctx)
	if err != nil {
		return err
	}
	prevHeaders := s.d.API.Headers()
	prevSession := s.d.Sessions.Current()

	if err := s.d.Tokens.SwapTokens(ctx, a.AccessToken, a.RefreshToken); err != nil {
		return err
	}
	s.d.API.SetAccessToken(a.AccessToken)
	s.d.API.SetRefreshToken(a.RefreshToken)
	s.d.API.SetProfileID(a.ProfileID)

	revert := func() {
		if rerr := s.d.Tokens.Restore(ctx, prevTokens); rerr != nil {
			s.log.Error("restore tokens after failed account switch", zap.Error(rerr))
		}
		api.RestoreHeaders(s.d.API, prevHeaders)
		if rerr := s.d.Sessions.ReplaceSession(ctx, prevSession); rerr != nil {
			s.log.Error("restore session after failed account switch", zap.Error(rerr))
		}
	}

	sess := a.Session(uuid.Must(uuid.NewV4()).String(), s.opts.Now())
	if err := s.d.Sessions.ReplaceSession(ctx, sess); err != nil {
		revert()
		return err
	}
	if err := s.dropCache(ctx, prevSession); err != nil {
		revert()
		return err
	}

	if err := s.d.Storage.SetString(ctx, KeyActiveAccount, a.UserID); err != nil {
		s.log.Warn("persist active account pointer", zap.Error(err))
	}
	if s.d.Identity != nil {
		s.d.Identity.SetIdentity(authctx.FromSession(sess))
	}
	return nil
}

// dropCache removes the previous account's profile-scoped and verification
// keys. It clears everything when that fails or there was no previous session.
func (s *Switcher) dropCache(ctx context.Context, prev *model.Session) error {
	if s.d.Cache == nil {
		return nil
	}
	if prev != nil {
		pred := cache.Any(cache.ProfileScoped(prev.ProfileID, prev.EntityID), cache.VerificationTagged)
		n, err := s.d.Cache.Invalidate(ctx, pred)
		if err == nil {
			s.log.Debug("cache invalidated", zap.String("user_id", prev.UserID), zap.Int("keys", n))
			return nil
		}
		s.log.Warn("surgical cache invalidation failed, clearing all", zap.Error(err))
	}
	if err := s.d.Cache.ClearAll(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

// ActiveAccountID returns the persisted active account pointer.
func (s *Switcher) ActiveAccountID(ctx context.Context) (string, error) {
	v, _, err := s.d.Storage.GetString(ctx, KeyActiveAccount)
	return v, err
}

// SetActive records userID as the active account without switching credentials.
func (s *Switcher) SetActive(ctx context.Context, userID string) error {
	return s.d.Storage.SetString(ctx, KeyActiveAccount, userID)
}

// SaveAccount stores a, evicting the oldest other account when the cap is reached.
func (s *Switcher) SaveAccount(ctx context.Context, a model.Account) error {
	if _, err := s.d.Repo.Get(ctx, a.UserID); errors.Is(err, errs.ErrNotFound) {
		if err := s.evictForNew(ctx, a.UserID); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	return s.d.Repo.Upsert(ctx, &a)
}

func (s *Switcher) evictForNew(ctx context.Context, incoming string) error {
	list, err := s.d.Repo.List(ctx)
	if err != nil {
		return err
	}
	if len(list) < s.opts.MaxAccounts {
		return nil
	}
	active, _ := s.ActiveAccountID(ctx)
	for _, a := range list {
		if a.UserID == active || a.UserID == incoming {
			continue
		}
		s.log.Info("evicting oldest stored account", zap.String("user_id", a.UserID))
		return s.d.Repo.Delete(ctx, a.UserID)
	}
	return nil
}

// RemoveAccount deletes userID. The active account and the last remaining
// account cannot be removed.
func (s *Switcher) RemoveAccount(ctx context.Context, userID, activeUserID string) error {
	if userID == activeUserID {
		return errs.ErrActiveAccount
	}
	n, err := s.d.Repo.Count(ctx)
	if err != nil {
		return err
	}
	if n <= 1 {
		return errs.ErrLastAccount
	}
	return s.d.Repo.Delete(ctx, userID)
}

// ListAccounts returns stored accounts, oldest first.
func (s *Switcher) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.d.Repo.List(ctx)
}
