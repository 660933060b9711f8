package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/and161185/goph-identity/internal/account"
	"github.com/and161185/goph-identity/internal/api"
	"github.com/and161185/goph-identity/internal/authctx"
	"github.com/and161185/goph-identity/internal/authstate"
	"github.com/and161185/goph-identity/internal/cache"
	"github.com/and161185/goph-identity/internal/cache/rediscache"
	"github.com/and161185/goph-identity/internal/config"
	"github.com/and161185/goph-identity/internal/crypto/clientcrypto"
	"github.com/and161185/goph-identity/internal/device"
	"github.com/and161185/goph-identity/internal/events"
	"github.com/and161185/goph-identity/internal/migrate"
	"github.com/and161185/goph-identity/internal/navigation"
	"github.com/and161185/goph-identity/internal/profileswitch"
	"github.com/and161185/goph-identity/internal/realtime"
	"github.com/and161185/goph-identity/internal/repository"
	"github.com/and161185/goph-identity/internal/repository/postgres"
	"github.com/and161185/goph-identity/internal/securestore"
	"github.com/and161185/goph-identity/internal/session"
	"github.com/and161185/goph-identity/internal/token"
)

// keySealKey holds the key sealing token columns of the Postgres account store.
const keySealKey = "accounts.seal_key"

// app is the client stack for one CLI invocation.
type app struct {
	log      *zap.Logger
	store    securestore.Storage
	api      *api.HTTPClient
	tokens   *token.Manager
	sessions *session.Manager
	ident    *authctx.Context
	nav      *navigation.Manager
	machine  *authstate.Machine
	events   *events.Coordinator
	cache    cache.Cache
	accounts *account.Switcher
	profiles *profileswitch.Orchestrator
	rt       *realtime.GRPCChannel

	closers []func()
}

// newApp opens storage and wires every component. Only the optional backends
// named in cfg (Postgres, Redis, realtime) reach the network here.
func newApp(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	if cfg.StoragePassphrase == "" {
		return nil, errors.New("GKID_STORAGE_PASSPHRASE is required")
	}
	st, err := securestore.OpenFileStore(storageDir(cfg), cfg.StoragePassphrase)
	if err != nil {
		return nil, fmt.Errorf("open secure storage: %w", err)
	}
	a := &app{log: log, store: st, ident: authctx.New()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.api = api.NewHTTPClient(cfg.APIBaseURL, nil, cfg.APITimeout)
	a.tokens = token.NewManager(token.NewStore(st), log, token.Options{
		ExpiryBuffer:     cfg.Token.ExpiryBuffer,
		RefreshThreshold: cfg.Token.RefreshThreshold,
	})
	a.closers = append(a.closers, a.tokens.Flush)
	if err := a.tokens.Load(ctx); err != nil {
		return nil, err
	}
	if t, err := a.tokens.Tokens(ctx); err == nil && t.RefreshToken != "" {
		a.api.SetRefreshToken(t.RefreshToken)
	}

	a.sessions = session.NewManager(a.api, a.tokens, st, log, session.Options{
		ValidationWindow: cfg.Session.ValidationWindow,
		RequestTimeout:   cfg.APITimeout,
		CleanupKeys:      []string{profileswitch.KeyLastActiveProfile, account.KeyActiveAccount},
	})
	if s, err := a.sessions.LoadPersisted(ctx); err != nil {
		log.Warn("load persisted session", zap.Error(err))
	} else if s != nil {
		a.ident.SetIdentity(authctx.FromSession(s))
	}

	a.nav = navigation.New(log, navigation.Options{
		RapidChangeThreshold: cfg.Navigation.RapidChangeThreshold,
		TransitionTimeout:    cfg.Navigation.TransitionTimeout,
		MaxTransitionTimeout: cfg.Navigation.MaxTransitionTimeout,
		StabilityDelay:       cfg.Navigation.StabilityDelay,
	})
	a.closers = append(a.closers, a.nav.Close)
	a.machine = authstate.New(a.nav, log, authstate.Options{})
	a.nav.OnChange(func(s navigation.State) {
		if err := a.machine.HandleNavigation(context.WithoutCancel(ctx), s.IsTransitioning); err != nil {
			log.Debug("auth machine ignored navigation change", zap.Error(err))
		}
	})

	a.events = events.New(a.nav, a.machine, log, events.Config{
		QueueCapacity:  cfg.Events.QueueCapacity,
		BatchInterval:  cfg.Events.BatchInterval,
		BatchSize:      cfg.Events.BatchSize,
		DefaultExpiry:  cfg.Events.DefaultExpiry,
		MaxRetries:     cfg.Events.MaxRetries,
		RetryBaseDelay: cfg.Events.RetryBaseDelay,
		HistorySize:    cfg.Events.HistorySize,
	})
	a.events.Register(profileswitch.EventProfileSwitched, a.onProfileSwitched)
	a.events.Start(ctx)
	a.closers = append(a.closers, a.events.Stop)

	if err := a.openCache(ctx, cfg); err != nil {
		return nil, err
	}
	repo, err := a.openAccounts(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.accounts = account.NewSwitcher(account.Deps{
		Repo:     repo,
		Tokens:   a.tokens,
		Sessions: a.sessions,
		API:      a.api,
		Storage:  st,
		Cache:    a.cache,
		Identity: a.ident,
	}, log, account.Options{MaxAccounts: cfg.Accounts.MaxAccounts, ExpiryBuffer: cfg.Token.ExpiryBuffer})

	fp, err := device.Fingerprint(ctx, st)
	if err != nil {
		log.Warn("device fingerprint unavailable", zap.Error(err))
	}
	deps := profileswitch.Deps{
		API:      a.api,
		Tokens:   a.tokens,
		Sessions: a.sessions,
		Auth:     a.ident,
		Cache:    a.cache,
		Storage:  st,
		Events:   a.events,
	}
	if cfg.RealtimeAddr != "" {
		tlsOpts := realtime.TLSOptions{CAPath: cfg.RealtimeCA, Plaintext: cfg.RealtimePlaintext}
		if a.rt, err = realtime.Dial(cfg.RealtimeAddr, tlsOpts, a.tokens, log); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = a.rt.Disconnect() })
		deps.Realtime = a.rt
	}
	a.profiles = profileswitch.New(deps, log, profileswitch.Options{
		RequestTimeout:    cfg.Switch.RequestTimeout,
		DeviceFingerprint: fp,
	})

	ok = true
	return a, nil
}

// openCache picks Redis when configured. Prefetches are suspended while a
// profile switch runs.
func (a *app) openCache(ctx context.Context, cfg config.Config) error {
	if cfg.RedisAddr == "" {
		a.cache = cache.Suspending(cache.NewMemory(), a.ident)
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	a.cache = cache.Suspending(rediscache.New(rdb, "gkid:cache:", 10*time.Minute), a.ident)
	return nil
}

// openAccounts uses Postgres when a DSN is configured and the secure store otherwise.
func (a *app) openAccounts(ctx context.Context, cfg config.Config) (repository.AccountRepository, error) {
	if cfg.DatabaseDSN == "" {
		return repository.OpenStoredAccounts(ctx, a.store)
	}
	if _, err := migrate.Up(ctx, cfg.DatabaseDSN, a.log); err != nil {
		return nil, err
	}
	db, err := postgres.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	box, err := a.sealBox(ctx)
	if err != nil {
		return nil, err
	}
	return postgres.NewAccountRepo(db, box), nil
}

// sealBox loads the account sealing key from secure storage, creating it on first use.
func (a *app) sealBox(ctx context.Context) (*clientcrypto.Box, error) {
	enc, ok, err := a.store.GetString(ctx, keySealKey)
	if err != nil {
		return nil, err
	}
	var key []byte
	if ok {
		if key, err = base64.StdEncoding.DecodeString(enc); err != nil {
			return nil, fmt.Errorf("decode seal key: %w", err)
		}
	} else {
		if key, err = clientcrypto.Rand(clientcrypto.KeyLen); err != nil {
			return nil, err
		}
		if err := a.store.SetString(ctx, keySealKey, base64.StdEncoding.EncodeToString(key)); err != nil {
			return nil, err
		}
	}
	return clientcrypto.NewBox(key)
}

// restore validates the stored session against the backend and drives the auth
// machine through REFRESHING.
func (a *app) restore(ctx context.Context) error {
	if err := a.machine.Send(ctx, authstate.SessionRefreshStart); err != nil {
		a.log.Debug("session refresh start rejected", zap.Error(err))
	}
	s, err := a.sessions.ValidateAndRestoreSession(ctx)
	if err != nil {
		_ = a.machine.Send(ctx, authstate.SessionRefreshFailure)
		return fmt.Errorf("not signed in: %w", err)
	}
	_ = a.machine.Send(ctx, authstate.SessionRefreshSuccess)
	a.ident.SetIdentity(authctx.FromSession(s))
	return nil
}

// saveActive records the current session as a stored account and marks it active.
func (a *app) saveActive(ctx context.Context) error {
	sess := a.sessions.Current()
	if sess == nil {
		return errors.New("no active session")
	}
	t, err := a.tokens.Tokens(ctx)
	if err != nil {
		return err
	}
	if err := a.accounts.SaveAccount(ctx, account.FromSession(sess, t)); err != nil {
		return err
	}
	return a.accounts.SetActive(ctx, sess.UserID)
}

// logout drops the session, the tokens, the default headers and every cached
// query. Stored accounts are kept.
func (a *app) logout(ctx context.Context) error {
	var all []error
	if err := a.sessions.ClearSession(ctx); err != nil {
		all = append(all, fmt.Errorf("clear session: %w", err))
	}
	if err := a.tokens.ClearAllTokens(ctx); err != nil {
		all = append(all, fmt.Errorf("clear tokens: %w", err))
	}
	a.api.SetAccessToken("")
	a.api.SetRefreshToken("")
	a.api.SetProfileID("")
	if err := a.cache.ClearAll(ctx); err != nil {
		all = append(all, fmt.Errorf("clear cache: %w", err))
	}
	a.ident.SetIdentity(authctx.Identity{})
	return errors.Join(all...)
}

func (a *app) onProfileSwitched(ctx context.Context, ev events.Event) (any, error) {
	if sw, ok := ev.Data.(profileswitch.Switched); ok {
		a.log.Info("profile switched", zap.String("from", sw.FromProfileID), zap.String("to", sw.ToProfileID))
	}
	return nil, a.saveActive(ctx)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
