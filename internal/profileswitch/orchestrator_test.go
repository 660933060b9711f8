package profileswitch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/goph-identity/internal/api"
	"github.com/and161185/goph-identity/internal/api/apitest"
	"github.com/and161185/goph-identity/internal/authctx"
	"github.com/and161185/goph-identity/internal/cache"
	"github.com/and161185/goph-identity/internal/device"
	"github.com/and161185/goph-identity/internal/errs"
	"github.com/and161185/goph-identity/internal/events"
	"github.com/and161185/goph-identity/internal/model"
	"github.com/and161185/goph-identity/internal/realtime"
	"github.com/and161185/goph-identity/internal/securestore"
	"github.com/and161185/goph-identity/internal/session"
	"github.com/and161185/goph-identity/internal/token"
	"github.com/and161185/goph-identity/internal/token/tokentest"
)

type fakeBiometric struct {
	hardware, enrolled bool
	result             device.BiometricResult
	err                error
	gate               chan struct{}
}

func (f *fakeBiometric) HasHardware() bool { return f.hardware }
func (f *fakeBiometric) IsEnrolled() bool  { return f.enrolled }
func (f *fakeBiometric) Authenticate(context.Context, string) (device.BiometricResult, error) {
	if f.gate != nil {
		<-f.gate
	}
	return f.result, f.err
}

type fakeChannel struct {
	disconnects, reconnects atomic.Int32
}

func (c *fakeChannel) IsConnected() bool { return true }
func (c *fakeChannel) Disconnect() error {
	c.disconnects.Add(1)
	return nil
}
func (c *fakeChannel) Reconnect(context.Context) error {
	c.reconnects.Add(1)
	return nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []string
	data   []any
}

func (e *fakeEmitter) Emit(_ context.Context, typ string, data any, _ events.Options) (events.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, typ)
	e.data = append(e.data, data)
	return events.Result{}, nil
}

// recordingCache records the identity seen at invalidation time and can fail the
// surgical path.
type recordingCache struct {
	*cache.Memory
	ident          *authctx.Context
	failInvalidate bool
	failClear      bool
	seen           []string
	cleared        bool
}

func (c *recordingCache) Invalidate(ctx context.Context, pred cache.Predicate) (int, error) {
	c.seen = append(c.seen, c.ident.Identity().ProfileID)
	if c.failInvalidate {
		return 0, errors.New("invalidate failed")
	}
	return c.Memory.Invalidate(ctx, pred)
}

func (c *recordingCache) ClearAll(ctx context.Context) error {
	c.cleared = true
	if c.failClear {
		return errors.New("clear failed")
	}
	return c.Memory.ClearAll(ctx)
}

// flakySessions fails ReplaceSession for non-nil sessions while failing is set.
type flakySessions struct {
	*session.Manager
	failing atomic.Bool
}

func (f *flakySessions) ReplaceSession(ctx context.Context, s *model.Session) error {
	if f.failing.Load() {
		return errs.ErrStorageWrite
	}
	return f.Manager.ReplaceSession(ctx, s)
}

// flakyStorage fails the next n writes.
type flakyStorage struct {
	*securestore.Memory
	failNext atomic.Int32
}

func (f *flakyStorage) SetString(ctx context.Context, key, value string) error {
	if f.failNext.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return f.Memory.SetString(ctx, key, value)
}

var (
	_ device.Biometric     = (*fakeBiometric)(nil)
	_ realtime.Channel     = (*fakeChannel)(nil)
	_ realtime.Reconnector = (*fakeChannel)(nil)
	_ Emitter              = (*fakeEmitter)(nil)
	_ cache.Cache          = (*recordingCache)(nil)
	_ Sessions             = (*flakySessions)(nil)
	_ Tokens               = (*token.Manager)(nil)
	_ AuthContext          = (*authctx.Context)(nil)
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	o        *Orchestrator
	api      *apitest.Fake
	tokens   *token.Manager
	sessions *flakySessions
	storage  *flakyStorage
	ident    *authctx.Context
	cache    *recordingCache
	bio      *fakeBiometric
	channel  *fakeChannel
	emitter  *fakeEmitter

	oldAccess  string
	oldSession *model.Session
	oldHeaders map[string]string

	mu     sync.Mutex
	states []State
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := &flakyStorage{Memory: securestore.NewMemory()}
	tm := token.NewManager(token.NewStore(st), nil, token.Options{})
	fake := apitest.New()
	sm := &flakySessions{Manager: session.NewManager(fake, tm, st, nil, session.Options{})}
	ident := authctx.New()
	f := &fixture{
		api:      fake,
		tokens:   tm,
		sessions: sm,
		storage:  st,
		ident:    ident,
		cache:    &recordingCache{Memory: cache.NewMemory(), ident: ident},
		bio:      &fakeBiometric{hardware: true, enrolled: true, result: device.BiometricResult{Success: true}},
		channel:  &fakeChannel{},
		emitter:  &fakeEmitter{},
	}

	f.oldAccess = tokentest.Sign(t, "u1", "p1", "e1", time.Hour)
	require.NoError(t, tm.SwapTokens(ctx, f.oldAccess, "r1"))
	fake.SetAccessToken(f.oldAccess)
	fake.SetProfileID("p1")
	sess := sm.BuildSession(session.ProfileResponse{ID: "p1", EntityID: "e1", Type: model.ProfilePersonal, FirstName: "Ada", LastName: "L"}, "u1")
	require.NoError(t, sm.ReplaceSession(ctx, sess))
	ident.SetIdentity(authctx.FromSession(sess))
	f.oldSession = sm.Current()
	f.oldHeaders = fake.Headers()

	for _, k := range []cache.Key{
		{"profile", "p1", "transactions"},
		{"entity", "e1", "balance"},
		{"kyc", "status"},
		{"profile", "p2", "summary"},
		{"app", "config"},
	} {
		require.NoError(t, f.cache.SetData(ctx, k, "v"))
	}

	f.o = New(Deps{
		API:       fake,
		Tokens:    tm,
		Sessions:  sm,
		Auth:      ident,
		Cache:     f.cache,
		Storage:   st,
		Biometric: f.bio,
		Realtime:  f.channel,
		Events:    f.emitter,
	}, nil, Options{DeviceFingerprint: "fp-1", Now: func() time.Time { return now }})
	f.o.Subscribe(func(tr Transition) {
		f.mu.Lock()
		f.states = append(f.states, tr.To)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) transitions() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]State(nil), f.states...)
}

// serveTarget answers the switch and profile endpoints for business profile p2.
func (f *fixture) serveTarget(t *testing.T) string {
	t.Helper()
	access := tokentest.Sign(t, "u1", "p2", "e2", time.Hour)
	f.api.JSON("POST", PathSwitchProfile, session.TokenResponse{AccessToken: access, RefreshToken: "r2"})
	f.api.JSON("GET", session.PathMe, session.ProfileResponse{ProfileID: "p2", EntityID: "e2", Type: model.ProfileBusiness, BusinessName: "Acme"})
	return access
}

func (f *fixture) requireUnchanged(t *testing.T) {
	t.Helper()
	got, err := f.tokens.Tokens(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.Tokens{AccessToken: f.oldAccess, RefreshToken: "r1"}, got)
	require.Equal(t, f.oldSession, f.sessions.Current())
	require.Equal(t, f.oldHeaders, f.api.Headers())
	require.Equal(t, "p1", f.ident.Identity().ProfileID)
	require.Equal(t, "e1", f.ident.Identity().EntityID)
}

func TestSwitchProfile_Success(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	access := f.serveTarget(t)

	res, err := f.o.SwitchProfile(ctx, Request{TargetProfileID: "p2", PIN: "1234", RequireBiometric: true})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "p2", res.NewProfileID)
	require.Equal(t, Success, res.State)
	require.Nil(t, f.o.Snapshot())
	require.False(t, f.o.InProgress())

	require.Equal(t, []State{BiometricPending, APICallPending, TokenUpdatePending, DataFetchPending, CacheClearPending, Success}, f.transitions())

	got, err := f.tokens.Tokens(ctx)
	require.NoError(t, err)
	require.Equal(t, model.Tokens{AccessToken: access, RefreshToken: "r2"}, got)
	require.Equal(t, "Bearer "+access, f.api.Headers()[api.HeaderAuthorization])
	require.Equal(t, "p2", f.api.Headers()[api.HeaderProfileID])

	s := f.sessions.Current()
	require.Equal(t, "p2", s.ProfileID)
	require.Equal(t, "e2", s.EntityID)
	require.Equal(t, "u1", s.UserID)
	require.Equal(t, "Acme", s.DisplayName())

	id := f.ident.Identity()
	require.Equal(t, "p2", id.ProfileID)
	require.False(t, f.ident.Switching())

	calls := f.api.Calls()
	require.Equal(t, switchRequest{TargetProfileID: "p2", PIN: "1234", BiometricVerified: true, DeviceFingerprint: "fp-1"}, calls[0].Body)

	require.ElementsMatch(t, []cache.Key{{"profile", "p2", "summary"}, {"app", "config"}}, f.cache.Keys())
	require.False(t, f.cache.cleared)
	require.Equal(t, []string{"p2"}, f.cache.seen, "identity must be updated before invalidation")

	require.Equal(t, int32(1), f.channel.disconnects.Load())
	require.Equal(t, int32(1), f.channel.reconnects.Load())

	last, ok, err := f.storage.GetString(ctx, KeyLastActiveProfile)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "p2", last)
	raw, ok, _ := f.storage.GetString(ctx, CredentialMetaKey("p2"))
	require.True(t, ok)
	var meta credentialMeta
	require.NoError(t, json.Unmarshal([]byte(raw), &meta))
	require.True(t, meta.PINUsed)
	require.True(t, meta.BiometricVerified)
	require.Equal(t, model.ProfileBusiness, meta.ProfileType)

	require.Equal(t, []string{EventProfileSwitched}, f.emitter.events)
	require.Equal(t, Switched{FromProfileID: "p1", ToProfileID: "p2", EntityID: "e2"}, f.emitter.data[0])
}

func TestSwitchProfile_BiometricRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.serveTarget(t)
	f.bio.result = device.BiometricResult{Success: false, Reason: "user_cancel"}

	res, err := f.o.SwitchProfile(context.Background(), Request{TargetProfileID: "p2", RequireBiometric: true})
	require.ErrorIs(t, err, errs.ErrBiometricRejected)
	require.False(t, res.Success)
	require.False(t, res.RolledBack)
	require.Equal(t, Failed, res.State)
	require.Equal(t, MsgBiometric, res.Message)
	require.Equal(t, []State{BiometricPending, Failed}, f.transitions())
	require.Equal(t, 0, f.api.CallCount("POST", PathSwitchProfile))
	f.requireUnchanged(t)
	require.Len(t, f.cache.Keys(), 5)
}

func TestSwitchProfile_BiometricUnavailablePasses(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.serveTarget(t)
	f.bio.enrolled = false

	res, err := f.o.SwitchProfile(context.Background(), Request{TargetProfileID: "p2", RequireBiometric: true})
	require.NoError(t, err)
	require.True(t, res.Success)
	body := f.api.Calls()[0].Body.(switchRequest)
	require.False(t, body.BiometricVerified)

	f2 := newFixture(t)
	f2.serveTarget(t)
	f2.bio.err = errs.ErrBiometricUnavailable
	res, err = f2.o.SwitchProfile(context.Background(), Request{TargetProfileID: "p2", RequireBiometric: true})
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestSwitchProfile_PrefetchRunsDuringBiometric(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.serveTarget(t)
	gate := make(chan struct{})
	f.bio.gate = gate
	var prefetched string
	f.o.d.Prefetch = func(_ context.Context, target string) error {
		prefetched = target
		close(gate)
		return errors.New("prefetch errors are ignored")
	}

	res, err := f.o.SwitchProfile(context.Background(), Request{TargetProfileID: "p2", RequireBiometric: true})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "p2", prefetched)
}

func TestSwitchProfile_SlowPrefetchDoesNotDelayRejection(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.serveTarget(t)
	f.bio.result = device.BiometricResult{Success: false, Reason: "no match"}
	var cancelled atomic.Bool
	f.o.d.Prefetch = func(ctx context.Context, _ string) error {
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}

	start := time.Now()
	res, err := f.o.SwitchProfile(context.Background(), Request{TargetProfileID: "p2", RequireBiometric: true})
	require.ErrorIs(t, err, errs.ErrBiometricRejected)
	require.Equal(t, Failed, res.State)
	require.Less(t, time.Since(start), time.Second)
	require.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond, "aborted switch must cancel the prefetch")
	f.requireUnchanged(t)
}

func TestSwitchProfile_SuspendsCacheRefetch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.serveTarget(t)
	shared := cache.Suspending(f.cache, f.ident)
	during := make(chan error, 1)
	gate := make(chan struct{})
	f.bio.gate = gate
	f.o.d.Prefetch = func(ctx context.Context, _ string) error {
		during <- shared.Prefetch(ctx, cache.Key{"profile", "p1", "feed"}, func(context.Context) (any, error) { return "stale", nil })
		close(gate)
		return nil
	}

	res, err := f.o.SwitchProfile(context.Background(), Request{TargetProfileID: "p2", RequireBiometric: true})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.ErrorIs(t, <-during, cache.ErrSuspended)

	require.False(t, f.ident.Switching())
	require.NoError(t, shared.Prefetch(context.Background(), cache.Key{"profile", "p2", "feed"}, func(context.Context) (any, error) { return "fresh", nil }))
}

func TestSwitchProfile_WrongPIN(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	two := 2
	f.api.Fail("POST", PathSwitchProfile, &api.Error{
		Status:  http.StatusUnauthorized,
		Details: []api.ErrorDetail{{Message: "invalid pin", AttemptsRemaining: &two}},
	})

	res, err := f.o.SwitchProfile(context.Background(), Request{TargetProfileID: "p2", PIN: "0000"})
	require.ErrorIs(t, err, errs.ErrCredentialRejected)
	var ae *api.Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, http.StatusUnauthorized, ae.Status)

	require.Equal(t, Failed, res.State)
	require.False(t, res.RolledBack)
	require.Contains(t, res.Message, "2 attempts remaining")
	require.Equal(t, 2, *res.AttemptsRemaining)
	require.Equal(t, []State{APICallPending, Failed}, f.transitions())
	require.Nil(t, f.o.Snapshot())
	f.requireUnchanged(t)

	// the lock is released for an immediate retry
	f.serveTarget(t)
	res, err = f.o.SwitchProfile(context.Background(), Request{TargetProfileID: "p2", PIN: "1234"})
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestSwitchProfile_LockedOut(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	until := now.Add(4*time.Minute + 30*time.Second)
	f.api.Fail("POST", PathSwitchProfile, &api.Error{
		Status:  http.StatusForbidden,
		Details: []api.ErrorDetail{{Message: "locked", LockedUntil: &until}},
	})

	res, err := f.o.SwitchProfile(context.Background(), Request{TargetProfileID: "p2", PIN: "0000"})
	require.ErrorIs(t, err, errs.ErrCredentialRejected)
	require.Equal(t, "Too many attempts. Try again in 4m 30s.", res.Message)
	require.Equal(t, until, *res.LockedUntil)
	f.requireUnchanged(t)
}

func TestSwitchProfile_ServerErrorRollsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.api.Fail("POST", PathSwitchProfile, &api.Error{Status: http.StatusInternalServerError})

	res, err := f.o.SwitchProfile(context.Background(), Request{TargetProfileID: "p2"})
	require.ErrorIs(t, err, errs.ErrNetworkOrSystem)
	require.True(t, res.RolledBack)
	require.Equal(t, RolledBack, res.State)
	require.Equal(t, MsgRolledBack, res.Message)
	require.Equal(t, []State{APICallPending, Failed, RolledBack}, f.transitions())
	require.Nil(t, f.o.Snapshot())
	f.requireUnchanged(t)
}

func TestSwitchProfile_MalformedResponsesRollBack(t *testing.T) {
	t.Parallel()
	cases := map[string]any{
		"no access token": session.TokenResponse{RefreshToken: "r2"},
		"garbage token":   session.TokenResponse{AccessToken: "garbage"},
		"wrong profile":   session.TokenResponse{AccessToken: tokentest.Sign(t, "u1", "p3", "e3", time.Hour)},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.api.JSON("POST", PathSwitchProfile, body)
			res, err := f.o.SwitchProfile(context.Background(), Request{TargetProfileID: "p2"})
			require.ErrorIs(t, err, errs.ErrMalformedResponse)
			require.Equal(t, RolledBack, res.State)
			f.requireUnchanged(t)
		})
	}
}

func TestSwitchProfile_ProfileFetchFailureRestoresEverything(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.serveTarget(t)
	f.api.Fail("GET", session.PathMe, &api.Error{Status: http.StatusBadGateway})

	var displayed []string
	f.ident.OnChange(func(c authctx.Change) {
		if c.Display != nil {
			displayed = append(displayed, c.Display.ProfileID)
		}
	})

	res, err := f.o.SwitchProfile(context.Background(), Request{
		TargetProfileID: "p2",
		Display:         &authctx.Display{DisplayName: "Acme"},
	})
	require.Error(t, err)
	require.Equal(t, RolledBack, res.State)
	require.Equal(t, []State{APICallPending, TokenUpdatePending, DataFetchPending, Failed, RolledBack}, f.transitions())
	f.requireUnchanged(t)

	// target-scoped keys written during the attempt are dropped, the rest stays
	require.NotContains(t, f.cache.Keys(), cache.Key{"profile", "p2", "summary"})
	require.Contains(t, f.cache.Keys(), cache.Key{"profile", "p1", "transactions"})

	require.NotEmpty(t, displayed)
	for _, id := range displayed {
		require.Equal(t, "p2", id)
	}
	_, shown := f.ident.Display()
	require.False(t, shown)
	require.False(t, f.ident.Switching())
}

func TestSwitchProfile_TokenPersistFailureRollsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.serveTarget(t)
	f.storage.failNext.Store(1)

	res, err := f.o.SwitchProfile(context.Background(), Request{TargetProfileID: "p2"})
	require.ErrorIs(t, err, errs.ErrStorageWrite)
	require.Equal(t, RolledBack, res.State)
	require.Equal(t, 0, f.api.CallCount("GET", session.PathMe))
	f.requireUnchanged(t)
}

func TestSwitchProfile_RollbackFailureEscalates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.serveTarget(t)
	f.sessions.failing.Store(true)

	res, err := f.o.SwitchProfile(context.Background(), Request{TargetProfileID: "p2"})
	require.ErrorIs(t, err, errs.ErrRollbackFailed)
	require.Equal(t, Failed, res.State)
	require.Equal(t, MsgRollbackFailed, res.Message)
	require.False(t, res.RolledBack)
	require.False(t, f.o.InProgress())
	require.Nil(t, f.o.Snapshot())
}

func TestSwitchProfile_DisplayDeferredUntilAfterAPICall(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	access := tokentest.Sign(t, "u1", "p2", "e2", time.Hour)
	f.api.Handle("POST", PathSwitchProfile, func(context.Context, any) (any, error) {
		_, shown := f.ident.Display()
		require.False(t, shown, "display must not change before the switch call returns")
		require.True(t, f.ident.Switching())
		require.NotNil(t, f.o.Snapshot())
		require.Equal(t, f.oldAccess, f.o.Snapshot().AccessToken)
		return session.TokenResponse{AccessToken: access}, nil
	})
	f.api.Handle("GET", session.PathMe, func(context.Context, any) (any, error) {
		d, shown := f.ident.Display()
		require.True(t, shown)
		require.Equal(t, "p2", d.ProfileID)
		return session.ProfileResponse{ProfileID: "p2", EntityID: "e2", Type: model.ProfileBusiness, BusinessName: "Acme"}, nil
	})

	res, err := f.o.SwitchProfile(context.Background(), Request{TargetProfileID: "p2", Display: &authctx.Display{DisplayName: "Acme"}})
	require.NoError(t, err)
	require.True(t, res.Success)

	// an empty refresh in the response keeps the current one
	got, _ := f.tokens.Tokens(context.Background())
	require.Equal(t, "r1", got.RefreshToken)
}

func TestSwitchProfile_SurgicalFailureFallsBackToClearAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.serveTarget(t)
	f.cache.failInvalidate = true

	res, err := f.o.SwitchProfile(context.Background(), Request{TargetProfileID: "p2"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, f.cache.cleared)
	require.Empty(t, f.cache.Keys())
}

func TestSwitchProfile_ClearAllFailureRollsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.serveTarget(t)
	f.cache.failInvalidate = true
	f.cache.failClear = true

	res, err := f.o.SwitchProfile(context.Background(), Request{TargetProfileID: "p2"})
	require.Error(t, err)
	require.Equal(t, RolledBack, res.State)
	f.requireUnchanged(t)
}

func TestSwitchProfile_MetaPersistFailureIsNonFatal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.serveTarget(t)
	f.o.d.Storage = failingStore{}

	res, err := f.o.SwitchProfile(context.Background(), Request{TargetProfileID: "p2"})
	require.NoError(t, err)
	require.True(t, res.Success)
}

type failingStore struct{}

func (failingStore) GetString(context.Context, string) (string, bool, error) { return "", false, nil }
func (failingStore) SetString(context.Context, string, string) error {
	return errors.New("read-only")
}
func (failingStore) Delete(context.Context, string) error { return nil }

func TestSwitchProfile_ConcurrentCallIsRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.serveTarget(t)
	gate := make(chan struct{})
	f.bio.gate = gate

	done := make(chan Result, 1)
	go func() {
		res, _ := f.o.SwitchProfile(context.Background(), Request{TargetProfileID: "p2", RequireBiometric: true})
		done <- res
	}()
	require.Eventually(t, f.o.InProgress, time.Second, time.Millisecond)

	res, err := f.o.SwitchProfile(context.Background(), Request{TargetProfileID: "p3"})
	require.ErrorIs(t, err, errs.ErrConcurrentOperation)
	require.False(t, res.Success)
	require.Equal(t, MsgBusy, res.Message)
	require.Equal(t, "p1", f.tokens.ProfileID(), "rejected call must not touch tokens")

	close(gate)
	first := <-done
	require.True(t, first.Success)
	require.Equal(t, "p2", first.NewProfileID)
}

func TestSwitchProfile_EmptyTarget(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	res, err := f.o.SwitchProfile(context.Background(), Request{})
	require.Error(t, err)
	require.False(t, res.Success)
	require.Empty(t, f.transitions())
}

func TestFormatCountdown(t *testing.T) {
	t.Parallel()
	cases := []struct {
		d    time.Duration
		want string
	}{
		{-time.Second, "0s"},
		{0, "0s"},
		{45 * time.Second, "45s"},
		{1500 * time.Millisecond, "2s"},
		{4*time.Minute + 30*time.Second, "4m 30s"},
		{15 * time.Minute, "15m"},
		{time.Hour, "1h"},
		{time.Hour + 5*time.Minute + 10*time.Second, "1h 5m"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, FormatCountdown(tc.d), tc.d.String())
	}
}
