package account

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/goph-identity/internal/api"
	"github.com/and161185/goph-identity/internal/api/apitest"
	"github.com/and161185/goph-identity/internal/authctx"
	"github.com/and161185/goph-identity/internal/cache"
	"github.com/and161185/goph-identity/internal/device"
	"github.com/and161185/goph-identity/internal/errs"
	"github.com/and161185/goph-identity/internal/model"
	"github.com/and161185/goph-identity/internal/repository"
	"github.com/and161185/goph-identity/internal/securestore"
	"github.com/and161185/goph-identity/internal/session"
	"github.com/and161185/goph-identity/internal/token"
	"github.com/and161185/goph-identity/internal/token/tokentest"
)

type fakeBiometric struct {
	hardware, enrolled bool
	result             device.BiometricResult
	gate               chan struct{}
}

func (f *fakeBiometric) HasHardware() bool { return f.hardware }
func (f *fakeBiometric) IsEnrolled() bool  { return f.enrolled }
func (f *fakeBiometric) Authenticate(ctx context.Context, _ string) (device.BiometricResult, error) {
	if f.gate != nil {
		<-f.gate
	}
	return f.result, nil
}

type fakeNet struct{ online bool }

func (f fakeNet) IsOnline(context.Context) bool { return f.online }

// failingSessions fails the next ReplaceSession call with a non-nil session.
type failingSessions struct {
	*session.Manager
	mu   sync.Mutex
	fail bool
}

func (f *failingSessions) ReplaceSession(ctx context.Context, s *model.Session) error {
	f.mu.Lock()
	fail := f.fail && s != nil
	f.fail = false
	f.mu.Unlock()
	if fail {
		return errs.ErrStorageWrite
	}
	return f.Manager.ReplaceSession(ctx, s)
}

// flakyCache fails Invalidate or ClearAll on demand.
type flakyCache struct {
	*cache.Memory
	failInvalidate bool
	failClear      bool
	cleared        bool
}

func (c *flakyCache) Invalidate(ctx context.Context, pred cache.Predicate) (int, error) {
	if c.failInvalidate {
		return 0, errors.New("scan failed")
	}
	return c.Memory.Invalidate(ctx, pred)
}

func (c *flakyCache) ClearAll(ctx context.Context) error {
	c.cleared = true
	if c.failClear {
		return errors.New("flush failed")
	}
	return c.Memory.ClearAll(ctx)
}

var (
	_ device.Biometric    = (*fakeBiometric)(nil)
	_ device.Connectivity = fakeNet{}
	_ Sessions            = (*failingSessions)(nil)
	_ IdentitySink        = (*authctx.Context)(nil)
	_ cache.Cache         = (*flakyCache)(nil)
)

type fixture struct {
	sw       *Switcher
	repo     *repository.MemoryAccounts
	tokens   *token.Manager
	sessions *failingSessions
	api      *apitest.Fake
	storage  *securestore.Memory
	ident    *authctx.Context
	cache    *flakyCache
	bio      *fakeBiometric
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	st := securestore.NewMemory()
	tm := token.NewManager(token.NewStore(st), nil, token.Options{})
	fake := apitest.New()
	sm := &failingSessions{Manager: session.NewManager(fake, tm, st, nil, session.Options{})}
	f := &fixture{
		repo:     repository.NewMemoryAccounts(),
		tokens:   tm,
		sessions: sm,
		api:      fake,
		storage:  st,
		ident:    authctx.New(),
		cache:    &flakyCache{Memory: cache.NewMemory()},
		bio:      &fakeBiometric{hardware: true, enrolled: true, result: device.BiometricResult{Success: true}},
	}
	f.sw = NewSwitcher(Deps{
		Repo:         f.repo,
		Tokens:       tm,
		Sessions:     sm,
		API:          fake,
		Storage:      st,
		Cache:        f.cache,
		Biometric:    f.bio,
		Connectivity: fakeNet{online: online},
		Identity:     f.ident,
	}, nil, Options{MaxAccounts: 3})
	return f
}

func (f *fixture) seed(t *testing.T, userID, profileID string, ttl time.Duration, added time.Time) string {
	t.Helper()
	tok := tokentest.Sign(t, userID, profileID, "ent-"+userID, ttl)
	require.NoError(t, f.repo.Upsert(context.Background(), &model.Account{
		UserID: userID, ProfileID: profileID, EntityID: "ent-" + userID,
		ProfileType: model.ProfilePersonal, FirstName: userID,
		AccessToken: tok, RefreshToken: "refresh-" + userID, AddedAt: added,
	}))
	return tok
}

func (f *fixture) activate(t *testing.T, userID, access string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.tokens.SwapTokens(ctx, access, "refresh-"+userID))
	require.NoError(t, f.sw.SetActive(ctx, userID))
}

func TestSwitchAccount_OK(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, true)
	t0 := time.Now().Add(-time.Hour)
	aTok := f.seed(t, "alice", "pa", time.Hour, t0)
	bTok := f.seed(t, "bob", "pb", time.Hour, t0.Add(time.Minute))
	f.activate(t, "alice", aTok)

	acc, err := f.sw.SwitchAccount(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Equal(t, "bob", acc.UserID)

	require.Equal(t, bTok, f.tokens.CurrentAccessToken())
	r, _ := f.tokens.RefreshToken(ctx)
	require.Equal(t, "refresh-bob", r)
	require.Equal(t, "Bearer "+bTok, f.api.Headers()[api.HeaderAuthorization])
	require.Equal(t, "pb", f.api.Headers()[api.HeaderProfileID])
	require.Equal(t, "pb", f.sessions.Current().ProfileID)
	require.Equal(t, "pb", f.ident.Identity().ProfileID)

	active, err := f.sw.ActiveAccountID(ctx)
	require.NoError(t, err)
	require.Equal(t, "bob", active)
	require.False(t, f.sw.InProgress())
}

func TestSwitchAccount_ConcurrentRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, true)
	f.seed(t, "bob", "pb", time.Hour, time.Now())
	f.bio.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.sw.SwitchAccount(ctx, "bob", "")
		done <- err
	}()
	require.Eventually(t, f.sw.InProgress, time.Second, time.Millisecond)

	_, err := f.sw.SwitchAccount(ctx, "bob", "")
	require.ErrorIs(t, err, errs.ErrConcurrentOperation)

	close(f.bio.gate)
	require.NoError(t, <-done)
}

func TestSwitchAccount_Offline(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.seed(t, "bob", "pb", time.Hour, time.Now())
	_, err := f.sw.SwitchAccount(context.Background(), "bob", "")
	require.ErrorIs(t, err, errs.ErrOffline)
	require.Equal(t, "", f.tokens.CurrentAccessToken())
}

func TestSwitchAccount_Biometric(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, true)
	f.seed(t, "bob", "pb", time.Hour, time.Now())
	f.bio.result = device.BiometricResult{Success: false}
	_, err := f.sw.SwitchAccount(ctx, "bob", "")
	require.ErrorIs(t, err, errs.ErrBiometricRejected)
	require.Nil(t, f.sessions.Current())

	// not enrolled is a pass-through
	f.bio.enrolled = false
	_, err = f.sw.SwitchAccount(ctx, "bob", "")
	require.NoError(t, err)
}

func TestSwitchAccount_ExpiredOrMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, true)
	f.seed(t, "old", "po", -time.Minute, time.Now())

	_, err := f.sw.SwitchAccount(ctx, "old", "")
	require.ErrorIs(t, err, errs.ErrExpiredToken)

	_, err = f.sw.SwitchAccount(ctx, "ghost", "")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSwitchAccount_SessionFailureRestoresCredentials(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, true)
	aTok := f.seed(t, "alice", "pa", time.Hour, time.Now())
	f.seed(t, "bob", "pb", time.Hour, time.Now())
	f.activate(t, "alice", aTok)
	f.api.SetAccessToken(aTok)
	f.api.SetProfileID("pa")
	headers := f.api.Headers()

	f.sessions.fail = true
	_, err := f.sw.SwitchAccount(ctx, "bob", "alice")
	require.ErrorIs(t, err, errs.ErrStorageWrite)

	require.Equal(t, aTok, f.tokens.CurrentAccessToken())
	require.Equal(t, headers, f.api.Headers())
	active, _ := f.sw.ActiveAccountID(ctx)
	require.Equal(t, "alice", active)
}

// signIn makes userID's stored account the current session.
func (f *fixture) signIn(t *testing.T, userID string) {
	t.Helper()
	ctx := context.Background()
	acc, err := f.repo.Get(ctx, userID)
	require.NoError(t, err)
	f.activate(t, userID, acc.AccessToken)
	require.NoError(t, f.sessions.ReplaceSession(ctx, acc.Session("s-"+userID, time.Now())))
}

func (f *fixture) fillCache(t *testing.T) {
	t.Helper()
	for _, k := range []cache.Key{
		{"profile", "pa", "transactions"},
		{"entity", "ent-alice", "balance"},
		{"kyc", "status"},
		{"profile", "pb", "summary"},
		{"app", "config"},
	} {
		require.NoError(t, f.cache.SetData(context.Background(), k, "v"))
	}
}

func TestSwitchAccount_DropsPreviousAccountCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, true)
	f.seed(t, "alice", "pa", time.Hour, time.Now())
	f.seed(t, "bob", "pb", time.Hour, time.Now())
	f.signIn(t, "alice")
	f.fillCache(t)

	_, err := f.sw.SwitchAccount(ctx, "bob", "alice")
	require.NoError(t, err)
	require.ElementsMatch(t, []cache.Key{{"profile", "pb", "summary"}, {"app", "config"}}, f.cache.Keys())
	require.False(t, f.cache.cleared)
}

func TestSwitchAccount_CacheFallbacks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, true)
	f.seed(t, "alice", "pa", time.Hour, time.Now())
	f.seed(t, "bob", "pb", time.Hour, time.Now())
	f.signIn(t, "alice")
	f.fillCache(t)
	f.cache.failInvalidate = true
	_, err := f.sw.SwitchAccount(ctx, "bob", "alice")
	require.NoError(t, err)
	require.True(t, f.cache.cleared)
	require.Empty(t, f.cache.Keys())

	// a failed full clear keeps the previous account active
	f = newFixture(t, true)
	f.seed(t, "alice", "pa", time.Hour, time.Now())
	f.seed(t, "bob", "pb", time.Hour, time.Now())
	f.signIn(t, "alice")
	aTok := f.tokens.CurrentAccessToken()
	f.cache.failInvalidate, f.cache.failClear = true, true
	_, err = f.sw.SwitchAccount(ctx, "bob", "alice")
	require.Error(t, err)
	require.Equal(t, aTok, f.tokens.CurrentAccessToken())
	require.Equal(t, "pa", f.sessions.Current().ProfileID)
	active, _ := f.sw.ActiveAccountID(ctx)
	require.Equal(t, "alice", active)
}

func TestSaveAccount_EvictsOldestInactive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, true)
	t0 := time.Now().Add(-time.Hour)
	f.seed(t, "a", "pa", time.Hour, t0)
	f.seed(t, "b", "pb", time.Hour, t0.Add(time.Minute))
	f.seed(t, "c", "pc", time.Hour, t0.Add(2*time.Minute))
	require.NoError(t, f.sw.SetActive(ctx, "a"))

	require.NoError(t, f.sw.SaveAccount(ctx, model.Account{UserID: "d", ProfileID: "pd"}))
	list, err := f.sw.ListAccounts(ctx)
	require.NoError(t, err)
	ids := []string{}
	for _, a := range list {
		ids = append(ids, a.UserID)
	}
	require.ElementsMatch(t, []string{"a", "c", "d"}, ids)

	// updating an existing account never evicts
	require.NoError(t, f.sw.SaveAccount(ctx, model.Account{UserID: "c", ProfileID: "pc2"}))
	n, _ := f.repo.Count(ctx)
	require.Equal(t, 3, n)
}

func TestRemoveAccount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, true)
	f.seed(t, "a", "pa", time.Hour, time.Now())

	require.ErrorIs(t, f.sw.RemoveAccount(ctx, "a", "a"), errs.ErrActiveAccount)
	require.ErrorIs(t, f.sw.RemoveAccount(ctx, "a", "z"), errs.ErrLastAccount)

	f.seed(t, "b", "pb", time.Hour, time.Now())
	require.NoError(t, f.sw.RemoveAccount(ctx, "b", "a"))
	require.True(t, errors.Is(f.sw.RemoveAccount(ctx, "b", "a"), errs.ErrLastAccount))
}

func TestFromSession(t *testing.T) {
	t.Parallel()
	a := FromSession(&model.Session{UserID: "u", ProfileID: "p", EntityID: "e", ProfileType: model.ProfileBusiness, BusinessName: "Acme"},
		model.Tokens{AccessToken: "a", RefreshToken: "r"})
	require.Equal(t, "Acme", a.DisplayName)
	require.Equal(t, "r", a.RefreshToken)
}
