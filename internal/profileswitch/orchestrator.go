// Package profileswitch implements the atomic profile switch protocol.
//
// A switch runs as a fixed sequence of steps guarded by a single process-wide
// lock. Every mutating step happens after a snapshot of tokens, session, default
// headers and identity has been captured; a system failure restores all four
// from that snapshot. Credential rejections from the switch endpoint happen
// before any mutation and are returned for an in-place retry.
package profileswitch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/goph-identity/internal/api"
	"github.com/and161185/goph-identity/internal/authctx"
	"github.com/and161185/goph-identity/internal/cache"
	"github.com/and161185/goph-identity/internal/device"
	"github.com/and161185/goph-identity/internal/events"
	"github.com/and161185/goph-identity/internal/model"
	"github.com/and161185/goph-identity/internal/realtime"
	"github.com/and161185/goph-identity/internal/securestore"
	"github.com/and161185/goph-identity/internal/session"
)

// State is the orchestrator state.
type State string

const (
	Idle               State = "IDLE"
	BiometricPending   State = "BIOMETRIC_PENDING"
	APICallPending     State = "API_CALL_PENDING"
	TokenUpdatePending State = "TOKEN_UPDATE_PENDING"
	DataFetchPending   State = "DATA_FETCH_PENDING"
	CacheClearPending  State = "CACHE_CLEAR_PENDING"
	Success            State = "SUCCESS"
	Failed             State = "FAILED"
	RolledBack         State = "ROLLED_BACK"
)

// PathSwitchProfile is the backend switch endpoint.
const PathSwitchProfile = "/auth/switch-profile"

// EventProfileSwitched is emitted through the event coordinator after a successful switch.
const EventProfileSwitched = "PROFILE_SWITCHED"

// Storage keys written after a successful switch.
const (
	KeyLastActiveProfile = "profile.last_active"
	keyCredentialMeta    = "profile.credential_meta."
)

// CredentialMetaKey is the storage key of per-profile credential display metadata.
func CredentialMetaKey(profileID string) string { return keyCredentialMeta + profileID }

// Tokens is the subset of token.Manager used by the protocol.
type Tokens interface {
	Tokens(ctx context.Context) (model.Tokens, error)
	SwapTokens(ctx context.Context, access, refresh string) error
	Restore(ctx context.Context, t model.Tokens) error
	Metadata() (model.TokenMetadata, bool)
}

// Sessions is the subset of session.Manager used by the protocol.
type Sessions interface {
	Current() *model.Session
	FetchProfile(ctx context.Context) (*session.ProfileResponse, error)
	BuildSession(p session.ProfileResponse, userID string) *model.Session
	ReplaceSession(ctx context.Context, s *model.Session) error
}

// AuthContext is the application-wide identity mirror.
type AuthContext interface {
	Identity() authctx.Identity
	SetIdentity(authctx.Identity)
	SetSwitching(bool)
	ShowDisplay(authctx.Display)
	ClearDisplay()
}

// DisplaySource looks up display data already known for a profile.
type DisplaySource interface {
	LookupDisplay(ctx context.Context, profileID string) (authctx.Display, bool)
}

// Emitter is satisfied by events.Coordinator.
type Emitter interface {
	Emit(ctx context.Context, eventType string, data any, opts events.Options) (events.Result, error)
}

// PrefetchFunc loads non-sensitive data for the target profile while the
// biometric prompt is open. Its errors are logged only.
type PrefetchFunc func(ctx context.Context, targetProfileID string) error

// Deps groups the collaborators. Realtime, Displays, Events and Prefetch may be nil.
type Deps struct {
	API       api.Client
	Tokens    Tokens
	Sessions  Sessions
	Auth      AuthContext
	Cache     cache.Cache
	Storage   securestore.Storage
	Biometric device.Biometric
	Realtime  realtime.Channel
	Displays  DisplaySource
	Events    Emitter
	Prefetch  PrefetchFunc
}

// Options tunes an Orchestrator.
type Options struct {
	RequestTimeout    time.Duration // default 30s
	DeviceFingerprint string
	Now               func() time.Time
}

// Request describes one switch. Display is optimistic display data for the
// target, if the caller has it.
type Request struct {
	TargetProfileID  string
	PIN              string
	RequireBiometric bool
	Display          *authctx.Display
}

// Result is the outcome reported to the caller. Message is safe to show to the user.
type Result struct {
	Success           bool
	NewProfileID      string
	State             State
	Message           string
	RolledBack        bool
	AttemptsRemaining *int
	LockedUntil       *time.Time
}

// Transition is delivered to subscribers on every state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Orchestrator runs profile switches. It is the only writer of the switch lock.
type Orchestrator struct {
	d    Deps
	log  *zap.Logger
	opts Options

	locked atomic.Bool

	mu       sync.RWMutex
	state    State
	snapshot *model.ProfileSnapshot
	subs     []func(Transition)
}

// New constructs an Orchestrator in IDLE.
func New(d Deps, log *zap.Logger, opts Options) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if d.Biometric == nil {
		d.Biometric = device.NoBiometric{}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{d: d, log: log, opts: opts, state: Idle}
}

// Subscribe registers fn for state transitions. fn runs synchronously.
func (o *Orchestrator) Subscribe(fn func(Transition)) {
	o.mu.Lock()
	o.subs = append(o.subs, fn)
	o.mu.Unlock()
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// InProgress reports whether a switch holds the lock.
func (o *Orchestrator) InProgress() bool { return o.locked.Load() }

// Snapshot returns a copy of the snapshot held by the running switch, or nil.
func (o *Orchestrator) Snapshot() *model.ProfileSnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.snapshot == nil {
		return nil
	}
	s := *o.snapshot
	s.Session = s.Session.Clone()
	return &s
}

func (o *Orchestrator) setState(to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	subs := o.subs
	o.mu.Unlock()
	if from == to {
		return
	}
	o.log.Debug("profile switch state", zap.String("from", string(from)), zap.String("to", string(to)))
	tr := Transition{From: from, To: to, At: o.opts.Now()}
	for _, fn := range subs {
		fn(tr)
	}
}

func (o *Orchestrator) setSnapshot(s *model.ProfileSnapshot) {
	o.mu.Lock()
	o.snapshot = s
	o.mu.Unlock()
}
