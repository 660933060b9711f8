// Package authstate implements the navigation-aware authentication state machine.
//
// Transitions are declared as data in a table keyed by event. A transition is
// rejected, never queued, when the current state is not one of its sources, when
// its guard fails, or when another transition is still in flight.
package authstate

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/goph-identity/internal/errs"
)

// State is an authentication state.
type State string

const (
	Initializing    State = "INITIALIZING"
	Authenticated   State = "AUTHENTICATED"
	Navigating      State = "NAVIGATING"
	Refreshing      State = "REFRESHING"
	Unauthenticated State = "UNAUTHENTICATED"
	Error           State = "ERROR"
)

// Event drives a transition.
type Event string

const (
	SessionRestored       Event = "SESSION_RESTORED"
	SessionRefreshStart   Event = "SESSION_REFRESH_START"
	SessionRefreshSuccess Event = "SESSION_REFRESH_SUCCESS"
	SessionRefreshFailure Event = "SESSION_REFRESH_FAILURE"
	NavigationStart       Event = "NAVIGATION_START"
	NavigationEnd         Event = "NAVIGATION_END"
	LoginSuccess          Event = "LOGIN_SUCCESS"
	Logout                Event = "LOGOUT"
	SessionExpired        Event = "SESSION_EXPIRED"
	ErrorOccurred         Event = "ERROR_OCCURRED"
	Reset                 Event = "RESET"
)

const maxRecordedErrors = 10

// NavigationGate reports whether auth work may run now.
type NavigationGate interface {
	CanPerformAuthOperation() bool
}

// Guard is evaluated before a transition; false rejects it.
type Guard func(Data) bool

// Action runs after the state has moved and before listeners are notified.
type Action func(ctx context.Context, d Data) error

// Transition is one row of the table.
type Transition struct {
	From   []State
	To     State
	Guard  Guard
	Action Action
}

// TransitionError records a failed action.
type TransitionError struct {
	Event Event
	From  State
	To    State
	Err   error
	At    time.Time
}

// Data is the observable machine state. Listeners receive copies.
type Data struct {
	State            State
	Previous         State
	LastEvent        Event
	LastTransitionAt time.Time
	Errors           []TransitionError
}

func (d Data) clone() Data {
	d.Errors = slices.Clone(d.Errors)
	return d
}

// Table returns the transition table. SESSION_REFRESH_START is guarded by nav.
func Table(nav NavigationGate) map[Event]Transition {
	all := []State{Initializing, Authenticated, Navigating, Refreshing, Unauthenticated, Error}
	navigationQuiet := func(Data) bool { return nav == nil || nav.CanPerformAuthOperation() }

	return map[Event]Transition{
		SessionRestored: {
			From: []State{Initializing, Refreshing, Unauthenticated},
			To:   Authenticated,
		},
		SessionRefreshStart: {
			From:  []State{Authenticated, Unauthenticated, Initializing},
			To:    Refreshing,
			Guard: navigationQuiet,
		},
		SessionRefreshSuccess: {From: []State{Refreshing}, To: Authenticated},
		SessionRefreshFailure: {From: []State{Refreshing}, To: Unauthenticated},
		NavigationStart:       {From: []State{Authenticated}, To: Navigating},
		NavigationEnd:         {From: []State{Navigating}, To: Authenticated},
		LoginSuccess: {
			From: []State{Initializing, Unauthenticated, Error},
			To:   Authenticated,
		},
		Logout: {
			From: []State{Authenticated, Navigating, Refreshing, Error},
			To:   Unauthenticated,
		},
		SessionExpired: {
			From: []State{Authenticated, Navigating, Refreshing},
			To:   Unauthenticated,
		},
		ErrorOccurred: {
			From: []State{Initializing, Authenticated, Navigating, Refreshing, Unauthenticated},
			To:   Error,
		},
		Reset: {From: all, To: Initializing},
	}
}

// Options configures a Machine.
type Options struct {
	// Actions are attached to the rows of the table by event.
	Actions map[Event]Action
	Now     func() time.Time
}

// Machine is the auth state machine.
type Machine struct {
	log   *zap.Logger
	now   func() time.Time
	table map[Event]Transition

	inFlight atomic.Bool

	mu        sync.RWMutex
	data      Data
	listeners []func(Data)
}

// New constructs a Machine in INITIALIZING.
func New(nav NavigationGate, log *zap.Logger, opts Options) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	table := Table(nav)
	for ev, act := range opts.Actions {
		if t, ok := table[ev]; ok {
			t.Action = act
			table[ev] = t
		}
	}
	return &Machine{
		log:   log,
		now:   opts.Now,
		table: table,
		data:  Data{State: Initializing},
	}
}

// OnTransition registers fn to run after every successful transition.
func (m *Machine) OnTransition(fn func(Data)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Data returns a copy of the current machine state.
func (m *Machine) Data() Data {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.clone()
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.State
}

// Send applies ev. It returns ErrConcurrentOperation while another transition is
// in flight, ErrInvalidTransition when ev is not allowed from the current state and
// ErrGuardRejected when the guard fails. An action error is recorded in Data.Errors
// and does not undo the transition.
func (m *Machine) Send(ctx context.Context, ev Event) error {
	if !m.inFlight.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: transition in flight, %s rejected", errs.ErrConcurrentOperation, ev)
	}
	defer m.inFlight.Store(false)

	t, ok := m.table[ev]
	if !ok {
		return fmt.Errorf("%w: unknown event %s", errs.ErrInvalidTransition, ev)
	}

	m.mu.Lock()
	from := m.data.State
	if !slices.Contains(t.From, from) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s from %s", errs.ErrInvalidTransition, ev, from)
	}
	if t.Guard != nil && !t.Guard(m.data.clone()) {
		m.mu.Unlock()
		m.log.Debug("auth transition rejected by guard", zap.String("event", string(ev)), zap.String("state", string(from)))
		return fmt.Errorf("%w: %s from %s", errs.ErrGuardRejected, ev, from)
	}
	m.data.Previous = from
	m.data.State = t.To
	m.data.LastEvent = ev
	m.data.LastTransitionAt = m.now()
	snap := m.data.clone()
	m.mu.Unlock()

	m.log.Debug("auth state transition",
		zap.String("event", string(ev)),
		zap.String("from", string(from)),
		zap.String("to", string(t.To)),
	)

	if t.Action != nil {
		if err := t.Action(ctx, snap); err != nil {
			m.recordError(TransitionError{Event: ev, From: from, To: t.To, Err: err, At: m.now()})
		}
	}

	m.mu.RLock()
	snap = m.data.clone()
	ls := m.listeners
	m.mu.RUnlock()
	for _, fn := range ls {
		fn(snap.clone())
	}
	return nil
}

func (m *Machine) recordError(te TransitionError) {
	m.log.Error("auth transition action failed",
		zap.String("event", string(te.Event)),
		zap.String("to", string(te.To)),
		zap.Error(te.Err),
	)
	m.mu.Lock()
	m.data.Errors = append(m.data.Errors, te)
	if n := len(m.data.Errors); n > maxRecordedErrors {
		m.data.Errors = slices.Clone(m.data.Errors[n-maxRecordedErrors:])
	}
	m.mu.Unlock()
}

// IsAuthenticated treats NAVIGATING as authenticated.
func (m *Machine) IsAuthenticated() bool {
	s := m.State()
	return s == Authenticated || s == Navigating
}

// InTransition reports whether a transition is executing.
func (m *Machine) InTransition() bool { return m.inFlight.Load() }

// CanProcessEvents reports whether deferred work may be dispatched: no transition
// is executing and the machine rests in AUTHENTICATED or UNAUTHENTICATED.
func (m *Machine) CanProcessEvents() bool {
	if m.inFlight.Load() {
		return false
	}
	s := m.State()
	return s == Authenticated || s == Unauthenticated
}

// HandleNavigation maps navigation transitions onto NAVIGATION_START/END.
// It is a no-op when the current state has no matching transition.
func (m *Machine) HandleNavigation(ctx context.Context, transitioning bool) error {
	switch s := m.State(); {
	case transitioning && s == Authenticated:
		return m.Send(ctx, NavigationStart)
	case !transitioning && s == Navigating:
		return m.Send(ctx, NavigationEnd)
	}
	return nil
}
