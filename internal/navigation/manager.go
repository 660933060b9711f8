// Package navigation tracks UI route transitions and gates auth-sensitive work
// until navigation has been quiet for a stability window.
package navigation

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// RawState is what the navigation layer reports on each change.
type RawState struct {
	Route string
}

// State is the observable navigation state. It is only written by Manager.
type State struct {
	IsTransitioning   bool
	CurrentRoute      string
	PreviousRoute     string
	LastRouteChangeAt time.Time
	IsStable          bool
	// StabilityPending is true between the end of a transition and IsStable.
	StabilityPending bool
}

// Diagnostic describes a rapid succession of route changes.
type Diagnostic struct {
	Route    string
	Previous string
	Interval time.Duration
	At       time.Time
}

// Options tunes a Manager. Zero values take the defaults.
type Options struct {
	RapidChangeThreshold time.Duration // default 100ms
	TransitionTimeout    time.Duration // default 1s, clamped to MaxTransitionTimeout
	MaxTransitionTimeout time.Duration // default 2s
	StabilityDelay       time.Duration // default 500ms
	Now                  func() time.Time
}

const diagnosticsBuffer = 16

// Manager owns the navigation State.
type Manager struct {
	opts Options
	log  *zap.Logger

	mu              sync.Mutex
	state           State
	gen             uint64
	transitionTimer *time.Timer
	stabilityTimer  *time.Timer
	listeners       []func(State)
	diag            chan Diagnostic
	dropped         uint64
}

// New constructs a Manager in the stable state.
func New(log *zap.Logger, opts Options) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.RapidChangeThreshold <= 0 {
		opts.RapidChangeThreshold = 100 * time.Millisecond
	}
	if opts.MaxTransitionTimeout <= 0 {
		opts.MaxTransitionTimeout = 2 * time.Second
	}
	if opts.TransitionTimeout <= 0 {
		opts.TransitionTimeout = time.Second
	}
	if opts.TransitionTimeout > opts.MaxTransitionTimeout {
		opts.TransitionTimeout = opts.MaxTransitionTimeout
	}
	if opts.StabilityDelay <= 0 {
		opts.StabilityDelay = 500 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:  opts,
		log:   log,
		state: State{IsStable: true},
		diag:  make(chan Diagnostic, diagnosticsBuffer),
	}
}

// OnChange registers fn to receive every state change. fn must not block.
func (m *Manager) OnChange(fn func(State)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Diagnostics delivers rapid-navigation diagnostics. Undelivered ones are dropped.
func (m *Manager) Diagnostics() <-chan Diagnostic { return m.diag }

// State returns a copy of the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UpdateNavigationState records a route change and opens a transition window that
// ends on EndTransition or on timeout, whichever comes first.
func (m *Manager) UpdateNavigationState(raw RawState) {
	m.mu.Lock()
	if raw.Route == m.state.CurrentRoute {
		m.mu.Unlock()
		return
	}
	now := m.opts.Now()
	if last := m.state.LastRouteChangeAt; !last.IsZero() {
		if d := now.Sub(last); d < m.opts.RapidChangeThreshold {
			m.emit(Diagnostic{Route: raw.Route, Previous: m.state.CurrentRoute, Interval: d, At: now})
		}
	}

	m.gen++
	gen := m.gen
	m.stopTimers()
	m.state = State{
		IsTransitioning:   true,
		CurrentRoute:      raw.Route,
		PreviousRoute:     m.state.CurrentRoute,
		LastRouteChangeAt: now,
	}
	m.transitionTimer = time.AfterFunc(m.opts.TransitionTimeout, func() { m.endTransition(gen, true) })
	snap, ls := m.state, m.listeners
	m.mu.Unlock()

	notify(ls, snap)
}

// EndTransition marks the current transition finished and starts the stability timer.
func (m *Manager) EndTransition() {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	m.endTransition(gen, false)
}

func (m *Manager) endTransition(gen uint64, timedOut bool) {
	m.mu.Lock()
	if gen != m.gen || !m.state.IsTransitioning {
		m.mu.Unlock()
		return
	}
	if m.transitionTimer != nil {
		m.transitionTimer.Stop()
	}
	if timedOut {
		m.log.Debug("navigation transition timed out", zap.String("route", m.state.CurrentRoute))
	}
	m.state.IsTransitioning = false
	m.state.StabilityPending = true
	m.stabilityTimer = time.AfterFunc(m.opts.StabilityDelay, func() { m.markStable(gen) })
	snap, ls := m.state, m.listeners
	m.mu.Unlock()

	notify(ls, snap)
}

func (m *Manager) markStable(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.state.StabilityPending = false
	m.state.IsStable = true
	snap, ls := m.state, m.listeners
	m.mu.Unlock()

	notify(ls, snap)
}

// CanPerformAuthOperation reports whether session refresh or profile switch work
// may run without racing a navigation transition.
func (m *Manager) CanPerformAuthOperation() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	if s.IsTransitioning || s.StabilityPending || !s.IsStable {
		return false
	}
	return s.LastRouteChangeAt.IsZero() || m.opts.Now().Sub(s.LastRouteChangeAt) >= m.opts.StabilityDelay
}

// Close stops pending timers.
func (m *Manager) Close() {
	m.mu.Lock()
	m.gen++
	m.stopTimers()
	m.mu.Unlock()
}

// stopTimers requires m.mu.
func (m *Manager) stopTimers() {
	if m.transitionTimer != nil {
		m.transitionTimer.Stop()
		m.transitionTimer = nil
	}
	if m.stabilityTimer != nil {
		m.stabilityTimer.Stop()
		m.stabilityTimer = nil
	}
}

// emit requires m.mu and never blocks.
func (m *Manager) emit(d Diagnostic) {
	m.log.Warn("rapid navigation detected",
		zap.String("route", d.Route),
		zap.String("previous", d.Previous),
		zap.Duration("interval", d.Interval),
	)
	select {
	case m.diag <- d:
	default:
		m.dropped++
	}
}

func notify(ls []func(State), s State) {
	for _, fn := range ls {
		fn(s)
	}
}
