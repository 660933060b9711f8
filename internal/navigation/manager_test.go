package navigation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastOptions() Options {
	return Options{
		RapidChangeThreshold: 50 * time.Millisecond,
		TransitionTimeout:    40 * time.Millisecond,
		MaxTransitionTimeout: 80 * time.Millisecond,
		StabilityDelay:       30 * time.Millisecond,
	}
}

func TestInitialStateAllowsAuthOperations(t *testing.T) {
	t.Parallel()
	m := New(nil, fastOptions())
	defer m.Close()
	require.True(t, m.CanPerformAuthOperation())
	require.True(t, m.State().IsStable)
}

func TestTransitionEndsExplicitlyThenStabilizes(t *testing.T) {
	t.Parallel()
	opts := fastOptions()
	opts.TransitionTimeout = time.Second
	opts.MaxTransitionTimeout = 2 * time.Second
	m := New(nil, opts)
	defer m.Close()

	m.UpdateNavigationState(RawState{Route: "Home"})
	s := m.State()
	require.True(t, s.IsTransitioning)
	require.False(t, s.IsStable)
	require.Equal(t, "Home", s.CurrentRoute)
	require.False(t, m.CanPerformAuthOperation())

	m.EndTransition()
	s = m.State()
	require.False(t, s.IsTransitioning)
	require.True(t, s.StabilityPending)
	require.False(t, m.CanPerformAuthOperation())

	require.Eventually(t, m.CanPerformAuthOperation, time.Second, 5*time.Millisecond)
	require.True(t, m.State().IsStable)
}

func TestTransitionTimesOut(t *testing.T) {
	t.Parallel()
	m := New(nil, fastOptions())
	defer m.Close()

	m.UpdateNavigationState(RawState{Route: "Settings"})
	require.Eventually(t, func() bool { return !m.State().IsTransitioning }, time.Second, 5*time.Millisecond)
	require.Eventually(t, m.CanPerformAuthOperation, time.Second, 5*time.Millisecond)
}

func TestTransitionTimeoutClampedToCeiling(t *testing.T) {
	t.Parallel()
	m := New(nil, Options{TransitionTimeout: 10 * time.Second, MaxTransitionTimeout: 50 * time.Millisecond, StabilityDelay: 10 * time.Millisecond})
	defer m.Close()
	require.Equal(t, 50*time.Millisecond, m.opts.TransitionTimeout)
}

func TestRapidChangeEmitsDiagnostic(t *testing.T) {
	t.Parallel()
	m := New(nil, Options{RapidChangeThreshold: time.Hour})
	defer m.Close()

	m.UpdateNavigationState(RawState{Route: "A"})
	m.UpdateNavigationState(RawState{Route: "B"})

	select {
	case d := <-m.Diagnostics():
		require.Equal(t, "B", d.Route)
		require.Equal(t, "A", d.Previous)
	case <-time.After(time.Second):
		t.Fatal("expected rapid navigation diagnostic")
	}
	require.Equal(t, "A", m.State().PreviousRoute)
}

func TestDiagnosticsNeverBlock(t *testing.T) {
	t.Parallel()
	m := New(nil, Options{RapidChangeThreshold: time.Hour})
	defer m.Close()
	done := make(chan struct{})
	go func() {
		for i := 0; i < diagnosticsBuffer*3; i++ {
			m.UpdateNavigationState(RawState{Route: fmt.Sprintf("r%d", i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("UpdateNavigationState blocked on full diagnostics")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotZero(t, m.dropped)
}

func TestSameRouteIsNoop(t *testing.T) {
	t.Parallel()
	m := New(nil, fastOptions())
	defer m.Close()
	m.UpdateNavigationState(RawState{Route: "Home"})
	first := m.State().LastRouteChangeAt
	m.UpdateNavigationState(RawState{Route: "Home"})
	require.Equal(t, first, m.State().LastRouteChangeAt)
}

func TestNewRouteResetsStabilityWindow(t *testing.T) {
	t.Parallel()
	opts := fastOptions()
	opts.TransitionTimeout = time.Second
	opts.MaxTransitionTimeout = 2 * time.Second
	opts.StabilityDelay = 200 * time.Millisecond
	m := New(nil, opts)
	defer m.Close()

	m.UpdateNavigationState(RawState{Route: "A"})
	m.EndTransition()
	m.UpdateNavigationState(RawState{Route: "B"})
	// the stability timer armed for A must not mark B stable
	time.Sleep(250 * time.Millisecond)
	require.True(t, m.State().IsTransitioning)
	require.False(t, m.CanPerformAuthOperation())
}

func TestOnChangeListener(t *testing.T) {
	t.Parallel()
	m := New(nil, fastOptions())
	defer m.Close()

	var mu sync.Mutex
	var seen []State
	m.OnChange(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	m.UpdateNavigationState(RawState{Route: "Wallet"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 3 && seen[len(seen)-1].IsStable
	}, time.Second, 5*time.Millisecond)
}
