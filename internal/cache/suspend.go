package cache

import (
	"context"
	"errors"
)

// ErrSuspended is returned by a suspending cache's Prefetch while a profile switch runs.
var ErrSuspended = errors.New("cache: refetch suspended during profile switch")

// SwitchGate reports whether a profile switch is in progress. authctx.Context implements it.
type SwitchGate interface {
	Switching() bool
}

// Suspending wraps c so Prefetch is refused while gate reports a switch. Invalidation
// and writes pass through. The switch's own target prefetch must use the unwrapped cache.
func Suspending(c Cache, gate SwitchGate) Cache {
	return &suspending{Cache: c, gate: gate}
}

type suspending struct {
	Cache
	gate SwitchGate
}

func (s *suspending) Prefetch(ctx context.Context, key Key, fetch Fetcher) error {
	if s.gate.Switching() {
		return ErrSuspended
	}
	return s.Cache.Prefetch(ctx, key, fetch)
}
