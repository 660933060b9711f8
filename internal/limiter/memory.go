package limiter

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	fails       int
	first       time.Time
	lockedUntil time.Time
}

// Memory is a process-local Limiter.
type Memory struct {
	opts Options

	mu   sync.Mutex
	keys map[string]*counter
}

var _ Limiter = (*Memory)(nil)

// NewMemory constructs a Memory limiter.
func NewMemory(opts Options) *Memory {
	opts.setDefaults()
	return &Memory{opts: opts, keys: make(map[string]*counter)}
}

// current requires l.mu and drops expired state.
func (l *Memory) current(key string, now time.Time) *counter {
	c, ok := l.keys[key]
	if !ok {
		return nil
	}
	if !c.lockedUntil.IsZero() && !now.Before(c.lockedUntil) {
		delete(l.keys, key)
		return nil
	}
	if c.lockedUntil.IsZero() && now.Sub(c.first) > l.opts.Window {
		delete(l.keys, key)
		return nil
	}
	return c
}

func (l *Memory) status(c *counter) Status {
	if c == nil {
		return Status{Remaining: l.opts.MaxFailures}
	}
	if !c.lockedUntil.IsZero() {
		return Status{Locked: true, LockedUntil: c.lockedUntil}
	}
	return Status{Remaining: l.opts.MaxFailures - c.fails}
}

func (l *Memory) Allow(_ context.Context, key string) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status(l.current(key, l.opts.Now())), nil
}

func (l *Memory) Success(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.keys, key)
	l.mu.Unlock()
	return nil
}

func (l *Memory) Failure(_ context.Context, key string) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.opts.Now()
	c := l.current(key, now)
	if c == nil {
		c = &counter{first: now}
		l.keys[key] = c
	}
	if c.lockedUntil.IsZero() {
		c.fails++
		if c.fails >= l.opts.MaxFailures {
			c.lockedUntil = now.Add(l.opts.LockFor)
		}
	}
	return l.status(c), nil
}
