// Package limiter counts failed PIN attempts and places temporary lockouts.
package limiter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Status describes the attempt budget of a key after an operation.
type Status struct {
	Locked      bool
	LockedUntil time.Time
	// Remaining is the number of failures left before a lockout.
	Remaining int
}

// Limiter controls PIN attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether an attempt is currently allowed.
	Allow(ctx context.Context, key string) (Status, error)
	// Success resets counters after a successful attempt.
	Success(ctx context.Context, key string) error
	// Failure records a failed attempt and may place a lockout.
	Failure(ctx context.Context, key string) (Status, error)
}

// Options tunes a limiter. Zero values take the defaults.
type Options struct {
	MaxFailures int           // default 3
	Window      time.Duration // failures older than this are forgotten, default 15m
	LockFor     time.Duration // default 15m
	Now         func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxFailures <= 0 {
		o.MaxFailures = 3
	}
	if o.Window <= 0 {
		o.Window = 15 * time.Minute
	}
	if o.LockFor <= 0 {
		o.LockFor = 15 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Key derives a stable limiter key for a (user, profile) pair without storing raw identifiers.
func Key(userID, profileID string) string {
	h := sha256.Sum256([]byte(userID + "\x00" + profileID))
	return hex.EncodeToString(h[:16])
}
