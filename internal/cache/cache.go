// Package cache defines the client-side query cache used for server data and the
// key predicates that drive per-profile invalidation.
package cache

import (
	"context"
	"slices"
	"strings"
)

// Key is a hierarchical cache key such as ["profile", "p1", "transactions"].
type Key []string

func (k Key) String() string { return strings.Join(k, "/") }

// Predicate selects keys for invalidation.
type Predicate func(Key) bool

// Fetcher loads the value for a prefetched key.
type Fetcher func(ctx context.Context) (any, error)

// Cache is the query cache consumed by the switch protocol.
type Cache interface {
	// Invalidate removes every key matching pred and returns how many were removed.
	Invalidate(ctx context.Context, pred Predicate) (int, error)
	ClearAll(ctx context.Context) error
	SetData(ctx context.Context, key Key, value any) error
	// Prefetch runs fetch and stores its result under key.
	Prefetch(ctx context.Context, key Key, fetch Fetcher) error
}

// verificationSegments mark keys holding identity verification data.
var verificationSegments = []string{"kyc", "verification", "identity-verification", "documents"}

// ProfileScoped matches keys containing the profile or entity identifier as a segment.
// Empty identifiers never match.
func ProfileScoped(profileID, entityID string) Predicate {
	return func(k Key) bool {
		for _, s := range k {
			if s == "" {
				continue
			}
			if s == profileID || s == entityID {
				return true
			}
		}
		return false
	}
}

// VerificationTagged matches keys carrying a KYC or verification segment.
func VerificationTagged(k Key) bool {
	for _, s := range k {
		if slices.Contains(verificationSegments, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// Any matches when at least one of preds matches.
func Any(preds ...Predicate) Predicate {
	return func(k Key) bool {
		for _, p := range preds {
			if p(k) {
				return true
			}
		}
		return false
	}
}
