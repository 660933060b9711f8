// Package tokentest issues unverified-but-well-formed access tokens for tests.
package tokentest

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/goph-identity/internal/token"
)

// Key signs test tokens. The client never verifies signatures.
var Key = []byte("tokentest-signing-key")

// Sign issues a token for the given identity that expires after ttl.
func Sign(t testing.TB, userID, profileID, entityID string, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	claims := token.Claims{
		ProfileID: profileID,
		EntityID:  entityID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(Key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}
