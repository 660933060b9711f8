package token

import (
	"fmt"
	"time"

	"github.com/and161185/goph-identity/internal/errs"
	"github.com/and161185/goph-identity/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the access-token claims the client relies on.
type Claims struct {
	ProfileID string `json:"profile_id"`
	EntityID  string `json:"entity_id"`
	Phone     string `json:"phone,omitempty"`
	jwt.RegisteredClaims
}

// ParseAccessToken extracts metadata from a signed token without verifying the signature.
// The client holds no verification key; the backend verifies on every call.
func ParseAccessToken(raw string) (model.TokenMetadata, error) {
	if raw == "" {
		return model.TokenMetadata{}, fmt.Errorf("%w: empty token", errs.ErrInvalidTokenFormat)
	}
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return model.TokenMetadata{}, fmt.Errorf("%w: %v", errs.ErrInvalidTokenFormat, err)
	}
	switch {
	case claims.ProfileID == "":
		return model.TokenMetadata{}, fmt.Errorf("%w: missing profile_id", errs.ErrInvalidTokenFormat)
	case claims.EntityID == "":
		return model.TokenMetadata{}, fmt.Errorf("%w: missing entity_id", errs.ErrInvalidTokenFormat)
	case claims.ExpiresAt == nil:
		return model.TokenMetadata{}, fmt.Errorf("%w: missing exp", errs.ErrInvalidTokenFormat)
	}
	meta := model.TokenMetadata{
		Token:           raw,
		UserID:          claims.Subject,
		ProfileID:       claims.ProfileID,
		EntityID:        claims.EntityID,
		PhoneIdentifier: claims.Phone,
		ExpiresAt:       claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		meta.IssuedAt = claims.IssuedAt.Time
	}
	return meta, nil
}

// usable reports whether meta expires later than now+buffer.
func usable(meta model.TokenMetadata, now time.Time, buffer time.Duration) bool {
	return meta.ExpiresAt.After(now.Add(buffer))
}
