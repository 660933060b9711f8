package devbackend

import (
	"errors"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every access or refresh token the backend refuses.
var ErrInvalidToken = errors.New("invalid token")

// TokenPair is the body of every token-issuing endpoint.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type grant struct {
	userID    string
	profileID string
	expiresAt time.Time
}

// Issuer signs HS256 access tokens and keeps single-use refresh tokens.
type Issuer struct {
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time

	mu     sync.Mutex
	grants map[string]grant
}

// NewIssuer constructs an Issuer. Zero TTLs default to 15m access and 30 days refresh.
func NewIssuer(key []byte, accessTTL, refreshTTL time.Duration, now func() time.Time) *Issuer {
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{key: key, accessTTL: accessTTL, refreshTTL: refreshTTL, now: now, grants: map[string]grant{}}
}

// Issue signs an access token for (u, p) and records a new refresh token.
func (i *Issuer) Issue(u *User, p *Profile) (TokenPair, error) {
	now := i.now()
	claims := Claims{
		ProfileID: p.ID,
		EntityID:  p.EntityID,
		Phone:     u.Phone,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.Must(uuid.NewV4()).String(),
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return TokenPair{}, err
	}
	refresh := uuid.Must(uuid.NewV4()).String()
	i.mu.Lock()
	i.grants[refresh] = grant{userID: u.ID, profileID: p.ID, expiresAt: now.Add(i.refreshTTL)}
	i.mu.Unlock()
	return TokenPair{AccessToken: signed, RefreshToken: refresh}, nil
}

// Verify checks signature and expiry of an access token.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return i.key, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithLeeway(30*time.Second))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.ProfileID == "" {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// Redeem consumes a refresh token and returns what it was issued for.
func (i *Issuer) Redeem(refresh string) (userID, profileID string, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	g, ok := i.grants[refresh]
	if !ok {
		return "", "", ErrInvalidToken
	}
	delete(i.grants, refresh)
	if !i.now().Before(g.expiresAt) {
		return "", "", ErrInvalidToken
	}
	return g.userID, g.profileID, nil
}
