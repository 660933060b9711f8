package devbackend

import (
	"fmt"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/goph-identity/internal/crypto"
	"github.com/and161185/goph-identity/internal/errs"
)

// Profile types on the wire.
const (
	TypePersonal = "personal"
	TypeBusiness = "business"
)

// Profile is one identity of a user. PINHash is an encoded Argon2id hash.
type Profile struct {
	ID           string
	EntityID     string
	Type         string
	FirstName    string
	LastName     string
	BusinessName string
	Email        string
	AvatarURL    string
	PINHash      string
}

// User owns one or more profiles. The first profile is the login default.
type User struct {
	ID           string
	Username     string
	Phone        string
	PasswordHash string
	Profiles     []*Profile
}

// Profile returns the user's profile with id.
func (u *User) Profile(id string) (*Profile, bool) {
	for _, p := range u.Profiles {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// Directory is the in-memory user store.
type Directory struct {
	mu     sync.RWMutex
	byID   map[string]*User
	byName map[string]*User
}

// NewDirectory returns an empty Directory.
func NewDirectory() *Directory {
	return &Directory{byID: map[string]*User{}, byName: map[string]*User{}}
}

// NewProfile describes a profile created by Register. An empty PIN leaves the
// profile reachable by biometric confirmation only.
type NewProfile struct {
	ID           string
	Type         string
	FirstName    string
	LastName     string
	BusinessName string
	Email        string
	PIN          string
}

// Register creates a user with hashed secrets. Empty profile IDs are generated.
func (d *Directory) Register(username, password, phone string, profiles ...NewProfile) (*User, error) {
	if username == "" || password == "" || len(profiles) == 0 {
		return nil, fmt.Errorf("register: username, password and at least one profile are required")
	}
	pwHash, err := crypto.HashSecret(password)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	u := &User{
		ID:           uuid.Must(uuid.NewV4()).String(),
		Username:     username,
		Phone:        phone,
		PasswordHash: pwHash,
	}
	for _, np := range profiles {
		p := &Profile{
			ID:           np.ID,
			EntityID:     uuid.Must(uuid.NewV4()).String(),
			Type:         np.Type,
			FirstName:    np.FirstName,
			LastName:     np.LastName,
			BusinessName: np.BusinessName,
			Email:        np.Email,
		}
		if p.ID == "" {
			p.ID = uuid.Must(uuid.NewV4()).String()
		}
		if p.Type != TypeBusiness {
			p.Type = TypePersonal
		}
		if np.PIN != "" {
			if p.PINHash, err = crypto.HashSecret(np.PIN); err != nil {
				return nil, fmt.Errorf("register: %w", err)
			}
		}
		u.Profiles = append(u.Profiles, p)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byName[username]; ok {
		return nil, fmt.Errorf("register %s: %w", username, errs.ErrAlreadyExists)
	}
	d.byID[u.ID] = u
	d.byName[username] = u
	return u, nil
}

// ByUsername looks a user up by login name.
func (d *Directory) ByUsername(name string) (*User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byName[name]
	return u, ok
}

// Lookup returns the user and one of their profiles.
func (d *Directory) Lookup(userID, profileID string) (*User, *Profile, bool) {
	d.mu.RLock()
	u, ok := d.byID[userID]
	d.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}
	p, ok := u.Profile(profileID)
	return u, p, ok
}

// SeedDemo registers the demo users used by local runs.
func SeedDemo(d *Directory) error {
	if _, err := d.Register("demo", "demo-password", "+15550100",
		NewProfile{ID: "demo-personal", Type: TypePersonal, FirstName: "Dana", LastName: "Demo", Email: "dana@example.test", PIN: "1234"},
		NewProfile{ID: "demo-business", Type: TypeBusiness, BusinessName: "Demo Trading Ltd", Email: "ops@example.test", PIN: "5678"},
	); err != nil {
		return err
	}
	_, err := d.Register("alex", "alex-password", "+15550101",
		NewProfile{ID: "alex-personal", Type: TypePersonal, FirstName: "Alex", LastName: "Sample", PIN: "2468"},
	)
	return err
}
