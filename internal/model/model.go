// Package model defines domain entities shared by the identity services.
package model

import "time"

// ProfileType distinguishes personal and business profiles.
type ProfileType string

const (
	ProfilePersonal ProfileType = "personal"
	ProfileBusiness ProfileType = "business"
)

// Valid reports whether t is a known profile type.
func (t ProfileType) Valid() bool {
	return t == ProfilePersonal || t == ProfileBusiness
}

// TokenMetadata is derived from the claims of an access token.
type TokenMetadata struct {
	Token           string
	UserID          string
	ProfileID       string
	EntityID        string
	PhoneIdentifier string
	IssuedAt        time.Time
	ExpiresAt       time.Time
}

// TimeToExpiry returns the remaining lifetime relative to now.
func (m TokenMetadata) TimeToExpiry(now time.Time) time.Duration {
	return m.ExpiresAt.Sub(now)
}

// Tokens collects an access/refresh pair.
type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// Session is the client's view of the authenticated identity.
type Session struct {
	UserID          string      `json:"user_id"`
	ProfileID       string      `json:"profile_id"`
	EntityID        string      `json:"entity_id"`
	Email           string      `json:"email,omitempty"`
	FirstName       string      `json:"first_name,omitempty"`
	LastName        string      `json:"last_name,omitempty"`
	BusinessName    string      `json:"business_name,omitempty"`
	AvatarURL       string      `json:"avatar_url,omitempty"`
	ProfileType     ProfileType `json:"profile_type"`
	SessionID       string      `json:"session_id"`
	CreatedAt       time.Time   `json:"created_at"`
	LastValidatedAt time.Time   `json:"last_validated_at"`
}

// DisplayName returns the business name for business profiles, the full name otherwise.
func (s Session) DisplayName() string {
	if s.ProfileType == ProfileBusiness && s.BusinessName != "" {
		return s.BusinessName
	}
	switch {
	case s.FirstName != "" && s.LastName != "":
		return s.FirstName + " " + s.LastName
	case s.FirstName != "":
		return s.FirstName
	default:
		return s.LastName
	}
}

// Clone returns a copy of s, or nil.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// ProfileSnapshot is captured before a profile switch and is the only source for rollback.
type ProfileSnapshot struct {
	AccessToken  string
	RefreshToken string
	ProfileID    string
	EntityID     string
	Session      *Session
	Timestamp    time.Time
}

// Account is a fully independent credential set stored on the device.
type Account struct {
	UserID       string
	ProfileID    string
	EntityID     string
	ProfileType  ProfileType
	DisplayName  string
	FirstName    string
	LastName     string
	AvatarURL    string
	AccessToken  string
	RefreshToken string
	AddedAt      time.Time
}

// Session builds the session record activated when switching to this account.
func (a Account) Session(sessionID string, now time.Time) *Session {
	s := &Session{
		UserID:          a.UserID,
		ProfileID:       a.ProfileID,
		EntityID:        a.EntityID,
		FirstName:       a.FirstName,
		LastName:        a.LastName,
		AvatarURL:       a.AvatarURL,
		ProfileType:     a.ProfileType,
		SessionID:       sessionID,
		CreatedAt:       now,
		LastValidatedAt: now,
	}
	if a.ProfileType == ProfileBusiness {
		s.BusinessName = a.DisplayName
	}
	return s
}
