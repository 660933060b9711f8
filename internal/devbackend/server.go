// Package devbackend is an in-memory backend that serves the identity wire
// contract for local runs and end-to-end tests.
package devbackend

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/and161185/goph-identity/internal/crypto"
	"github.com/and161185/goph-identity/internal/limiter"
)

type errorDetail struct {
	Message           string     `json:"message"`
	LockedUntil       *time.Time `json:"lockedUntil,omitempty"`
	AttemptsRemaining *int       `json:"attemptsRemaining,omitempty"`
}

type errorBody struct {
	Errors []errorDetail `json:"errors"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type switchRequest struct {
	TargetProfileID   string `json:"targetProfileId"`
	PIN               string `json:"pin,omitempty"`
	BiometricVerified bool   `json:"biometricVerified,omitempty"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`
}

type profileResponse struct {
	ProfileID    string `json:"profile_id"`
	UserID       string `json:"user_id"`
	EntityID     string `json:"entity_id"`
	Type         string `json:"type"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	BusinessName string `json:"business_name,omitempty"`
	Email        string `json:"email,omitempty"`
	AvatarURL    string `json:"avatar_url,omitempty"`
}

// Server implements the HTTP endpoints.
type Server struct {
	dir    *Directory
	iss    *Issuer
	pins   limiter.Limiter
	logins limiter.Limiter
	log    *zap.Logger
}

// New constructs a Server. pins and logins may share one Limiter.
func New(dir *Directory, iss *Issuer, pins, logins limiter.Limiter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{dir: dir, iss: iss, pins: pins, logins: logins, log: log}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(Recover(s.log), Logging(s.log))
	r.HandleFunc("/auth/login", s.login).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", s.refresh).Methods(http.MethodPost)

	authed := r.PathPrefix("/auth").Subrouter()
	authed.Use(s.requireAuth)
	authed.HandleFunc("/me", s.me).Methods(http.MethodGet)
	authed.HandleFunc("/switch-profile", s.switchProfile).Methods(http.MethodPost)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, d errorDetail) {
	writeJSON(w, status, errorBody{Errors: []errorDetail{d}})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, errorDetail{Message: "malformed request body"})
		return false
	}
	return true
}

func (s *Server) internal(w http.ResponseWriter, msg string, err error) {
	s.log.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, errorDetail{Message: "internal"})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	key := limiter.Key("login", req.Username)
	st, err := s.logins.Allow(r.Context(), key)
	if err != nil {
		s.internal(w, "login limiter", err)
		return
	}
	if st.Locked {
		until := st.LockedUntil
		writeError(w, http.StatusTooManyRequests, errorDetail{Message: "too many attempts", LockedUntil: &until})
		return
	}

	u, ok := s.dir.ByUsername(req.Username)
	valid := false
	if ok {
		valid, err = crypto.VerifySecret(req.Password, u.PasswordHash)
		if err != nil {
			s.internal(w, "verify password", err)
			return
		}
	}
	if !valid {
		if _, err := s.logins.Failure(r.Context(), key); err != nil {
			s.log.Warn("record login failure", zap.Error(err))
		}
		// unknown user and wrong password look the same
		writeError(w, http.StatusUnauthorized, errorDetail{Message: "invalid credentials"})
		return
	}
	if err := s.logins.Success(r.Context(), key); err != nil {
		s.log.Warn("reset login limiter", zap.Error(err))
	}
	s.issue(w, u, u.Profiles[0])
}

func (s *Server) issue(w http.ResponseWriter, u *User, p *Profile) {
	pair, err := s.iss.Issue(u, p)
	if err != nil {
		s.internal(w, "issue token", err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decode(w, r, &req) {
		return
	}
	userID, profileID, err := s.iss.Redeem(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, errorDetail{Message: "invalid refresh token"})
		return
	}
	u, p, ok := s.dir.Lookup(userID, profileID)
	if !ok {
		writeError(w, http.StatusUnauthorized, errorDetail{Message: "invalid refresh token"})
		return
	}
	s.issue(w, u, p)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	c, _ := ClaimsFromCtx(r.Context())
	_, p, ok := s.dir.Lookup(c.Subject, c.ProfileID)
	if !ok {
		writeError(w, http.StatusUnauthorized, errorDetail{Message: "unknown profile"})
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, profileResponse{
		ProfileID:    p.ID,
		UserID:       c.Subject,
		EntityID:     p.EntityID,
		Type:         p.Type,
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		BusinessName: p.BusinessName,
		Email:        p.Email,
		AvatarURL:    p.AvatarURL,
	})
}

func (s *Server) switchProfile(w http.ResponseWriter, r *http.Request) {
	c, _ := ClaimsFromCtx(r.Context())
	var req switchRequest
	if !decode(w, r, &req) {
		return
	}
	u, p, ok := s.dir.Lookup(c.Subject, req.TargetProfileID)
	if !ok {
		writeError(w, http.StatusNotFound, errorDetail{Message: "profile not found"})
		return
	}

	key := limiter.Key(u.ID, p.ID)
	st, err := s.pins.Allow(r.Context(), key)
	if err != nil {
		s.internal(w, "pin limiter", err)
		return
	}
	if st.Locked {
		until := st.LockedUntil
		writeError(w, http.StatusForbidden, errorDetail{Message: "too many attempts", LockedUntil: &until})
		return
	}

	switch {
	case req.PIN != "" && p.PINHash != "":
		ok, err := crypto.VerifySecret(req.PIN, p.PINHash)
		if err != nil {
			s.internal(w, "verify pin", err)
			return
		}
		if !ok {
			s.rejectPIN(w, r, key)
			return
		}
	case req.BiometricVerified:
	default:
		remaining := st.Remaining
		writeError(w, http.StatusUnauthorized, errorDetail{Message: "PIN required", AttemptsRemaining: &remaining})
		return
	}

	if err := s.pins.Success(r.Context(), key); err != nil {
		s.log.Warn("reset pin limiter", zap.Error(err))
	}
	s.log.Info("profile switched", zap.String("user_id", u.ID), zap.String("profile_id", p.ID))
	s.issue(w, u, p)
}

func (s *Server) rejectPIN(w http.ResponseWriter, r *http.Request, key string) {
	st, err := s.pins.Failure(r.Context(), key)
	if err != nil {
		s.internal(w, "record pin failure", err)
		return
	}
	if st.Locked {
		until := st.LockedUntil
		writeError(w, http.StatusForbidden, errorDetail{Message: "too many attempts", LockedUntil: &until})
		return
	}
	remaining := st.Remaining
	writeError(w, http.StatusUnauthorized, errorDetail{Message: "incorrect PIN", AttemptsRemaining: &remaining})
}
