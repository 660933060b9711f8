package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/and161185/goph-identity/internal/api"
	"github.com/and161185/goph-identity/internal/errs"
	"github.com/and161185/goph-identity/internal/model"
)

// PathLogin is the password login endpoint.
const PathLogin = "/auth/login"

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login exchanges credentials for a token pair and validates the resulting session.
func (m *Manager) Login(ctx context.Context, username, password string) (*model.Session, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("login: %w: empty username or password", errs.ErrUnauthorized)
	}
	resp, err := m.api.Post(ctx, PathLogin, loginRequest{Username: username, Password: password},
		api.WithTimeout(m.opts.RequestTimeout), api.WithNoCache())
	if err != nil {
		var ae *api.Error
		switch {
		case errors.As(err, &ae) && ae.Status == http.StatusTooManyRequests:
			return nil, fmt.Errorf("login: %w: %s", errs.ErrRateLimited, ae.Message())
		case errors.As(err, &ae) && ae.IsCredential():
			return nil, fmt.Errorf("login: %w", errs.ErrUnauthorized)
		}
		return nil, fmt.Errorf("login: %w", err)
	}
	var tr TokenResponse
	if err := resp.Decode(&tr); err != nil || tr.AccessToken == "" {
		return nil, fmt.Errorf("login: %w: no access token", errs.ErrMalformedResponse)
	}
	if err := m.tokens.SetAccessToken(tr.AccessToken); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if tr.RefreshToken != "" {
		if err := m.tokens.SetRefreshToken(tr.RefreshToken); err != nil {
			return nil, fmt.Errorf("login: %w", err)
		}
	}
	return m.ValidateAndRestoreSession(ctx)
}
