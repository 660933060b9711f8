package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	require.Equal(t, 30*time.Second, cfg.Token.ExpiryBuffer)
	require.Equal(t, 5*time.Minute, cfg.Token.RefreshThreshold)
	require.Equal(t, 5*time.Minute, cfg.Session.ValidationWindow)
	require.Equal(t, 100*time.Millisecond, cfg.Navigation.RapidChangeThreshold)
	require.Equal(t, time.Second, cfg.Navigation.TransitionTimeout)
	require.Equal(t, 2*time.Second, cfg.Navigation.MaxTransitionTimeout)
	require.Equal(t, 500*time.Millisecond, cfg.Navigation.StabilityDelay)
	require.Equal(t, 100, cfg.Events.QueueCapacity)
	require.Equal(t, 5, cfg.Events.BatchSize)
	require.Equal(t, 30*time.Second, cfg.Events.DefaultExpiry)
	require.Equal(t, 5, cfg.Accounts.MaxAccounts)
	require.Equal(t, 30*time.Second, cfg.Switch.RequestTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("GKID_API_URL", "https://api.example.test")
	t.Setenv("GKID_ACCOUNTS_MAX", "3")
	t.Setenv("GKID_NAV_STABILITY_DELAY", "250ms")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "https://api.example.test", cfg.APIBaseURL)
	require.Equal(t, 3, cfg.Accounts.MaxAccounts)
	require.Equal(t, 250*time.Millisecond, cfg.Navigation.StabilityDelay)
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv("GKID_ACCOUNTS_MAX", "not-an-int")
	_, err := Load()
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "parse env:"))
}

func TestValidate_TransitionCeiling(t *testing.T) {
	cfg := Defaults()
	cfg.Navigation.TransitionTimeout = 3 * time.Second
	require.Error(t, cfg.Validate())
}
