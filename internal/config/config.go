// Package config loads typed client configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full client configuration. Defaults live in envDefault tags.
type Config struct {
	APIBaseURL        string        `env:"API_URL" envDefault:"http://localhost:8080"`
	APITimeout        time.Duration `env:"API_TIMEOUT" envDefault:"30s"`
	StorageDir        string        `env:"STORAGE_DIR"`
	StoragePassphrase string        `env:"STORAGE_PASSPHRASE"`
	DatabaseDSN       string        `env:"DATABASE_DSN"`
	RedisAddr         string        `env:"REDIS_ADDR"`
	RealtimeAddr      string        `env:"REALTIME_ADDR"`
	RealtimeCA        string        `env:"REALTIME_CA"`
	RealtimePlaintext bool          `env:"REALTIME_PLAINTEXT"`

	Token      Token      `envPrefix:"TOKEN_"`
	Session    Session    `envPrefix:"SESSION_"`
	Navigation Navigation `envPrefix:"NAV_"`
	Events     Events     `envPrefix:"EVENTS_"`
	Accounts   Accounts   `envPrefix:"ACCOUNTS_"`
	Switch     Switch     `envPrefix:"SWITCH_"`
}

// Token tunes the in-memory token cache.
type Token struct {
	// ExpiryBuffer rejects tokens that expire within this buffer.
	ExpiryBuffer     time.Duration `env:"EXPIRY_BUFFER" envDefault:"30s"`
	RefreshThreshold time.Duration `env:"REFRESH_THRESHOLD" envDefault:"5m"`
}

// Session tunes session validation.
type Session struct {
	ValidationWindow time.Duration `env:"VALIDATION_WINDOW" envDefault:"5m"`
}

// Navigation tunes the navigation stability gate.
type Navigation struct {
	RapidChangeThreshold time.Duration `env:"RAPID_CHANGE_THRESHOLD" envDefault:"100ms"`
	TransitionTimeout    time.Duration `env:"TRANSITION_TIMEOUT" envDefault:"1000ms"`
	MaxTransitionTimeout time.Duration `env:"MAX_TRANSITION_TIMEOUT" envDefault:"2000ms"`
	StabilityDelay       time.Duration `env:"STABILITY_DELAY" envDefault:"500ms"`
}

// Events tunes the coordinated event queue.
type Events struct {
	QueueCapacity  int           `env:"QUEUE_CAPACITY" envDefault:"100"`
	BatchInterval  time.Duration `env:"BATCH_INTERVAL" envDefault:"500ms"`
	BatchSize      int           `env:"BATCH_SIZE" envDefault:"5"`
	DefaultExpiry  time.Duration `env:"DEFAULT_EXPIRY" envDefault:"30s"`
	MaxRetries     int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY" envDefault:"250ms"`
	HistorySize    int           `env:"HISTORY_SIZE" envDefault:"100"`
}

// Accounts tunes the multi-account store.
type Accounts struct {
	MaxAccounts int `env:"MAX" envDefault:"5"`
}

// Switch tunes the profile switch protocol.
type Switch struct {
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
}

// Prefix is prepended to every variable name.
const Prefix = "GKID_"

// Load parses configuration from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Defaults returns the configuration with every default applied and nothing read from the environment.
func Defaults() Config {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix, Environment: map[string]string{}}); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.Navigation.TransitionTimeout > c.Navigation.MaxTransitionTimeout {
		return fmt.Errorf("config: transition timeout %s exceeds ceiling %s",
			c.Navigation.TransitionTimeout, c.Navigation.MaxTransitionTimeout)
	}
	if c.Events.QueueCapacity <= 0 || c.Events.BatchSize <= 0 {
		return fmt.Errorf("config: event queue capacity and batch size must be positive")
	}
	if c.Accounts.MaxAccounts <= 0 {
		return fmt.Errorf("config: max accounts must be positive")
	}
	return nil
}
