// Package config holds the client configuration, parsed from the
// environment with caarlos0/env. Every tunable the core consults lives
// here so tests can construct independent instances.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Config contains all client parameters.
type Config struct {
	BaseURL        string        `env:"PERCH_BASE_URL" envDefault:"https://api.perch.social"`
	RealtimeURL    string        `env:"PERCH_REALTIME_URL" envDefault:"wss://rt.perch.social/socket"`
	ClientName     string        `env:"PERCH_CLIENT_NAME" envDefault:"Perch"`
	StoragePath    string        `env:"PERCH_STORAGE_PATH" envDefault:".perch"`
	StorageKey     string        `env:"PERCH_STORAGE_KEY,unset"`
	LogLevel       int           `env:"PERCH_LOG_LEVEL" envDefault:"1"`
	RequestTimeout time.Duration `env:"PERCH_REQUEST_TIMEOUT" envDefault:"30s"`
	Retry          Retry         `envPrefix:"PERCH_RETRY_"`
	Cache          Cache         `envPrefix:"PERCH_CACHE_"`
	Batch          Batch         `envPrefix:"PERCH_BATCH_"`
	Auth           Auth          `envPrefix:"PERCH_AUTH_"`
}

// Retry contains the shared backoff parameters used by HTTP retry,
// refresh retry, and realtime reconnection.
type Retry struct {
	InitialDelay time.Duration `env:"INITIAL_DELAY" envDefault:"500ms"`
	MaxDelay     time.Duration `env:"MAX_DELAY" envDefault:"10s"`
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"4"`
}

// Cache contains response cache parameters.
type Cache struct {
	TTL        time.Duration `env:"TTL" envDefault:"5m"`
	MaxEntries int           `env:"MAX_ENTRIES" envDefault:"512"`
}

// Batch contains read coalescing parameters.
type Batch struct {
	Window     time.Duration `env:"WINDOW" envDefault:"50ms"`
	MaxPerCall int           `env:"MAX_PER_CALL" envDefault:"20"`
}

// Auth contains token lifecycle parameters.
type Auth struct {
	// RefreshMargin is how close to expiry a token may get before a
	// refresh is triggered ahead of use.
	RefreshMargin time.Duration `env:"REFRESH_MARGIN" envDefault:"5m"`
	// RefreshRetries is the bounded retry count for network-transient
	// failures of the refresh call itself. A rejected refresh is
	// terminal and never retried.
	RefreshRetries int `env:"REFRESH_RETRIES" envDefault:"1"`
}

// New loads configuration from environment variables.
func New() (*Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Wrap(err, "[config.New] env.Parse")
	}
	return &cfg, nil
}

// Default returns the configuration with every value at its default,
// ignoring the environment. Intended for tests.
func Default() *Config {
	return &Config{
		BaseURL:        "https://api.perch.social",
		RealtimeURL:    "wss://rt.perch.social/socket",
		ClientName:     "Perch",
		StoragePath:    ".perch",
		LogLevel:       1,
		Retry:          Retry{InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, MaxAttempts: 4},
		Cache:          Cache{TTL: 5 * time.Minute, MaxEntries: 512},
		Batch:          Batch{Window: 50 * time.Millisecond, MaxPerCall: 20},
		Auth:           Auth{RefreshMargin: 5 * time.Minute, RefreshRetries: 1},
		RequestTimeout: 30 * time.Second,
	}
}
