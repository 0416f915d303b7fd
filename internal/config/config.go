// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds everything the server and the payment service need.
type Config struct {
	Addr        string `env:"ZAPCLOCK_ADDR,default=:8080"`
	LogLevel    string `env:"ZAPCLOCK_LOG_LEVEL,default=info"`
	LogFormat   string `env:"ZAPCLOCK_LOG_FORMAT,default=text"`
	CORSOrigins string `env:"ZAPCLOCK_CORS_ORIGINS"`
	DevMode     bool   `env:"ZAPCLOCK_DEV,default=false"`

	// Descriptor is only used by the one-shot balance mode.
	Descriptor string `env:"ZAPCLOCK_NWC_URI"`

	BalanceTimeout   time.Duration `env:"ZAPCLOCK_BALANCE_TIMEOUT,default=30s"`
	PayTimeout       time.Duration `env:"ZAPCLOCK_PAY_TIMEOUT,default=60s"`
	HTTPTimeout      time.Duration `env:"ZAPCLOCK_HTTP_TIMEOUT,default=30s"`
	ReconcileTimeout time.Duration `env:"ZAPCLOCK_RECONCILE_TIMEOUT,default=0s"`

	RequestsPerSecond    float64 `env:"ZAPCLOCK_RATE_LIMIT_RPS,default=5"`
	BurstSize            int     `env:"ZAPCLOCK_RATE_LIMIT_BURST,default=10"`
	PayRequestsPerMinute float64 `env:"ZAPCLOCK_PAY_RATE_PER_MIN,default=30"`
	PayBurstSize         int     `env:"ZAPCLOCK_PAY_BURST,default=5"`
	MaxInFlightPerIP     int     `env:"ZAPCLOCK_MAX_IN_FLIGHT_PER_IP,default=3"`
}

// Load reads an optional .env file and decodes the environment into a Config.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && len(envFiles) > 0 {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the deadlines and limits.
func (c *Config) Validate() error {
	if c.BalanceTimeout <= 0 {
		return fmt.Errorf("balance timeout must be positive")
	}
	if c.PayTimeout <= 0 {
		return fmt.Errorf("pay timeout must be positive")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http timeout must be positive")
	}
	if c.ReconcileTimeout < 0 {
		return fmt.Errorf("reconcile timeout must not be negative")
	}
	if c.RequestsPerSecond <= 0 || c.BurstSize <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.PayRequestsPerMinute <= 0 || c.PayBurstSize <= 0 {
		return fmt.Errorf("pay rate limit must be positive")
	}
	return nil
}

// Origins splits CORSOrigins on commas.
func (c *Config) Origins() []string {
	if strings.TrimSpace(c.CORSOrigins) == "" {
		return nil
	}
	origins := strings.Split(c.CORSOrigins, ",")
	for i, o := range origins {
		origins[i] = strings.TrimSpace(o)
	}
	return origins
}
