package config

import (
	"errors"
	"os"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxConnections = 128
	DefaultNetTimeout     = 30 * time.Second
	DefaultStoreTimeout   = 10 * time.Second
	DefaultGuardTTL       = 5 * time.Minute
)

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Accepts per second
	Burst int     `yaml:"burst"` // Burst size
}

// Server is the obsync server configuration. Durations are yaml integers in
// nanoseconds; zero optional fields take the package defaults.
type Server struct {
	Bind           string            `yaml:"bind"`
	MaxConnections int               `yaml:"maxConnections"`
	NetTimeout     time.Duration     `yaml:"netTimeout"`   // bound on every socket operation
	StoreTimeout   time.Duration     `yaml:"storeTimeout"` // bound on local store gets
	GuardTTL       time.Duration     `yaml:"guardTTL"`     // expiry for in-flight transfer guards
	AcceptRate     RateLimiterConfig `yaml:"acceptRate"`
}

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrBindMissing              = errors.New("bind is missing in config")
	ErrMaxConnectionsInvalid    = errors.New("maxConnections must not be negative")
	ErrAcceptBurstInvalid       = errors.New("acceptRate.burst must be positive when acceptRate.limit is set")
)

func LoadConfig(configFile string) (*Server, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Server
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks hard requirements and fills defaults for optional fields.
func (c *Server) Validate() error {
	if c.Bind == "" {
		return ErrBindMissing
	}
	if c.MaxConnections < 0 {
		return ErrMaxConnectionsInvalid
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.NetTimeout == 0 {
		c.NetTimeout = DefaultNetTimeout
	}
	if c.StoreTimeout == 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	if c.GuardTTL == 0 {
		c.GuardTTL = DefaultGuardTTL
	}
	if c.AcceptRate.Limit > 0 && c.AcceptRate.Burst <= 0 {
		return ErrAcceptBurstInvalid
	}
	return nil
}

// AcceptLimiter builds the accept-rate limiter; an unset limit means
// unlimited accepts.
func (c *Server) AcceptLimiter() *rate.Limiter {
	if c.AcceptRate.Limit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(c.AcceptRate.Limit), c.AcceptRate.Burst)
}
