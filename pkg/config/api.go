package config

import (
	"fmt"
	"time"
)

// APIConfig contains all API server configuration.
type APIConfig struct {
	Server APIServerConfig `yaml:"server" mapstructure:"server"`
	Auth   APIAuthConfig   `yaml:"auth,omitempty" mapstructure:"auth"`
}

// APIServerConfig contains HTTP server settings.
type APIServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Public  RateLimitTier `yaml:"public,omitempty" mapstructure:"public"`
	Admin   RateLimitTier `yaml:"admin,omitempty" mapstructure:"admin"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// APIAuthConfig contains authentication settings. AdminPasswordHash is
// a bcrypt hash; leaving it empty disables the admin endpoints.
// WorkerToken, when set, is required as a bearer token on the worker
// result callback.
type APIAuthConfig struct {
	AdminPasswordHash string `yaml:"admin_password_hash,omitempty" mapstructure:"admin_password_hash"`
	SessionTTL        string `yaml:"session_ttl,omitempty" mapstructure:"session_ttl"`
	WorkerToken       string `yaml:"worker_token,omitempty" mapstructure:"worker_token"`
}

// ValidateAPI checks the API server configuration for errors.
func (c *Config) ValidateAPI() error {
	if c.API == nil {
		return fmt.Errorf("api configuration is required")
	}

	if c.API.Server.Listen == "" {
		return fmt.Errorf("api.server.listen is required")
	}

	if ttl := c.API.Auth.SessionTTL; ttl != "" {
		if _, err := time.ParseDuration(ttl); err != nil {
			return fmt.Errorf("api.auth.session_ttl: invalid duration %q", ttl)
		}
	}

	return nil
}
