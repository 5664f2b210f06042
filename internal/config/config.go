// Package config loads the gateway configuration: YAML with ${ENV}
// interpolation, then an environment-variable overlay on top.
package config

import (
	"fmt"
	"time"

	"github.com/mattjoyce/molt/internal/auth"
	"github.com/mattjoyce/molt/internal/ident"
)

// Config is the complete molt configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Storage    StorageConfig    `yaml:"storage"`
	API        APIConfig        `yaml:"api,omitempty"`
	Deployment DeploymentConfig `yaml:"deployment"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name" env:"MOLT_SERVICE_NAME"`
	LogLevel  string `yaml:"log_level" env:"MOLT_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"MOLT_LOG_FORMAT"`

	// SweepInterval is how often the audit sweeper runs, e.g. "1h" or
	// "hourly".
	SweepInterval string `yaml:"sweep_interval" env:"MOLT_SWEEP_INTERVAL"`

	// SweepJitter delays each sweep by a random slice of this duration.
	SweepJitter string `yaml:"sweep_jitter" env:"MOLT_SWEEP_JITTER"`

	// AuditRetention bounds the age of call and event log rows, e.g.
	// "720h" or "weekly". Empty disables pruning.
	AuditRetention string `yaml:"audit_retention" env:"MOLT_AUDIT_RETENTION"`
}

// StorageConfig defines where the sqlite state lives.
type StorageConfig struct {
	Path string `yaml:"path" env:"MOLT_STORAGE_PATH"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool       `yaml:"enabled" env:"MOLT_API_ENABLED"`
	Listen  string     `yaml:"listen" env:"MOLT_API_LISTEN"`
	Tokens  []APIToken `yaml:"tokens,omitempty"`
}

// APIToken binds one bearer token to the hex identity it calls as.
type APIToken struct {
	Token    string `yaml:"token"`
	Identity string `yaml:"identity"`
}

// DeploymentConfig names the dispatcher the gateway serves and how to
// bootstrap it on first start.
type DeploymentConfig struct {
	// Dispatcher is the deployment name.
	Dispatcher string `yaml:"dispatcher" env:"MOLT_DISPATCHER"`

	// Module is the revision label to deploy initially, e.g. "ledger@1".
	Module string `yaml:"module" env:"MOLT_MODULE"`

	// Governor is the governor ID controlling the deployment.
	Governor string `yaml:"governor" env:"MOLT_GOVERNOR"`

	// Owner is the hex identity installed as the governor's owner.
	Owner string `yaml:"owner" env:"MOLT_OWNER"`
}

// Defaults returns a Config with working local-development settings.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:          "molt",
			LogLevel:      "info",
			LogFormat:     "json",
			SweepInterval: "1h",
			SweepJitter:   "5m",
		},
		Storage: StorageConfig{
			Path: "./data/molt.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Deployment: DeploymentConfig{
			Dispatcher: "main",
			Module:     "ledger@1",
			Governor:   "gov-1",
		},
	}
}

// AuthTokens resolves the configured API tokens into auth bindings.
func (c *Config) AuthTokens() ([]auth.TokenConfig, error) {
	out := make([]auth.TokenConfig, 0, len(c.API.Tokens))
	for i, t := range c.API.Tokens {
		id, err := ident.Parse(t.Identity)
		if err != nil {
			return nil, fmt.Errorf("api.tokens[%d].identity: %w", i, err)
		}
		out = append(out, auth.TokenConfig{Token: t.Token, Identity: id})
	}
	return out, nil
}

// OwnerIdentity parses the configured governor owner.
func (c *Config) OwnerIdentity() (ident.ID, error) {
	if c.Deployment.Owner == "" {
		return ident.Zero, fmt.Errorf("deployment.owner is not set")
	}
	id, err := ident.Parse(c.Deployment.Owner)
	if err != nil {
		return ident.Zero, fmt.Errorf("deployment.owner: %w", err)
	}
	return id, nil
}

// SweepInterval returns the parsed sweep interval. Validation guarantees
// the configured string parses; a zero value falls back to hourly.
func (c *Config) SweepInterval() time.Duration {
	d, err := ParseInterval(c.Service.SweepInterval)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// SweepJitter returns the parsed sweep jitter, 0 for none.
func (c *Config) SweepJitter() time.Duration {
	if c.Service.SweepJitter == "" {
		return 0
	}
	d, err := ParseInterval(c.Service.SweepJitter)
	if err != nil {
		return 0
	}
	return d
}

// AuditRetention returns the parsed audit retention, 0 when pruning is
// disabled.
func (c *Config) AuditRetention() time.Duration {
	if c.Service.AuditRetention == "" {
		return 0
	}
	d, err := ParseInterval(c.Service.AuditRetention)
	if err != nil {
		return 0
	}
	return d
}

// ParseInterval converts interval strings to durations. Accepts Go
// duration syntax ("30m", "720h") plus "hourly", "daily" and "weekly".
func ParseInterval(interval string) (time.Duration, error) {
	switch interval {
	case "hourly":
		return time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	case "weekly":
		return 7 * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(interval)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", interval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive: %q", interval)
	}
	return d, nil
}
