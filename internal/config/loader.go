package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/molt/internal/ident"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. Precedence, lowest to
// highest: defaults, YAML, MOLT_* environment variables.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", absPath, err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds the config file by checking standard locations.
// Priority: $MOLT_CONFIG, ~/.config/molt/config.yaml, /etc/molt/config.yaml,
// ./config.yaml.
func Discover() (string, error) {
	if path := os.Getenv("MOLT_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(homeDir, ".config", "molt", "config.yaml")
		if _, err := os.Stat(userPath); err == nil {
			return userPath, nil
		}
	}

	systemPath := "/etc/molt/config.yaml"
	if _, err := os.Stat(systemPath); err == nil {
		return systemPath, nil
	}

	localPath := "./config.yaml"
	if _, err := os.Stat(localPath); err == nil {
		return localPath, nil
	}

	return "", fmt.Errorf("no config found (checked: $MOLT_CONFIG, ~/.config/molt/config.yaml, /etc/molt/config.yaml, ./config.yaml)")
}

// interpolateEnv replaces ${VAR} placeholders with environment values.
// Unset variables keep the placeholder, so validation can catch them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Validate performs basic validation on the configuration.
func Validate(cfg *Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := strings.ToLower(cfg.Service.LogFormat); f != "" && f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if cfg.Service.SweepInterval != "" {
		if _, err := ParseInterval(cfg.Service.SweepInterval); err != nil {
			return fmt.Errorf("service.sweep_interval: %w", err)
		}
	}
	if cfg.Service.SweepJitter != "" {
		if _, err := ParseInterval(cfg.Service.SweepJitter); err != nil {
			return fmt.Errorf("service.sweep_jitter: %w", err)
		}
	}
	if cfg.Service.AuditRetention != "" {
		if _, err := ParseInterval(cfg.Service.AuditRetention); err != nil {
			return fmt.Errorf("service.audit_retention: %w", err)
		}
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled is true")
		}
		if len(cfg.API.Tokens) == 0 {
			return fmt.Errorf("api.tokens must not be empty when api.enabled is true")
		}
		seen := make(map[string]bool, len(cfg.API.Tokens))
		for i, t := range cfg.API.Tokens {
			if t.Token == "" {
				return fmt.Errorf("api.tokens[%d].token is empty", i)
			}
			if strings.Contains(t.Token, "${") {
				return fmt.Errorf("api.tokens[%d].token contains an unresolved ${VAR} placeholder", i)
			}
			if seen[t.Token] {
				return fmt.Errorf("api.tokens[%d].token is a duplicate", i)
			}
			seen[t.Token] = true
			if _, err := ident.Parse(t.Identity); err != nil {
				return fmt.Errorf("api.tokens[%d].identity: %w", i, err)
			}
		}
	}

	dep := cfg.Deployment
	if dep.Dispatcher == "" {
		return fmt.Errorf("deployment.dispatcher is required")
	}
	if !strings.Contains(dep.Module, "@") {
		return fmt.Errorf("deployment.module must be a revision label like \"ledger@1\" (got %q)", dep.Module)
	}
	if dep.Governor == "" {
		return fmt.Errorf("deployment.governor is required")
	}
	if dep.Owner != "" {
		if _, err := ident.Parse(dep.Owner); err != nil {
			return fmt.Errorf("deployment.owner: %w", err)
		}
	}
	return nil
}
