// Package doctor validates molt configuration against the module registry.
package doctor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattjoyce/molt/internal/config"
	"github.com/mattjoyce/molt/internal/ident"
	"github.com/mattjoyce/molt/internal/module"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// ModuleIndex is the registry view the doctor needs.
type ModuleIndex interface {
	FindLabel(label string) (*module.Registered, bool)
	All() []*module.Registered
}

// Doctor validates configuration against registered module revisions.
type Doctor struct {
	cfg      *config.Config
	registry ModuleIndex
}

// New creates a Doctor from a loaded config and module registry.
func New(cfg *config.Config, registry ModuleIndex) *Doctor {
	return &Doctor{cfg: cfg, registry: registry}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateDeployment(r)
	d.validateAPIConfig(r)
	d.warnStaleDeployment(r)
	d.warnOrphanRevisions(r)
	d.warnUndeployedModules(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateServiceConfig checks required service fields and interval syntax.
func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.Storage.Path == "" {
		d.addError(r, "service", "storage.path", "storage.path is required")
	}

	switch strings.ToLower(d.cfg.Service.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		d.addWarning(r, "service", "service.log_level",
			fmt.Sprintf("unknown log level %q (falls back to info)", d.cfg.Service.LogLevel))
	}

	if v := d.cfg.Service.SweepInterval; v != "" {
		if _, err := config.ParseInterval(v); err != nil {
			d.addError(r, "service", "service.sweep_interval",
				fmt.Sprintf("invalid sweep interval %q: %v", v, err))
		}
	}
	if v := d.cfg.Service.SweepJitter; v != "" {
		if _, err := config.ParseInterval(v); err != nil {
			d.addError(r, "service", "service.sweep_jitter",
				fmt.Sprintf("invalid sweep jitter %q: %v", v, err))
		}
	}
	if v := d.cfg.Service.AuditRetention; v != "" {
		retention, err := config.ParseInterval(v)
		if err != nil {
			d.addError(r, "service", "service.audit_retention",
				fmt.Sprintf("invalid audit retention %q: %v", v, err))
		} else if retention.Hours() < 24 {
			d.addWarning(r, "service", "service.audit_retention",
				fmt.Sprintf("audit retention %q is very short (< 24h)", v))
		}
	}
}

// validateDeployment checks that the configured deployment resolves.
func (d *Doctor) validateDeployment(r *Result) {
	if d.cfg.Deployment.Dispatcher == "" {
		d.addError(r, "deployment", "deployment.dispatcher", "deployment.dispatcher is required")
	}
	if d.cfg.Deployment.Governor == "" {
		d.addError(r, "deployment", "deployment.governor", "deployment.governor is required")
	}

	label := d.cfg.Deployment.Module
	if label == "" {
		d.addError(r, "deployment", "deployment.module", "deployment.module is required")
	} else if _, ok := d.registry.FindLabel(label); !ok {
		d.addError(r, "deployment", "deployment.module",
			fmt.Sprintf("module %q is not registered", label))
	}

	if d.cfg.Deployment.Owner == "" {
		d.addWarning(r, "deployment", "deployment.owner",
			"deployment.owner not set; first-start bootstrap cannot initialize the governor")
	} else if _, err := ident.Parse(d.cfg.Deployment.Owner); err != nil {
		d.addError(r, "deployment", "deployment.owner",
			fmt.Sprintf("invalid owner identity: %v", err))
	}
}

// validateAPIConfig checks API server settings and token bindings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if len(d.cfg.API.Tokens) == 0 {
		d.addWarning(r, "api", "api.tokens", "API enabled but no authentication configured")
	}

	seen := make(map[string]int)
	for i, token := range d.cfg.API.Tokens {
		field := fmt.Sprintf("api.tokens[%d]", i)

		if token.Token == "" {
			d.addWarning(r, "api", field+".token",
				"token value is empty (possibly unresolved environment variable)")
		} else if prevIdx, dup := seen[token.Token]; dup {
			d.addError(r, "api", field+".token",
				fmt.Sprintf("token value duplicates api.tokens[%d]", prevIdx))
		} else {
			seen[token.Token] = i
		}

		if _, err := ident.Parse(token.Identity); err != nil {
			d.addError(r, "api", field+".identity",
				fmt.Sprintf("invalid token identity: %v", err))
		}
	}
}

// warnStaleDeployment warns when a newer revision of the deployed module is
// registered but not targeted.
func (d *Doctor) warnStaleDeployment(r *Result) {
	deployed, ok := d.registry.FindLabel(d.cfg.Deployment.Module)
	if !ok {
		return
	}
	for _, reg := range d.registry.All() {
		if reg.Name == deployed.Name && reg.Version > deployed.Version {
			d.addWarning(r, "modules", "deployment.module",
				fmt.Sprintf("newer revision %q is registered; %q will be upgradeable at runtime",
					reg.Label(), deployed.Label()))
			return
		}
	}
}

// warnOrphanRevisions warns about revisions that no upgrade can ever reach.
func (d *Doctor) warnOrphanRevisions(r *Result) {
	for _, reg := range d.registry.All() {
		if reg.Version > 1 && reg.Supersedes == 0 {
			d.addWarning(r, "modules", "",
				fmt.Sprintf("revision %q declares no predecessor; upgrades from earlier revisions cannot reach it",
					reg.Label()))
		}
	}
}

// warnUndeployedModules warns about registered module names the configured
// deployment never uses.
func (d *Doctor) warnUndeployedModules(r *Result) {
	deployed, ok := d.registry.FindLabel(d.cfg.Deployment.Module)
	if !ok {
		return
	}
	seen := make(map[string]bool)
	for _, reg := range d.registry.All() {
		if reg.Name == deployed.Name || seen[reg.Name] {
			continue
		}
		seen[reg.Name] = true
		d.addWarning(r, "unused", "",
			fmt.Sprintf("module %q registered but not deployed", reg.Name))
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
