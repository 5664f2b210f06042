package module

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mattjoyce/molt/internal/events"
	"github.com/mattjoyce/molt/internal/ident"
	"github.com/mattjoyce/molt/internal/initguard"
	"github.com/mattjoyce/molt/internal/log"
	"github.com/mattjoyce/molt/internal/state"
)

// Registered is a revision accepted into the registry, with its reference
// and its template state instance.
type Registered struct {
	Definition

	// Ref is the revision's reference identifier.
	Ref ident.ID

	// Template is the revision's own state instance. Its initializers are
	// disabled at registration, so a directly addressed template can never
	// be initialized.
	Template string
}

// Registry holds registered module revisions indexed by reference. All
// registration happens during startup, before the engine serves calls.
type Registry struct {
	store   *state.Store
	byRef   map[ident.ID]*Registered
	byLabel map[string]*Registered
}

// NewRegistry creates an empty module registry backed by store.
func NewRegistry(store *state.Store) *Registry {
	return &Registry{
		store:   store,
		byRef:   make(map[ident.ID]*Registered),
		byLabel: make(map[string]*Registered),
	}
}

// Register validates a definition, enforces the append-only layout contract
// against its predecessor, creates the revision's template instance and
// permanently disables the template's initializers.
func (r *Registry) Register(ctx context.Context, def Definition) (*Registered, error) {
	if err := validateDefinition(&def); err != nil {
		return nil, fmt.Errorf("invalid module definition: %w", err)
	}

	label := def.Label()
	if _, exists := r.byLabel[label]; exists {
		return nil, fmt.Errorf("module %q already registered", label)
	}

	if def.Supersedes != 0 {
		prev, ok := r.Find(def.Name, def.Supersedes)
		if !ok {
			return nil, fmt.Errorf("module %q supersedes unregistered revision %d", label, def.Supersedes)
		}
		if err := checkLayoutPrefix(prev.Fields, def.Fields); err != nil {
			return nil, fmt.Errorf("module %q layout: %w", label, err)
		}
	}

	// A restarted gateway re-registers every revision; reuse the template
	// instance a previous run created instead of stacking up new ones.
	inst, found, err := r.store.FindInstance(ctx, state.KindTemplate, label)
	if err != nil {
		return nil, fmt.Errorf("find template instance: %w", err)
	}
	if !found {
		inst, err = r.store.CreateInstance(ctx, state.KindTemplate, label)
		if err != nil {
			return nil, fmt.Errorf("create template instance: %w", err)
		}

		tx, err := r.store.Begin(ctx)
		if err != nil {
			return nil, err
		}
		defer func() { _ = tx.Rollback() }()

		buf := events.NewBuffer()
		guard := initguard.New(state.NewView(tx, inst.ID), buf)
		if err := guard.DisableInitializers(ctx); err != nil {
			return nil, fmt.Errorf("disable template initializers: %w", err)
		}
		if err := buf.Flush(ctx, tx); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit registration: %w", err)
		}
	}

	reg := &Registered{
		Definition: def,
		Ref:        def.Ref(),
		Template:   inst.ID,
	}
	r.byRef[reg.Ref] = reg
	r.byLabel[label] = reg

	log.WithModule(def.Name).Debug("registered revision",
		"version", def.Version,
		"ref", reg.Ref.Short(),
		"template_reused", found)
	return reg, nil
}

// Get retrieves a revision by reference.
func (r *Registry) Get(ref ident.ID) (*Registered, bool) {
	reg, ok := r.byRef[ref]
	return reg, ok
}

// Find retrieves a revision by name and version.
func (r *Registry) Find(name string, version uint64) (*Registered, bool) {
	reg, ok := r.byLabel[RefLabel(name, version)]
	return reg, ok
}

// FindLabel retrieves a revision by its canonical label, e.g. "ledger@2".
func (r *Registry) FindLabel(label string) (*Registered, bool) {
	reg, ok := r.byLabel[label]
	return reg, ok
}

// Resolve reports whether ref hosts registered executable code.
func (r *Registry) Resolve(ref ident.ID) bool {
	_, ok := r.byRef[ref]
	return ok
}

// All returns registered revisions ordered by name then version.
func (r *Registry) All() []*Registered {
	out := make([]*Registered, 0, len(r.byRef))
	for _, reg := range r.byRef {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// validateDefinition checks required definition fields.
func validateDefinition(d *Definition) error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.Contains(d.Name, "@") {
		return fmt.Errorf("name must not contain %q", "@")
	}
	if d.Version == 0 {
		return fmt.Errorf("version must be at least 1")
	}
	if d.Supersedes >= d.Version {
		return fmt.Errorf("supersedes %d must be below version %d", d.Supersedes, d.Version)
	}
	if len(d.Handlers) == 0 {
		return fmt.Errorf("at least one handler must be declared")
	}

	seen := make(map[string]struct{}, len(d.Fields))
	for i, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("field %d name is required", i)
		}
		if f.Kind != FieldWord && f.Kind != FieldMap {
			return fmt.Errorf("field %q has invalid kind %q (valid: word, map)", f.Name, f.Kind)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("duplicate field %q", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

// checkLayoutPrefix enforces the append-only layout contract: the
// predecessor's fields must survive unchanged and in order.
func checkLayoutPrefix(prev, next []Field) error {
	if len(next) < len(prev) {
		return fmt.Errorf("removes fields (%d < %d)", len(next), len(prev))
	}
	for i, pf := range prev {
		if next[i] != pf {
			return fmt.Errorf("field %d changed from %s/%s to %s/%s",
				i, pf.Name, pf.Kind, next[i].Name, next[i].Kind)
		}
	}
	return nil
}
