package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/molt/internal/events"
	"github.com/mattjoyce/molt/internal/fault"
	"github.com/mattjoyce/molt/internal/ident"
	"github.com/mattjoyce/molt/internal/log"
	"github.com/mattjoyce/molt/internal/module"
	"github.com/mattjoyce/molt/internal/slot"
	"github.com/mattjoyce/molt/internal/state"
)

// maxNestedDepth caps re-entrant dispatch within one call.
const maxNestedDepth = 64

// Call paths recorded in the call log.
const (
	PathUser     = "user"
	PathAdmin    = "admin"
	PathTemplate = "template"
)

// Dispatcher is a deployed dispatcher: a state instance carrying the two
// reserved slots, plus an identity of its own for nested calls.
type Dispatcher struct {
	Name       string
	InstanceID string
	Identity   ident.ID
	GovernorID string
	CreatedAt  string
}

// Engine executes calls against deployed dispatchers. Calls are serialized;
// each runs inside its own transaction, so a failed call discards every
// mutation it made, including slot writes and raised events.
type Engine struct {
	store    *state.Store
	registry *module.Registry
	hub      *events.Hub
	logger   *slog.Logger

	mu sync.Mutex
}

// NewEngine creates an Engine over the given store and registry. hub may be
// nil when no live event fan-out is wanted.
func NewEngine(store *state.Store, registry *module.Registry, hub *events.Hub) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		hub:      hub,
		logger:   log.WithComponent("dispatch"),
	}
}

// Registry exposes the module registry backing this engine.
func (e *Engine) Registry() *module.Registry {
	return e.registry
}

// Deploy creates a dispatcher wired to an initial module and authority.
// Slot writes and their events commit atomically with the dispatcher row.
func (e *Engine) Deploy(ctx context.Context, name string, moduleRef, authority ident.ID, governorID string) (*Dispatcher, error) {
	if name == "" {
		return nil, fmt.Errorf("dispatcher name is empty")
	}

	inst, err := e.store.CreateInstance(ctx, state.KindDispatcher, name)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		Name:       name,
		InstanceID: inst.ID,
		Identity:   ident.FromLabel("molt.dispatcher." + inst.ID),
		GovernorID: governorID,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	buf := events.NewBuffer()
	slots := slot.New(state.NewView(tx, inst.ID), e.registry, buf)
	if err := slots.SetModuleReference(ctx, moduleRef); err != nil {
		return nil, err
	}
	if err := slots.SetDispatchAuthority(ctx, authority); err != nil {
		return nil, err
	}
	if err := buf.Flush(ctx, tx); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO dispatchers(name, instance_id, identity, governor_id, created_at) VALUES(?, ?, ?, ?, ?);",
		d.Name, d.InstanceID, d.Identity.Bytes(), d.GovernorID, d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert dispatcher: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit deploy: %w", err)
	}

	buf.Publish(e.hub)
	e.logger.Info("dispatcher deployed", "dispatcher", d.Name, "module", moduleRef.Short(), "authority", authority.Short())
	return d, nil
}

// Load resumes a deployed dispatcher by name.
func (e *Engine) Load(ctx context.Context, name string) (*Dispatcher, error) {
	var d Dispatcher
	var identity []byte
	err := e.store.DB().QueryRowContext(ctx,
		"SELECT name, instance_id, identity, governor_id, created_at FROM dispatchers WHERE name = ?;", name).
		Scan(&d.Name, &d.InstanceID, &identity, &d.GovernorID, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dispatcher %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("read dispatcher: %w", err)
	}
	d.Identity, err = ident.FromBytes(identity)
	if err != nil {
		return nil, fmt.Errorf("stored dispatcher identity: %w", err)
	}
	return &d, nil
}

// Snapshot reads a dispatcher's current module reference and authority in
// one read-only transaction.
func (e *Engine) Snapshot(ctx context.Context, d *Dispatcher) (moduleRef, authority ident.ID, err error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return ident.Zero, ident.Zero, err
	}
	defer func() { _ = tx.Rollback() }()

	slots := slot.New(state.NewView(tx, d.InstanceID), e.registry, events.NewBuffer())
	moduleRef, err = slots.ModuleReference(ctx)
	if err != nil {
		return ident.Zero, ident.Zero, err
	}
	authority, err = slots.DispatchAuthority(ctx)
	if err != nil {
		return ident.Zero, ident.Zero, err
	}
	return moduleRef, authority, nil
}

// Result is a successful call outcome.
type Result struct {
	// CallID identifies the call in the audit log.
	CallID string

	// Output holds the module's result bytes, unchanged. Admin-path calls
	// produce no output.
	Output []byte

	// Path records which policy branch handled the call.
	Path string
}

// Call runs one external call against a dispatcher: classify under the
// transparent policy, execute, and commit or roll back as a unit. The
// returned error, if any, is the call's fault; module failure payloads
// cross unchanged inside it.
func (e *Engine) Call(ctx context.Context, d *Dispatcher, caller ident.ID, payload []byte, value uint64) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	callID := uuid.NewString()
	started := time.Now()
	callLogger := log.WithCall(callID).With("dispatcher", d.Name, "caller", caller.Short())

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	f := &frame{
		engine: e,
		tx:     tx,
		d:      d,
		caller: caller,
		value:  value,
		view:   state.NewView(tx, d.InstanceID),
		buf:    events.NewBuffer(),
		logger: callLogger,
	}

	path, output, callErr := f.run(ctx, payload)

	if callErr != nil {
		_ = tx.Rollback()
		e.finishCall(ctx, d, callID, caller, payload, path, started, callErr)
		return nil, callErr
	}

	if err := f.buf.Flush(ctx, tx); err != nil {
		_ = tx.Rollback()
		e.finishCall(ctx, d, callID, caller, payload, path, started, err)
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		err = fmt.Errorf("commit call: %w", err)
		e.finishCall(ctx, d, callID, caller, payload, path, started, err)
		return nil, err
	}

	f.buf.Publish(e.hub)
	e.finishCall(ctx, d, callID, caller, payload, path, started, nil)
	return &Result{CallID: callID, Output: output, Path: path}, nil
}

// CallTemplate runs a call directly against a module's own template
// instance, bypassing any dispatcher. Templates have no reserved slots and
// their initializers are disabled at registration, so this path can observe
// but never hijack a revision.
func (e *Engine) CallTemplate(ctx context.Context, label string, caller ident.ID, payload []byte, value uint64) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	reg, ok := e.registry.FindLabel(label)
	if !ok {
		return nil, fault.NewInvalidModule(label)
	}

	callID := uuid.NewString()
	started := time.Now()

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	f := &frame{
		engine: e,
		tx:     tx,
		caller: caller,
		value:  value,
		view:   state.NewView(tx, reg.Template),
		buf:    events.NewBuffer(),
		logger: log.WithCall(callID).With("template", label),
	}

	output, callErr := f.execute(ctx, reg, payload)
	if callErr != nil {
		_ = tx.Rollback()
		e.logCall(ctx, callRecord(callID, "template:"+label, caller, payload, PathTemplate, started, callErr))
		return nil, callErr
	}

	if err := f.buf.Flush(ctx, tx); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit call: %w", err)
	}

	f.buf.Publish(e.hub)
	e.logCall(ctx, callRecord(callID, "template:"+label, caller, payload, PathTemplate, started, nil))
	return &Result{CallID: callID, Output: output, Path: PathTemplate}, nil
}

// finishCall writes the audit record and publishes the gateway observation.
// It runs after commit or rollback; the record itself is not call state.
func (e *Engine) finishCall(ctx context.Context, d *Dispatcher, callID string, caller ident.ID, payload []byte, path string, started time.Time, callErr error) {
	rec := callRecord(callID, d.Name, caller, payload, path, started, callErr)
	e.logCall(ctx, rec)

	if e.hub == nil {
		return
	}
	if callErr == nil {
		e.hub.Publish(events.TypeCallCompleted, events.CallCompleted{
			CallID:     callID,
			Caller:     caller.String(),
			Selector:   rec.Selector,
			Path:       path,
			DurationMS: rec.DurationMS,
		})
		return
	}

	code := ""
	if fe, ok := fault.As(callErr); ok {
		code = string(fe.Code)
	}
	e.hub.Publish(events.TypeCallFailed, events.CallFailed{
		CallID:   callID,
		Caller:   caller.String(),
		Selector: rec.Selector,
		Code:     code,
		Error:    callErr.Error(),
	})
}
