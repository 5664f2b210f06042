package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/molt/internal/events"
	"github.com/mattjoyce/molt/internal/fault"
	"github.com/mattjoyce/molt/internal/ident"
	"github.com/mattjoyce/molt/internal/initguard"
	"github.com/mattjoyce/molt/internal/module"
	"github.com/mattjoyce/molt/internal/slot"
	"github.com/mattjoyce/molt/internal/state"
	"github.com/mattjoyce/molt/internal/wire"
)

// frame is the execution context of one call. It carries the transaction,
// the originating caller, the attached value and the event buffer; module
// handlers see it as their CallContext.
type frame struct {
	engine *Engine
	tx     *sql.Tx
	d      *Dispatcher // nil for direct template calls
	caller ident.ID
	value  uint64
	view   *state.View
	buf    *events.Buffer
	logger *slog.Logger
	depth  int
}

// run classifies the call under the transparent policy and executes the
// chosen branch. The module is never consulted for the classification.
func (f *frame) run(ctx context.Context, payload []byte) (path string, output []byte, err error) {
	slots := slot.New(f.view, f.engine.registry, f.buf)

	authority, err := slots.DispatchAuthority(ctx)
	if err != nil {
		return PathUser, nil, err
	}

	// Admin path: the authority gets exactly one operation. Anything else
	// from the authority is a confused call, refused before the module
	// could see it.
	if !authority.IsZero() && f.caller.Equal(authority) {
		call, perr := wire.Parse(payload)
		if perr != nil || call.Selector != wire.UpgradeSelector {
			sel := ""
			if perr == nil {
				sel = call.Selector.String()
			}
			return PathAdmin, nil, fault.NewAdminConfusion(sel)
		}
		err = f.upgrade(ctx, slots, call)
		return PathAdmin, nil, err
	}

	// User path: forward unconditionally to the active module.
	output, err = f.executeCurrent(ctx, slots, payload)
	return PathUser, output, err
}

// upgrade handles the reserved operation: validate the target, swap the
// module slot, then run the initialization payload against the new module.
// A failure at any step rolls the whole call back, slot write included.
func (f *frame) upgrade(ctx context.Context, slots *slot.Slots, call wire.Call) error {
	newModule, err := call.ID(0)
	if err != nil {
		return fault.NewBadPayload(err.Error())
	}
	initPayload, err := call.Tail(1)
	if err != nil {
		return fault.NewBadPayload(err.Error())
	}

	if err := slots.SetModuleReference(ctx, newModule); err != nil {
		return err
	}

	if len(initPayload) == 0 {
		if f.value > 0 {
			return fault.NewStrandedValue(f.value)
		}
		f.logger.Info("module upgraded", "module", newModule.Short())
		return nil
	}

	reg, ok := f.engine.registry.Get(newModule)
	if !ok {
		return fault.NewInvalidModule(newModule.String())
	}
	if _, err := f.execute(ctx, reg, initPayload); err != nil {
		return err
	}
	f.logger.Info("module upgraded with initialization", "module", newModule.Short())
	return nil
}

// executeCurrent resolves the active module reference and executes against
// it.
func (f *frame) executeCurrent(ctx context.Context, slots *slot.Slots, payload []byte) ([]byte, error) {
	ref, err := slots.ModuleReference(ctx)
	if err != nil {
		return nil, err
	}
	reg, ok := f.engine.registry.Get(ref)
	if !ok {
		return nil, fault.NewInvalidModule(ref.String())
	}
	return f.execute(ctx, reg, payload)
}

// execute parses the payload, finds the operation handler and runs it. The
// handler's result bytes and failure payloads cross this boundary
// unchanged; nothing here inspects or rewrites them.
func (f *frame) execute(ctx context.Context, reg *module.Registered, payload []byte) ([]byte, error) {
	call, err := wire.Parse(payload)
	if err != nil {
		return nil, fault.NewBadPayload(err.Error())
	}

	handler, ok := reg.Handlers[call.Selector]
	if !ok {
		return nil, fault.NewDelegatedFailure(fmt.Appendf(nil, "unknown selector %s", call.Selector))
	}

	output, err := handler(ctx, f, call)
	if err != nil {
		var mf *module.Failure
		if errors.As(err, &mf) {
			return nil, fault.NewDelegatedFailure(mf.Payload)
		}
		if isDecodeError(err) {
			return nil, fault.NewBadPayload(err.Error())
		}
		if _, ok := fault.As(err); ok {
			return nil, err
		}
		return nil, fmt.Errorf("module %s: %w", reg.Label(), err)
	}
	return output, nil
}

// isDecodeError reports whether err is one of the codec's sentinel errors.
func isDecodeError(err error) bool {
	return errors.Is(err, wire.ErrShortPayload) ||
		errors.Is(err, wire.ErrTruncated) ||
		errors.Is(err, wire.ErrWordRange) ||
		errors.Is(err, wire.ErrLengthMismatch)
}

// Caller implements module.CallContext.
func (f *frame) Caller() ident.ID {
	return f.caller
}

// Value implements module.CallContext.
func (f *frame) Value() uint64 {
	return f.value
}

// Fields implements module.CallContext. Handlers get field and entry
// access on the call's instance; reserved slots are not reachable through
// this surface.
func (f *frame) Fields() module.Fields {
	return f.view
}

// Init implements module.CallContext.
func (f *frame) Init() *initguard.Guard {
	return initguard.New(f.view, f.buf)
}

// Emit implements module.CallContext.
func (f *frame) Emit(eventType string, data any) {
	f.buf.Emit(f.view.InstanceID(), eventType, data)
}

// Dispatch implements module.CallContext: re-enter the engine on the same
// transaction. The nested caller is the dispatcher's own identity, which is
// never the authority, so re-entrancy cannot reach the admin path.
func (f *frame) Dispatch(ctx context.Context, payload []byte, value uint64) ([]byte, error) {
	if f.d == nil {
		return nil, fmt.Errorf("nested dispatch outside a dispatcher context")
	}
	if f.depth+1 > maxNestedDepth {
		return nil, fault.NewBadPayload("nested dispatch depth exceeded")
	}

	nested := &frame{
		engine: f.engine,
		tx:     f.tx,
		d:      f.d,
		caller: f.d.Identity,
		value:  value,
		view:   f.view,
		buf:    f.buf,
		logger: f.logger,
		depth:  f.depth + 1,
	}
	_, output, err := nested.run(ctx, payload)
	return output, err
}

// Logger implements module.CallContext.
func (f *frame) Logger() *slog.Logger {
	return f.logger
}
