// Package initguard enforces the one-shot, versioned initialization
// contract for state instances. The record is persisted inside the call
// transaction, so a failed initializer body erases every trace of the
// attempt, including the in-progress marker.
package initguard

import (
	"context"
	"math"

	"github.com/mattjoyce/molt/internal/events"
	"github.com/mattjoyce/molt/internal/fault"
	"github.com/mattjoyce/molt/internal/state"
)

// Disabled is the version that permanently blocks initialization.
const Disabled = math.MaxUint64

// Guard is initialization control bound to one instance within a call.
type Guard struct {
	view *state.View
	buf  *events.Buffer
}

func New(view *state.View, buf *events.Buffer) *Guard {
	return &Guard{view: view, buf: buf}
}

// Version reports the instance's current initialization version.
func (g *Guard) Version(ctx context.Context) (uint64, error) {
	version, _, err := g.view.InitRecord(ctx)
	return version, err
}

// RunInitializer runs body as the version-1 initializer. Legal only on an
// uninitialized instance with no initializer frame open.
func (g *Guard) RunInitializer(ctx context.Context, body func(context.Context) error) error {
	return g.RunReinitializer(ctx, 1, body)
}

// RunReinitializer runs body as the initializer for the given version.
// The target version must strictly exceed the current one and no
// initializer frame may be open. While body runs, the record shows the
// target version with the in-progress marker set; nested attempts see the
// marker and are refused. Body failure fails the whole call.
func (g *Guard) RunReinitializer(ctx context.Context, version uint64, body func(context.Context) error) error {
	current, inProgress, err := g.view.InitRecord(ctx)
	if err != nil {
		return err
	}
	if inProgress || version <= current {
		return fault.NewAlreadyInitialized(current)
	}

	if err := g.view.SetInitRecord(ctx, version, true); err != nil {
		return err
	}
	if err := body(ctx); err != nil {
		return err
	}
	if err := g.view.SetInitRecord(ctx, version, false); err != nil {
		return err
	}

	g.buf.Emit(g.view.InstanceID(), events.TypeInitialized,
		events.Initialized{Version: version})
	return nil
}

// RequireInitializing fails unless an initializer frame is open. Guards
// routines that are only legal as part of initialization.
func (g *Guard) RequireInitializing(ctx context.Context) error {
	_, inProgress, err := g.view.InitRecord(ctx)
	if err != nil {
		return err
	}
	if !inProgress {
		return fault.NewNotInitializing()
	}
	return nil
}

// DisableInitializers locks the instance at the disabled version. Calling
// it on an already-disabled instance is a no-op; calling it inside an
// initializer frame fails.
func (g *Guard) DisableInitializers(ctx context.Context) error {
	current, inProgress, err := g.view.InitRecord(ctx)
	if err != nil {
		return err
	}
	if inProgress {
		return fault.NewAlreadyInitialized(current)
	}
	if current == Disabled {
		return nil
	}

	if err := g.view.SetInitRecord(ctx, Disabled, false); err != nil {
		return err
	}
	g.buf.Emit(g.view.InstanceID(), events.TypeInitialized,
		events.Initialized{Version: Disabled})
	return nil
}
