// Package slot manages the dispatcher's two reserved storage slots. Slot
// identifiers are BLAKE3 label hashes decremented by one, so no plausible
// label hashes directly to a reserved identifier. The slots live in storage
// no module field can address.
package slot

import (
	"context"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/molt/internal/events"
	"github.com/mattjoyce/molt/internal/fault"
	"github.com/mattjoyce/molt/internal/ident"
	"github.com/mattjoyce/molt/internal/state"
)

// ID is a reserved slot identifier.
type ID [32]byte

// Derive computes a reserved slot identifier from a label: the BLAKE3 hash
// of the label, minus one as a 256-bit big-endian integer.
func Derive(label string) ID {
	sum := blake3.Sum256([]byte(label))
	for i := len(sum) - 1; i >= 0; i-- {
		if sum[i] != 0 {
			sum[i]--
			break
		}
		sum[i] = 0xff
	}
	return ID(sum)
}

// The two reserved slots.
var (
	Module    = Derive("molt.dispatch.module")
	Authority = Derive("molt.dispatch.authority")
)

// Resolver answers whether a reference hosts registered executable code.
type Resolver interface {
	Resolve(ref ident.ID) bool
}

// Slots is slot access bound to one dispatcher instance within a call.
type Slots struct {
	view     *state.View
	resolver Resolver
	buf      *events.Buffer
}

func New(view *state.View, resolver Resolver, buf *events.Buffer) *Slots {
	return &Slots{view: view, resolver: resolver, buf: buf}
}

// ModuleReference reads the active module reference. Unset reads as zero.
func (s *Slots) ModuleReference(ctx context.Context) (ident.ID, error) {
	return s.read(ctx, Module)
}

// SetModuleReference validates that ref hosts executable code, writes the
// module slot and raises module.upgraded. Nothing else.
func (s *Slots) SetModuleReference(ctx context.Context, ref ident.ID) error {
	if !s.resolver.Resolve(ref) {
		return fault.NewInvalidModule(ref.String())
	}
	if err := s.view.SetSlot(ctx, [32]byte(Module), ref.Bytes()); err != nil {
		return err
	}
	s.buf.Emit(s.view.InstanceID(), events.TypeModuleUpgraded,
		events.ModuleUpgraded{Module: ref.String()})
	return nil
}

// DispatchAuthority reads the dispatch authority. Unset reads as zero.
func (s *Slots) DispatchAuthority(ctx context.Context) (ident.ID, error) {
	return s.read(ctx, Authority)
}

// SetDispatchAuthority rejects the null identity, writes the authority slot
// and raises authority.changed with the previous value.
func (s *Slots) SetDispatchAuthority(ctx context.Context, authority ident.ID) error {
	if authority.IsZero() {
		return fault.NewInvalidAuthority()
	}
	prev, err := s.read(ctx, Authority)
	if err != nil {
		return err
	}
	if err := s.view.SetSlot(ctx, [32]byte(Authority), authority.Bytes()); err != nil {
		return err
	}
	s.buf.Emit(s.view.InstanceID(), events.TypeAuthorityChanged,
		events.AuthorityChanged{Previous: prev.String(), New: authority.String()})
	return nil
}

func (s *Slots) read(ctx context.Context, id ID) (ident.ID, error) {
	raw, err := s.view.Slot(ctx, [32]byte(id))
	if err != nil {
		return ident.Zero, err
	}
	if raw == nil {
		return ident.Zero, nil
	}
	v, err := ident.FromBytes(raw)
	if err != nil {
		return ident.Zero, fmt.Errorf("stored slot value: %w", err)
	}
	return v, nil
}
