// Package module defines the contract between the dispatch engine and the
// executable revisions it hosts: definitions, the registry, and the context
// a running handler sees.
package module

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/molt/internal/ident"
	"github.com/mattjoyce/molt/internal/initguard"
	"github.com/mattjoyce/molt/internal/wire"
)

// FieldKind distinguishes scalar and keyed fields.
type FieldKind string

const (
	// FieldWord is a single scalar slot in the positional layout.
	FieldWord FieldKind = "word"

	// FieldMap is a keyed collection occupying one layout position.
	FieldMap FieldKind = "map"
)

// Field is one position in a module's storage layout. Layouts are
// append-only across revisions: a successor keeps its predecessor's fields
// unchanged, in order, and may only add new ones after them.
type Field struct {
	Name string
	Kind FieldKind
}

// Handler executes one operation against the call frame.
type Handler func(ctx context.Context, cc CallContext, call wire.Call) ([]byte, error)

// Definition describes one module revision.
type Definition struct {
	// Name identifies the module family, e.g. "ledger".
	Name string

	// Version is the revision number, starting at 1.
	Version uint64

	// Supersedes names the predecessor revision's version, 0 for none.
	Supersedes uint64

	// Fields is the revision's full storage layout.
	Fields []Field

	// Handlers maps operation selectors to their implementations.
	Handlers map[wire.Selector]Handler
}

// RefLabel is the canonical label of a revision, e.g. "ledger@2".
func RefLabel(name string, version uint64) string {
	return fmt.Sprintf("%s@%d", name, version)
}

// RefFor derives a revision's reference identifier from its label.
func RefFor(name string, version uint64) ident.ID {
	return ident.FromLabel(RefLabel(name, version))
}

// Ref returns the definition's reference identifier.
func (d *Definition) Ref() ident.ID {
	return RefFor(d.Name, d.Version)
}

// Label returns the definition's canonical label.
func (d *Definition) Label() string {
	return RefLabel(d.Name, d.Version)
}

// Fields is a handler's view of its instance storage: positional scalars
// and keyed entries. It deliberately exposes no way to address a reserved
// dispatch slot.
type Fields interface {
	Field(ctx context.Context, idx int) ([]byte, error)
	SetField(ctx context.Context, idx int, value []byte) error
	Entry(ctx context.Context, idx int, key []byte) ([]byte, error)
	SetEntry(ctx context.Context, idx int, key, value []byte) error
}

// CallContext is what the dispatch engine provides to a running handler.
// All storage access rides the call's transaction; when the call fails,
// everything the handler did is discarded.
type CallContext interface {
	// Caller is the identity the call originated from. For nested
	// dispatch this is the dispatcher's own identity.
	Caller() ident.ID

	// Value is the amount attached to the call.
	Value() uint64

	// Fields is the instance storage the handler runs against.
	Fields() Fields

	// Init is the instance's initialization guard.
	Init() *initguard.Guard

	// Emit raises an event against the instance. Events surface only if
	// the call commits.
	Emit(eventType string, data any)

	// Dispatch re-enters the engine with a nested call on the same
	// transaction.
	Dispatch(ctx context.Context, payload []byte, value uint64) ([]byte, error)

	// Logger is scoped to the running call.
	Logger() *slog.Logger
}

// Failure is a failure raised by module code. Its payload crosses the
// dispatch boundary byte-for-byte unchanged.
type Failure struct {
	Payload []byte
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return fmt.Sprintf("module failure (%d payload bytes)", len(f.Payload))
}

// Fail raises a module failure with the given payload.
func Fail(payload []byte) error {
	return &Failure{Payload: payload}
}

// Failf raises a module failure whose payload is the formatted message.
func Failf(format string, args ...any) error {
	return &Failure{Payload: fmt.Appendf(nil, format, args...)}
}
