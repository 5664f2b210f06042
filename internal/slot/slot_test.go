package slot

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/molt/internal/events"
	"github.com/mattjoyce/molt/internal/fault"
	"github.com/mattjoyce/molt/internal/ident"
	"github.com/mattjoyce/molt/internal/state"
	"github.com/mattjoyce/molt/internal/storage"
)

type mapResolver map[ident.ID]bool

func (m mapResolver) Resolve(ref ident.ID) bool { return m[ref] }

func TestDeriveIsHashMinusOne(t *testing.T) {
	t.Parallel()

	label := "molt.dispatch.module"
	d := Derive(label)
	h := blake3.Sum256([]byte(label))

	// Incrementing the derived id by one must give the raw hash back.
	inc := d
	for i := 31; i >= 0; i-- {
		inc[i]++
		if inc[i] != 0 {
			break
		}
	}
	assert.Equal(t, h, [32]byte(inc))
	assert.NotEqual(t, Module, Authority)
}

func newTestSlots(t *testing.T, resolver Resolver) (*Slots, *events.Buffer, func() error) {
	t.Helper()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "molt.db")
	db, err := storage.OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := state.NewStore(db)
	inst, err := store.CreateInstance(ctx, state.KindDispatcher, "d")
	require.NoError(t, err)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.Rollback() })

	buf := events.NewBuffer()
	return New(state.NewView(tx, inst.ID), resolver, buf), buf, tx.Commit
}

func TestModuleReferenceLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ref := ident.FromLabel("ledger@1")
	slots, buf, _ := newTestSlots(t, mapResolver{ref: true})

	// Unset reads as zero.
	got, err := slots.ModuleReference(ctx)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	require.NoError(t, slots.SetModuleReference(ctx, ref))

	got, err = slots.ModuleReference(ctx)
	require.NoError(t, err)
	assert.Equal(t, ref, got)

	pend := buf.Pending()
	require.Len(t, pend, 1)
	assert.Equal(t, events.TypeModuleUpgraded, pend[0].Type)
	assert.Equal(t, events.ModuleUpgraded{Module: ref.String()}, pend[0].Data)
}

func TestSetModuleReferenceRejectsUnresolvable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	slots, buf, _ := newTestSlots(t, mapResolver{})
	err := slots.SetModuleReference(ctx, ident.FromLabel("ghost"))
	assert.True(t, fault.IsCode(err, fault.CodeInvalidModule))
	assert.Empty(t, buf.Pending())
}

func TestDispatchAuthorityLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	slots, buf, _ := newTestSlots(t, mapResolver{})

	a := ident.FromLabel("governor")
	require.NoError(t, slots.SetDispatchAuthority(ctx, a))

	got, err := slots.DispatchAuthority(ctx)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	b := ident.FromLabel("governor-2")
	require.NoError(t, slots.SetDispatchAuthority(ctx, b))

	pend := buf.Pending()
	require.Len(t, pend, 2)
	assert.Equal(t, events.AuthorityChanged{Previous: a.String(), New: b.String()}, pend[1].Data)
}

func TestSetDispatchAuthorityRejectsZero(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	slots, _, _ := newTestSlots(t, mapResolver{})
	err := slots.SetDispatchAuthority(ctx, ident.Zero)
	assert.True(t, fault.IsCode(err, fault.CodeInvalidAuthority))
}
