package initguard

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/molt/internal/events"
	"github.com/mattjoyce/molt/internal/fault"
	"github.com/mattjoyce/molt/internal/state"
	"github.com/mattjoyce/molt/internal/storage"
)

type fixture struct {
	store *state.Store
	inst  state.Instance
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "molt.db")
	db, err := storage.OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := state.NewStore(db)
	inst, err := store.CreateInstance(ctx, state.KindDispatcher, "d")
	require.NoError(t, err)
	return &fixture{store: store, inst: inst}
}

// call runs fn against a fresh guard in its own transaction, committing on
// success and rolling back on failure, the way the dispatch engine does.
func (f *fixture) call(t *testing.T, fn func(ctx context.Context, g *Guard) error) (*events.Buffer, error) {
	t.Helper()
	ctx := context.Background()

	tx, err := f.store.Begin(ctx)
	require.NoError(t, err)

	buf := events.NewBuffer()
	g := New(state.NewView(tx, f.inst.ID), buf)
	if err := fn(ctx, g); err != nil {
		_ = tx.Rollback()
		return buf, err
	}
	require.NoError(t, tx.Commit())
	return buf, nil
}

func noop(context.Context) error { return nil }

func (f *fixture) version(t *testing.T) uint64 {
	t.Helper()
	var v uint64
	_, err := f.call(t, func(ctx context.Context, g *Guard) error {
		var err error
		v, err = g.Version(ctx)
		return err
	})
	require.NoError(t, err)
	return v
}

func TestInitializerRunsExactlyOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	buf, err := f.call(t, func(ctx context.Context, g *Guard) error {
		return g.RunInitializer(ctx, noop)
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.version(t))

	pend := buf.Pending()
	require.Len(t, pend, 1)
	assert.Equal(t, events.Initialized{Version: 1}, pend[0].Data)

	_, err = f.call(t, func(ctx context.Context, g *Guard) error {
		return g.RunInitializer(ctx, noop)
	})
	assert.True(t, fault.IsCode(err, fault.CodeAlreadyInitialized))
}

func TestInitializerBodyFailureRollsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	boom := errors.New("boom")
	_, err := f.call(t, func(ctx context.Context, g *Guard) error {
		return g.RunInitializer(ctx, func(context.Context) error { return boom })
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(0), f.version(t))

	// The failed attempt left no trace; a retry succeeds.
	_, err = f.call(t, func(ctx context.Context, g *Guard) error {
		return g.RunInitializer(ctx, noop)
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.version(t))
}

func TestReinitializerVersionOrdering(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		versions []uint64
		wantErr  []bool
	}{
		{"repeat version", []uint64{2, 2}, []bool{false, true}},
		{"decreasing", []uint64{2, 1}, []bool{false, true}},
		{"increasing", []uint64{2, 3}, []bool{false, false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)

			for i, v := range tt.versions {
				_, err := f.call(t, func(ctx context.Context, g *Guard) error {
					return g.RunReinitializer(ctx, v, noop)
				})
				if tt.wantErr[i] {
					assert.True(t, fault.IsCode(err, fault.CodeAlreadyInitialized),
						"step %d: expected AlreadyInitialized, got %v", i, err)
				} else {
					assert.NoError(t, err, "step %d", i)
				}
			}
		})
	}
}

func TestNestedInitializerRefused(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.call(t, func(ctx context.Context, g *Guard) error {
		return g.RunInitializer(ctx, func(ctx context.Context) error {
			nested := g.RunReinitializer(ctx, 5, noop)
			if !fault.IsCode(nested, fault.CodeAlreadyInitialized) {
				t.Errorf("nested run: expected AlreadyInitialized, got %v", nested)
			}
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.version(t))
}

func TestRequireInitializing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// Outside any frame.
	_, err := f.call(t, func(ctx context.Context, g *Guard) error {
		return g.RequireInitializing(ctx)
	})
	assert.True(t, fault.IsCode(err, fault.CodeNotInitializing))

	// Inside the frame.
	_, err = f.call(t, func(ctx context.Context, g *Guard) error {
		return g.RunInitializer(ctx, func(ctx context.Context) error {
			return g.RequireInitializing(ctx)
		})
	})
	require.NoError(t, err)

	// The marker does not outlive the frame.
	_, err = f.call(t, func(ctx context.Context, g *Guard) error {
		return g.RequireInitializing(ctx)
	})
	assert.True(t, fault.IsCode(err, fault.CodeNotInitializing))
}

func TestDisableInitializers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	buf, err := f.call(t, func(ctx context.Context, g *Guard) error {
		return g.DisableInitializers(ctx)
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(Disabled), f.version(t))

	pend := buf.Pending()
	require.Len(t, pend, 1)
	assert.Equal(t, events.Initialized{Version: uint64(Disabled)}, pend[0].Data)

	// Every initialization path is blocked, at any version.
	_, err = f.call(t, func(ctx context.Context, g *Guard) error {
		return g.RunInitializer(ctx, noop)
	})
	assert.True(t, fault.IsCode(err, fault.CodeAlreadyInitialized))

	_, err = f.call(t, func(ctx context.Context, g *Guard) error {
		return g.RunReinitializer(ctx, Disabled, noop)
	})
	assert.True(t, fault.IsCode(err, fault.CodeAlreadyInitialized))
}

func TestDisableInitializersIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.call(t, func(ctx context.Context, g *Guard) error {
		return g.DisableInitializers(ctx)
	})
	require.NoError(t, err)

	// The second disable is a silent no-op.
	buf, err := f.call(t, func(ctx context.Context, g *Guard) error {
		return g.DisableInitializers(ctx)
	})
	require.NoError(t, err)
	assert.Empty(t, buf.Pending())
}

func TestDisableInsideFrameRefused(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.call(t, func(ctx context.Context, g *Guard) error {
		return g.RunInitializer(ctx, func(ctx context.Context) error {
			disable := g.DisableInitializers(ctx)
			if !fault.IsCode(disable, fault.CodeAlreadyInitialized) {
				t.Errorf("disable in frame: expected AlreadyInitialized, got %v", disable)
			}
			return nil
		})
	})
	require.NoError(t, err)
}
