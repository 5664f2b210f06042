package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/molt/internal/dispatch"
	"github.com/mattjoyce/molt/internal/events"
	"github.com/mattjoyce/molt/internal/fault"
	"github.com/mattjoyce/molt/internal/governance"
	"github.com/mattjoyce/molt/internal/ident"
	"github.com/mattjoyce/molt/internal/log"
	"github.com/mattjoyce/molt/internal/module"
	"github.com/mattjoyce/molt/internal/state"
	"github.com/mattjoyce/molt/internal/storage"
	"github.com/mattjoyce/molt/internal/wire"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type ledgerFixture struct {
	engine *dispatch.Engine
	svc    *governance.Service
	hub    *events.Hub
	d      *dispatch.Dispatcher

	govOwner ident.ID
	alice    ident.ID
	bob      ident.ID
	carol    ident.ID
}

// setupLedger deploys ledger@1 behind a dispatcher governed by gov-1.
func setupLedger(t *testing.T) *ledgerFixture {
	t.Helper()
	ctx := context.Background()

	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "molt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := state.NewStore(db)
	registry := module.NewRegistry(store)
	require.NoError(t, Register(ctx, registry))

	hub := events.NewHub(200)
	engine := dispatch.NewEngine(store, registry, hub)
	svc := governance.New(store, engine, hub)

	fx := &ledgerFixture{
		engine:   engine,
		svc:      svc,
		hub:      hub,
		govOwner: ident.FromLabel("gov-owner"),
		alice:    ident.FromLabel("alice"),
		bob:      ident.FromLabel("bob"),
		carol:    ident.FromLabel("carol"),
	}

	_, err = svc.Create(ctx, "gov-1")
	require.NoError(t, err)
	require.NoError(t, svc.Initialize(ctx, "gov-1", fx.govOwner))
	fx.d, err = svc.Deploy(ctx, "main", ModuleV1().Ref(), "gov-1")
	require.NoError(t, err)
	return fx
}

func (fx *ledgerFixture) call(t *testing.T, caller ident.ID, sel wire.Selector, args ...wire.Arg) ([]byte, error) {
	t.Helper()
	payload, err := wire.Encode(sel, args...)
	require.NoError(t, err)
	res, callErr := fx.engine.Call(context.Background(), fx.d, caller, payload, 0)
	if callErr != nil {
		return nil, callErr
	}
	return res.Output, nil
}

func (fx *ledgerFixture) mustCall(t *testing.T, caller ident.ID, sel wire.Selector, args ...wire.Arg) []byte {
	t.Helper()
	out, err := fx.call(t, caller, sel, args...)
	require.NoError(t, err)
	return out
}

func (fx *ledgerFixture) initialized(t *testing.T, supply uint64) {
	t.Helper()
	fx.mustCall(t, fx.alice, SelInitialize, wire.IDArg(fx.alice), wire.U64Arg(supply))
}

func (fx *ledgerFixture) balance(t *testing.T, id ident.ID) uint64 {
	t.Helper()
	out := fx.mustCall(t, fx.carol, SelBalanceOf, wire.IDArg(id))
	v, err := wire.DecodeU64(out)
	require.NoError(t, err)
	return v
}

func (fx *ledgerFixture) supply(t *testing.T) uint64 {
	t.Helper()
	out := fx.mustCall(t, fx.carol, SelTotalSupply)
	v, err := wire.DecodeU64(out)
	require.NoError(t, err)
	return v
}

// upgradeToV2 runs the governed upgrade with a reinitializeV2(cap) payload.
func (fx *ledgerFixture) upgradeToV2(t *testing.T, cap uint64) {
	t.Helper()
	reinit, err := wire.Encode(SelReinitializeV2, wire.U64Arg(cap))
	require.NoError(t, err)
	_, err = fx.svc.UpgradeAndCall(context.Background(), fx.d, fx.govOwner, ModuleV2().Ref(), reinit, 0)
	require.NoError(t, err)
}

// requireFailure asserts err carries a module failure with exactly the given
// payload text.
func requireFailure(t *testing.T, err error, want string) {
	t.Helper()
	fe, ok := fault.As(err)
	require.True(t, ok, "expected a fault, got %v", err)
	require.Equal(t, fault.CodeDelegatedFailure, fe.Code, "unexpected fault: %v", fe)
	assert.Equal(t, want, string(fe.Payload))
}

func TestInitializeAndSupply(t *testing.T) {
	t.Parallel()
	fx := setupLedger(t)

	fx.initialized(t, 1000)
	assert.Equal(t, uint64(1000), fx.supply(t))
	assert.Equal(t, uint64(1000), fx.balance(t, fx.alice))
	assert.Equal(t, uint64(0), fx.balance(t, fx.bob))

	// Initialization is once-only.
	_, err := fx.call(t, fx.bob, SelInitialize, wire.IDArg(fx.bob), wire.U64Arg(5))
	assert.True(t, fault.IsCode(err, fault.CodeAlreadyInitialized))
	assert.Equal(t, uint64(1000), fx.balance(t, fx.alice))
}

func TestInitializeZeroOwnerRollsBack(t *testing.T) {
	t.Parallel()
	fx := setupLedger(t)

	_, err := fx.call(t, fx.alice, SelInitialize, wire.IDArg(ident.Zero), wire.U64Arg(10))
	requireFailure(t, err, "ledger: zero owner identity")

	// The failed attempt left no init record behind, so a good one works.
	fx.initialized(t, 10)
	assert.Equal(t, uint64(10), fx.supply(t))
}

func TestTransfer(t *testing.T) {
	t.Parallel()
	fx := setupLedger(t)
	fx.initialized(t, 1000)

	fx.mustCall(t, fx.alice, SelTransfer, wire.IDArg(fx.bob), wire.U64Arg(300))
	assert.Equal(t, uint64(700), fx.balance(t, fx.alice))
	assert.Equal(t, uint64(300), fx.balance(t, fx.bob))

	_, err := fx.call(t, fx.alice, SelTransfer, wire.IDArg(fx.bob), wire.U64Arg(9999))
	requireFailure(t, err, "ledger: insufficient balance: have 700, need 9999")

	_, err = fx.call(t, fx.alice, SelTransfer, wire.IDArg(ident.Zero), wire.U64Arg(1))
	requireFailure(t, err, "ledger: transfer to zero identity")

	// Failed transfers moved nothing.
	assert.Equal(t, uint64(700), fx.balance(t, fx.alice))
	assert.Equal(t, uint64(300), fx.balance(t, fx.bob))
}

func TestSelfTransfer(t *testing.T) {
	t.Parallel()
	fx := setupLedger(t)
	fx.initialized(t, 1000)

	fx.mustCall(t, fx.alice, SelTransfer, wire.IDArg(fx.alice), wire.U64Arg(400))
	assert.Equal(t, uint64(1000), fx.balance(t, fx.alice))
	assert.Equal(t, uint64(1000), fx.supply(t))
}

func TestApproveAndTransferFrom(t *testing.T) {
	t.Parallel()
	fx := setupLedger(t)
	fx.initialized(t, 1000)

	fx.mustCall(t, fx.alice, SelApprove, wire.IDArg(fx.bob), wire.U64Arg(500))
	out := fx.mustCall(t, fx.carol, SelAllowance, wire.IDArg(fx.alice), wire.IDArg(fx.bob))
	granted, err := wire.DecodeU64(out)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), granted)

	fx.mustCall(t, fx.bob, SelTransferFrom, wire.IDArg(fx.alice), wire.IDArg(fx.carol), wire.U64Arg(200))
	assert.Equal(t, uint64(800), fx.balance(t, fx.alice))
	assert.Equal(t, uint64(200), fx.balance(t, fx.carol))

	out = fx.mustCall(t, fx.carol, SelAllowance, wire.IDArg(fx.alice), wire.IDArg(fx.bob))
	granted, err = wire.DecodeU64(out)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), granted)

	_, err = fx.call(t, fx.bob, SelTransferFrom, wire.IDArg(fx.alice), wire.IDArg(fx.carol), wire.U64Arg(301))
	requireFailure(t, err, "ledger: insufficient allowance: have 300, need 301")

	// Carol was never approved at all.
	_, err = fx.call(t, fx.carol, SelTransferFrom, wire.IDArg(fx.alice), wire.IDArg(fx.bob), wire.U64Arg(1))
	requireFailure(t, err, "ledger: insufficient allowance: have 0, need 1")
}

func TestUnlimitedAllowanceIsNotDecremented(t *testing.T) {
	t.Parallel()
	fx := setupLedger(t)
	fx.initialized(t, 1000)

	fx.mustCall(t, fx.alice, SelApprove, wire.IDArg(fx.bob), wire.U64Arg(Unlimited))
	fx.mustCall(t, fx.bob, SelTransferFrom, wire.IDArg(fx.alice), wire.IDArg(fx.carol), wire.U64Arg(250))

	out := fx.mustCall(t, fx.carol, SelAllowance, wire.IDArg(fx.alice), wire.IDArg(fx.bob))
	granted, err := wire.DecodeU64(out)
	require.NoError(t, err)
	assert.Equal(t, uint64(Unlimited), granted)
}

func TestMintIsOwnerGated(t *testing.T) {
	t.Parallel()
	fx := setupLedger(t)
	fx.initialized(t, 1000)

	_, err := fx.call(t, fx.bob, SelMint, wire.IDArg(fx.bob), wire.U64Arg(100))
	requireFailure(t, err, "ledger: not owner")
	assert.Equal(t, uint64(1000), fx.supply(t))

	fx.mustCall(t, fx.alice, SelMint, wire.IDArg(fx.bob), wire.U64Arg(100))
	assert.Equal(t, uint64(1100), fx.supply(t))
	assert.Equal(t, uint64(100), fx.balance(t, fx.bob))

	_, err = fx.call(t, fx.alice, SelMint, wire.IDArg(ident.Zero), wire.U64Arg(1))
	requireFailure(t, err, "ledger: mint to zero identity")
}

func TestMintSupplyOverflow(t *testing.T) {
	t.Parallel()
	fx := setupLedger(t)
	fx.initialized(t, 1000)

	_, err := fx.call(t, fx.alice, SelMint, wire.IDArg(fx.bob), wire.U64Arg(Unlimited))
	requireFailure(t, err, "ledger: supply overflow")
	assert.Equal(t, uint64(1000), fx.supply(t))
}

func TestBurn(t *testing.T) {
	t.Parallel()
	fx := setupLedger(t)
	fx.initialized(t, 1000)

	fx.mustCall(t, fx.alice, SelBurn, wire.U64Arg(200))
	assert.Equal(t, uint64(800), fx.supply(t))
	assert.Equal(t, uint64(800), fx.balance(t, fx.alice))

	_, err := fx.call(t, fx.bob, SelBurn, wire.U64Arg(1))
	requireFailure(t, err, "ledger: insufficient balance: have 0, need 1")
}

func TestUpgradeToV2Flow(t *testing.T) {
	t.Parallel()
	fx := setupLedger(t)
	fx.initialized(t, 1000)
	fx.upgradeToV2(t, 2000)

	// v1 state survived the upgrade under the appended layout.
	assert.Equal(t, uint64(1000), fx.balance(t, fx.alice))
	assert.Equal(t, uint64(1000), fx.supply(t))

	// Reinitializing a second time at the same version is refused.
	_, err := fx.call(t, fx.alice, SelReinitializeV2, wire.U64Arg(3000))
	assert.True(t, fault.IsCode(err, fault.CodeAlreadyInitialized))
}

func TestV2FreezeBlocksTransfers(t *testing.T) {
	t.Parallel()
	fx := setupLedger(t)
	fx.initialized(t, 1000)
	fx.upgradeToV2(t, 0x7fffffff)

	// Freezing is owner-gated.
	_, err := fx.call(t, fx.bob, SelFreeze, wire.IDArg(fx.carol))
	requireFailure(t, err, "ledger: not owner")

	fx.mustCall(t, fx.alice, SelFreeze, wire.IDArg(fx.bob))
	out := fx.mustCall(t, fx.carol, SelFrozen, wire.IDArg(fx.bob))
	frozen, err := wire.DecodeBool(out)
	require.NoError(t, err)
	assert.True(t, frozen)

	_, err = fx.call(t, fx.alice, SelTransfer, wire.IDArg(fx.bob), wire.U64Arg(10))
	requireFailure(t, err, "ledger: frozen account "+fx.bob.String())

	_, err = fx.call(t, fx.alice, SelMint, wire.IDArg(fx.bob), wire.U64Arg(10))
	requireFailure(t, err, "ledger: frozen account "+fx.bob.String())

	fx.mustCall(t, fx.alice, SelUnfreeze, wire.IDArg(fx.bob))
	fx.mustCall(t, fx.alice, SelTransfer, wire.IDArg(fx.bob), wire.U64Arg(10))
	assert.Equal(t, uint64(10), fx.balance(t, fx.bob))
}

func TestV2CapLimitsMint(t *testing.T) {
	t.Parallel()
	fx := setupLedger(t)
	fx.initialized(t, 1000)
	fx.upgradeToV2(t, 1200)

	fx.mustCall(t, fx.alice, SelMint, wire.IDArg(fx.bob), wire.U64Arg(200))
	assert.Equal(t, uint64(1200), fx.supply(t))

	_, err := fx.call(t, fx.alice, SelMint, wire.IDArg(fx.bob), wire.U64Arg(1))
	requireFailure(t, err, "ledger: cap exceeded: cap 1200, want 1201")

	// Burning frees room under the cap again.
	fx.mustCall(t, fx.alice, SelBurn, wire.U64Arg(100))
	fx.mustCall(t, fx.alice, SelMint, wire.IDArg(fx.bob), wire.U64Arg(100))
	assert.Equal(t, uint64(1200), fx.supply(t))
}

func TestV2CapBelowSupplyAbortsUpgrade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := setupLedger(t)
	fx.initialized(t, 1000)

	reinit, err := wire.Encode(SelReinitializeV2, wire.U64Arg(500))
	require.NoError(t, err)
	_, err = fx.svc.UpgradeAndCall(ctx, fx.d, fx.govOwner, ModuleV2().Ref(), reinit, 0)
	requireFailure(t, err, "ledger: cap below supply: cap 500, supply 1000")

	// The module reference rolled back with the failed init.
	moduleRef, _, err := fx.engine.Snapshot(ctx, fx.d)
	require.NoError(t, err)
	assert.Equal(t, ModuleV1().Ref(), moduleRef)

	// Still running v1: v2 selectors are unknown.
	_, err = fx.call(t, fx.carol, SelFrozen, wire.IDArg(fx.bob))
	assert.True(t, fault.IsCode(err, fault.CodeDelegatedFailure))
}

func TestTransferEventReachesHub(t *testing.T) {
	t.Parallel()
	fx := setupLedger(t)
	fx.initialized(t, 1000)

	fx.mustCall(t, fx.alice, SelTransfer, wire.IDArg(fx.bob), wire.U64Arg(5))

	var saw bool
	for _, ev := range fx.hub.SnapshotSince(0) {
		if ev.Type == EventTransfer {
			saw = true
		}
	}
	assert.True(t, saw)
}
