package e2e

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/molt/internal/dispatch"
	"github.com/mattjoyce/molt/internal/events"
	"github.com/mattjoyce/molt/internal/fault"
	"github.com/mattjoyce/molt/internal/governance"
	"github.com/mattjoyce/molt/internal/ident"
	"github.com/mattjoyce/molt/internal/ledger"
	"github.com/mattjoyce/molt/internal/log"
	"github.com/mattjoyce/molt/internal/module"
	"github.com/mattjoyce/molt/internal/state"
	"github.com/mattjoyce/molt/internal/storage"
	"github.com/mattjoyce/molt/internal/wire"
)

func TestUpgradeLifecycle(t *testing.T) {
	// 1. Setup Environment
	log.Setup("ERROR", "json") // Keep logs clean
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dbPath := filepath.Join(t.TempDir(), "molt.db")
	db, err := storage.OpenSQLite(ctx, dbPath)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()

	st := state.NewStore(db)
	registry := module.NewRegistry(st)
	if err := ledger.Register(ctx, registry); err != nil {
		t.Fatalf("failed to register ledger revisions: %v", err)
	}
	hub := events.NewHub(100)
	engine := dispatch.NewEngine(st, registry, hub)
	gov := governance.New(st, engine, hub)

	owner := ident.FromLabel("e2e-owner")
	alice := ident.FromLabel("e2e-alice")
	bob := ident.FromLabel("e2e-bob")

	v1, _ := registry.FindLabel("ledger@1")
	v2, _ := registry.FindLabel("ledger@2")

	// 2. Bootstrap Governance and Deploy
	if _, err := gov.Create(ctx, "gov-1"); err != nil {
		t.Fatalf("failed to create governor: %v", err)
	}
	if err := gov.Initialize(ctx, "gov-1", owner); err != nil {
		t.Fatalf("failed to initialize governor: %v", err)
	}
	if err := gov.Initialize(ctx, "gov-1", alice); !fault.IsCode(err, fault.CodeAlreadyInitialized) {
		t.Fatalf("expected ALREADY_INITIALIZED on second governor init, got: %v", err)
	}

	d, err := gov.Deploy(ctx, "main", v1.Ref, "gov-1")
	if err != nil {
		t.Fatalf("failed to deploy dispatcher: %v", err)
	}

	// 3. Initialize the Hosted Ledger via the User Path
	initPayload := encode(t, ledger.SelInitialize, wire.IDArg(alice), wire.U64Arg(1000))
	res, err := engine.Call(ctx, d, alice, initPayload, 0)
	if err != nil {
		t.Fatalf("initialize call failed: %v", err)
	}
	if res.Path != dispatch.PathUser {
		t.Errorf("expected user path, got %q", res.Path)
	}
	if got := balance(ctx, t, engine, d, alice, alice); got != 1000 {
		t.Errorf("expected alice balance 1000, got %d", got)
	}

	// 4. Initializer Cannot Rerun
	if _, err := engine.Call(ctx, d, alice, initPayload, 0); !fault.IsCode(err, fault.CodeAlreadyInitialized) {
		t.Fatalf("expected ALREADY_INITIALIZED on re-init, got: %v", err)
	}

	// 5. Transfers Move Balances
	transferPayload := encode(t, ledger.SelTransfer, wire.IDArg(bob), wire.U64Arg(300))
	if _, err := engine.Call(ctx, d, alice, transferPayload, 0); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if got := balance(ctx, t, engine, d, alice, alice); got != 700 {
		t.Errorf("expected alice balance 700, got %d", got)
	}
	if got := balance(ctx, t, engine, d, alice, bob); got != 300 {
		t.Errorf("expected bob balance 300, got %d", got)
	}

	// 6. A Failed Call Discards Every Mutation, Payload Intact
	tooMuch := encode(t, ledger.SelTransfer, wire.IDArg(bob), wire.U64Arg(9999))
	_, err = engine.Call(ctx, d, alice, tooMuch, 0)
	fe, ok := fault.As(err)
	if !ok || fe.Kind != fault.KindDelegated {
		t.Fatalf("expected delegated fault, got: %v", err)
	}
	wantPayload := []byte("ledger: insufficient balance: have 700, need 9999")
	if !bytes.Equal(fe.Payload, wantPayload) {
		t.Errorf("failure payload altered in transit:\nwant %q\ngot  %q", wantPayload, fe.Payload)
	}
	if got := balance(ctx, t, engine, d, alice, alice); got != 700 {
		t.Errorf("failed call leaked state: alice balance %d", got)
	}

	// 7. The Authority Cannot Reach Module Operations
	if _, err := engine.Call(ctx, d, governance.IdentityFor("gov-1"), transferPayload, 0); !fault.IsCode(err, fault.CodeAdminConfusion) {
		t.Fatalf("expected ADMIN_CONFUSION for authority module call, got: %v", err)
	}

	// 8. Only the Owner Upgrades
	reinit := encode(t, ledger.SelReinitializeV2, wire.U64Arg(5000))
	if _, err := gov.UpgradeAndCall(ctx, d, alice, v2.Ref, reinit, 0); !fault.IsCode(err, fault.CodeNotOwner) {
		t.Fatalf("expected NOT_OWNER for non-owner upgrade, got: %v", err)
	}

	// 9. A Failing Initialization Rolls the Whole Upgrade Back
	badReinit := encode(t, ledger.SelReinitializeV2, wire.U64Arg(500)) // cap below supply
	if _, err := gov.UpgradeAndCall(ctx, d, owner, v2.Ref, badReinit, 0); !fault.IsKind(err, fault.KindDelegated) {
		t.Fatalf("expected delegated fault from failing reinit, got: %v", err)
	}
	moduleRef, _, err := engine.Snapshot(ctx, d)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if !moduleRef.Equal(v1.Ref) {
		t.Fatalf("failed upgrade moved the module reference: %s", moduleRef.Short())
	}

	// 10. Value Without an Initialization Payload Is Refused
	if _, err := gov.UpgradeAndCall(ctx, d, owner, v2.Ref, nil, 7); !fault.IsCode(err, fault.CodeStrandedValue) {
		t.Fatalf("expected STRANDED_VALUE, got: %v", err)
	}

	// 11. Upgrade With Initialization Succeeds Atomically
	res, err = gov.UpgradeAndCall(ctx, d, owner, v2.Ref, reinit, 0)
	if err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}
	if res.Path != dispatch.PathAdmin {
		t.Errorf("expected admin path, got %q", res.Path)
	}
	moduleRef, _, err = engine.Snapshot(ctx, d)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if !moduleRef.Equal(v2.Ref) {
		t.Fatalf("upgrade did not move the module reference: %s", moduleRef.Short())
	}
	if got := balance(ctx, t, engine, d, alice, alice); got != 700 {
		t.Errorf("balances did not survive the upgrade: alice %d", got)
	}
	if got := balance(ctx, t, engine, d, alice, bob); got != 300 {
		t.Errorf("balances did not survive the upgrade: bob %d", got)
	}

	// 12. The Reinitializer Cannot Rerun Either
	if _, err := gov.UpgradeAndCall(ctx, d, owner, v2.Ref, encode(t, ledger.SelReinitializeV2, wire.U64Arg(6000)), 0); !fault.IsCode(err, fault.CodeAlreadyInitialized) {
		t.Fatalf("expected ALREADY_INITIALIZED on repeated reinit, got: %v", err)
	}

	// 13. Revision 2 Semantics Are Live
	if _, err := engine.Call(ctx, d, alice, encode(t, ledger.SelFreeze, wire.IDArg(bob)), 0); err != nil {
		t.Fatalf("freeze failed: %v", err)
	}
	bobSpend := encode(t, ledger.SelTransfer, wire.IDArg(alice), wire.U64Arg(50))
	if _, err := engine.Call(ctx, d, bob, bobSpend, 0); !fault.IsKind(err, fault.KindDelegated) {
		t.Fatalf("expected frozen account transfer to fail, got: %v", err)
	}
	if _, err := engine.Call(ctx, d, alice, encode(t, ledger.SelUnfreeze, wire.IDArg(bob)), 0); err != nil {
		t.Fatalf("unfreeze failed: %v", err)
	}
	if _, err := engine.Call(ctx, d, bob, bobSpend, 0); err != nil {
		t.Fatalf("transfer after unfreeze failed: %v", err)
	}

	// 14. Templates Cannot Be Initialized
	if _, err := engine.CallTemplate(ctx, "ledger@1", alice, initPayload, 0); !fault.IsCode(err, fault.CodeAlreadyInitialized) {
		t.Fatalf("expected template initialization to be disabled, got: %v", err)
	}

	// 15. The Audit Trail Observed It All
	count, err := engine.CallCount(ctx, "main")
	if err != nil {
		t.Fatalf("call count failed: %v", err)
	}
	if count < 10 {
		t.Errorf("expected at least 10 audited calls, got %d", count)
	}
	recent, err := engine.RecentCalls(ctx, "main", 50)
	if err != nil {
		t.Fatalf("recent calls failed: %v", err)
	}
	var sawFailed bool
	for _, rec := range recent {
		if rec.Status == dispatch.StatusFailed {
			sawFailed = true
			break
		}
	}
	if !sawFailed {
		t.Errorf("expected at least one failed call in the audit log")
	}

	seen := map[string]bool{}
	for _, ev := range hub.SnapshotSince(0) {
		seen[ev.Type] = true
	}
	for _, want := range []string{
		events.TypeInitialized,
		events.TypeModuleUpgraded,
		events.TypeCallCompleted,
		events.TypeCallFailed,
		ledger.EventTransfer,
	} {
		if !seen[want] {
			t.Errorf("expected %q on the event hub", want)
		}
	}
}

func encode(t *testing.T, sel wire.Selector, args ...wire.Arg) []byte {
	t.Helper()
	payload, err := wire.Encode(sel, args...)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return payload
}

func balance(ctx context.Context, t *testing.T, engine *dispatch.Engine, d *dispatch.Dispatcher, caller, account ident.ID) uint64 {
	t.Helper()
	res, err := engine.Call(ctx, d, caller, encode(t, ledger.SelBalanceOf, wire.IDArg(account)), 0)
	if err != nil {
		t.Fatalf("balanceOf: %v", err)
	}
	v, err := wire.DecodeU64(res.Output)
	if err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	return v
}
