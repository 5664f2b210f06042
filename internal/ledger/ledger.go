// Package ledger implements a token ledger as a hosted module: bounded
// supply arithmetic over per-identity balances and allowances, with an
// owner-gated mint. Revision 2 appends a supply cap and per-account freezes
// to the layout. All failures are raised as module failure payloads, so they
// cross the dispatch boundary byte-for-byte.
package ledger

import (
	"context"
	"math"

	"github.com/mattjoyce/molt/internal/ident"
	"github.com/mattjoyce/molt/internal/module"
	"github.com/mattjoyce/molt/internal/wire"
)

// Name is the module family name.
const Name = "ledger"

// Operation selectors, derived from the canonical signatures.
var (
	SelInitialize   = wire.SelectorFor("initialize(id,u64)")
	SelTransfer     = wire.SelectorFor("transfer(id,u64)")
	SelApprove      = wire.SelectorFor("approve(id,u64)")
	SelTransferFrom = wire.SelectorFor("transferFrom(id,id,u64)")
	SelMint         = wire.SelectorFor("mint(id,u64)")
	SelBurn         = wire.SelectorFor("burn(u64)")
	SelBalanceOf    = wire.SelectorFor("balanceOf(id)")
	SelAllowance    = wire.SelectorFor("allowance(id,id)")
	SelTotalSupply  = wire.SelectorFor("totalSupply()")
)

// Storage layout. Positions are append-only across revisions.
const (
	fieldSupply     = 0
	fieldOwner      = 1
	fieldBalances   = 2
	fieldAllowances = 3
	fieldCap        = 4 // v2
	fieldFrozen     = 5 // v2
)

// Event types raised by ledger operations.
const (
	EventTransfer      = "ledger.transfer"
	EventApproval      = "ledger.approval"
	EventFrozenChanged = "ledger.frozen"
)

// Transfer is raised on every balance movement, mints included (zero from)
// and burns included (zero to).
type Transfer struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// Approval is raised when an allowance is set.
type Approval struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Amount  uint64 `json:"amount"`
}

// FrozenChanged is raised when an account's frozen flag changes.
type FrozenChanged struct {
	Account string `json:"account"`
	Frozen  bool   `json:"frozen"`
}

// Unlimited marks an allowance that transferFrom never decrements.
const Unlimited = math.MaxUint64

// ModuleV1 is the first ledger revision.
func ModuleV1() module.Definition {
	return module.Definition{
		Name:     Name,
		Version:  1,
		Fields:   fieldsV1(),
		Handlers: handlers(rules{}),
	}
}

func fieldsV1() []module.Field {
	return []module.Field{
		{Name: "supply", Kind: module.FieldWord},
		{Name: "owner", Kind: module.FieldWord},
		{Name: "balances", Kind: module.FieldMap},
		{Name: "allowances", Kind: module.FieldMap},
	}
}

// Register installs every ledger revision into the registry, oldest first.
func Register(ctx context.Context, reg *module.Registry) error {
	if _, err := reg.Register(ctx, ModuleV1()); err != nil {
		return err
	}
	if _, err := reg.Register(ctx, ModuleV2()); err != nil {
		return err
	}
	return nil
}

// rules carries the revision-dependent checks. The zero value is revision 1
// behavior; guarded adds the frozen and cap enforcement of revision 2.
type rules struct {
	guarded bool
}

func handlers(r rules) map[wire.Selector]module.Handler {
	return map[wire.Selector]module.Handler{
		SelInitialize:   r.initialize,
		SelTransfer:     r.transfer,
		SelApprove:      approve,
		SelTransferFrom: r.transferFrom,
		SelMint:         r.mint,
		SelBurn:         burn,
		SelBalanceOf:    balanceOf,
		SelAllowance:    allowance,
		SelTotalSupply:  totalSupply,
	}
}

func (r rules) initialize(ctx context.Context, cc module.CallContext, call wire.Call) ([]byte, error) {
	if err := call.Fixed(2); err != nil {
		return nil, err
	}
	owner, err := call.ID(0)
	if err != nil {
		return nil, err
	}
	supply, err := call.U64(1)
	if err != nil {
		return nil, err
	}

	return nil, cc.Init().RunInitializer(ctx, func(ctx context.Context) error {
		if owner.IsZero() {
			return module.Failf("ledger: zero owner identity")
		}
		fs := cc.Fields()
		if err := writeID(ctx, fs, fieldOwner, owner); err != nil {
			return err
		}
		if err := writeU64(ctx, fs, fieldSupply, supply); err != nil {
			return err
		}
		if err := setEntryU64(ctx, fs, fieldBalances, owner.Bytes(), supply); err != nil {
			return err
		}
		cc.Emit(EventTransfer, Transfer{From: ident.Zero.String(), To: owner.String(), Amount: supply})
		return nil
	})
}

func (r rules) transfer(ctx context.Context, cc module.CallContext, call wire.Call) ([]byte, error) {
	if err := call.Fixed(2); err != nil {
		return nil, err
	}
	to, err := call.ID(0)
	if err != nil {
		return nil, err
	}
	amount, err := call.U64(1)
	if err != nil {
		return nil, err
	}
	if to.IsZero() {
		return nil, module.Failf("ledger: transfer to zero identity")
	}
	return nil, r.move(ctx, cc, cc.Caller(), to, amount)
}

func approve(ctx context.Context, cc module.CallContext, call wire.Call) ([]byte, error) {
	if err := call.Fixed(2); err != nil {
		return nil, err
	}
	spender, err := call.ID(0)
	if err != nil {
		return nil, err
	}
	amount, err := call.U64(1)
	if err != nil {
		return nil, err
	}
	if spender.IsZero() {
		return nil, module.Failf("ledger: approve to zero identity")
	}

	owner := cc.Caller()
	if err := setEntryU64(ctx, cc.Fields(), fieldAllowances, allowanceKey(owner, spender), amount); err != nil {
		return nil, err
	}
	cc.Emit(EventApproval, Approval{Owner: owner.String(), Spender: spender.String(), Amount: amount})
	return nil, nil
}

func (r rules) transferFrom(ctx context.Context, cc module.CallContext, call wire.Call) ([]byte, error) {
	if err := call.Fixed(3); err != nil {
		return nil, err
	}
	from, err := call.ID(0)
	if err != nil {
		return nil, err
	}
	to, err := call.ID(1)
	if err != nil {
		return nil, err
	}
	amount, err := call.U64(2)
	if err != nil {
		return nil, err
	}
	if from.IsZero() {
		return nil, module.Failf("ledger: transfer from zero identity")
	}
	if to.IsZero() {
		return nil, module.Failf("ledger: transfer to zero identity")
	}

	fs := cc.Fields()
	spender := cc.Caller()
	key := allowanceKey(from, spender)
	granted, err := entryU64(ctx, fs, fieldAllowances, key)
	if err != nil {
		return nil, err
	}
	if granted != Unlimited {
		if granted < amount {
			return nil, module.Failf("ledger: insufficient allowance: have %d, need %d", granted, amount)
		}
		if err := setEntryU64(ctx, fs, fieldAllowances, key, granted-amount); err != nil {
			return nil, err
		}
	}
	return nil, r.move(ctx, cc, from, to, amount)
}

func (r rules) mint(ctx context.Context, cc module.CallContext, call wire.Call) ([]byte, error) {
	if err := call.Fixed(2); err != nil {
		return nil, err
	}
	to, err := call.ID(0)
	if err != nil {
		return nil, err
	}
	amount, err := call.U64(1)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(ctx, cc); err != nil {
		return nil, err
	}
	if to.IsZero() {
		return nil, module.Failf("ledger: mint to zero identity")
	}

	fs := cc.Fields()
	if r.guarded {
		if err := r.requireNotFrozen(ctx, fs, to); err != nil {
			return nil, err
		}
	}
	supply, err := readU64(ctx, fs, fieldSupply)
	if err != nil {
		return nil, err
	}
	if supply > math.MaxUint64-amount {
		return nil, module.Failf("ledger: supply overflow")
	}
	if r.guarded {
		limit, err := readU64(ctx, fs, fieldCap)
		if err != nil {
			return nil, err
		}
		if limit > 0 && supply+amount > limit {
			return nil, module.Failf("ledger: cap exceeded: cap %d, want %d", limit, supply+amount)
		}
	}
	if err := writeU64(ctx, fs, fieldSupply, supply+amount); err != nil {
		return nil, err
	}
	// Balances never exceed supply, so the credit cannot overflow here.
	bal, err := entryU64(ctx, fs, fieldBalances, to.Bytes())
	if err != nil {
		return nil, err
	}
	if err := setEntryU64(ctx, fs, fieldBalances, to.Bytes(), bal+amount); err != nil {
		return nil, err
	}
	cc.Emit(EventTransfer, Transfer{From: ident.Zero.String(), To: to.String(), Amount: amount})
	return nil, nil
}

func burn(ctx context.Context, cc module.CallContext, call wire.Call) ([]byte, error) {
	if err := call.Fixed(1); err != nil {
		return nil, err
	}
	amount, err := call.U64(0)
	if err != nil {
		return nil, err
	}

	fs := cc.Fields()
	from := cc.Caller()
	bal, err := entryU64(ctx, fs, fieldBalances, from.Bytes())
	if err != nil {
		return nil, err
	}
	if bal < amount {
		return nil, module.Failf("ledger: insufficient balance: have %d, need %d", bal, amount)
	}
	if err := setEntryU64(ctx, fs, fieldBalances, from.Bytes(), bal-amount); err != nil {
		return nil, err
	}
	supply, err := readU64(ctx, fs, fieldSupply)
	if err != nil {
		return nil, err
	}
	if err := writeU64(ctx, fs, fieldSupply, supply-amount); err != nil {
		return nil, err
	}
	cc.Emit(EventTransfer, Transfer{From: from.String(), To: ident.Zero.String(), Amount: amount})
	return nil, nil
}

func balanceOf(ctx context.Context, cc module.CallContext, call wire.Call) ([]byte, error) {
	if err := call.Fixed(1); err != nil {
		return nil, err
	}
	id, err := call.ID(0)
	if err != nil {
		return nil, err
	}
	bal, err := entryU64(ctx, cc.Fields(), fieldBalances, id.Bytes())
	if err != nil {
		return nil, err
	}
	return wire.U64Result(bal), nil
}

func allowance(ctx context.Context, cc module.CallContext, call wire.Call) ([]byte, error) {
	if err := call.Fixed(2); err != nil {
		return nil, err
	}
	owner, err := call.ID(0)
	if err != nil {
		return nil, err
	}
	spender, err := call.ID(1)
	if err != nil {
		return nil, err
	}
	granted, err := entryU64(ctx, cc.Fields(), fieldAllowances, allowanceKey(owner, spender))
	if err != nil {
		return nil, err
	}
	return wire.U64Result(granted), nil
}

func totalSupply(ctx context.Context, cc module.CallContext, call wire.Call) ([]byte, error) {
	if err := call.Fixed(0); err != nil {
		return nil, err
	}
	supply, err := readU64(ctx, cc.Fields(), fieldSupply)
	if err != nil {
		return nil, err
	}
	return wire.U64Result(supply), nil
}

// move shifts amount from one balance to another. It deducts before it
// credits, so a self-transfer nets to zero instead of minting.
func (r rules) move(ctx context.Context, cc module.CallContext, from, to ident.ID, amount uint64) error {
	fs := cc.Fields()
	if r.guarded {
		if err := r.requireNotFrozen(ctx, fs, from); err != nil {
			return err
		}
		if err := r.requireNotFrozen(ctx, fs, to); err != nil {
			return err
		}
	}

	bal, err := entryU64(ctx, fs, fieldBalances, from.Bytes())
	if err != nil {
		return err
	}
	if bal < amount {
		return module.Failf("ledger: insufficient balance: have %d, need %d", bal, amount)
	}
	if err := setEntryU64(ctx, fs, fieldBalances, from.Bytes(), bal-amount); err != nil {
		return err
	}

	toBal, err := entryU64(ctx, fs, fieldBalances, to.Bytes())
	if err != nil {
		return err
	}
	if toBal > math.MaxUint64-amount {
		return module.Failf("ledger: balance overflow")
	}
	if err := setEntryU64(ctx, fs, fieldBalances, to.Bytes(), toBal+amount); err != nil {
		return err
	}

	cc.Emit(EventTransfer, Transfer{From: from.String(), To: to.String(), Amount: amount})
	return nil
}

// requireOwner gates privileged operations on the ledger's stored owner.
func requireOwner(ctx context.Context, cc module.CallContext) error {
	owner, err := readID(ctx, cc.Fields(), fieldOwner)
	if err != nil {
		return err
	}
	if owner.IsZero() {
		return module.Failf("ledger: not initialized")
	}
	if !cc.Caller().Equal(owner) {
		return module.Failf("ledger: not owner")
	}
	return nil
}

func allowanceKey(owner, spender ident.ID) []byte {
	key := make([]byte, 0, 64)
	key = append(key, owner.Bytes()...)
	return append(key, spender.Bytes()...)
}

// Storage helpers. A missing field or entry reads as zero.

func readU64(ctx context.Context, fs module.Fields, idx int) (uint64, error) {
	raw, err := fs.Field(ctx, idx)
	if err != nil || raw == nil {
		return 0, err
	}
	return wire.DecodeU64(raw)
}

func writeU64(ctx context.Context, fs module.Fields, idx int, v uint64) error {
	w := wire.U64Word(v)
	return fs.SetField(ctx, idx, w[:])
}

func readID(ctx context.Context, fs module.Fields, idx int) (ident.ID, error) {
	raw, err := fs.Field(ctx, idx)
	if err != nil || raw == nil {
		return ident.Zero, err
	}
	return ident.FromBytes(raw)
}

func writeID(ctx context.Context, fs module.Fields, idx int, id ident.ID) error {
	return fs.SetField(ctx, idx, id.Bytes())
}

func entryU64(ctx context.Context, fs module.Fields, idx int, key []byte) (uint64, error) {
	raw, err := fs.Entry(ctx, idx, key)
	if err != nil || raw == nil {
		return 0, err
	}
	return wire.DecodeU64(raw)
}

func setEntryU64(ctx context.Context, fs module.Fields, idx int, key []byte, v uint64) error {
	w := wire.U64Word(v)
	return fs.SetEntry(ctx, idx, key, w[:])
}
