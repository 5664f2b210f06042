package ledger

import (
	"context"

	"github.com/mattjoyce/molt/internal/ident"
	"github.com/mattjoyce/molt/internal/module"
	"github.com/mattjoyce/molt/internal/wire"
)

// Revision 2 selectors.
var (
	SelReinitializeV2 = wire.SelectorFor("reinitializeV2(u64)")
	SelFreeze         = wire.SelectorFor("freeze(id)")
	SelUnfreeze       = wire.SelectorFor("unfreeze(id)")
	SelFrozen         = wire.SelectorFor("frozen(id)")
)

// ModuleV2 supersedes revision 1: it appends a supply cap and per-account
// frozen flags, and enforces both on transfers and mints.
func ModuleV2() module.Definition {
	h := handlers(rules{guarded: true})
	h[SelReinitializeV2] = reinitializeV2
	h[SelFreeze] = freeze
	h[SelUnfreeze] = unfreeze
	h[SelFrozen] = frozenOf
	return module.Definition{
		Name:       Name,
		Version:    2,
		Supersedes: 1,
		Fields:     fieldsV2(),
		Handlers:   h,
	}
}

func fieldsV2() []module.Field {
	return append(fieldsV1(),
		module.Field{Name: "cap", Kind: module.FieldWord},
		module.Field{Name: "frozen", Kind: module.FieldMap},
	)
}

func reinitializeV2(ctx context.Context, cc module.CallContext, call wire.Call) ([]byte, error) {
	if err := call.Fixed(1); err != nil {
		return nil, err
	}
	limit, err := call.U64(0)
	if err != nil {
		return nil, err
	}

	return nil, cc.Init().RunReinitializer(ctx, 2, func(ctx context.Context) error {
		if limit == 0 {
			return module.Failf("ledger: zero cap")
		}
		supply, err := readU64(ctx, cc.Fields(), fieldSupply)
		if err != nil {
			return err
		}
		if limit < supply {
			return module.Failf("ledger: cap below supply: cap %d, supply %d", limit, supply)
		}
		return writeU64(ctx, cc.Fields(), fieldCap, limit)
	})
}

func freeze(ctx context.Context, cc module.CallContext, call wire.Call) ([]byte, error) {
	return setFrozen(ctx, cc, call, true)
}

func unfreeze(ctx context.Context, cc module.CallContext, call wire.Call) ([]byte, error) {
	return setFrozen(ctx, cc, call, false)
}

func setFrozen(ctx context.Context, cc module.CallContext, call wire.Call, frozen bool) ([]byte, error) {
	if err := call.Fixed(1); err != nil {
		return nil, err
	}
	account, err := call.ID(0)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(ctx, cc); err != nil {
		return nil, err
	}
	if account.IsZero() {
		return nil, module.Failf("ledger: zero identity")
	}

	w := wire.BoolWord(frozen)
	if err := cc.Fields().SetEntry(ctx, fieldFrozen, account.Bytes(), w[:]); err != nil {
		return nil, err
	}
	cc.Emit(EventFrozenChanged, FrozenChanged{Account: account.String(), Frozen: frozen})
	return nil, nil
}

func frozenOf(ctx context.Context, cc module.CallContext, call wire.Call) ([]byte, error) {
	if err := call.Fixed(1); err != nil {
		return nil, err
	}
	account, err := call.ID(0)
	if err != nil {
		return nil, err
	}
	frozen, err := isFrozen(ctx, cc.Fields(), account)
	if err != nil {
		return nil, err
	}
	return wire.BoolResult(frozen), nil
}

func isFrozen(ctx context.Context, fs module.Fields, account ident.ID) (bool, error) {
	raw, err := fs.Entry(ctx, fieldFrozen, account.Bytes())
	if err != nil || raw == nil {
		return false, err
	}
	v, err := wire.DecodeBool(raw)
	if err != nil {
		return false, err
	}
	return v, nil
}

func (r rules) requireNotFrozen(ctx context.Context, fs module.Fields, account ident.ID) error {
	frozen, err := isFrozen(ctx, fs, account)
	if err != nil {
		return err
	}
	if frozen {
		return module.Failf("ledger: frozen account %s", account)
	}
	return nil
}
