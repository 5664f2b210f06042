// Package governance implements the owner-gated upgrade path. A Governor is
// a persisted entity with two identities attached: its own identity, which is
// the value installed in a dispatcher's authority slot, and an owner identity
// that gates every privileged operation by direct equality. Ownership can be
// transferred; upgrades are encoded into the reserved upgrade payload and
// submitted to the dispatcher with the governor's identity as caller, so they
// land on the admin path and nothing else can.
package governance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/molt/internal/dispatch"
	"github.com/mattjoyce/molt/internal/events"
	"github.com/mattjoyce/molt/internal/fault"
	"github.com/mattjoyce/molt/internal/ident"
	"github.com/mattjoyce/molt/internal/log"
	"github.com/mattjoyce/molt/internal/state"
	"github.com/mattjoyce/molt/internal/wire"
)

// Governor is one persisted governance entity.
type Governor struct {
	ID        string
	Identity  ident.ID
	Owner     ident.ID
	CreatedAt string
}

// Initialized reports whether an owner has been installed.
func (g *Governor) Initialized() bool {
	return !g.Owner.IsZero()
}

// Service manages governors and submits their upgrades.
type Service struct {
	store  *state.Store
	engine *dispatch.Engine
	hub    *events.Hub
	logger *slog.Logger
}

func New(store *state.Store, engine *dispatch.Engine, hub *events.Hub) *Service {
	return &Service{
		store:  store,
		engine: engine,
		hub:    hub,
		logger: log.WithComponent("governance"),
	}
}

// IdentityFor derives a governor's identity from its ID. The derivation is
// stable, so a restarted gateway resolves the same authority value.
func IdentityFor(id string) ident.ID {
	return ident.FromLabel("molt.governor." + id)
}

// Create persists a new governor with no owner installed yet.
func (s *Service) Create(ctx context.Context, id string) (*Governor, error) {
	if id == "" {
		return nil, fmt.Errorf("governor id is empty")
	}

	g := &Governor{
		ID:        id,
		Identity:  IdentityFor(id),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	_, err := s.store.DB().ExecContext(ctx,
		"INSERT INTO governors(id, identity, owner, created_at) VALUES(?, ?, ?, ?);",
		g.ID, g.Identity.Bytes(), g.Owner.Bytes(), g.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create governor: %w", err)
	}
	s.logger.Info("governor created", "governor", g.ID, "identity", g.Identity.Short())
	return g, nil
}

// Load reads a governor by ID.
func (s *Service) Load(ctx context.Context, id string) (*Governor, error) {
	row := s.store.DB().QueryRowContext(ctx,
		"SELECT id, identity, owner, created_at FROM governors WHERE id = ?;", id)
	g, err := scanGovernor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("governor %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("read governor: %w", err)
	}
	return g, nil
}

// Initialize installs the owner, once. A zero owner is refused, and a second
// initialization is refused no matter who asks.
func (s *Service) Initialize(ctx context.Context, id string, owner ident.ID) error {
	if owner.IsZero() {
		return fault.NewZeroAuthority()
	}
	g, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	if g.Initialized() {
		return fault.NewAlreadyInitialized(1)
	}
	return s.setOwner(ctx, g, owner)
}

// TransferOwnership moves ownership to newOwner. Only the current owner may
// transfer, and never to the zero identity. An unowned governor accepts no
// transfer; Initialize is the only way to install the first owner.
func (s *Service) TransferOwnership(ctx context.Context, id string, caller, newOwner ident.ID) error {
	g, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	if !g.Initialized() || !caller.Equal(g.Owner) {
		return fault.NewNotOwner()
	}
	if newOwner.IsZero() {
		return fault.NewZeroAuthority()
	}
	return s.setOwner(ctx, g, newOwner)
}

func (s *Service) setOwner(ctx context.Context, g *Governor, newOwner ident.ID) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"UPDATE governors SET owner = ? WHERE id = ?;", newOwner.Bytes(), g.ID); err != nil {
		return fmt.Errorf("update governor owner: %w", err)
	}

	buf := events.NewBuffer()
	buf.Emit(g.ID, events.TypeOwnershipTransferred, events.OwnershipTransferred{
		Previous: g.Owner.String(),
		New:      newOwner.String(),
	})
	if err := buf.Flush(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit governor owner: %w", err)
	}
	buf.Publish(s.hub)

	s.logger.Info("ownership transferred",
		"governor", g.ID, "previous", g.Owner.Short(), "new", newOwner.Short())
	g.Owner = newOwner
	return nil
}

// Deploy creates a dispatcher whose authority slot holds this governor's
// identity. The governor must be initialized first, otherwise nothing could
// ever upgrade the deployment.
func (s *Service) Deploy(ctx context.Context, name string, moduleRef ident.ID, governorID string) (*dispatch.Dispatcher, error) {
	g, err := s.Load(ctx, governorID)
	if err != nil {
		return nil, err
	}
	if !g.Initialized() {
		return nil, fmt.Errorf("governor %q has no owner installed", governorID)
	}
	return s.engine.Deploy(ctx, name, moduleRef, g.Identity, g.ID)
}

// UpgradeAndCall points the dispatcher at newModule and, when init is
// non-empty, runs it against the new module inside the same transaction.
// Only the owner of the dispatcher's governor may submit; the call itself
// enters the dispatcher as the governor's identity, which is what routes it
// onto the admin path.
func (s *Service) UpgradeAndCall(ctx context.Context, d *dispatch.Dispatcher, caller, newModule ident.ID, init []byte, value uint64) (*dispatch.Result, error) {
	g, err := s.Load(ctx, d.GovernorID)
	if err != nil {
		return nil, err
	}
	if !g.Initialized() || !caller.Equal(g.Owner) {
		return nil, fault.NewNotOwner()
	}

	payload, err := wire.Encode(wire.UpgradeSelector, wire.IDArg(newModule), wire.BytesArg(init))
	if err != nil {
		return nil, fault.NewBadPayload(err.Error())
	}

	s.logger.Info("upgrade submitted",
		"governor", g.ID, "dispatcher", d.Name, "module", newModule.Short(), "init_bytes", len(init))
	return s.engine.Call(ctx, d, g.Identity, payload, value)
}

func scanGovernor(row *sql.Row) (*Governor, error) {
	var g Governor
	var identity, owner []byte
	if err := row.Scan(&g.ID, &identity, &owner, &g.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if g.Identity, err = ident.FromBytes(identity); err != nil {
		return nil, fmt.Errorf("stored governor identity: %w", err)
	}
	if g.Owner, err = ident.FromBytes(owner); err != nil {
		return nil, fmt.Errorf("stored governor owner: %w", err)
	}
	return &g, nil
}
