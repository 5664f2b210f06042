// Package state provides instance-scoped persistent storage. Every
// dispatcher and every module template owns one state instance; all field,
// slot and initialization access for a call goes through a View bound to
// the call's transaction, so a failed call leaves no trace.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Instance kinds.
const (
	KindDispatcher = "dispatcher"
	KindTemplate   = "template"
)

// Instance is one persistent state container.
type Instance struct {
	ID        string
	Kind      string
	Label     string
	CreatedAt string
}

// Store manages the instance registry and hands out call transactions.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components that manage their own
// tables.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateInstance registers a new state instance.
func (s *Store) CreateInstance(ctx context.Context, kind, label string) (Instance, error) {
	if kind != KindDispatcher && kind != KindTemplate {
		return Instance{}, fmt.Errorf("unknown instance kind %q", kind)
	}
	inst := Instance{
		ID:        uuid.NewString(),
		Kind:      kind,
		Label:     label,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO instances(id, kind, label, created_at) VALUES(?, ?, ?, ?);",
		inst.ID, inst.Kind, inst.Label, inst.CreatedAt)
	if err != nil {
		return Instance{}, fmt.Errorf("create instance: %w", err)
	}
	return inst, nil
}

// FindInstance looks up an existing instance by kind and label. Returns
// ok=false when none exists yet.
func (s *Store) FindInstance(ctx context.Context, kind, label string) (Instance, bool, error) {
	var inst Instance
	err := s.db.QueryRowContext(ctx,
		"SELECT id, kind, label, created_at FROM instances WHERE kind = ? AND label = ? ORDER BY created_at DESC LIMIT 1;",
		kind, label).
		Scan(&inst.ID, &inst.Kind, &inst.Label, &inst.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, false, nil
	}
	if err != nil {
		return Instance{}, false, fmt.Errorf("find instance: %w", err)
	}
	return inst, true, nil
}

// Instance looks up an instance by id.
func (s *Store) Instance(ctx context.Context, id string) (Instance, error) {
	var inst Instance
	err := s.db.QueryRowContext(ctx,
		"SELECT id, kind, label, created_at FROM instances WHERE id = ?;", id).
		Scan(&inst.ID, &inst.Kind, &inst.Label, &inst.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, fmt.Errorf("instance %q not found", id)
	}
	if err != nil {
		return Instance{}, fmt.Errorf("read instance: %w", err)
	}
	return inst, nil
}

// Begin opens a call transaction. The caller owns commit/rollback.
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return tx, nil
}
