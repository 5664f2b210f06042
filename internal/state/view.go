package state

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
)

// View is transaction-bound access to one instance's storage. Reserved
// dispatch slots, positional fields, keyed entries and the initialization
// record live in separate tables; nothing a module writes can reach a slot.
type View struct {
	tx       *sql.Tx
	instance string
}

// NewView binds a view to an instance within a call transaction.
func NewView(tx *sql.Tx, instanceID string) *View {
	return &View{tx: tx, instance: instanceID}
}

// InstanceID returns the bound instance id.
func (v *View) InstanceID() string {
	return v.instance
}

// Tx exposes the call transaction for components that manage their own
// tables inside the same call.
func (v *View) Tx() *sql.Tx {
	return v.tx
}

// Field reads a positional field. Missing fields read as nil.
func (v *View) Field(ctx context.Context, idx int) ([]byte, error) {
	var value []byte
	err := v.tx.QueryRowContext(ctx,
		"SELECT value FROM fields WHERE instance_id = ? AND idx = ?;",
		v.instance, idx).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read field %d: %w", idx, err)
	}
	return value, nil
}

// SetField writes a positional field.
func (v *View) SetField(ctx context.Context, idx int, value []byte) error {
	_, err := v.tx.ExecContext(ctx, `
INSERT INTO fields(instance_id, idx, value) VALUES(?, ?, ?)
ON CONFLICT(instance_id, idx) DO UPDATE SET value = excluded.value;
`, v.instance, idx, value)
	if err != nil {
		return fmt.Errorf("write field %d: %w", idx, err)
	}
	return nil
}

// Entry reads a keyed entry of a map field. Missing entries read as nil.
func (v *View) Entry(ctx context.Context, idx int, key []byte) ([]byte, error) {
	var value []byte
	err := v.tx.QueryRowContext(ctx,
		"SELECT value FROM field_entries WHERE instance_id = ? AND idx = ? AND key = ?;",
		v.instance, idx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read entry %d: %w", idx, err)
	}
	return value, nil
}

// SetEntry writes a keyed entry of a map field.
func (v *View) SetEntry(ctx context.Context, idx int, key, value []byte) error {
	_, err := v.tx.ExecContext(ctx, `
INSERT INTO field_entries(instance_id, idx, key, value) VALUES(?, ?, ?, ?)
ON CONFLICT(instance_id, idx, key) DO UPDATE SET value = excluded.value;
`, v.instance, idx, key, value)
	if err != nil {
		return fmt.Errorf("write entry %d: %w", idx, err)
	}
	return nil
}

// Slot reads a reserved dispatch slot. Missing slots read as nil.
func (v *View) Slot(ctx context.Context, slot [32]byte) ([]byte, error) {
	var value []byte
	err := v.tx.QueryRowContext(ctx,
		"SELECT value FROM dispatch_slots WHERE instance_id = ? AND slot = ?;",
		v.instance, slot[:]).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read slot: %w", err)
	}
	return value, nil
}

// SetSlot writes a reserved dispatch slot.
func (v *View) SetSlot(ctx context.Context, slot [32]byte, value []byte) error {
	_, err := v.tx.ExecContext(ctx, `
INSERT INTO dispatch_slots(instance_id, slot, value) VALUES(?, ?, ?)
ON CONFLICT(instance_id, slot) DO UPDATE SET value = excluded.value;
`, v.instance, slot[:], value)
	if err != nil {
		return fmt.Errorf("write slot: %w", err)
	}
	return nil
}

// InitRecord reads the initialization record. Absent records read as
// version 0, not in progress.
func (v *View) InitRecord(ctx context.Context) (version uint64, inProgress bool, err error) {
	var verBlob []byte
	var prog int
	err = v.tx.QueryRowContext(ctx,
		"SELECT version, in_progress FROM init_records WHERE instance_id = ?;",
		v.instance).Scan(&verBlob, &prog)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read init record: %w", err)
	}
	if len(verBlob) != 8 {
		return 0, false, fmt.Errorf("init record version is %d bytes, want 8", len(verBlob))
	}
	return binary.BigEndian.Uint64(verBlob), prog != 0, nil
}

// SetInitRecord writes the initialization record. The version is stored as
// an 8-byte big-endian blob so the full uint64 range survives SQLite.
func (v *View) SetInitRecord(ctx context.Context, version uint64, inProgress bool) error {
	verBlob := make([]byte, 8)
	binary.BigEndian.PutUint64(verBlob, version)
	prog := 0
	if inProgress {
		prog = 1
	}
	_, err := v.tx.ExecContext(ctx, `
INSERT INTO init_records(instance_id, version, in_progress) VALUES(?, ?, ?)
ON CONFLICT(instance_id) DO UPDATE SET
  version = excluded.version,
  in_progress = excluded.in_progress;
`, v.instance, verBlob, prog)
	if err != nil {
		return fmt.Errorf("write init record: %w", err)
	}
	return nil
}
