package dispatch

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/molt/internal/ident"
	"github.com/mattjoyce/molt/internal/wire"
)

// Call statuses recorded in the audit log.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// CallRecord is one audit row. The log is a gateway observation, written
// after the call's transaction settled; it is not part of call state.
type CallRecord struct {
	ID         string `json:"id"`
	Dispatcher string `json:"dispatcher"`
	Caller     string `json:"caller"`
	Selector   string `json:"selector,omitempty"`
	Path       string `json:"path"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	CreatedAt  string `json:"created_at"`
}

// callRecord builds the audit row for a finished call.
func callRecord(id, dispatcher string, caller ident.ID, payload []byte, path string, started time.Time, callErr error) CallRecord {
	rec := CallRecord{
		ID:         id,
		Dispatcher: dispatcher,
		Caller:     caller.String(),
		Path:       path,
		Status:     StatusOK,
		DurationMS: time.Since(started).Milliseconds(),
		CreatedAt:  started.UTC().Format(time.RFC3339Nano),
	}
	if len(payload) >= wire.SelectorSize {
		rec.Selector = hex.EncodeToString(payload[:wire.SelectorSize])
	}
	if callErr != nil {
		rec.Status = StatusFailed
		rec.Error = callErr.Error()
	}
	return rec
}

// logCall appends an audit row. Failures are logged, not propagated; the
// call outcome already settled.
func (e *Engine) logCall(ctx context.Context, rec CallRecord) {
	var selector []byte
	if rec.Selector != "" {
		selector, _ = hex.DecodeString(rec.Selector)
	}
	caller, _ := hex.DecodeString(rec.Caller)

	_, err := e.store.DB().ExecContext(ctx, `
INSERT INTO call_log(id, dispatcher, caller, selector, path, status, error, duration_ms, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, rec.ID, rec.Dispatcher, caller, selector, rec.Path, rec.Status, nullIfEmpty(rec.Error), rec.DurationMS, rec.CreatedAt)
	if err != nil {
		e.logger.Error("failed to append call log", "call_id", rec.ID, "error", err)
	}
}

// LookupCall retrieves an audit row by call id.
func (e *Engine) LookupCall(ctx context.Context, id string) (CallRecord, error) {
	var rec CallRecord
	var caller, selector []byte
	var errMsg sql.NullString

	err := e.store.DB().QueryRowContext(ctx, `
SELECT id, dispatcher, caller, selector, path, status, error, duration_ms, created_at
FROM call_log WHERE id = ?;
`, id).Scan(&rec.ID, &rec.Dispatcher, &caller, &selector, &rec.Path, &rec.Status, &errMsg, &rec.DurationMS, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, fmt.Errorf("call %q not found", id)
	}
	if err != nil {
		return CallRecord{}, fmt.Errorf("read call log: %w", err)
	}

	rec.Caller = hex.EncodeToString(caller)
	rec.Selector = hex.EncodeToString(selector)
	rec.Error = errMsg.String
	return rec, nil
}

// RecentCalls returns the newest audit rows for a dispatcher, newest first.
func (e *Engine) RecentCalls(ctx context.Context, dispatcher string, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := e.store.DB().QueryContext(ctx, `
SELECT id, dispatcher, caller, selector, path, status, error, duration_ms, created_at
FROM call_log WHERE dispatcher = ?
ORDER BY created_at DESC LIMIT ?;
`, dispatcher, limit)
	if err != nil {
		return nil, fmt.Errorf("read call log: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var rec CallRecord
		var caller, selector []byte
		var errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Dispatcher, &caller, &selector, &rec.Path, &rec.Status, &errMsg, &rec.DurationMS, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan call log: %w", err)
		}
		rec.Caller = hex.EncodeToString(caller)
		rec.Selector = hex.EncodeToString(selector)
		rec.Error = errMsg.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CallCount reports how many calls a dispatcher has served.
func (e *Engine) CallCount(ctx context.Context, dispatcher string) (int64, error) {
	var n int64
	err := e.store.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM call_log WHERE dispatcher = ?;", dispatcher).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count calls: %w", err)
	}
	return n, nil
}

// PruneCallLog deletes audit rows older than retention and reports how many
// were removed. Timestamps are compared through datetime() because
// RFC3339Nano trims trailing zeros and does not sort lexically.
func (e *Engine) PruneCallLog(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	res, err := e.store.DB().ExecContext(ctx,
		"DELETE FROM call_log WHERE datetime(created_at) < datetime(?);", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune call log: %w", err)
	}
	return res.RowsAffected()
}

// PruneEventLog deletes persisted events older than retention and reports
// how many were removed.
func (e *Engine) PruneEventLog(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	res, err := e.store.DB().ExecContext(ctx,
		"DELETE FROM event_log WHERE datetime(created_at) < datetime(?);", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune event log: %w", err)
	}
	return res.RowsAffected()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
