// Package inspect builds deployment reports straight from the state
// database, without booting the engine. It is the read path behind
// "molt system inspect" and works against a stopped gateway's database.
package inspect

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/molt/internal/events"
	"github.com/mattjoyce/molt/internal/ident"
	"github.com/mattjoyce/molt/internal/initguard"
	"github.com/mattjoyce/molt/internal/module"
	"github.com/mattjoyce/molt/internal/slot"
)

// Catalog resolves module references to registered revisions. A
// *module.Registry satisfies it.
type Catalog interface {
	Get(ref ident.ID) (*module.Registered, bool)
}

type dispatcherInfo struct {
	name      string
	instance  string
	identity  []byte
	governor  string
	createdAt string
}

type governorInfo struct {
	owner []byte
}

// Report is the structured JSON representation of a deployment report.
type Report struct {
	Dispatcher  string  `json:"dispatcher"`
	Identity    string  `json:"identity"`
	Instance    string  `json:"instance_id"`
	CreatedAt   string  `json:"created_at"`
	Module      string  `json:"module"`
	ModuleLabel string  `json:"module_label,omitempty"`
	Authority   string  `json:"authority"`
	Governor    string  `json:"governor"`
	Owner       string  `json:"owner"`
	InitVersion uint64  `json:"init_version"`
	Calls       int64   `json:"calls"`
	History     []Event `json:"history"`
}

// Event is one entry in the deployment's governance history.
type Event struct {
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	CreatedAt string          `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

// BuildReport renders a terminal-friendly deployment report for a dispatcher.
func BuildReport(ctx context.Context, db *sql.DB, catalog Catalog, dispatcher string) (string, error) {
	report, err := gatherReportData(ctx, db, catalog, dispatcher)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Deployment Report\n")
	fmt.Fprintf(&out, "Dispatcher   : %s\n", report.Dispatcher)
	fmt.Fprintf(&out, "Identity     : %s\n", report.Identity)
	fmt.Fprintf(&out, "Instance     : %s\n", report.Instance)
	fmt.Fprintf(&out, "Created      : %s\n", report.CreatedAt)
	fmt.Fprintf(&out, "Module       : %s\n", renderModule(report))
	fmt.Fprintf(&out, "Authority    : %s\n", renderUnset(report.Authority, "<unset>"))
	fmt.Fprintf(&out, "Governor     : %s\n", report.Governor)
	fmt.Fprintf(&out, "Owner        : %s\n", renderUnset(report.Owner, "<none>"))
	fmt.Fprintf(&out, "Init version : %s\n", renderInitVersion(report.InitVersion))
	fmt.Fprintf(&out, "Calls        : %d\n", report.Calls)
	fmt.Fprintf(&out, "\n")

	for idx, ev := range report.History {
		fmt.Fprintf(&out, "[%d] %s\n", idx+1, ev.Type)
		fmt.Fprintf(&out, "    created : %s\n", ev.CreatedAt)
		fmt.Fprintf(&out, "    data    :\n")
		data := prettyJSON(ev.Data)
		for _, line := range strings.Split(strings.TrimSpace(data), "\n") {
			fmt.Fprintf(&out, "      %s\n", line)
		}
		fmt.Fprintf(&out, "\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON deployment report.
func BuildJSONReport(ctx context.Context, db *sql.DB, catalog Catalog, dispatcher string) (string, error) {
	report, err := gatherReportData(ctx, db, catalog, dispatcher)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, db *sql.DB, catalog Catalog, dispatcher string) (*Report, error) {
	if strings.TrimSpace(dispatcher) == "" {
		return nil, fmt.Errorf("dispatcher name is required")
	}

	info, err := lookupDispatcher(ctx, db, dispatcher)
	if err != nil {
		return nil, err
	}
	identity, err := ident.FromBytes(info.identity)
	if err != nil {
		return nil, fmt.Errorf("stored dispatcher identity: %w", err)
	}

	report := &Report{
		Dispatcher: info.name,
		Identity:   identity.String(),
		Instance:   info.instance,
		CreatedAt:  info.createdAt,
		Governor:   info.governor,
		History:    make([]Event, 0),
	}

	moduleRef, err := readSlot(ctx, db, info.instance, slot.Module)
	if err != nil {
		return nil, err
	}
	if !moduleRef.IsZero() {
		report.Module = moduleRef.String()
		if catalog != nil {
			if reg, ok := catalog.Get(moduleRef); ok {
				report.ModuleLabel = reg.Label()
			}
		}
	}

	authority, err := readSlot(ctx, db, info.instance, slot.Authority)
	if err != nil {
		return nil, err
	}
	if !authority.IsZero() {
		report.Authority = authority.String()
	}

	// A missing governor row means the deployment was created outside
	// governance; report it rather than fail.
	gov, err := lookupGovernor(ctx, db, info.governor)
	if err != nil {
		return nil, err
	}
	if gov != nil {
		owner, err := ident.FromBytes(gov.owner)
		if err != nil {
			return nil, fmt.Errorf("stored governor owner: %w", err)
		}
		if !owner.IsZero() {
			report.Owner = owner.String()
		}
	}

	if report.InitVersion, err = readInitVersion(ctx, db, info.instance); err != nil {
		return nil, err
	}
	if report.Calls, err = countCalls(ctx, db, info.name); err != nil {
		return nil, err
	}
	if report.History, err = loadHistory(ctx, db, info.instance, info.governor); err != nil {
		return nil, err
	}
	return report, nil
}

func lookupDispatcher(ctx context.Context, db *sql.DB, name string) (*dispatcherInfo, error) {
	var info dispatcherInfo
	row := db.QueryRowContext(ctx, `
SELECT name, instance_id, identity, governor_id, created_at
FROM dispatchers
WHERE name = ?;
`, name)
	if err := row.Scan(&info.name, &info.instance, &info.identity, &info.governor, &info.createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("dispatcher %q not found", name)
		}
		return nil, fmt.Errorf("query dispatcher %q: %w", name, err)
	}
	return &info, nil
}

func lookupGovernor(ctx context.Context, db *sql.DB, id string) (*governorInfo, error) {
	var info governorInfo
	row := db.QueryRowContext(ctx,
		"SELECT owner FROM governors WHERE id = ?;", id)
	if err := row.Scan(&info.owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query governor %q: %w", id, err)
	}
	return &info, nil
}

func readSlot(ctx context.Context, db *sql.DB, instanceID string, id slot.ID) (ident.ID, error) {
	var value []byte
	err := db.QueryRowContext(ctx,
		"SELECT value FROM dispatch_slots WHERE instance_id = ? AND slot = ?;",
		instanceID, id[:]).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return ident.Zero, nil
	}
	if err != nil {
		return ident.Zero, fmt.Errorf("read slot: %w", err)
	}
	if value == nil {
		return ident.Zero, nil
	}
	v, err := ident.FromBytes(value)
	if err != nil {
		return ident.Zero, fmt.Errorf("stored slot value: %w", err)
	}
	return v, nil
}

func readInitVersion(ctx context.Context, db *sql.DB, instanceID string) (uint64, error) {
	var verBlob []byte
	err := db.QueryRowContext(ctx,
		"SELECT version FROM init_records WHERE instance_id = ?;",
		instanceID).Scan(&verBlob)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read init record: %w", err)
	}
	if len(verBlob) != 8 {
		return 0, fmt.Errorf("init record version is %d bytes, want 8", len(verBlob))
	}
	return binary.BigEndian.Uint64(verBlob), nil
}

func countCalls(ctx context.Context, db *sql.DB, dispatcher string) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM call_log WHERE dispatcher = ?;", dispatcher).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count calls: %w", err)
	}
	return n, nil
}

// loadHistory returns the deployment's governance events in commit order.
// Slot and initialization events land on the dispatcher instance, ownership
// transfers on the governor; module events are left out because they would
// swamp the report.
func loadHistory(ctx context.Context, db *sql.DB, instanceID, governorID string) ([]Event, error) {
	rows, err := db.QueryContext(ctx, `
SELECT seq, type, data, created_at
FROM event_log
WHERE (instance_id = ? AND type IN (?, ?, ?))
   OR (instance_id = ? AND type = ?)
ORDER BY seq ASC;
`, instanceID, events.TypeInitialized, events.TypeModuleUpgraded, events.TypeAuthorityChanged,
		governorID, events.TypeOwnershipTransferred)
	if err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	defer rows.Close()

	history := make([]Event, 0)
	for rows.Next() {
		var ev Event
		var data sql.NullString
		if err := rows.Scan(&ev.Seq, &ev.Type, &data, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event log: %w", err)
		}
		ev.Data = json.RawMessage(data.String)
		history = append(history, ev)
	}
	return history, rows.Err()
}

func renderModule(report *Report) string {
	if report.Module == "" {
		return "<unset>"
	}
	if report.ModuleLabel != "" {
		return fmt.Sprintf("%s (%s)", report.ModuleLabel, report.Module)
	}
	return report.Module
}

func renderInitVersion(v uint64) string {
	if v == initguard.Disabled {
		return "disabled"
	}
	return strconv.FormatUint(v, 10)
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
