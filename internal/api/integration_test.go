package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/molt/internal/api"
	"github.com/mattjoyce/molt/internal/auth"
	"github.com/mattjoyce/molt/internal/dispatch"
	"github.com/mattjoyce/molt/internal/events"
	"github.com/mattjoyce/molt/internal/governance"
	"github.com/mattjoyce/molt/internal/ident"
	"github.com/mattjoyce/molt/internal/ledger"
	"github.com/mattjoyce/molt/internal/module"
	"github.com/mattjoyce/molt/internal/state"
	"github.com/mattjoyce/molt/internal/storage"
	"github.com/mattjoyce/molt/internal/wire"
)

// TestAPIIntegration exercises the full API flow with a real engine and a
// deployed ledger: initialize, transfer, upgrade to v2, and the event stream.
func TestAPIIntegration(t *testing.T) {
	ctx := context.Background()

	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "molt.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	store := state.NewStore(db)
	registry := module.NewRegistry(store)
	if err := ledger.Register(ctx, registry); err != nil {
		t.Fatalf("failed to register ledger: %v", err)
	}

	hub := events.NewHub(100)
	engine := dispatch.NewEngine(store, registry, hub)
	gov := governance.New(store, engine, hub)

	govOwner := ident.FromLabel("integration-gov-owner")
	alice := ident.FromLabel("integration-alice")
	bob := ident.FromLabel("integration-bob")

	if _, err := gov.Create(ctx, "gov-1"); err != nil {
		t.Fatalf("failed to create governor: %v", err)
	}
	if err := gov.Initialize(ctx, "gov-1", govOwner); err != nil {
		t.Fatalf("failed to install governor owner: %v", err)
	}
	d, err := gov.Deploy(ctx, "main", ledger.ModuleV1().Ref(), "gov-1")
	if err != nil {
		t.Fatalf("failed to deploy dispatcher: %v", err)
	}

	testPort := "localhost:18081"
	config := api.Config{
		Listen:  testPort,
		Service: "molt",
		Tokens: []auth.TokenConfig{
			{Token: "admin-key-123", Identity: govOwner},
			{Token: "user-key-123", Identity: alice},
		},
	}
	server := api.New(config, engine, gov, registry, d, hub, slog.Default())

	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverReady := make(chan error, 1)
	go func() {
		if err := server.Start(serverCtx); err != nil && err != context.Canceled {
			serverReady <- err
		}
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	select {
	case err := <-serverReady:
		t.Fatalf("server failed to start: %v", err)
	default:
	}

	baseURL := "http://" + testPort
	client := &http.Client{Timeout: 5 * time.Second}

	postCall := func(t *testing.T, token string, payload []byte, value uint64) (*http.Response, api.CallResponse) {
		t.Helper()
		body, _ := json.Marshal(api.CallRequest{Payload: hex.EncodeToString(payload), Value: value})
		req, _ := http.NewRequest(http.MethodPost, baseURL+"/call", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("call request failed: %v", err)
		}
		defer resp.Body.Close()
		var cr api.CallResponse
		_ = json.NewDecoder(resp.Body).Decode(&cr)
		return resp, cr
	}

	// Test 1: missing token is rejected before reaching the engine.
	req, _ := http.NewRequest(http.MethodPost, baseURL+"/call", bytes.NewBufferString(`{"payload":""}`))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("unauthenticated call failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected status 401 without token, got %d", resp.StatusCode)
	}

	// Test 2: initialize the ledger through the user path.
	initPayload, err := wire.Encode(ledger.SelInitialize, wire.IDArg(alice), wire.U64Arg(1000))
	if err != nil {
		t.Fatalf("encode initialize: %v", err)
	}
	resp, cr := postCall(t, "user-key-123", initPayload, 0)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize: expected status 200, got %d", resp.StatusCode)
	}
	if cr.Path != dispatch.PathUser {
		t.Errorf("initialize path = %q, want %q", cr.Path, dispatch.PathUser)
	}
	if cr.CallID == "" {
		t.Fatal("expected non-empty call_id")
	}

	// Test 3: the call shows up in the audit log.
	req, _ = http.NewRequest(http.MethodGet, baseURL+"/call/"+cr.CallID, nil)
	req.Header.Set("Authorization", "Bearer user-key-123")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("get call failed: %v", err)
	}
	var rec dispatch.CallRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("failed to decode call record: %v", err)
	}
	resp.Body.Close()
	if rec.Status != dispatch.StatusOK {
		t.Errorf("call status = %q, want %q", rec.Status, dispatch.StatusOK)
	}

	// Test 4: transfer and read back a balance.
	transferPayload, err := wire.Encode(ledger.SelTransfer, wire.IDArg(bob), wire.U64Arg(300))
	if err != nil {
		t.Fatalf("encode transfer: %v", err)
	}
	resp, _ = postCall(t, "user-key-123", transferPayload, 0)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transfer: expected status 200, got %d", resp.StatusCode)
	}

	balancePayload, err := wire.Encode(ledger.SelBalanceOf, wire.IDArg(alice))
	if err != nil {
		t.Fatalf("encode balanceOf: %v", err)
	}
	resp, cr = postCall(t, "user-key-123", balancePayload, 0)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("balanceOf: expected status 200, got %d", resp.StatusCode)
	}
	raw, err := hex.DecodeString(cr.Output)
	if err != nil {
		t.Fatalf("balance output is not hex: %v", err)
	}
	balance, err := wire.DecodeU64(raw)
	if err != nil {
		t.Fatalf("failed to decode balance: %v", err)
	}
	if balance != 700 {
		t.Errorf("alice balance = %d, want 700", balance)
	}

	// Test 5: upgrade to ledger@2 through the governor.
	reinit, err := wire.Encode(ledger.SelReinitializeV2, wire.U64Arg(5000))
	if err != nil {
		t.Fatalf("encode reinitialize: %v", err)
	}
	upBody, _ := json.Marshal(api.UpgradeRequest{Module: "ledger@2", Init: hex.EncodeToString(reinit)})
	req, _ = http.NewRequest(http.MethodPost, baseURL+"/governor/upgrade", bytes.NewReader(upBody))
	req.Header.Set("Authorization", "Bearer admin-key-123")
	req.Header.Set("Content-Type", "application/json")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("upgrade request failed: %v", err)
	}
	var upResp api.CallResponse
	if err := json.NewDecoder(resp.Body).Decode(&upResp); err != nil {
		t.Fatalf("failed to decode upgrade response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upgrade: expected status 200, got %d", resp.StatusCode)
	}
	if upResp.Path != dispatch.PathAdmin {
		t.Errorf("upgrade path = %q, want %q", upResp.Path, dispatch.PathAdmin)
	}

	// Test 6: status reflects the new revision.
	req, _ = http.NewRequest(http.MethodGet, baseURL+"/status", nil)
	req.Header.Set("Authorization", "Bearer user-key-123")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	var status api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	resp.Body.Close()
	if status.Module != "ledger@2" {
		t.Errorf("status module = %q, want ledger@2", status.Module)
	}
	if status.Owner != govOwner.String() {
		t.Errorf("status owner = %q, want %s", status.Owner, govOwner)
	}

	// Test 7: balances survived the upgrade.
	resp, cr = postCall(t, "user-key-123", balancePayload, 0)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("balanceOf after upgrade: expected status 200, got %d", resp.StatusCode)
	}
	raw, _ = hex.DecodeString(cr.Output)
	if balance, _ := wire.DecodeU64(raw); balance != 700 {
		t.Errorf("alice balance after upgrade = %d, want 700", balance)
	}

	// Test 8: the event stream replays buffered events immediately.
	sseCtx, sseCancel := context.WithTimeout(ctx, 3*time.Second)
	defer sseCancel()
	req, _ = http.NewRequest(http.MethodGet, baseURL+"/events", nil)
	req = req.WithContext(sseCtx)
	req.Header.Set("Authorization", "Bearer user-key-123")
	resp, err = http.DefaultTransport.RoundTrip(req)
	if err != nil {
		t.Fatalf("events request failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q, want text/event-stream", ct)
	}

	reader := bufio.NewReader(resp.Body)
	var sawID, sawEvent bool
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read event frame: %v", err)
		}
		if strings.HasPrefix(line, "id: ") {
			sawID = true
		}
		if strings.HasPrefix(line, "event: ") {
			sawEvent = true
		}
		if line == "\n" {
			break
		}
	}
	if !sawID || !sawEvent {
		t.Errorf("first frame missing id/event lines (id=%v event=%v)", sawID, sawEvent)
	}
}
