package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/molt/internal/api"
	"github.com/mattjoyce/molt/internal/config"
	"github.com/mattjoyce/molt/internal/dispatch"
	"github.com/mattjoyce/molt/internal/doctor"
	"github.com/mattjoyce/molt/internal/events"
	"github.com/mattjoyce/molt/internal/governance"
	"github.com/mattjoyce/molt/internal/ident"
	"github.com/mattjoyce/molt/internal/inspect"
	"github.com/mattjoyce/molt/internal/ledger"
	"github.com/mattjoyce/molt/internal/lock"
	"github.com/mattjoyce/molt/internal/log"
	"github.com/mattjoyce/molt/internal/module"
	"github.com/mattjoyce/molt/internal/state"
	"github.com/mattjoyce/molt/internal/storage"
	"github.com/mattjoyce/molt/internal/sweeper"
	"github.com/mattjoyce/molt/internal/tui"
	"github.com/mattjoyce/molt/internal/wire"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "call":
		return runCallNoun(args)
	case "module":
		return runModuleNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "status":
		if hasHelpFlag(args) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(args)
	case "doctor":
		if hasHelpFlag(args) {
			printSystemDoctorHelp()
			return 0
		}
		return runSystemDoctor(args)
	case "monitor":
		if hasHelpFlag(args) {
			printSystemMonitorHelp()
			return 0
		}
		return runMonitor(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: molt version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("molt %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`molt - Upgradeable module gateway with transparent dispatch

Usage:
  molt <noun> <action> [flags]

Core Resources (Nouns):
  system    Gateway lifecycle and health
  call      Payload encoding and dispatch
  module    Registered revision inspection

System Commands:
  system start      Start the gateway service in foreground
  system status     Show global gateway health
  system doctor     Validate configuration and deployment
  system inspect    Report a deployment from the state database
  system monitor    Real-time call monitoring TUI

Call Commands:
  call encode       Encode a call payload from a signature and arguments
  call send         Dispatch an encoded payload through a running gateway
  call inspect <id> Show the audit record for a settled call

Module Commands:
  module list       Show registered module revisions

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'molt <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "doctor":
		if hasHelpFlag(actionArgs) {
			printSystemDoctorHelp()
			return 0
		}
		return runSystemDoctor(actionArgs)
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printSystemInspectHelp()
			return 0
		}
		return runSystemInspect(actionArgs)
	case "monitor":
		if hasHelpFlag(actionArgs) {
			printSystemMonitorHelp()
			return 0
		}
		return runMonitor(actionArgs)
	case "help":
		printSystemNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runCallNoun(args []string) int {
	if len(args) < 1 {
		printCallNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printCallNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "encode":
		if hasHelpFlag(actionArgs) {
			printCallEncodeHelp()
			return 0
		}
		return runCallEncode(actionArgs)
	case "send":
		if hasHelpFlag(actionArgs) {
			printCallSendHelp()
			return 0
		}
		return runCallSend(actionArgs)
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printCallInspectHelp()
			return 0
		}
		return runCallInspect(actionArgs)
	case "help":
		printCallNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown call action: %s\n", action)
		return 1
	}
}

func runModuleNoun(args []string) int {
	if len(args) < 1 {
		printModuleNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printModuleNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printModuleListHelp()
			return 0
		}
		return runModuleList(actionArgs)
	case "help":
		printModuleNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown module action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: molt system <action>")
	fmt.Fprintln(w, "Actions: start, status, doctor, inspect, monitor")
}

func printCallNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: molt call <action> [flags]")
	fmt.Fprintln(w, "Actions: encode, send, inspect")
}

func printModuleNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: molt module <action>")
	fmt.Fprintln(w, "Actions: list")
}

func printSystemStartHelp() {
	fmt.Println("Usage: molt system start [--config PATH]")
	fmt.Println("Start the gateway service in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: molt system status [--config PATH] [--json]")
	fmt.Println("Show global gateway health (config, state database readiness, and lock state).")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All required checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printSystemDoctorHelp() {
	fmt.Println("Usage: molt system doctor [--config PATH] [--json]")
	fmt.Println("Validate configuration and deployment against the module catalog.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Configuration valid")
	fmt.Println("  1  Errors found")
	fmt.Println("  2  Valid with warnings")
}

func printSystemInspectHelp() {
	fmt.Println("Usage: molt system inspect [--config PATH] [--name DISPATCHER] [--json]")
	fmt.Println("Report a deployment straight from the state database: module reference,")
	fmt.Println("authority, governor ownership, initialization version and the governance")
	fmt.Println("event history. Works without a running gateway.")
}

func printSystemMonitorHelp() {
	fmt.Println("Usage: molt system monitor [--api-url URL] [--api-key KEY]")
	fmt.Println("Launch the real-time TUI dashboard.")
}

func printCallEncodeHelp() {
	fmt.Println("Usage: molt call encode <signature> [arg...] [--data HEX]")
	fmt.Println()
	fmt.Println("Encode a call payload from a handler signature and arguments.")
	fmt.Println()
	fmt.Println("Arguments are typed by shape:")
	fmt.Println("  true / false         boolean word")
	fmt.Println("  64 hex chars         identity word (0x prefix optional)")
	fmt.Println("  decimal digits       unsigned integer word")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --data HEX    Trailing dynamic bytes (0x prefix optional)")
	fmt.Println()
	fmt.Println("Example:")
	fmt.Println("  molt call encode \"transfer(id,u64)\" 7f3a...90 250")
}

func printCallSendHelp() {
	fmt.Println("Usage: molt call send <payload-hex> [--value N] [--api-url URL] [--api-key KEY] [--json]")
	fmt.Println("Dispatch an encoded payload through a running gateway.")
	fmt.Println("The caller identity is the one bound to the API key.")
}

func printCallInspectHelp() {
	fmt.Println("Usage: molt call inspect <call-id> [--api-url URL] [--api-key KEY] [--json]")
	fmt.Println("Show the audit record for a settled call.")
}

func printModuleListHelp() {
	fmt.Println("Usage: molt module list [--api-url URL] [--api-key KEY] [--json]")
	fmt.Println("Show module revisions registered on a running gateway.")
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("molt starting", "version", version, "config", *configPath)

	stateLock, err := lock.Acquire(cfg.Storage.Path)
	if err != nil {
		logger.Error("failed to acquire state lock (another gateway may be running)",
			"path", lock.LockPath(cfg.Storage.Path), "error", err)
		return 1
	}
	defer stateLock.Release()
	logger.Info("acquired state lock", "path", stateLock.Path())

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Storage.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Storage.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.Storage.Path)

	store := state.NewStore(db)
	hub := events.NewHub(256)

	registry := module.NewRegistry(store)
	if err := ledger.Register(ctx, registry); err != nil {
		logger.Error("module registration failed", "error", err)
		return 1
	}
	logger.Info("module registration complete", "count", len(registry.All()))

	engine := dispatch.NewEngine(store, registry, hub)
	gov := governance.New(store, engine, hub)

	d, err := bootstrapDeployment(ctx, cfg, registry, engine, gov, logger)
	if err != nil {
		logger.Error("deployment bootstrap failed", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	sweep := sweeper.New(cfg, engine, hub, log.WithComponent("sweeper"))
	if err := sweep.Start(ctx); err != nil {
		logger.Error("failed to start sweeper", "error", err)
		return 1
	}
	defer sweep.Stop()

	if cfg.API.Enabled {
		tokens, err := cfg.AuthTokens()
		if err != nil {
			logger.Error("invalid API token configuration", "error", err)
			return 1
		}
		apiServer := api.New(api.Config{
			Listen:  cfg.API.Listen,
			Service: cfg.Service.Name,
			Tokens:  tokens,
		}, engine, gov, registry, d, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("molt running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("molt stopped")
	return 0
}

// bootstrapDeployment resolves the configured governor and dispatcher,
// creating them on first start. The configured owner is installed only while
// the governor has never been initialized; after that the persisted owner
// wins and config changes to deployment.owner are ignored.
func bootstrapDeployment(ctx context.Context, cfg *config.Config, registry *module.Registry, engine *dispatch.Engine, gov *governance.Service, logger *slog.Logger) (*dispatch.Dispatcher, error) {
	g, err := gov.Load(ctx, cfg.Deployment.Governor)
	if err != nil {
		g, err = gov.Create(ctx, cfg.Deployment.Governor)
		if err != nil {
			return nil, err
		}
	}

	if !g.Initialized() {
		if cfg.Deployment.Owner == "" {
			logger.Warn("governor has no owner; set deployment.owner to enable upgrades", "governor", g.ID)
		} else {
			owner, err := cfg.OwnerIdentity()
			if err != nil {
				return nil, err
			}
			if err := gov.Initialize(ctx, g.ID, owner); err != nil {
				return nil, err
			}
			logger.Info("governor initialized", "governor", g.ID, "owner", owner.Short())
		}
	}

	d, err := engine.Load(ctx, cfg.Deployment.Dispatcher)
	if err == nil {
		moduleRef, _, serr := engine.Snapshot(ctx, d)
		if serr != nil {
			return nil, serr
		}
		detail := moduleRef.Short()
		if reg, ok := registry.Get(moduleRef); ok {
			detail = reg.Label()
		}
		logger.Info("dispatcher resumed", "dispatcher", d.Name, "module", detail)
		return d, nil
	}

	reg, ok := registry.FindLabel(cfg.Deployment.Module)
	if !ok {
		return nil, fmt.Errorf("deployment.module %q is not registered", cfg.Deployment.Module)
	}
	if g.Initialized() {
		d, err = gov.Deploy(ctx, cfg.Deployment.Dispatcher, reg.Ref, g.ID)
	} else {
		// An unowned governor still anchors the authority slot; every
		// privileged call is refused until an owner is installed.
		d, err = engine.Deploy(ctx, cfg.Deployment.Dispatcher, reg.Ref, g.Identity, g.ID)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("dispatcher deployed", "dispatcher", d.Name, "module", reg.Label())
	return d, nil
}

type statusCheck struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
	ActivePID int    `json:"active_pid,omitempty"`
}

type statusReport struct {
	Healthy bool          `json:"healthy"`
	Checks  []statusCheck `json:"checks"`
}

func (r *statusReport) pass(name, detail string) {
	r.Checks = append(r.Checks, statusCheck{Name: name, OK: true, Detail: detail})
}

func (r *statusReport) fail(name, detail string) {
	r.Checks = append(r.Checks, statusCheck{Name: name, OK: false, Detail: detail})
	r.Healthy = false
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output status as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := statusReport{Healthy: true}
	collectStatus(&report, *configPath)

	if *jsonOut {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render status JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		for _, c := range report.Checks {
			verdict := "OK"
			if !c.OK {
				verdict = "FAIL"
			}
			if c.Detail != "" {
				fmt.Printf("%s: %s (%s)\n", c.Name, verdict, c.Detail)
			} else {
				fmt.Printf("%s: %s\n", c.Name, verdict)
			}
		}
		if report.Healthy {
			fmt.Println("Status: healthy")
		} else {
			fmt.Println("Status: unhealthy")
		}
	}

	if !report.Healthy {
		return 1
	}
	return 0
}

// collectStatus runs the start-readiness probes in fixed order. Checks that
// depend on a loaded configuration are reported as failed when the config
// itself does not load, so the check list length is stable.
func collectStatus(report *statusReport, configPath string) {
	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			report.fail("config_load", err.Error())
			report.fail("state_db", "skipped: configuration did not load")
			report.fail("state_lock", "skipped: configuration did not load")
			report.fail("deployment", "skipped: configuration did not load")
			return
		}
		configPath = discovered
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		report.fail("config_load", err.Error())
		report.fail("state_db", "skipped: configuration did not load")
		report.fail("state_lock", "skipped: configuration did not load")
		report.fail("deployment", "skipped: configuration did not load")
		return
	}
	report.pass("config_load", configPath)

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Storage.Path)
	if err != nil {
		report.fail("state_db", err.Error())
	} else {
		defer db.Close()
		report.pass("state_db", cfg.Storage.Path)
	}

	if pid, held := lock.Holder(cfg.Storage.Path); held {
		report.Checks = append(report.Checks, statusCheck{
			Name:      "state_lock",
			OK:        false,
			Detail:    fmt.Sprintf("held by pid %d (gateway running)", pid),
			ActivePID: pid,
		})
		report.Healthy = false
	} else {
		report.pass("state_lock", "free")
	}

	if db == nil {
		report.fail("deployment", "skipped: state database unavailable")
		return
	}
	var governorID string
	err = db.QueryRowContext(ctx,
		"SELECT governor_id FROM dispatchers WHERE name = ?;", cfg.Deployment.Dispatcher).
		Scan(&governorID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		report.pass("deployment", fmt.Sprintf("%q not deployed yet (created on first start)", cfg.Deployment.Dispatcher))
	case err != nil:
		report.fail("deployment", err.Error())
	case governorID != cfg.Deployment.Governor:
		report.fail("deployment", fmt.Sprintf("dispatcher %q is governed by %q but config names %q",
			cfg.Deployment.Dispatcher, governorID, cfg.Deployment.Governor))
	default:
		report.pass("deployment", fmt.Sprintf("%s under governor %s", cfg.Deployment.Dispatcher, governorID))
	}
}

func runSystemDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result, err := diagnoseDeployment(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Doctor failed to run: %v\n", err)
		return 1
	}

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render report JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

// diagnoseDeployment validates cfg against the built-in module catalog.
func diagnoseDeployment(cfg *config.Config) (*doctor.Result, error) {
	registry, cleanup, err := catalogRegistry(context.Background())
	if err != nil {
		return nil, err
	}
	defer cleanup()

	return doctor.New(cfg, registry).Validate(), nil
}

// catalogRegistry builds the built-in module catalog on a throwaway database.
// Registration creates template instances, and those must not land in the
// gateway's real state.
func catalogRegistry(ctx context.Context) (*module.Registry, func(), error) {
	tmpDir, err := os.MkdirTemp("", "molt-catalog-")
	if err != nil {
		return nil, nil, err
	}

	db, err := storage.OpenSQLite(ctx, filepath.Join(tmpDir, "registry.db"))
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, nil, err
	}
	cleanup := func() {
		_ = db.Close()
		_ = os.RemoveAll(tmpDir)
	}

	registry := module.NewRegistry(state.NewStore(db))
	if err := ledger.Register(ctx, registry); err != nil {
		cleanup()
		return nil, nil, err
	}
	return registry, cleanup, nil
}

func runSystemInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	name := fs.String("name", "", "Dispatcher to inspect (default: deployment.dispatcher)")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	if *name == "" {
		*name = cfg.Deployment.Dispatcher
	}

	// Opening the database would create an empty one; inspecting a gateway
	// that never ran deserves a clearer message.
	if _, err := os.Stat(cfg.Storage.Path); err != nil {
		fmt.Fprintf(os.Stderr, "State database not found at %s (has the gateway ever started?)\n", cfg.Storage.Path)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		return 1
	}
	defer db.Close()

	registry, cleanup, err := catalogRegistry(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build module catalog: %v\n", err)
		return 1
	}
	defer cleanup()

	if *jsonOut {
		out, err := inspect.BuildJSONReport(ctx, db, registry, *name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
			return 1
		}
		fmt.Println(out)
		return 0
	}

	out, err := inspect.BuildReport(ctx, db, registry, *name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Print(out)
	return 0
}

func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Gateway API URL")
	apiKey := fs.String("api-key", os.Getenv("MOLT_API_KEY"), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or MOLT_API_KEY env var.")
		return 1
	}

	m := tui.NewMonitor(*apiURL, *apiKey)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runCallEncode(args []string) int {
	fs := flag.NewFlagSet("encode", flag.ContinueOnError)
	dataHex := fs.String("data", "", "Trailing dynamic bytes as hex")

	flagArgs, positionals := splitLeadingPositionals(args)
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	positionals = append(positionals, fs.Args()...)

	if len(positionals) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: molt call encode <signature> [arg...] [--data HEX]")
		return 1
	}
	signature := positionals[0]
	if !strings.Contains(signature, "(") || !strings.HasSuffix(signature, ")") {
		fmt.Fprintf(os.Stderr, "Invalid signature %q (expected e.g. \"transfer(id,u64)\")\n", signature)
		return 1
	}

	wireArgs := make([]wire.Arg, 0, len(positionals))
	for _, raw := range positionals[1:] {
		arg, err := parseCallArg(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid argument %q: %v\n", raw, err)
			return 1
		}
		wireArgs = append(wireArgs, arg)
	}
	if *dataHex != "" {
		data, err := hex.DecodeString(strings.TrimPrefix(*dataHex, "0x"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid --data hex: %v\n", err)
			return 1
		}
		wireArgs = append(wireArgs, wire.BytesArg(data))
	}

	sel := wire.SelectorFor(signature)
	payload, err := wire.Encode(sel, wireArgs...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Encode error: %v\n", err)
		return 1
	}

	fmt.Printf("Selector: %s\n", sel)
	fmt.Printf("Payload:  %s\n", hex.EncodeToString(payload))
	return 0
}

// parseCallArg types an argument by shape: booleans, 64-hex-char identities,
// then decimal unsigned integers.
func parseCallArg(raw string) (wire.Arg, error) {
	switch raw {
	case "true":
		return wire.BoolArg(true), nil
	case "false":
		return wire.BoolArg(false), nil
	}

	trimmed := strings.TrimPrefix(raw, "0x")
	if len(trimmed) == 64 {
		id, err := ident.Parse(trimmed)
		if err != nil {
			return nil, err
		}
		return wire.IDArg(id), nil
	}

	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("not a boolean, identity, or unsigned integer")
	}
	return wire.U64Arg(v), nil
}

func runCallSend(args []string) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Gateway API URL")
	apiKey := fs.String("api-key", os.Getenv("MOLT_API_KEY"), "API Bearer Token")
	value := fs.Uint64("value", 0, "Value to attach to the call")
	jsonOut := fs.Bool("json", false, "Output the response as JSON")

	flagArgs, positionals := splitLeadingPositionals(args)
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	positionals = append(positionals, fs.Args()...)

	if len(positionals) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: molt call send <payload-hex> [--value N] [--api-url URL] [--api-key KEY]")
		return 1
	}
	payloadHex := strings.TrimPrefix(positionals[0], "0x")
	if _, err := hex.DecodeString(payloadHex); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid payload hex: %v\n", err)
		return 1
	}

	client, ok := newAPIClient(*apiURL, *apiKey)
	if !ok {
		return 1
	}

	var resp api.CallResponse
	if code := client.post("/call", api.CallRequest{Payload: payloadHex, Value: *value}, &resp); code != 0 {
		return code
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("Call: %s\n", resp.CallID)
	fmt.Printf("Path: %s\n", resp.Path)
	if resp.Output != "" {
		fmt.Printf("Output: %s\n", resp.Output)
	}
	return 0
}

func runCallInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Gateway API URL")
	apiKey := fs.String("api-key", os.Getenv("MOLT_API_KEY"), "API Bearer Token")
	jsonOut := fs.Bool("json", false, "Output the record as JSON")

	flagArgs, positionals := splitLeadingPositionals(args)
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	positionals = append(positionals, fs.Args()...)

	if len(positionals) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: molt call inspect <call-id> [--api-url URL] [--api-key KEY] [--json]")
		return 1
	}
	callID := strings.TrimSpace(positionals[0])
	if callID == "" {
		fmt.Fprintln(os.Stderr, "call id is required")
		return 1
	}

	client, ok := newAPIClient(*apiURL, *apiKey)
	if !ok {
		return 1
	}

	var rec dispatch.CallRecord
	if code := client.get("/call/"+callID, &rec); code != 0 {
		return code
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(rec, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("Call: %s\n", rec.ID)
	fmt.Printf("Dispatcher: %s\n", rec.Dispatcher)
	fmt.Printf("Caller: %s\n", rec.Caller)
	if rec.Selector != "" {
		fmt.Printf("Selector: %s\n", rec.Selector)
	}
	fmt.Printf("Path: %s\n", rec.Path)
	fmt.Printf("Status: %s\n", rec.Status)
	if rec.Error != "" {
		fmt.Printf("Error: %s\n", rec.Error)
	}
	fmt.Printf("Duration: %dms\n", rec.DurationMS)
	fmt.Printf("Created: %s\n", rec.CreatedAt)
	return 0
}

func runModuleList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Gateway API URL")
	apiKey := fs.String("api-key", os.Getenv("MOLT_API_KEY"), "API Bearer Token")
	jsonOut := fs.Bool("json", false, "Output the list as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	client, ok := newAPIClient(*apiURL, *apiKey)
	if !ok {
		return 1
	}

	var resp api.ModuleListResponse
	if code := client.get("/modules", &resp); code != 0 {
		return code
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("%-14s %-12s %-12s %-10s %s\n", "LABEL", "REF", "SUPERSEDES", "FIELDS", "SELECTORS")
	for _, m := range resp.Modules {
		supersedes := "-"
		if m.Supersedes != 0 {
			supersedes = fmt.Sprintf("%s@%d", m.Name, m.Supersedes)
		}
		ref := m.Ref
		if len(ref) > 12 {
			ref = ref[:12]
		}
		fmt.Printf("%-14s %-12s %-12s %-10d %d\n", m.Label, ref, supersedes, len(m.Fields), len(m.Selectors))
	}
	return 0
}

// splitLeadingPositionals separates positional arguments that precede the
// first flag, so "molt call send <payload> --value 5" parses.
func splitLeadingPositionals(args []string) (flagArgs, positionals []string) {
	i := 0
	for ; i < len(args); i++ {
		if strings.HasPrefix(args[i], "-") {
			break
		}
		positionals = append(positionals, args[i])
	}
	return args[i:], positionals
}

// --- API CLIENT ---

type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient(apiURL, apiKey string) (*apiClient, bool) {
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or MOLT_API_KEY env var.")
		return nil, false
	}
	return &apiClient{
		baseURL: strings.TrimRight(apiURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, true
}

func (c *apiClient) get(path string, out any) int {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, body, out any) int {
	return c.do(http.MethodPost, path, body, out)
}

// do performs one API request. Non-2xx responses are rendered from the
// gateway's error body and mapped to exit code 1.
func (c *apiClient) do(method, path string, body, out any) int {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Request encode error: %v\n", err)
			return 1
		}
		reqBody = strings.NewReader(string(data))
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request error: %v\n", err)
		return 1
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Gateway unreachable: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Response read error: %v\n", err)
		return 1
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr api.ErrorResponse
		if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error != "" {
			fmt.Fprintf(os.Stderr, "Error: %s\n", apiErr.Error)
			if apiErr.Code != "" {
				fmt.Fprintf(os.Stderr, "Code: %s\n", apiErr.Code)
			}
			if apiErr.Payload != "" {
				fmt.Fprintf(os.Stderr, "Payload: %s\n", apiErr.Payload)
			}
		} else {
			fmt.Fprintf(os.Stderr, "Error: gateway returned %s\n", resp.Status)
		}
		return 1
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fmt.Fprintf(os.Stderr, "Response decode error: %v\n", err)
			return 1
		}
	}
	return 0
}
