// Command trunkline is the call audio relay server: it bridges telephony
// media streams to a realtime speech engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trunkline/trunkline/internal/app"
	"github.com/trunkline/trunkline/internal/config"
	"github.com/trunkline/trunkline/internal/observe"
	"github.com/trunkline/trunkline/pkg/provider/engine"
	"github.com/trunkline/trunkline/pkg/provider/engine/nova"
	"github.com/trunkline/trunkline/pkg/provider/telephony"
	"github.com/trunkline/trunkline/pkg/provider/telephony/twilio"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", false, "reload hot config settings when the file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "trunkline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "trunkline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so config reloads can adjust it at
	// runtime without rebuilding the handler.
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("trunkline starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"ops_addr", cfg.Server.OpsAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "trunkline",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload (optional) ──────────────────────────────────────────
	if *watch {
		watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer watcher.Stop()
			slog.Info("watching config file", "path", *configPath)
		}
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with
// trunkline into reg. Each factory receives its config section and
// constructs the provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Engine ────────────────────────────────────────────────────────────────

	reg.RegisterEngine("nova", func(ec config.EngineConfig) (engine.Provider, error) {
		var opts []nova.Option
		if ec.Model != "" {
			opts = append(opts, nova.WithModel(ec.Model))
		}
		if ec.Voice != "" {
			opts = append(opts, nova.WithVoice(ec.Voice))
		}
		if ec.DialAttempts > 0 {
			opts = append(opts, nova.WithDialAttempts(ec.DialAttempts))
		}
		return nova.New(ec.APIKey, ec.URL, opts...), nil
	})

	// ── Telephony ─────────────────────────────────────────────────────────────

	reg.RegisterTelephony("twilio", func(tc config.TelephonyConfig) (telephony.Server, error) {
		return twilio.NewServer(twilio.WithFrameDuration(tc.FrameDuration())), nil
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. Unlike optional subsystems, both the engine and the telephony
// server are required: failing to build either is fatal.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	eng, err := reg.CreateEngine(cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("create engine provider %q: %w", cfg.Engine.Provider, err)
	}
	ps.Engine = eng
	slog.Info("provider created", "kind", "engine", "name", cfg.Engine.Provider)

	tel, err := reg.CreateTelephony(cfg.Telephony)
	if err != nil {
		return nil, fmt.Errorf("create telephony server %q: %w", cfg.Telephony.Provider, err)
	}
	ps.Telephony = tel
	slog.Info("provider created", "kind", "telephony", "name", cfg.Telephony.Provider)

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	storeBackend := "memory"
	if cfg.Store.PostgresDSN != "" {
		storeBackend = "postgres"
	}
	tlsState := "(disabled)"
	if cfg.Server.TLS != nil {
		tlsState = "enabled"
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        trunkline — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Engine", joinNonEmpty(cfg.Engine.Provider, cfg.Engine.Model))
	printRow("Voice", cfg.Engine.Voice)
	printRow("Telephony", cfg.Telephony.Provider)
	printRow("Call store", storeBackend)
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Ops addr", cfg.Server.OpsAddr)
	printRow("TLS", tlsState)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

func joinNonEmpty(name, model string) string {
	if name == "" {
		return ""
	}
	if model == "" {
		return name
	}
	return name + " / " + model
}
