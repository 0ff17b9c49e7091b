// Package app wires the trunkline subsystems into a running relay server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves media and ops traffic until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via the Providers struct and
// functional options (WithStore, WithLogLevelVar). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/trunkline/trunkline/internal/config"
	"github.com/trunkline/trunkline/internal/health"
	"github.com/trunkline/trunkline/internal/observe"
	"github.com/trunkline/trunkline/internal/relay"
	"github.com/trunkline/trunkline/internal/resilience"
	"github.com/trunkline/trunkline/internal/store"
	"github.com/trunkline/trunkline/internal/store/postgres"
	"github.com/trunkline/trunkline/pkg/provider/engine"
	"github.com/trunkline/trunkline/pkg/provider/telephony"
	"github.com/trunkline/trunkline/pkg/provider/vad"
	"github.com/trunkline/trunkline/pkg/provider/vad/energy"
)

// listenerGrace bounds how long Run waits for the HTTP listeners to drain
// after the context is cancelled.
const listenerGrace = 5 * time.Second

// Providers holds the provider implementations the relay runs on. Populated
// by main.go via the config registry; tests slot mocks in directly.
type Providers struct {
	// Telephony is the media stream source. Required. When the value also
	// implements [http.Handler] (the Twilio server does), Run mounts it on
	// the media listener at /media.
	Telephony telephony.Server

	// Engine is the speech engine gateway. Required. New wraps it in a
	// circuit breaker before handing it to the coordinator.
	Engine engine.Provider

	// VAD is the speech detector. Nil means the built-in energy detector.
	VAD vad.Engine
}

// App owns all subsystem lifetimes and serves the relay.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	recorder store.Store
	engine   *resilience.EngineFailover
	vads     vad.Engine
	coord    *relay.Coordinator
	checks   *health.Handler
	level    *slog.LevelVar

	// closers run in reverse registration order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a call store instead of creating one from config. The
// caller keeps ownership: Shutdown does not close injected stores.
func WithStore(s store.Store) Option {
	return func(a *App) { a.recorder = s }
}

// WithLogLevelVar hands the app the level var behind the process logger so
// config reloads can change the log level at runtime.
func WithLogLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles.
//
// New performs all initialisation synchronously: call store connection,
// breaker wrap around the engine provider, coordinator assembly, and health
// check registration. Listeners are not bound until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Telephony == nil {
		return nil, errors.New("app: telephony server is required")
	}
	if providers.Engine == nil {
		return nil, errors.New("app: engine provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Call store ────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Engine dial protection ────────────────────────────────────────
	a.initEngine()

	// ── 3. Speech detector ───────────────────────────────────────────────
	a.vads = providers.VAD
	if a.vads == nil {
		a.vads = energy.New()
	}

	// ── 4. Coordinator ───────────────────────────────────────────────────
	a.coord = relay.NewCoordinator(
		providers.Telephony, a.engine, a.vads, a.recorder,
		coordinatorConfig(cfg),
	)

	// ── 5. Health checks ─────────────────────────────────────────────────
	a.checks = health.New(
		health.StoreChecker(a.recorder),
		health.EngineChecker(a.engine),
	)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects the PostgreSQL call store, or falls back to the
// in-memory store when no DSN is configured.
func (a *App) initStore(ctx context.Context) error {
	if a.recorder != nil {
		return nil // injected
	}

	if dsn := a.cfg.Store.PostgresDSN; dsn != "" {
		st, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.recorder = st
		a.closers = append(a.closers, st.Close)
		slog.Info("call store ready", "backend", "postgres")
		return nil
	}

	a.recorder = store.NewMemStore()
	slog.Info("call store ready", "backend", "memory")
	return nil
}

// initEngine wraps the engine provider in a circuit breaker so repeated
// dial failures fail new calls fast instead of stalling each caller.
func (a *App) initEngine() {
	bc := a.cfg.Engine.Breaker
	a.engine = resilience.NewEngineFailover(
		a.providers.Engine, a.cfg.Engine.Provider,
		resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				MaxFailures:  bc.MaxFailures,
				ResetTimeout: bc.ResetTimeout(),
				HalfOpenMax:  bc.HalfOpenMax,
			},
		},
	)
}

// coordinatorConfig maps the file-level config onto the coordinator's
// per-call settings.
func coordinatorConfig(cfg *config.Config) relay.CoordinatorConfig {
	return relay.CoordinatorConfig{
		FrameDuration: cfg.Telephony.FrameDuration(),
		Session: relay.SessionConfig{
			MaxDuration: cfg.Session.MaxDuration(),
			IdleSilence: cfg.Session.IdleSilence(),
		},
		VAD: vad.Config{
			SpeechThreshold: cfg.VAD.SpeechThreshold,
			DebounceFrames:  cfg.VAD.DebounceFrames,
			HangoverFrames:  cfg.VAD.HangoverFrames,
		},
		Engine: engine.SessionConfig{
			SystemPrompt:     cfg.Engine.SystemPrompt,
			Voice:            cfg.Engine.Voice,
			InputSampleRate:  cfg.Engine.InputSampleRate,
			OutputSampleRate: cfg.Engine.OutputSampleRate,
		},
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run binds the media and ops listeners, starts the coordinator, and blocks
// until ctx is cancelled or a listener fails. On cancellation the listeners
// are drained, the telephony server is closed so live streams end, and Run
// returns once every in-flight session has finished.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// ── Media listener ───────────────────────────────────────────────────
	// Only bound when the telephony server speaks HTTP; mock servers used
	// in tests feed streams directly.
	var mediaSrv *http.Server
	if h, ok := a.providers.Telephony.(http.Handler); ok {
		mux := http.NewServeMux()
		mux.Handle("/media", h)
		mediaSrv = &http.Server{
			Addr:              a.cfg.Server.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			return serveListener(mediaSrv, a.cfg.Server.TLS)
		})
		slog.Info("media listener bound",
			"addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)
	}

	// ── Ops listener ─────────────────────────────────────────────────────
	opsSrv := &http.Server{
		Addr:              a.cfg.Server.OpsAddr,
		Handler:           a.OpsHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		return serveListener(opsSrv, nil)
	})
	slog.Info("ops listener bound", "addr", a.cfg.Server.OpsAddr)

	// ── Coordinator ──────────────────────────────────────────────────────
	g.Go(func() error {
		return a.coord.Run(ctx)
	})

	// ── Teardown on cancellation ─────────────────────────────────────────
	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), listenerGrace)
		defer cancel()
		if mediaSrv != nil {
			_ = mediaSrv.Shutdown(drainCtx)
		}
		if err := a.providers.Telephony.Close(); err != nil {
			slog.Warn("telephony close error", "err", err)
		}
		_ = opsSrv.Shutdown(drainCtx)
		return nil
	})

	return g.Wait()
}

// serveListener runs srv until it is shut down. [http.ErrServerClosed] is
// the clean-exit signal, not a failure.
func serveListener(srv *http.Server, tls *config.TLSConfig) error {
	var err error
	if tls != nil {
		err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// OpsHandler returns the handler behind the ops listener: /healthz, /readyz,
// and /metrics, wrapped in the tracing and metrics middleware. Exposed so
// tests can drive the ops surface without binding a port.
func (a *App) OpsHandler() http.Handler {
	mux := http.NewServeMux()
	a.checks.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(observe.DefaultMetrics())(mux)
}

// ActiveSessions reports the number of live relay sessions.
func (a *App) ActiveSessions() int {
	return a.coord.ActiveSessions()
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig reacts to a config file change. The log level changes live;
// engine voice, system prompt, sample-rate overrides, VAD tuning, and
// session limits are stamped onto calls accepted from now on. Structural
// changes (listen addresses, providers, endpoints, store) only log a
// warning: they need a restart.
//
// ApplyConfig matches the watcher callback signature; wire it via
// [config.NewWatcher].
func (a *App) ApplyConfig(oldCfg, newCfg *config.Config) {
	d := config.Diff(oldCfg, newCfg)

	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(d.NewLogLevel.Level())
		}
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.EngineChanged || d.VADChanged || d.SessionChanged {
		a.coord.UpdateConfig(coordinatorConfig(newCfg))
		slog.Info("call settings updated, applies to new calls",
			"engine", d.EngineChanged, "vad", d.VADChanged, "session", d.SessionChanged)
	}

	if d.RestartRequired {
		slog.Warn("config change affects structural settings, restart to apply")
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse registration order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
