package resilience

import (
	"context"
	"errors"
	"log/slog"

	"github.com/trunkline/trunkline/internal/observe"
	"github.com/trunkline/trunkline/pkg/provider/engine"
)

// Option configures the ambient dependencies of an [EngineFailover].
type Option func(*options)

type options struct {
	log     *slog.Logger
	metrics *observe.Metrics
}

func newOptions(opts []Option) options {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// WithLogger sets the logger for breaker transitions and failover decisions.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics sets the metrics sink for dial outcomes.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// EngineFailover presents a group of speech engine gateways as a single
// [engine.Provider]. Dials go to the primary while it is healthy; when it
// fails or its breaker is open, fallback gateways are tried in registration
// order.
//
// Fallback gateways must advertise the same sample rates as the primary:
// Capabilities always reports the primary's.
type EngineFailover struct {
	group   *FallbackGroup[engine.Provider]
	primary engine.Provider
	log     *slog.Logger
	metrics *observe.Metrics
}

var _ engine.Provider = (*EngineFailover)(nil)

// NewEngineFailover puts primary behind its own circuit breaker. Additional
// gateways are registered with [EngineFailover.AddFallback] before use.
func NewEngineFailover(primary engine.Provider, primaryName string, cfg FallbackConfig, opts ...Option) *EngineFailover {
	o := newOptions(opts)
	if cfg.Logger == nil {
		cfg.Logger = o.log
	}
	return &EngineFailover{
		group:   NewFallbackGroup(primary, primaryName, cfg),
		primary: primary,
		log:     o.log,
		metrics: o.metrics,
	}
}

// AddFallback registers another gateway, tried after the primary.
func (f *EngineFailover) AddFallback(name string, p engine.Provider) {
	f.group.AddFallback(name, p)
}

// Connect dials the first gateway whose breaker admits the call. The
// outcome is counted once per call, not once per gateway tried.
func (f *EngineFailover) Connect(ctx context.Context, cfg engine.SessionConfig) (engine.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	handle, err := ExecuteWithResult(f.group, func(p engine.Provider) (engine.SessionHandle, error) {
		return p.Connect(ctx, cfg)
	})
	switch {
	case err == nil:
		f.metrics.RecordEngineConnect(ctx, "ok")
		return handle, nil
	case errors.Is(err, ErrCircuitOpen):
		f.metrics.RecordEngineConnect(ctx, "breaker_open")
		return nil, err
	default:
		f.metrics.RecordEngineConnect(ctx, "error")
		return nil, err
	}
}

// Capabilities reports the primary gateway's capabilities.
func (f *EngineFailover) Capabilities() engine.Capabilities {
	return f.primary.Capabilities()
}

// Healthy reports whether at least one gateway's breaker admits dials.
// Used by readiness checks.
func (f *EngineFailover) Healthy() bool {
	for _, s := range f.group.States() {
		if s != StateOpen {
			return true
		}
	}
	return false
}

// States exposes the per-gateway breaker states keyed by gateway name.
func (f *EngineFailover) States() map[string]State {
	return f.group.States()
}
