package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trunkline/trunkline/internal/observe"
	"github.com/trunkline/trunkline/internal/store"
	"github.com/trunkline/trunkline/pkg/audio"
	"github.com/trunkline/trunkline/pkg/provider/engine"
	"github.com/trunkline/trunkline/pkg/provider/telephony"
	"github.com/trunkline/trunkline/pkg/provider/vad"
)

// endCallTimeout bounds the final call-record write after a session has
// already torn down its media legs.
const endCallTimeout = 5 * time.Second

// CoordinatorConfig holds the per-call settings the coordinator stamps
// onto every session it launches.
type CoordinatorConfig struct {
	// FrameDuration is the telephony frame cadence. Defaults to
	// [audio.DefaultFrameDuration].
	FrameDuration time.Duration

	// Session holds the per-session duration and idle limits.
	Session SessionConfig

	// VAD holds the speech-detection tuning. SampleRate and FrameSizeMs
	// are derived from the engine capabilities and FrameDuration, so
	// only the threshold and debounce fields need to be set.
	VAD vad.Config

	// Engine is the template configuration for engine sessions. Zero
	// sample rates are filled in from the provider's capabilities;
	// non-zero values override them.
	Engine engine.SessionConfig
}

// Coordinator accepts media streams from a telephony server and runs one
// relay session per live call. It owns the call registry: a call ID maps
// to at most one active session, and a second stream carrying an already
// live call ID is rejected.
type Coordinator struct {
	server   telephony.Server
	provider engine.Provider
	vads     vad.Engine
	recorder store.Store
	cfg      CoordinatorConfig
	log      *slog.Logger
	metrics  *observe.Metrics

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

// NewCoordinator wires a coordinator from its providers. The server is
// only read from; starting and stopping it belongs to the caller.
func NewCoordinator(server telephony.Server, provider engine.Provider, detector vad.Engine,
	recorder store.Store, cfg CoordinatorConfig, opts ...Option) *Coordinator {

	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = audio.DefaultFrameDuration
	}
	o := newOptions(opts)
	return &Coordinator{
		server:   server,
		provider: provider,
		vads:     detector,
		recorder: recorder,
		cfg:      cfg,
		log:      o.log,
		metrics:  o.metrics,
		active:   make(map[string]struct{}),
	}
}

// Run accepts media streams until ctx is canceled or the server's stream
// channel closes, then waits for all in-flight sessions to finish.
// Sessions observe the same ctx, so cancellation drains them rather than
// abandoning them.
func (c *Coordinator) Run(ctx context.Context) error {
	cfg := c.snapshot()
	c.log.Info("relay: coordinator accepting streams",
		"frame_duration", cfg.FrameDuration,
		"max_duration", cfg.Session.withDefaults().MaxDuration)
	defer c.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ms, ok := <-c.server.Streams():
			if !ok {
				return nil
			}
			c.launch(ctx, ms)
		}
	}
}

// ActiveSessions reports the number of live relay sessions.
func (c *Coordinator) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// UpdateConfig swaps the per-call tunables applied to sessions launched
// from now on. Live sessions keep the settings they started with. The
// frame duration is structural (the telephony server paces on it), so it
// keeps its original value.
func (c *Coordinator) UpdateConfig(cfg CoordinatorConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg.FrameDuration = c.cfg.FrameDuration
	c.cfg = cfg
}

func (c *Coordinator) snapshot() CoordinatorConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// launch claims the call ID and starts the session goroutine. Streams
// for call IDs that already have a live session are closed immediately.
func (c *Coordinator) launch(ctx context.Context, ms telephony.MediaStream) {
	info := ms.Info()

	c.mu.Lock()
	if _, live := c.active[info.CallID]; live {
		c.mu.Unlock()
		c.log.Warn("relay: duplicate stream for live call, rejecting",
			"call_id", info.CallID, "stream_id", info.StreamID)
		_ = ms.Close()
		return
	}
	c.active[info.CallID] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.active, info.CallID)
			c.mu.Unlock()
		}()
		c.runSession(ctx, ms)
	}()
}

// runSession assembles the per-call pipeline and runs it to completion,
// recording the call in the store either way.
func (c *Coordinator) runSession(ctx context.Context, ms telephony.MediaStream) {
	info := ms.Info()
	log := c.log.With("call_id", info.CallID)
	cfg := c.snapshot()

	caps := c.provider.Capabilities()
	inRate, outRate := caps.InputSampleRate, caps.OutputSampleRate
	if cfg.Engine.InputSampleRate > 0 {
		inRate = cfg.Engine.InputSampleRate
	}
	if cfg.Engine.OutputSampleRate > 0 {
		outRate = cfg.Engine.OutputSampleRate
	}

	codec, err := audio.NewTranscoder(
		info.Format,
		audio.EncodingInfo{Encoding: audio.EncodingPCM16, SampleRate: inRate},
		audio.EncodingInfo{Encoding: audio.EncodingPCM16, SampleRate: outRate},
		cfg.FrameDuration,
	)
	if err != nil {
		log.Error("relay: unsupported media format", "format", info.Format, "err", err)
		_ = ms.Close()
		return
	}

	if err := c.recorder.StartCall(ctx, store.CallRecord{
		CallID:   info.CallID,
		StreamID: info.StreamID,
		From:     info.From,
		To:       info.To,
	}); err != nil {
		log.Warn("relay: start-call record failed", "err", err)
	}

	vadCfg := cfg.VAD
	vadCfg.SampleRate = inRate
	vadCfg.FrameSizeMs = int(cfg.FrameDuration / time.Millisecond)
	detector, err := c.vads.NewSession(vadCfg)
	if err != nil {
		log.Error("relay: vad session failed", "err", err)
		_ = ms.Close()
		c.endCall(info.CallID, store.StatusFailed, "vad_error", store.Stats{})
		return
	}

	engCfg := cfg.Engine
	engCfg.InputSampleRate = inRate
	engCfg.OutputSampleRate = outRate
	eng, err := c.provider.Connect(ctx, engCfg)
	if err != nil {
		log.Error("relay: engine connect failed", "err", err)
		_ = detector.Close()
		_ = ms.Close()
		c.endCall(info.CallID, store.StatusFailed, string(ReasonEngineError), store.Stats{})
		return
	}

	sess := NewSession(ms, eng, detector, codec, c.recorder, cfg.Session,
		WithLogger(c.log), WithMetrics(c.metrics))
	reason, runErr := sess.Run(ctx)

	status := store.StatusCompleted
	if runErr != nil {
		status = store.StatusFailed
	}
	c.endCall(info.CallID, status, string(reason), sess.Stats())
}

// endCall finalizes the call record on its own timeout so a slow store
// cannot hold the coordinator's session slot open.
func (c *Coordinator) endCall(callID string, status store.CallStatus, reason string, stats store.Stats) {
	ctx, cancel := context.WithTimeout(context.Background(), endCallTimeout)
	defer cancel()
	if err := c.recorder.EndCall(ctx, callID, status, reason, stats); err != nil {
		c.log.Warn("relay: end-call record failed", "call_id", callID, "err", err)
	}
}
