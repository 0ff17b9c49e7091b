// Package relay implements the real-time call relay core: the bidirectional
// audio pipeline between a telephony media stream and a speech engine
// session, with barge-in.
//
// Each call runs one [Session] owning four concerns, wired together by
// [Session.Run]:
//
//   - the inbound path (inbound.go): caller frames → VAD → transcoder →
//     engine, with a bounded slack buffer that sheds the oldest frame
//     under backpressure;
//   - the outbound path (outbound.go): engine audio → transcoder →
//     telephony, on a fixed frame cadence with silence fill, obeying the
//     turn state and the flush generation;
//   - the turn [Arbiter] (turn.go): the single-writer state machine that
//     decides whose audio flows and triggers flushes on barge-in;
//   - session supervision (this file): max-duration and idle-silence
//     limits, engine event handling, stats, teardown.
//
// The [Coordinator] (coordinator.go) runs one Session per accepted media
// stream and enforces at-most-one live session per call.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trunkline/trunkline/internal/observe"
	"github.com/trunkline/trunkline/internal/store"
	"github.com/trunkline/trunkline/pkg/audio"
	"github.com/trunkline/trunkline/pkg/provider/engine"
	"github.com/trunkline/trunkline/pkg/provider/telephony"
	"github.com/trunkline/trunkline/pkg/provider/vad"
)

// EndReason says why a session terminated.
type EndReason string

const (
	// ReasonHangup: the telephony leg closed — the caller hung up.
	ReasonHangup EndReason = "hangup"

	// ReasonMaxDuration: the hard session duration cap elapsed.
	ReasonMaxDuration EndReason = "max_duration"

	// ReasonIdleTimeout: no speech activity from either side for the
	// extended idle window.
	ReasonIdleTimeout EndReason = "idle_timeout"

	// ReasonEngineClosed: the engine ended the session cleanly.
	ReasonEngineClosed EndReason = "engine_closed"

	// ReasonEngineError: the engine session failed.
	ReasonEngineError EndReason = "engine_error"

	// ReasonShutdown: the application is shutting down.
	ReasonShutdown EndReason = "shutdown"
)

// TimeoutExceeded reports that a session cap ended the call: the hard
// maximum duration or the extended idle-silence window. It is an orderly
// termination, not a fault — [Session.Run] maps it to its [EndReason] and
// returns a nil error.
type TimeoutExceeded struct {
	Reason EndReason
	Limit  time.Duration
}

func (e *TimeoutExceeded) Error() string {
	return fmt.Sprintf("relay: session exceeded %s limit of %s", e.Reason, e.Limit)
}

// Internal sentinels distinguishing orderly loop exits inside Run's
// errgroup.
var (
	errHangup       = errors.New("relay: caller hung up")
	errEngineClosed = errors.New("relay: engine closed the session")
)

const (
	// DefaultMaxDuration is the hard cap on session length.
	DefaultMaxDuration = 600 * time.Second

	// DefaultIdleSilence is the no-activity window that releases a stuck
	// caller turn.
	DefaultIdleSilence = 700 * time.Millisecond

	// DefaultStatsInterval is how often a session logs its counters.
	DefaultStatsInterval = 10 * time.Second

	// idleTerminationFactor scales DefaultIdleSilence (or its configured
	// override) up to the idle window that terminates the session.
	idleTerminationFactor = 5
)

// SessionConfig carries the per-session tunables. Zero values select the
// package defaults.
type SessionConfig struct {
	// MaxDuration is the hard cutoff on session length.
	MaxDuration time.Duration

	// IdleSilence is the no-activity window after which the caller's turn
	// is released. Five consecutive windows with no activity at all
	// terminate the session.
	IdleSilence time.Duration

	// StatsInterval is the cadence of the periodic stats log line.
	StatsInterval time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.IdleSilence <= 0 {
		c.IdleSilence = DefaultIdleSilence
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = DefaultStatsInterval
	}
	return c
}

// Option configures the ambient dependencies of a [Session] or
// [Coordinator].
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

// WithLogger sets the base logger. Sessions derive a logger carrying the
// call ID from it. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Session is the relay for one call: it owns the media stream, the engine
// session, and the VAD session for the call's lifetime, and runs the
// relay loops between them. Create one with [NewSession], drive it with
// [Session.Run], which blocks until the call ends.
type Session struct {
	id       string
	stream   telephony.MediaStream
	engine   engine.SessionHandle
	detector vad.SessionHandle
	codec    *audio.Transcoder
	recorder store.Store
	cfg      SessionConfig
	arb      *Arbiter
	log      *slog.Logger
	metrics  *observe.Metrics

	// engineCh is the inbound slack buffer between the telephony reader
	// and the engine writer. Capacity 2: beyond two frames of slack, the
	// oldest frame is shed.
	engineCh chan []byte

	// outQueue stages decoded agent frames for the cadence sender, each
	// stamped with the flush generation current at enqueue time.
	outQueue chan outFrame

	framesIn     atomic.Uint64
	framesOut    atomic.Uint64
	inboundDrops atomic.Uint64
	codecErrors  atomic.Uint64
	bargeIns     atomic.Uint64

	lastActivity atomic.Int64 // unix nanos of the last speech activity
	genStarted   atomic.Int64 // unix nanos of the pending generation start, 0 if none
	flushStarted atomic.Int64 // unix nanos of the pending flush, 0 if none

	started time.Time
}

// NewSession wires a relay session over an accepted media stream, an open
// engine session, and a fresh VAD session. The caller retains no
// responsibility for the three handles: Run closes all of them on return.
func NewSession(stream telephony.MediaStream, eng engine.SessionHandle, detector vad.SessionHandle,
	codec *audio.Transcoder, recorder store.Store, cfg SessionConfig, opts ...Option) *Session {

	o := newOptions(opts)
	s := &Session{
		id:       stream.Info().CallID,
		stream:   stream,
		engine:   eng,
		detector: detector,
		codec:    codec,
		recorder: recorder,
		cfg:      cfg.withDefaults(),
		log:      o.log,
		metrics:  o.metrics,
		engineCh: make(chan []byte, inboundSlackFrames),
		outQueue: make(chan outFrame, outQueueDepth),
	}
	s.log = s.log.With("call_id", s.id)
	s.arb = NewArbiter(
		OnFlush(s.flushOutbound),
		OnAgentMaySpeak(s.turnReleased),
	)
	return s
}

// Run relays audio between the two legs until the call ends. It returns
// the reason the session ended, and an error only for faults: engine
// failures and unexpected transport errors. Hangups, timeouts, and
// shutdown return a nil error.
//
// Run blocks for the whole call and must be called exactly once.
func (s *Session) Run(ctx context.Context) (EndReason, error) {
	s.started = time.Now()
	s.touchActivity()
	s.metrics.ActiveSessions.Add(ctx, 1)
	s.log.Info("relay: session started",
		"stream_id", s.stream.Info().StreamID,
		"max_duration", s.cfg.MaxDuration,
		"idle_silence", s.cfg.IdleSilence)

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.relayInbound(gctx) })
	eg.Go(func() error { return s.writeEngine(gctx) })
	eg.Go(func() error { return s.enqueueOutbound(gctx) })
	eg.Go(func() error { return s.sendOutbound(gctx) })
	eg.Go(func() error { return s.watchEvents(gctx) })
	eg.Go(func() error { return s.superviseTimers(gctx) })

	reason, runErr := classify(ctx, eg.Wait())
	s.teardown(reason, runErr)
	return reason, runErr
}

// classify maps the first loop error (or parent cancellation) to the
// session's end reason. Faults keep their error; orderly ends drop it.
func classify(ctx context.Context, err error) (EndReason, error) {
	var timeout *TimeoutExceeded
	switch {
	case errors.Is(err, errHangup):
		return ReasonHangup, nil
	case errors.As(err, &timeout):
		return timeout.Reason, nil
	case errors.Is(err, errEngineClosed):
		return ReasonEngineClosed, nil
	case err == nil:
		// All loops exited without error, which only happens when the
		// parent context was canceled.
		if ctx.Err() != nil {
			return ReasonShutdown, nil
		}
		return ReasonHangup, nil
	default:
		return ReasonEngineError, err
	}
}

// teardown closes all handles, stops the arbiter, and emits the final
// stats summary. Partial audio still in flight is discarded with the
// handles rather than replayed.
func (s *Session) teardown(reason EndReason, runErr error) {
	// Stop the arbiter first so no further flush callbacks fire into
	// closing handles.
	s.arb.End()
	_ = s.stream.Close()
	_ = s.engine.Close()
	_ = s.detector.Close()

	duration := time.Since(s.started)
	s.metrics.SessionDuration.Record(context.Background(), duration.Seconds())
	s.metrics.ActiveSessions.Add(context.Background(), -1)

	stats := s.Stats()
	attrs := []any{
		"reason", string(reason),
		"duration", duration.Round(time.Millisecond),
		"frames_in", stats.FramesIn,
		"frames_out", stats.FramesOut,
		"inbound_drops", stats.InboundDrops,
		"codec_errors", stats.CodecErrors,
		"barge_ins", stats.BargeIns,
	}
	if runErr != nil {
		s.log.Error("relay: session failed", append(attrs, "err", runErr)...)
		return
	}
	s.log.Info("relay: session ended", attrs...)
}

// Stats returns a snapshot of the session's relay counters.
func (s *Session) Stats() store.Stats {
	return store.Stats{
		FramesIn:     s.framesIn.Load(),
		FramesOut:    s.framesOut.Load(),
		InboundDrops: s.inboundDrops.Load(),
		CodecErrors:  s.codecErrors.Load(),
		BargeIns:     s.bargeIns.Load(),
	}
}

// State returns the session's current turn state.
func (s *Session) State() TurnState { return s.arb.State() }

// flushOutbound is the arbiter's flush callback. The generation counter
// has already advanced, which invalidates every queued frame; what remains
// is cutting off the far ends: tell the engine to stop synthesizing and
// the telephony leg to drop its unplayed playout buffer.
func (s *Session) flushOutbound(gen uint64, cause FlushCause) {
	s.flushStarted.Store(time.Now().UnixNano())
	if cause == FlushBargeIn {
		s.bargeIns.Add(1)
		s.metrics.BargeIns.Add(context.Background(), 1)
	}
	if err := s.engine.CancelGeneration(); err != nil {
		s.log.Debug("relay: cancel generation", "err", err)
	}
	if err := s.stream.Clear(); err != nil && !errors.Is(err, telephony.ErrChannelClosed) {
		s.log.Debug("relay: clear playout buffer", "err", err)
	}
	s.log.Info("relay: outbound flushed", "generation", gen, "cause", cause.String())
}

// turnReleased is the arbiter's agent-may-speak callback. The engine
// detects turn boundaries from the continuous audio it receives, so there
// is nothing to signal it; the transition itself re-opens the outbound
// path.
func (s *Session) turnReleased() {
	s.log.Debug("relay: caller turn released")
}

// touchActivity records speech activity for the idle-silence supervisor.
func (s *Session) touchActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// superviseTimers enforces the session caps and logs periodic stats. It
// returns a [*TimeoutExceeded] when a cap fires.
func (s *Session) superviseTimers(ctx context.Context) error {
	maxTimer := time.NewTimer(s.cfg.MaxDuration)
	defer maxTimer.Stop()

	// Check idle at a quarter of the window so releases fire promptly
	// after the threshold.
	idleTick := time.NewTicker(s.cfg.IdleSilence / 4)
	defer idleTick.Stop()

	statsTick := time.NewTicker(s.cfg.StatsInterval)
	defer statsTick.Stop()

	idleCutoff := s.cfg.IdleSilence * idleTerminationFactor
	var releasedFor int64 // lastActivity value already released for

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-maxTimer.C:
			return &TimeoutExceeded{Reason: ReasonMaxDuration, Limit: s.cfg.MaxDuration}

		case now := <-idleTick.C:
			last := s.lastActivity.Load()
			idle := time.Duration(now.UnixNano() - last)
			if idle >= idleCutoff {
				return &TimeoutExceeded{Reason: ReasonIdleTimeout, Limit: idleCutoff}
			}
			if idle >= s.cfg.IdleSilence && releasedFor != last {
				releasedFor = last
				s.arb.IdleRelease()
			}

		case <-statsTick.C:
			stats := s.Stats()
			s.log.Info("relay: session stats",
				"state", s.arb.State().String(),
				"frames_in", stats.FramesIn,
				"frames_out", stats.FramesOut,
				"inbound_drops", stats.InboundDrops,
				"codec_errors", stats.CodecErrors,
				"barge_ins", stats.BargeIns)
		}
	}
}

// watchEvents consumes the engine's event stream: it timestamps
// generation starts for latency measurement and persists transcripts. The
// stream closing is the engine-side termination signal.
func (s *Session) watchEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-s.engine.Events():
			if !ok {
				if err := s.engine.Err(); err != nil {
					return fmt.Errorf("relay: engine session: %w", err)
				}
				return errEngineClosed
			}
			switch ev.Type {
			case engine.EventGenerationStarted:
				s.genStarted.Store(time.Now().UnixNano())
				s.log.Debug("relay: generation started", "generation_id", ev.GenerationID)
			case engine.EventGenerationDone:
				s.genStarted.Store(0)
				s.log.Debug("relay: generation done",
					"generation_id", ev.GenerationID, "stop_reason", ev.StopReason)
			case engine.EventTranscript:
				entry := store.TranscriptEntry{Role: ev.Role, Text: ev.Text, At: time.Now()}
				if err := s.recorder.AppendTranscript(ctx, s.id, entry); err != nil {
					s.log.Warn("relay: transcript append failed", "err", err)
				}
			}
		}
	}
}
