package relay

import (
	"sync"
	"sync/atomic"
)

// TurnState identifies which party currently holds the conversational
// floor. It is the single source of truth for whose audio is allowed to
// flow outward: the outbound path forwards agent frames only while the
// state is not [TurnCallerSpeaking].
//
// The state is owned exclusively by an [Arbiter]; other components read it
// via [Arbiter.State] and influence it only by posting events.
type TurnState int32

const (
	// TurnIdle means neither party is speaking. The initial state.
	TurnIdle TurnState = iota

	// TurnAgentSpeaking means agent playback is in progress.
	TurnAgentSpeaking

	// TurnCallerSpeaking means the caller holds the floor. Outbound agent
	// audio is suppressed.
	TurnCallerSpeaking

	// TurnEnded is the terminal state, entered on session teardown.
	TurnEnded
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "IDLE"
	case TurnAgentSpeaking:
		return "AGENT_SPEAKING"
	case TurnCallerSpeaking:
		return "CALLER_SPEAKING"
	case TurnEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// FlushCause says what triggered an outbound flush.
type FlushCause int

const (
	// FlushBargeIn means the caller began speaking over active agent
	// playback.
	FlushBargeIn FlushCause = iota

	// FlushFloorRefused means the engine tried to start playback while the
	// caller already held the floor. Caller speech wins the tie.
	FlushFloorRefused
)

func (c FlushCause) String() string {
	switch c {
	case FlushBargeIn:
		return "barge_in"
	case FlushFloorRefused:
		return "floor_refused"
	default:
		return "unknown"
	}
}

// turnEvent is one input to the arbiter's state machine.
type turnEvent int

const (
	evSpeechStart     turnEvent = iota // VAD: caller speech began
	evSpeechEnd                        // VAD: caller speech ended
	evPlaybackStarted                  // outbound path began sending agent audio
	evPlaybackStopped                  // outbound path went quiet
	evIdleRelease                      // idle-silence window elapsed
	evEnd                              // session teardown
)

// mailboxDepth bounds the arbiter's event queue. Turn events are rare
// relative to the frame cadence, so a small buffer absorbs any burst.
const mailboxDepth = 16

// ArbiterOption configures an [Arbiter] during construction.
type ArbiterOption func(*Arbiter)

// OnFlush registers fn to run whenever the arbiter flushes the outbound
// path: on barge-in, and when playback is refused because the caller holds
// the floor. fn receives the new flush generation and the cause.
//
// The handler runs on the arbiter's goroutine, after the generation
// counter has advanced and before the triggering transition completes. It
// must not block and must not call [Arbiter.End].
func OnFlush(fn func(generation uint64, cause FlushCause)) ArbiterOption {
	return func(a *Arbiter) { a.onFlush = fn }
}

// OnAgentMaySpeak registers fn to run when the caller's turn is released
// and the agent is free to respond: on caller speech end, and on an idle
// release while the caller held the floor.
//
// Same execution contract as [OnFlush].
func OnAgentMaySpeak(fn func()) ArbiterOption {
	return func(a *Arbiter) { a.onAgentMaySpeak = fn }
}

// Arbiter is the turn/barge-in state machine for one session. All
// transitions are funneled through a single goroutine reading an event
// mailbox, so no locks are involved: events posted concurrently by the
// inbound and outbound paths are serialized in arrival order, which is
// also what settles the barge-in tie — if caller speech and an agent
// playback start land together, whichever is applied first decides, and
// both orders end with the caller holding the floor.
//
// The flush generation counter is the cancellation mechanism for in-flight
// audio: every flush increments it, and the outbound path discards any
// frame stamped with an older generation.
type Arbiter struct {
	onFlush         func(uint64, FlushCause)
	onAgentMaySpeak func()

	mailbox chan turnEvent
	state   atomic.Int32  // TurnState, written only by the run goroutine
	gen     atomic.Uint64 // flush generation, written only by the run goroutine

	done    chan struct{} // closed when the run goroutine exits
	endOnce sync.Once
}

// NewArbiter creates an arbiter in [TurnIdle] and starts its event
// goroutine. Call [Arbiter.End] to stop it.
func NewArbiter(opts ...ArbiterOption) *Arbiter {
	a := &Arbiter{
		mailbox: make(chan turnEvent, mailboxDepth),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.run()
	return a
}

// State returns the current turn state.
func (a *Arbiter) State() TurnState {
	return TurnState(a.state.Load())
}

// Generation returns the current flush generation. Frames stamped with an
// older generation are stale and must be discarded.
func (a *Arbiter) Generation() uint64 {
	return a.gen.Load()
}

// CallerSpeechStart reports that the VAD detected sustained caller speech.
func (a *Arbiter) CallerSpeechStart() { a.post(evSpeechStart) }

// CallerSpeechEnd reports that caller speech ended (hangover elapsed).
func (a *Arbiter) CallerSpeechEnd() { a.post(evSpeechEnd) }

// PlaybackStarted reports that the outbound path began sending agent
// audio.
func (a *Arbiter) PlaybackStarted() { a.post(evPlaybackStarted) }

// PlaybackStopped reports that the outbound path ran out of agent audio.
func (a *Arbiter) PlaybackStopped() { a.post(evPlaybackStopped) }

// IdleRelease reports that no speech activity was observed for the idle
// window. It releases a stuck caller turn so the agent may respond.
func (a *Arbiter) IdleRelease() { a.post(evIdleRelease) }

// End transitions the state machine to [TurnEnded] and stops the event
// goroutine. Events already queued are applied first; events posted after
// End are discarded. End is idempotent, and on return the terminal state
// is visible.
func (a *Arbiter) End() {
	a.endOnce.Do(func() {
		select {
		case a.mailbox <- evEnd:
			<-a.done
		case <-a.done:
		}
	})
}

// post submits ev to the mailbox. Events posted after End are dropped.
func (a *Arbiter) post(ev turnEvent) {
	select {
	case a.mailbox <- ev:
	case <-a.done:
	}
}

// run is the single writer of state and gen. It applies events until evEnd
// arrives.
func (a *Arbiter) run() {
	defer close(a.done)
	for ev := range a.mailbox {
		if ev == evEnd {
			a.state.Store(int32(TurnEnded))
			return
		}
		a.apply(ev)
	}
}

// apply executes one transition of the turn state machine.
func (a *Arbiter) apply(ev turnEvent) {
	state := a.State()

	switch ev {
	case evSpeechStart:
		switch state {
		case TurnAgentSpeaking:
			// Barge-in: cut playback, caller takes the floor.
			a.flush(FlushBargeIn)
			a.state.Store(int32(TurnCallerSpeaking))
		case TurnIdle:
			a.state.Store(int32(TurnCallerSpeaking))
		}

	case evSpeechEnd:
		if state == TurnCallerSpeaking {
			a.state.Store(int32(TurnIdle))
			a.agentMaySpeak()
		}

	case evPlaybackStarted:
		switch state {
		case TurnIdle:
			a.state.Store(int32(TurnAgentSpeaking))
		case TurnCallerSpeaking:
			// Caller wins: refuse the floor and flush whatever the engine
			// already queued.
			a.flush(FlushFloorRefused)
		}

	case evPlaybackStopped:
		if state == TurnAgentSpeaking {
			a.state.Store(int32(TurnIdle))
		}

	case evIdleRelease:
		switch state {
		case TurnCallerSpeaking:
			a.state.Store(int32(TurnIdle))
			a.agentMaySpeak()
		case TurnAgentSpeaking:
			a.state.Store(int32(TurnIdle))
		}
	}
}

func (a *Arbiter) flush(cause FlushCause) {
	gen := a.gen.Add(1)
	if a.onFlush != nil {
		a.onFlush(gen, cause)
	}
}

func (a *Arbiter) agentMaySpeak() {
	if a.onAgentMaySpeak != nil {
		a.onAgentMaySpeak()
	}
}
