package relay_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trunkline/trunkline/internal/relay"
)

// The arbiter applies events on its own goroutine, so tests poll the
// observable state with a deadline instead of sleeping fixed amounts.
const turnWait = 2 * time.Second

func waitTurnState(t *testing.T, arb *relay.Arbiter, want relay.TurnState) {
	t.Helper()
	deadline := time.Now().Add(turnWait)
	for time.Now().Before(deadline) {
		if arb.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("turn state: got %v, want %v", arb.State(), want)
}

func waitGeneration(t *testing.T, arb *relay.Arbiter, want uint64) {
	t.Helper()
	deadline := time.Now().Add(turnWait)
	for time.Now().Before(deadline) {
		if arb.Generation() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("generation: got %d, want at least %d", arb.Generation(), want)
}

type recordedFlush struct {
	gen   uint64
	cause relay.FlushCause
}

// turnRecorder captures arbiter callbacks for assertions.
type turnRecorder struct {
	mu       sync.Mutex
	flushes  []recordedFlush
	maySpeak int
}

func (r *turnRecorder) onFlush(gen uint64, cause relay.FlushCause) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes = append(r.flushes, recordedFlush{gen: gen, cause: cause})
}

func (r *turnRecorder) onAgentMaySpeak() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maySpeak++
}

func (r *turnRecorder) flushCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flushes)
}

func (r *turnRecorder) flushAt(i int) recordedFlush {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushes[i]
}

func (r *turnRecorder) maySpeakCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maySpeak
}

func newRecordedArbiter() (*relay.Arbiter, *turnRecorder) {
	rec := &turnRecorder{}
	arb := relay.NewArbiter(
		relay.OnFlush(rec.onFlush),
		relay.OnAgentMaySpeak(rec.onAgentMaySpeak),
	)
	return arb, rec
}

func TestArbiter_StartsIdle(t *testing.T) {
	t.Parallel()
	arb, _ := newRecordedArbiter()
	defer arb.End()

	if got := arb.State(); got != relay.TurnIdle {
		t.Errorf("initial state: got %v, want %v", got, relay.TurnIdle)
	}
	if got := arb.Generation(); got != 0 {
		t.Errorf("initial generation: got %d, want 0", got)
	}
}

func TestCallerSpeechStart_FromIdle_TakesFloorWithoutFlush(t *testing.T) {
	t.Parallel()
	arb, rec := newRecordedArbiter()
	defer arb.End()

	arb.CallerSpeechStart()
	waitTurnState(t, arb, relay.TurnCallerSpeaking)

	if n := rec.flushCount(); n != 0 {
		t.Errorf("flush count: got %d, want 0 (nothing was playing)", n)
	}
	if got := arb.Generation(); got != 0 {
		t.Errorf("generation: got %d, want 0", got)
	}
}

func TestPlaybackStarted_FromIdle_GivesAgentFloor(t *testing.T) {
	t.Parallel()
	arb, rec := newRecordedArbiter()
	defer arb.End()

	arb.PlaybackStarted()
	waitTurnState(t, arb, relay.TurnAgentSpeaking)

	if n := rec.flushCount(); n != 0 {
		t.Errorf("flush count: got %d, want 0", n)
	}
}

func TestBargeIn_FlushesAndYieldsFloor(t *testing.T) {
	t.Parallel()
	arb, rec := newRecordedArbiter()
	defer arb.End()

	arb.PlaybackStarted()
	waitTurnState(t, arb, relay.TurnAgentSpeaking)

	arb.CallerSpeechStart()
	waitTurnState(t, arb, relay.TurnCallerSpeaking)

	if n := rec.flushCount(); n != 1 {
		t.Fatalf("flush count: got %d, want 1", n)
	}
	fl := rec.flushAt(0)
	if fl.gen != 1 {
		t.Errorf("flush generation: got %d, want 1", fl.gen)
	}
	if fl.cause != relay.FlushBargeIn {
		t.Errorf("flush cause: got %v, want %v", fl.cause, relay.FlushBargeIn)
	}
	if got := arb.Generation(); got != 1 {
		t.Errorf("generation after barge-in: got %d, want 1", got)
	}
}

func TestPlaybackStarted_DuringCallerTurn_CallerKeepsFloor(t *testing.T) {
	t.Parallel()
	arb, rec := newRecordedArbiter()
	defer arb.End()

	arb.CallerSpeechStart()
	waitTurnState(t, arb, relay.TurnCallerSpeaking)

	// Playback racing the barge-in: the caller holds the floor and the
	// late playback is flushed instead.
	arb.PlaybackStarted()
	waitGeneration(t, arb, 1)

	if got := arb.State(); got != relay.TurnCallerSpeaking {
		t.Errorf("state: got %v, want %v", got, relay.TurnCallerSpeaking)
	}
	if n := rec.flushCount(); n != 1 {
		t.Fatalf("flush count: got %d, want 1", n)
	}
	if fl := rec.flushAt(0); fl.cause != relay.FlushFloorRefused {
		t.Errorf("flush cause: got %v, want %v", fl.cause, relay.FlushFloorRefused)
	}
}

func TestCallerSpeechEnd_ReleasesFloor(t *testing.T) {
	t.Parallel()
	arb, rec := newRecordedArbiter()
	defer arb.End()

	arb.CallerSpeechStart()
	waitTurnState(t, arb, relay.TurnCallerSpeaking)
	arb.CallerSpeechEnd()
	waitTurnState(t, arb, relay.TurnIdle)

	if n := rec.maySpeakCount(); n != 1 {
		t.Errorf("agent-may-speak count: got %d, want 1", n)
	}
}

func TestCallerSpeechEnd_IgnoredOutsideCallerTurn(t *testing.T) {
	t.Parallel()
	arb, rec := newRecordedArbiter()
	defer arb.End()

	arb.PlaybackStarted()
	waitTurnState(t, arb, relay.TurnAgentSpeaking)

	// A stray speech-end must not release the agent's floor. Follow it
	// with playback-stopped: the mailbox is FIFO, so once the state
	// reaches idle the stray event has been applied.
	arb.CallerSpeechEnd()
	arb.PlaybackStopped()
	waitTurnState(t, arb, relay.TurnIdle)

	if n := rec.maySpeakCount(); n != 0 {
		t.Errorf("agent-may-speak count: got %d, want 0", n)
	}
}

func TestIdleRelease_FromCallerSpeaking_SignalsAgent(t *testing.T) {
	t.Parallel()
	arb, rec := newRecordedArbiter()
	defer arb.End()

	arb.CallerSpeechStart()
	waitTurnState(t, arb, relay.TurnCallerSpeaking)
	arb.IdleRelease()
	waitTurnState(t, arb, relay.TurnIdle)

	if n := rec.maySpeakCount(); n != 1 {
		t.Errorf("agent-may-speak count: got %d, want 1", n)
	}
}

func TestIdleRelease_FromAgentSpeaking_ReturnsToIdleQuietly(t *testing.T) {
	t.Parallel()
	arb, rec := newRecordedArbiter()
	defer arb.End()

	arb.PlaybackStarted()
	waitTurnState(t, arb, relay.TurnAgentSpeaking)
	arb.IdleRelease()
	waitTurnState(t, arb, relay.TurnIdle)

	if n := rec.maySpeakCount(); n != 0 {
		t.Errorf("agent-may-speak count: got %d, want 0", n)
	}
	if n := rec.flushCount(); n != 0 {
		t.Errorf("flush count: got %d, want 0", n)
	}
}

func TestGeneration_MonotonicAcrossBargeIns(t *testing.T) {
	t.Parallel()
	arb, rec := newRecordedArbiter()
	defer arb.End()

	const rounds = 5
	for i := 0; i < rounds; i++ {
		arb.PlaybackStarted()
		waitTurnState(t, arb, relay.TurnAgentSpeaking)
		arb.CallerSpeechStart()
		waitTurnState(t, arb, relay.TurnCallerSpeaking)
		arb.CallerSpeechEnd()
		waitTurnState(t, arb, relay.TurnIdle)
	}

	if n := rec.flushCount(); n != rounds {
		t.Fatalf("flush count: got %d, want %d", n, rounds)
	}
	for i := 0; i < rounds; i++ {
		fl := rec.flushAt(i)
		if want := uint64(i + 1); fl.gen != want {
			t.Errorf("flush %d generation: got %d, want %d", i, fl.gen, want)
		}
		if fl.cause != relay.FlushBargeIn {
			t.Errorf("flush %d cause: got %v, want %v", i, fl.cause, relay.FlushBargeIn)
		}
	}
	if got := arb.Generation(); got != rounds {
		t.Errorf("final generation: got %d, want %d", got, rounds)
	}
}

func TestBargeIn_RepeatedSpeechStartFlushesOnce(t *testing.T) {
	t.Parallel()
	arb, rec := newRecordedArbiter()
	defer arb.End()

	arb.PlaybackStarted()
	waitTurnState(t, arb, relay.TurnAgentSpeaking)

	arb.CallerSpeechStart()
	arb.CallerSpeechStart()
	arb.CallerSpeechStart()
	waitTurnState(t, arb, relay.TurnCallerSpeaking)

	// Drive one more applied event so the duplicate starts are known to
	// have drained before counting flushes.
	arb.CallerSpeechEnd()
	waitTurnState(t, arb, relay.TurnIdle)

	if n := rec.flushCount(); n != 1 {
		t.Errorf("flush count: got %d, want 1", n)
	}
	if got := arb.Generation(); got != 1 {
		t.Errorf("generation: got %d, want 1", got)
	}
}

func TestEnd_TerminalAndIdempotent(t *testing.T) {
	t.Parallel()
	arb, rec := newRecordedArbiter()

	arb.PlaybackStarted()
	waitTurnState(t, arb, relay.TurnAgentSpeaking)

	arb.End()
	if got := arb.State(); got != relay.TurnEnded {
		t.Fatalf("state after End: got %v, want %v", got, relay.TurnEnded)
	}
	arb.End()

	// Events after End are discarded.
	arb.CallerSpeechStart()
	arb.PlaybackStarted()
	time.Sleep(20 * time.Millisecond)
	if got := arb.State(); got != relay.TurnEnded {
		t.Errorf("state after post-End events: got %v, want %v", got, relay.TurnEnded)
	}
	if n := rec.flushCount(); n != 0 {
		t.Errorf("flush count: got %d, want 0", n)
	}
}

func TestArbiter_EventStorm(t *testing.T) {
	t.Parallel()

	var inCallback atomic.Bool
	var overlapped atomic.Bool
	probe := func() {
		if !inCallback.CompareAndSwap(false, true) {
			overlapped.Store(true)
		}
		time.Sleep(10 * time.Microsecond)
		inCallback.Store(false)
	}
	arb := relay.NewArbiter(
		relay.OnFlush(func(uint64, relay.FlushCause) { probe() }),
		relay.OnAgentMaySpeak(probe),
	)
	defer arb.End()

	events := []func(){
		arb.CallerSpeechStart,
		arb.CallerSpeechEnd,
		arb.PlaybackStarted,
		arb.PlaybackStopped,
		arb.IdleRelease,
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				events[(seed+j)%len(events)]()
			}
		}(i)
	}
	wg.Wait()

	if overlapped.Load() {
		t.Error("turn callbacks overlapped, want serialized execution")
	}
	switch st := arb.State(); st {
	case relay.TurnIdle, relay.TurnAgentSpeaking, relay.TurnCallerSpeaking:
	default:
		t.Errorf("state after event storm: got %v, want a live turn state", st)
	}
}
