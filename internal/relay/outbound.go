package relay

import (
	"context"
	"errors"
	"time"

	"github.com/trunkline/trunkline/internal/observe"
	"github.com/trunkline/trunkline/pkg/audio"
	"github.com/trunkline/trunkline/pkg/provider/telephony"
)

const (
	// outQueueDepth bounds the staged agent frames awaiting their send
	// tick. Engines synthesize faster than real time; past this depth the
	// enqueuer blocks and backpressure propagates to the engine transport.
	outQueueDepth = 128

	// playbackStopHangover is how many consecutive frameless ticks the
	// sender waits before declaring playback over. Engines emit audio in
	// bursts; a short gap inside an utterance must not flap the turn
	// state, which would disarm barge-in mid-sentence.
	playbackStopHangover = 10
)

// outFrame is one decoded agent frame staged for transmission, stamped
// with the flush generation current at enqueue time. A frame whose
// generation no longer matches the arbiter's is stale and is discarded on
// dequeue, never sent.
type outFrame struct {
	payload []byte
	gen     uint64
}

// enqueueOutbound decodes the engine's synthesized audio into telephony
// frames and stages them for the cadence sender. Chunks arriving during
// the caller's turn are dropped at the door — the engine was already told
// to cancel, this is the tail in flight. A generation change discards the
// partial frame buffered in the chunker, so no fragment of a flushed
// utterance leaks into the next one.
func (s *Session) enqueueOutbound(ctx context.Context) error {
	chunker := audio.NewChunker(s.codec.TelephonyFrameLen())
	gen := s.arb.Generation()

	for {
		select {
		case <-ctx.Done():
			return nil

		case chunk, ok := <-s.engine.Audio():
			if !ok {
				// Engine-side termination; watchEvents classifies it.
				return nil
			}
			s.markFirstAudio(ctx)

			if g := s.arb.Generation(); g != gen {
				chunker.Reset()
				gen = g
			}
			if s.arb.State() == TurnCallerSpeaking {
				s.metrics.RecordFrameDropped(ctx, observe.DirectionOutbound, observe.DropCauseStale)
				continue
			}

			payload, err := s.codec.DecodeFromEngine(chunk)
			if err != nil {
				s.codecErrors.Add(1)
				s.metrics.CodecErrors.Add(ctx, 1)
				s.metrics.RecordFrameDropped(ctx, observe.DirectionOutbound, observe.DropCauseCodec)
				s.log.Warn("relay: dropping malformed engine chunk", "len", len(chunk), "err", err)
				continue
			}

			for _, frame := range chunker.Push(payload) {
				select {
				case s.outQueue <- outFrame{payload: frame, gen: gen}:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// sendOutbound is the cadence sender: every frame duration it transmits
// exactly one frame to the telephony leg — the next staged agent frame
// when one is available and the caller does not hold the floor, digital
// silence otherwise. The telephony transport expects a frame every
// interval regardless of content.
//
// It also drives the arbiter's playback events: the first real frame of a
// burst posts PlaybackStarted, and a hangover of frameless ticks posts
// PlaybackStopped.
func (s *Session) sendOutbound(ctx context.Context) error {
	tick := time.NewTicker(s.codec.FrameDuration())
	defer tick.Stop()

	var (
		seq      uint64
		playing  bool
		quietFor int
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}

		var (
			frame outFrame
			ok    bool
		)
		if s.arb.State() == TurnCallerSpeaking {
			// Nothing queued may outlive the caller's turn: frames the
			// arbiter's flush did not invalidate (playback had not started,
			// so no flush fired) would otherwise replay as stale speech
			// once the caller stops.
			s.discardQueued(ctx)
		} else {
			frame, ok = s.dequeueFresh(ctx)
		}
		s.recordFlushDone(ctx)

		if !ok {
			if playing {
				quietFor++
				if quietFor >= playbackStopHangover || s.arb.State() == TurnCallerSpeaking {
					playing = false
					quietFor = 0
					s.arb.PlaybackStopped()
				}
			}
			if err := s.sendFrame(ctx, s.codec.Silence(), &seq, false); err != nil {
				return err
			}
			continue
		}

		quietFor = 0
		if !playing {
			playing = true
			s.arb.PlaybackStarted()
		}
		if err := s.sendFrame(ctx, frame.payload, &seq, true); err != nil {
			return err
		}
	}
}

// dequeueFresh pops staged frames, discarding any stamped with an old
// generation, until it finds a current frame or empties the queue. It
// never blocks. Generations are non-decreasing along the queue, so a
// repeated flush leaves the same state as a single one: an empty queue.
func (s *Session) dequeueFresh(ctx context.Context) (outFrame, bool) {
	for {
		select {
		case f := <-s.outQueue:
			if f.gen != s.arb.Generation() {
				s.metrics.RecordFrameDropped(ctx, observe.DirectionOutbound, observe.DropCauseStale)
				continue
			}
			return f, true
		default:
			return outFrame{}, false
		}
	}
}

// discardQueued empties the staged queue, counting every frame as a stale
// drop.
func (s *Session) discardQueued(ctx context.Context) {
	for {
		select {
		case <-s.outQueue:
			s.metrics.RecordFrameDropped(ctx, observe.DirectionOutbound, observe.DropCauseStale)
		default:
			return
		}
	}
}

// sendFrame transmits one frame on the media stream. Real agent frames
// count toward the relay stats and refresh the activity clock; silence
// fill does neither.
func (s *Session) sendFrame(ctx context.Context, payload []byte, seq *uint64, real bool) error {
	f := audio.Frame{
		Data:      payload,
		Seq:       *seq,
		Source:    audio.SourceAgent,
		Timestamp: time.Since(s.started),
	}
	*seq++

	if err := s.stream.Send(f); err != nil {
		// A dead telephony leg is a hangup whichever way it died, same as
		// the inbound side observing the Frames channel close.
		if !errors.Is(err, telephony.ErrChannelClosed) {
			s.log.Warn("relay: telephony send failed", "err", err)
		}
		return errHangup
	}
	if real {
		s.framesOut.Add(1)
		s.metrics.RecordFrameRelayed(ctx, observe.DirectionOutbound)
		s.touchActivity()
	}
	return nil
}

// markFirstAudio records the generation-start → first-chunk latency, once
// per generation.
func (s *Session) markFirstAudio(ctx context.Context) {
	started := s.genStarted.Swap(0)
	if started == 0 {
		return
	}
	s.metrics.FirstAudioLatency.Record(ctx, time.Since(time.Unix(0, started)).Seconds())
}

// recordFlushDone records the barge-in → outbound-quiet latency once the
// tick following a flush has cleared the staged queue of stale frames.
func (s *Session) recordFlushDone(ctx context.Context) {
	started := s.flushStarted.Swap(0)
	if started == 0 {
		return
	}
	s.metrics.FlushLatency.Record(ctx, time.Since(time.Unix(0, started)).Seconds())
}
