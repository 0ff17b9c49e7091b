package relay

import (
	"context"
	"fmt"

	"github.com/trunkline/trunkline/internal/observe"
	"github.com/trunkline/trunkline/pkg/provider/vad"
)

// inboundSlackFrames bounds the buffer between the telephony reader and
// the engine writer. Beyond this much slack the oldest frame is shed —
// late caller audio is worth less than fresh caller audio, and unbounded
// buffering would grow latency without bound.
const inboundSlackFrames = 2

// relayInbound is the inbound relay loop: it pulls caller frames from the
// media stream, runs each through the VAD, posts speech boundaries to the
// arbiter, and forwards the engine-rate PCM toward the engine writer.
//
// Frames are forwarded regardless of turn state: the engine needs
// continuous caller audio to hear an interruption and to detect turn
// boundaries on its own. The Frames channel closing is the hangup signal.
func (s *Session) relayInbound(ctx context.Context) error {
	inSpeech := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case f, ok := <-s.stream.Frames():
			if !ok {
				return errHangup
			}

			pcm, err := s.codec.EncodeForEngine(f)
			if err != nil {
				// Malformed frame: drop it and keep the session alive.
				s.codecErrors.Add(1)
				s.metrics.CodecErrors.Add(ctx, 1)
				s.metrics.RecordFrameDropped(ctx, observe.DirectionInbound, observe.DropCauseCodec)
				s.log.Warn("relay: dropping malformed caller frame", "seq", f.Seq, "err", err)
				continue
			}

			ev, err := s.detector.ProcessFrame(pcm)
			if err != nil {
				s.log.Warn("relay: vad failed on frame", "seq", f.Seq, "err", err)
			} else {
				switch ev.Type {
				case vad.VADSpeechStart:
					inSpeech = true
					s.arb.CallerSpeechStart()
				case vad.VADSpeechEnd:
					inSpeech = false
					s.arb.CallerSpeechEnd()
				}
			}
			if inSpeech {
				s.touchActivity()
			}

			s.forwardToEngine(ctx, pcm)
			s.framesIn.Add(1)
			s.metrics.RecordFrameRelayed(ctx, observe.DirectionInbound)
		}
	}
}

// forwardToEngine queues one engine-rate PCM frame for the engine writer.
// When the slack buffer is full it sheds the oldest queued frame and
// retries; with this loop as the only producer the retry always lands.
func (s *Session) forwardToEngine(ctx context.Context, pcm []byte) {
	for {
		select {
		case s.engineCh <- pcm:
			return
		default:
		}
		select {
		case <-s.engineCh:
			s.inboundDrops.Add(1)
			s.metrics.RecordFrameDropped(ctx, observe.DirectionInbound, observe.DropCauseBackpressure)
		default:
		}
	}
}

// writeEngine drains the slack buffer into the engine session. A send
// failure is fatal to the session: mid-call engine transport loss is not
// retried.
func (s *Session) writeEngine(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case pcm := <-s.engineCh:
			if err := s.engine.SendAudio(pcm); err != nil {
				return fmt.Errorf("relay: engine send: %w", err)
			}
		}
	}
}
