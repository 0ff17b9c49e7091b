package audio

import (
	"fmt"
	"time"
)

// CodecError reports a payload that cannot be transcoded: a telephony frame
// whose length does not match the configured cadence, or an engine chunk
// that is not whole 16-bit samples. Callers drop the offending payload,
// count it, and continue; a malformed frame never terminates a session.
type CodecError struct {
	Source Source // leg the payload came from
	Len    int    // offending payload length in bytes
	Want   string // shape of a well-formed payload
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("audio: malformed %s payload: %d bytes, want %s", e.Source, e.Len, e.Want)
}

// Transcoder converts audio between the telephony leg and the speech
// engine. The telephony leg speaks G.711 at 8kHz in fixed-duration frames;
// the engine consumes and produces 16-bit little-endian mono PCM at its own
// rates. A Transcoder is immutable after construction, safe for concurrent
// use, and deterministic in both directions.
type Transcoder struct {
	telephony EncodingInfo
	engineIn  EncodingInfo
	engineOut EncodingInfo
	frameDur  time.Duration
	frameLen  int
	silence   []byte
}

// NewTranscoder builds a Transcoder for the given leg formats. The
// telephony leg must be a G.711 law and both engine legs must be
// [EncodingPCM16]. A non-positive frameDur falls back to
// [DefaultFrameDuration].
func NewTranscoder(telephony, engineIn, engineOut EncodingInfo, frameDur time.Duration) (*Transcoder, error) {
	switch telephony.Encoding {
	case EncodingMulaw, EncodingALaw:
	default:
		return nil, fmt.Errorf("audio: telephony encoding %q not supported, want %q or %q",
			telephony.Encoding, EncodingMulaw, EncodingALaw)
	}
	if engineIn.Encoding != EncodingPCM16 || engineOut.Encoding != EncodingPCM16 {
		return nil, fmt.Errorf("audio: engine encodings %q/%q not supported, want %q",
			engineIn.Encoding, engineOut.Encoding, EncodingPCM16)
	}
	if telephony.SampleRate <= 0 || engineIn.SampleRate <= 0 || engineOut.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: sample rates must be positive, got %d/%d/%d",
			telephony.SampleRate, engineIn.SampleRate, engineOut.SampleRate)
	}
	if frameDur <= 0 {
		frameDur = DefaultFrameDuration
	}
	return &Transcoder{
		telephony: telephony,
		engineIn:  engineIn,
		engineOut: engineOut,
		frameDur:  frameDur,
		frameLen:  telephony.FrameBytes(frameDur),
		silence:   telephony.SilencePayload(frameDur),
	}, nil
}

// EncodeForEngine expands one telephony frame to engine-rate PCM. The frame
// payload must be exactly one cadence worth of G.711; anything else returns
// a [*CodecError] and no output.
func (t *Transcoder) EncodeForEngine(f Frame) ([]byte, error) {
	if len(f.Data) != t.frameLen {
		return nil, &CodecError{
			Source: f.Source,
			Len:    len(f.Data),
			Want:   fmt.Sprintf("%d bytes of %s", t.frameLen, t.telephony.Encoding),
		}
	}
	pcm := DecodeG711(f.Data, t.telephony.Encoding)
	return ResampleMono16(pcm, t.telephony.SampleRate, t.engineIn.SampleRate), nil
}

// DecodeFromEngine compresses an engine PCM chunk down to the telephony
// leg's encoding and rate. Chunks may be any even length: the engine does
// not emit on the telephony cadence, so callers re-slice the result with a
// [Chunker]. An odd-length chunk returns a [*CodecError].
func (t *Transcoder) DecodeFromEngine(chunk []byte) ([]byte, error) {
	if len(chunk)%2 != 0 {
		return nil, &CodecError{Source: SourceAgent, Len: len(chunk), Want: "whole 16-bit samples"}
	}
	if len(chunk) == 0 {
		return nil, nil
	}
	pcm := ResampleMono16(chunk, t.engineOut.SampleRate, t.telephony.SampleRate)
	return EncodeG711(pcm, t.telephony.Encoding), nil
}

// FrameDuration reports the telephony cadence.
func (t *Transcoder) FrameDuration() time.Duration { return t.frameDur }

// TelephonyFrameLen reports the payload length of one telephony frame.
func (t *Transcoder) TelephonyFrameLen() int { return t.frameLen }

// EngineFrameLen reports the engine-input PCM length that one telephony
// frame expands to.
func (t *Transcoder) EngineFrameLen() int { return t.engineIn.FrameBytes(t.frameDur) }

// Silence returns one telephony frame of digital silence. The slice is
// shared; callers must not modify it.
func (t *Transcoder) Silence() []byte { return t.silence }
