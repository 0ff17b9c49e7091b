// Package audio defines the frame model and codecs shared by every stage of
// the call relay pipeline. Frames are the atomic unit of audio transport:
// captured from the telephony media stream, expanded for the speech engine,
// scored by VAD, and compressed back for playback to the caller.
package audio

import "time"

// DefaultFrameDuration is the cadence both legs of a call run at. Telephony
// media streams deliver audio in 20ms packets and the relay keeps that
// cadence end to end.
const DefaultFrameDuration = 20 * time.Millisecond

// Source identifies which side of the call produced a frame.
type Source int

const (
	// SourceCaller is audio arriving from the telephone leg.
	SourceCaller Source = iota
	// SourceAgent is audio synthesized by the speech engine.
	SourceAgent
)

func (s Source) String() string {
	switch s {
	case SourceCaller:
		return "caller"
	case SourceAgent:
		return "agent"
	default:
		return "unknown"
	}
}

// Frame is one fixed-duration slice of a single audio stream, in that
// stream's native encoding. Caller frames carry G.711 payloads exactly as
// received from the telephony leg; agent frames carry G.711 payloads
// produced by [Transcoder.DecodeFromEngine].
type Frame struct {
	// Data holds the encoded payload. A well-formed payload is exactly one
	// frame duration long for the stream's [EncodingInfo].
	Data []byte

	// Seq numbers frames per source, starting at 0, with no gaps. Only the
	// single producer goroutine for a source assigns it.
	Seq uint64

	// Source is the call leg that produced the frame.
	Source Source

	// Timestamp marks when the frame entered the relay, relative to
	// session start.
	Timestamp time.Duration
}

// Encoding names an audio wire encoding.
type Encoding string

const (
	// EncodingMulaw is G.711 μ-law, 8 bits per sample. The default for
	// North-American telephony media streams.
	EncodingMulaw Encoding = "mulaw"
	// EncodingALaw is G.711 A-law, 8 bits per sample.
	EncodingALaw Encoding = "alaw"
	// EncodingPCM16 is linear PCM, 16 bits per sample, little-endian.
	EncodingPCM16 Encoding = "linear16"
)

// BytesPerSample reports the width of one sample, or 0 for an unknown
// encoding.
func (e Encoding) BytesPerSample() int {
	switch e {
	case EncodingMulaw, EncodingALaw:
		return 1
	case EncodingPCM16:
		return 2
	default:
		return 0
	}
}

// SilenceByte is the byte value nearest to a zero sample in this encoding.
// Filling a payload with it produces digital silence.
func (e Encoding) SilenceByte() byte {
	switch e {
	case EncodingMulaw:
		return 0xFF
	case EncodingALaw:
		return 0x55
	default:
		return 0x00
	}
}

// EncodingInfo describes one leg's audio format. The relay is mono
// throughout, so sample rate and encoding fully determine payload sizes.
type EncodingInfo struct {
	SampleRate int
	Encoding   Encoding
}

// FrameBytes reports how many bytes one frame of duration d occupies.
func (ei EncodingInfo) FrameBytes(d time.Duration) int {
	samples := int(int64(ei.SampleRate) * int64(d) / int64(time.Second))
	return samples * ei.Encoding.BytesPerSample()
}

// SilencePayload builds one frame of digital silence of duration d.
func (ei EncodingInfo) SilencePayload(d time.Duration) []byte {
	p := make([]byte, ei.FrameBytes(d))
	if b := ei.Encoding.SilenceByte(); b != 0 {
		for i := range p {
			p[i] = b
		}
	}
	return p
}
