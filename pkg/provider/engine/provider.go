// Package engine defines the Provider interface for speech engine backends.
//
// A speech engine is a real-time voice AI service that accepts a continuous
// stream of caller audio and produces synthesized agent audio, turn by
// turn, over a single stateful session. The relay treats the engine as
// opaque: what the agent says and when it decides to respond are the
// engine's business; moving audio with low latency is ours.
//
// The central abstraction is SessionHandle: caller audio in via SendAudio,
// agent audio out via the Audio channel, generation lifecycle and
// transcripts via the Events channel. Sessions are long-lived (a whole
// phone call) and must support cancelling a generation mid-utterance,
// which is what makes barge-in possible.
//
// All implementations must be safe for concurrent use.
package engine

import "context"

// SessionConfig is the initial configuration for a new engine session.
type SessionConfig struct {
	// SystemPrompt steers the agent's persona and constraints for the
	// call.
	SystemPrompt string

	// Voice selects the synthesis voice by engine-specific ID. Empty means
	// the engine default.
	Voice string

	// InputSampleRate is the PCM16 rate of audio passed to SendAudio, in
	// Hz. Zero means the engine's native input rate.
	InputSampleRate int

	// OutputSampleRate is the PCM16 rate of audio emitted on Audio, in Hz.
	// Zero means the engine's native output rate.
	OutputSampleRate int
}

// Capabilities describes static properties of an engine backend. The
// values are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// InputSampleRate is the native PCM16 input rate in Hz.
	InputSampleRate int

	// OutputSampleRate is the native PCM16 output rate in Hz.
	OutputSampleRate int

	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds, as imposed by the provider. Zero means no documented
	// limit.
	MaxSessionDurationMs int

	// SupportsCancellation reports whether CancelGeneration truncates an
	// in-flight generation. An engine without it cannot honor barge-in.
	SupportsCancellation bool
}

// SessionHandle represents an open engine session. It is an interface so
// that test code can supply mock implementations without a live provider
// connection.
//
// The session is the hot path of the relay pipeline — every method must
// return quickly. Audio I/O is channel-based so neither leg's goroutine
// blocks on the other. All methods must be safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a chunk of caller PCM16 audio to the engine. The
	// chunk must match the input rate negotiated when the session was
	// opened. Returns an error if the session is closed or the transport
	// cannot accept the chunk.
	SendAudio(chunk []byte) error

	// Audio returns a read-only channel that emits raw PCM16 chunks as the
	// engine synthesizes its spoken response. The channel is closed when
	// the session ends or a mid-stream error occurs; after it closes, call
	// [SessionHandle.Err] to check whether the session ended cleanly.
	// Consumers must drain this channel promptly to keep the engine's
	// receive loop from stalling.
	Audio() <-chan []byte

	// Events returns a read-only channel that emits generation lifecycle
	// and transcript events in the order the engine reported them. The
	// channel is closed when the session ends.
	Events() <-chan Event

	// Err returns the error that caused the Audio and Events channels to
	// close prematurely, or nil if the session ended cleanly.
	Err() error

	// CancelGeneration tells the engine to stop synthesizing the current
	// response and discard whatever it has not yet sent. Audio already in
	// flight may still arrive; callers are responsible for discarding it.
	// Returns an error if the engine does not support cancellation.
	CancelGeneration() error

	// Close terminates the session, releases all resources, and closes
	// the Audio and Events channels. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Provider is the abstraction over any speech engine backend.
//
// Implementations must be safe for concurrent use: the service opens one
// session per active call.
type Provider interface {
	// Connect establishes a new engine session with the given
	// configuration. The returned SessionHandle is ready to accept audio
	// immediately.
	//
	// Returns an error if the session cannot be established. The caller
	// owns the SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider's
	// underlying model.
	Capabilities() Capabilities
}
