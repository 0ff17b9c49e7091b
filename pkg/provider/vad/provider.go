// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech detector (a short-time energy
// scorer, or a model behind cgo) and surfaces it as a stateful per-stream
// session. Each session keeps its own debounce and hangover state so that
// concurrent calls can be scored independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, so the inbound relay can run it inline without adding a
// pipeline stage. One frame must be scored in well under the frame
// duration; an engine that cannot promise that does not belong behind this
// interface.
//
// Implementations must be safe for concurrent use across different
// sessions. A single SessionHandle is owned by one goroutine unless the
// implementation explicitly documents otherwise.
package vad

// Config holds the parameters for a VAD session. Zero values select each
// engine's documented defaults where a default exists.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of
	// the PCM frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns an error if a supplied frame does not match.
	FrameSizeMs int

	// SpeechThreshold is the score at or above which a frame counts as
	// speech. Range (0.0, 1.0]. Higher values reduce false starts at the
	// cost of detection latency.
	SpeechThreshold float64

	// DebounceFrames is how many consecutive speech-scored frames are
	// required before a speech-start transition is reported. Suppresses
	// clicks and line noise.
	DebounceFrames int

	// HangoverFrames is how many consecutive silence-scored frames are
	// required before a speech-end transition is reported. Bridges the
	// short gaps inside an utterance.
	HangoverFrames int
}

// SessionHandle is an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a
// live engine. Each session maintains its own detection state; Reset clears
// that state without closing the session.
type SessionHandle interface {
	// ProcessFrame scores a single audio frame and reports any speech
	// boundary it crossed. The frame must be raw little-endian mono PCM
	// matching the session's SampleRate and FrameSizeMs. Scoring the same
	// frames in the same order always yields the same events.
	//
	// Called synchronously in the inbound audio loop; it must not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears debounce/hangover state without closing the session.
	// Use it when the stream is interrupted so counters from the previous
	// segment cannot bleed into the next one.
	Reset()

	// Close releases all resources associated with the session. After
	// Close, ProcessFrame returns errors. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// The session is immediately ready to accept audio frames.
	//
	// Returns an error if the configuration is invalid (unsupported sample
	// rate, frame size, or threshold out of range).
	NewSession(cfg Config) (SessionHandle, error)
}
