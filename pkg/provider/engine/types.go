package engine

import "fmt"

// EventType enumerates engine session events.
type EventType int

const (
	// EventGenerationStarted marks the engine beginning a new spoken
	// response. Audio chunks arriving after it belong to that generation.
	EventGenerationStarted EventType = iota

	// EventGenerationDone marks the end of a generation, whether it ran to
	// completion or was cancelled; StopReason says which.
	EventGenerationDone

	// EventTranscript carries the text of caller speech as the engine
	// recognized it, or of agent speech as it was synthesized.
	EventTranscript
)

func (t EventType) String() string {
	switch t {
	case EventGenerationStarted:
		return "generation_started"
	case EventGenerationDone:
		return "generation_done"
	case EventTranscript:
		return "transcript"
	default:
		return "unknown"
	}
}

// Event is a single lifecycle or transcript notification from the engine.
type Event struct {
	// Type discriminates the event.
	Type EventType

	// GenerationID identifies the generation the event belongs to. Set for
	// EventGenerationStarted and EventGenerationDone.
	GenerationID string

	// Role is the transcript speaker for EventTranscript: "user" for
	// recognized caller speech, "assistant" for synthesized agent speech.
	Role string

	// Text is the transcript content for EventTranscript.
	Text string

	// StopReason reports why a generation ended, in the engine's own
	// vocabulary (for example "END_TURN" or "INTERRUPTED"). Set for
	// EventGenerationDone.
	StopReason string
}

// Error is a structured failure reported by the engine itself, as opposed
// to a transport failure. It surfaces through [SessionHandle.Err] after the
// session's channels close.
type Error struct {
	// Code is the engine's machine-readable error code, if it sent one.
	Code string

	// Message is the human-readable description.
	Message string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("engine: %s", e.Message)
	}
	return fmt.Sprintf("engine: %s: %s", e.Code, e.Message)
}
