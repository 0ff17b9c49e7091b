package vad

// VADEvent is the detection result for a single audio frame.
type VADEvent struct {
	// Type reports the speech boundary crossed by this frame, if any.
	Type VADEventType

	// Probability is the speech score for the frame (0.0–1.0).
	Probability float64
}

// VADEventType enumerates frame detection results.
type VADEventType int

const (
	// VADNone means no boundary was crossed by this frame.
	VADNone VADEventType = iota

	// VADSpeechStart means sustained speech has just begun.
	VADSpeechStart

	// VADSpeechEnd means speech has ended and the hangover has elapsed.
	VADSpeechEnd
)

func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechEnd:
		return "speech_end"
	default:
		return "none"
	}
}
