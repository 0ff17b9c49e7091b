// Package energy implements [vad.Engine] with a short-time energy detector.
//
// Frames are scored by RMS amplitude mapped linearly onto [0, 1]:
// everything at or below the noise floor scores 0, everything at or above
// the speech ceiling scores 1. The mapping is fixed; tuning happens through
// [vad.Config.SpeechThreshold] and the debounce/hangover windows. No model
// weights, no cgo, fully deterministic, and cheap enough to score every
// 20ms frame inline.
package energy

import (
	"errors"
	"fmt"
	"math"

	"github.com/trunkline/trunkline/pkg/provider/vad"
)

// RMS endpoints of the score mapping, sized for 16-bit telephone speech:
// handset background noise sits well under 500 RMS, sustained speech well
// over 2000. Scores under the gate are treated as silence outright.
const (
	noiseFloorRMS = 500.0
	speechCeilRMS = 2000.0
	noiseGate     = 0.02
)

// Defaults applied when the corresponding [vad.Config] field is zero.
const (
	DefaultSpeechThreshold = 0.5
	DefaultDebounceFrames  = 3
	DefaultHangoverFrames  = 10
)

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("energy: session closed")

// Engine creates energy VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an energy VAD engine.
func New() *Engine { return &Engine{} }

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: frame size must be positive, got %dms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = DefaultSpeechThreshold
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %v out of range (0, 1]", cfg.SpeechThreshold)
	}
	if cfg.DebounceFrames == 0 {
		cfg.DebounceFrames = DefaultDebounceFrames
	}
	if cfg.HangoverFrames == 0 {
		cfg.HangoverFrames = DefaultHangoverFrames
	}
	if cfg.DebounceFrames < 0 || cfg.HangoverFrames < 0 {
		return nil, fmt.Errorf("energy: debounce/hangover must be non-negative, got %d/%d",
			cfg.DebounceFrames, cfg.HangoverFrames)
	}
	return &session{
		cfg:      cfg,
		frameLen: cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

type session struct {
	cfg      vad.Config
	frameLen int

	inSpeech   bool
	speechRun  int
	silenceRun int
	closed     bool
}

// ProcessFrame implements [vad.SessionHandle].
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, ErrSessionClosed
	}
	if len(frame) != s.frameLen {
		return vad.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameLen)
	}
	p := score(frame)
	ev := vad.VADEvent{Type: vad.VADNone, Probability: p}
	if p >= s.cfg.SpeechThreshold {
		s.speechRun++
		s.silenceRun = 0
		if !s.inSpeech && s.speechRun >= s.cfg.DebounceFrames {
			s.inSpeech = true
			ev.Type = vad.VADSpeechStart
		}
	} else {
		s.silenceRun++
		s.speechRun = 0
		if s.inSpeech && s.silenceRun >= s.cfg.HangoverFrames {
			s.inSpeech = false
			ev.Type = vad.VADSpeechEnd
		}
	}
	return ev, nil
}

// Reset implements [vad.SessionHandle].
func (s *session) Reset() {
	s.inSpeech = false
	s.speechRun = 0
	s.silenceRun = 0
}

// Close implements [vad.SessionHandle].
func (s *session) Close() error {
	s.closed = true
	return nil
}

var _ vad.SessionHandle = (*session)(nil)

// score maps a PCM frame's RMS amplitude onto [0, 1].
func score(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := int16(uint16(frame[i*2]) | uint16(frame[i*2+1])<<8)
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(n))
	if rms <= noiseFloorRMS {
		return 0
	}
	if rms >= speechCeilRMS {
		return 1
	}
	p := (rms - noiseFloorRMS) / (speechCeilRMS - noiseFloorRMS)
	if p < noiseGate {
		return 0
	}
	return p
}
