package audio_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/trunkline/trunkline/pkg/audio"
)

var (
	telephonyPCMU = audio.EncodingInfo{SampleRate: 8000, Encoding: audio.EncodingMulaw}
	engineIn16k   = audio.EncodingInfo{SampleRate: 16000, Encoding: audio.EncodingPCM16}
	engineOut24k  = audio.EncodingInfo{SampleRate: 24000, Encoding: audio.EncodingPCM16}
)

func newTestTranscoder(t *testing.T) *audio.Transcoder {
	t.Helper()
	tc, err := audio.NewTranscoder(telephonyPCMU, engineIn16k, engineOut24k, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewTranscoder: %v", err)
	}
	return tc
}

func TestNewTranscoder_RejectsBadFormats(t *testing.T) {
	pcm8k := audio.EncodingInfo{SampleRate: 8000, Encoding: audio.EncodingPCM16}
	if _, err := audio.NewTranscoder(pcm8k, engineIn16k, engineOut24k, 0); err == nil {
		t.Error("expected error for PCM telephony leg")
	}
	mulaw16k := audio.EncodingInfo{SampleRate: 16000, Encoding: audio.EncodingMulaw}
	if _, err := audio.NewTranscoder(telephonyPCMU, mulaw16k, engineOut24k, 0); err == nil {
		t.Error("expected error for companded engine leg")
	}
	zeroRate := audio.EncodingInfo{SampleRate: 0, Encoding: audio.EncodingMulaw}
	if _, err := audio.NewTranscoder(zeroRate, engineIn16k, engineOut24k, 0); err == nil {
		t.Error("expected error for zero sample rate")
	}
}

func TestNewTranscoder_DefaultFrameDuration(t *testing.T) {
	tc, err := audio.NewTranscoder(telephonyPCMU, engineIn16k, engineOut24k, 0)
	if err != nil {
		t.Fatalf("NewTranscoder: %v", err)
	}
	if got := tc.FrameDuration(); got != audio.DefaultFrameDuration {
		t.Errorf("FrameDuration: got %v, want %v", got, audio.DefaultFrameDuration)
	}
	if got := tc.TelephonyFrameLen(); got != 160 {
		t.Errorf("TelephonyFrameLen: got %d, want 160", got)
	}
	if got := tc.EngineFrameLen(); got != 640 {
		t.Errorf("EngineFrameLen: got %d, want 640", got)
	}
}

func TestTranscoder_EncodeForEngine(t *testing.T) {
	tc := newTestTranscoder(t)
	frame := audio.Frame{Data: tc.Silence(), Source: audio.SourceCaller}
	pcm, err := tc.EncodeForEngine(frame)
	if err != nil {
		t.Fatalf("EncodeForEngine: %v", err)
	}
	// 20ms at 16kHz is 320 samples, 640 bytes.
	if len(pcm) != 640 {
		t.Fatalf("got %d bytes, want 640", len(pcm))
	}
	for i, b := range pcm {
		if b != 0 {
			t.Fatalf("byte %d: silence expanded to %#02x, want 0x00", i, b)
		}
	}
}

func TestTranscoder_EncodeForEngine_BadLength(t *testing.T) {
	tc := newTestTranscoder(t)
	frame := audio.Frame{Data: make([]byte, 159), Source: audio.SourceCaller}
	_, err := tc.EncodeForEngine(frame)
	var ce *audio.CodecError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CodecError, got %v", err)
	}
	if ce.Source != audio.SourceCaller || ce.Len != 159 {
		t.Errorf("error fields: source %v len %d, want caller 159", ce.Source, ce.Len)
	}
}

func TestTranscoder_DecodeFromEngine(t *testing.T) {
	tc := newTestTranscoder(t)
	// 20ms at 24kHz is 480 samples of PCM silence.
	chunk := make([]byte, 960)
	mulaw, err := tc.DecodeFromEngine(chunk)
	if err != nil {
		t.Fatalf("DecodeFromEngine: %v", err)
	}
	if len(mulaw) != 160 {
		t.Fatalf("got %d bytes, want 160", len(mulaw))
	}
	for i, b := range mulaw {
		if b != 0xFF {
			t.Fatalf("byte %d: got %#02x, want μ-law silence 0xFF", i, b)
		}
	}
}

func TestTranscoder_DecodeFromEngine_OddLength(t *testing.T) {
	tc := newTestTranscoder(t)
	_, err := tc.DecodeFromEngine([]byte{1, 2, 3})
	var ce *audio.CodecError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CodecError, got %v", err)
	}
	if ce.Len != 3 {
		t.Errorf("error length: got %d, want 3", ce.Len)
	}
}

func TestTranscoder_DecodeFromEngine_Empty(t *testing.T) {
	tc := newTestTranscoder(t)
	out, err := tc.DecodeFromEngine(nil)
	if err != nil {
		t.Fatalf("DecodeFromEngine: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("got %d bytes, want none", len(out))
	}
}

func TestTranscoder_Deterministic(t *testing.T) {
	tc := newTestTranscoder(t)
	data := make([]byte, 160)
	for i := range data {
		data[i] = byte(i * 7)
	}
	frame := audio.Frame{Data: data, Source: audio.SourceCaller}
	a, err := tc.EncodeForEngine(frame)
	if err != nil {
		t.Fatalf("EncodeForEngine: %v", err)
	}
	b, err := tc.EncodeForEngine(frame)
	if err != nil {
		t.Fatalf("EncodeForEngine: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("equal inputs produced different outputs")
	}
}

func TestTranscoder_Silence(t *testing.T) {
	tc := newTestTranscoder(t)
	s := tc.Silence()
	if len(s) != 160 {
		t.Fatalf("got %d bytes, want 160", len(s))
	}
	for i, b := range s {
		if b != 0xFF {
			t.Fatalf("byte %d: got %#02x, want 0xFF", i, b)
		}
	}
}
