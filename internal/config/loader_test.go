package config_test

import (
	"strings"
	"testing"

	"github.com/trunkline/trunkline/internal/config"
)

// Most of these include a valid engine.url so the joined error isolates the
// failure under test.

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
engine:
  url: ws://localhost:9000
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_MissingEngineURL(t *testing.T) {
	t.Parallel()
	yaml := `
engine:
  api_key: nk-test
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing engine.url, got nil")
	}
	if !strings.Contains(err.Error(), "engine.url") {
		t.Errorf("error should mention engine.url, got: %v", err)
	}
}

func TestValidate_BadEngineURLScheme(t *testing.T) {
	t.Parallel()
	yaml := `
engine:
  url: ftp://gateway:21
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for ftp scheme, got nil")
	}
	if !strings.Contains(err.Error(), "scheme") {
		t.Errorf("error should mention the scheme, got: %v", err)
	}
}

func TestValidate_TLSMissingKeyFile(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  tls:
    cert_file: /etc/trunkline/tls.crt
engine:
  url: ws://localhost:9000
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing key_file, got nil")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}

func TestValidate_WrongSampleRate(t *testing.T) {
	t.Parallel()
	yaml := `
telephony:
  sample_rate: 16000
engine:
  url: ws://localhost:9000
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for non-8000 sample rate, got nil")
	}
	if !strings.Contains(err.Error(), "sample_rate") {
		t.Errorf("error should mention sample_rate, got: %v", err)
	}
}

func TestValidate_NegativeFrameDuration(t *testing.T) {
	t.Parallel()
	yaml := `
telephony:
  frame_duration_ms: -5
engine:
  url: ws://localhost:9000
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative frame_duration_ms, got nil")
	}
	if !strings.Contains(err.Error(), "frame_duration_ms") {
		t.Errorf("error should mention frame_duration_ms, got: %v", err)
	}
}

func TestValidate_SpeechThresholdOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := `
vad:
  speech_threshold: 1.5
engine:
  url: ws://localhost:9000
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for speech_threshold > 1, got nil")
	}
	if !strings.Contains(err.Error(), "speech_threshold") {
		t.Errorf("error should mention speech_threshold, got: %v", err)
	}
}

func TestValidate_NegativeHangover(t *testing.T) {
	t.Parallel()
	yaml := `
vad:
  hangover_frames: -1
engine:
  url: ws://localhost:9000
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative hangover_frames, got nil")
	}
	if !strings.Contains(err.Error(), "hangover_frames") {
		t.Errorf("error should mention hangover_frames, got: %v", err)
	}
}

func TestValidate_NegativeSessionLimits(t *testing.T) {
	t.Parallel()
	yaml := `
session:
  max_duration_secs: -1
  idle_silence_ms: -50
engine:
  url: ws://localhost:9000
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative session limits, got nil")
	}
	if !strings.Contains(err.Error(), "max_duration_secs") {
		t.Errorf("error should mention max_duration_secs, got: %v", err)
	}
	if !strings.Contains(err.Error(), "idle_silence_ms") {
		t.Errorf("error should mention idle_silence_ms, got: %v", err)
	}
}

func TestValidate_NegativeDialAttempts(t *testing.T) {
	t.Parallel()
	yaml := `
engine:
  url: ws://localhost:9000
  dial_attempts: -2
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative dial_attempts, got nil")
	}
	if !strings.Contains(err.Error(), "dial_attempts") {
		t.Errorf("error should mention dial_attempts, got: %v", err)
	}
}

func TestValidate_NegativeBreaker(t *testing.T) {
	t.Parallel()
	yaml := `
engine:
  url: ws://localhost:9000
  breaker:
    max_failures: -3
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative breaker values, got nil")
	}
	if !strings.Contains(err.Error(), "breaker") {
		t.Errorf("error should mention the breaker, got: %v", err)
	}
}

func TestValidate_JoinsAllFailures(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
telephony:
  sample_rate: 44100
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected joined errors, got nil")
	}
	for _, want := range []string{"log_level", "sample_rate", "engine.url"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %s, got: %v", want, err)
		}
	}
}
