package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"engine":    {"nova"},
	"telephony": {"twilio"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills unset fields with their documented defaults so that
// [Validate] and all downstream consumers see final values. VAD fields are
// left at zero; the detector applies its own defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.OpsAddr == "" {
		cfg.Server.OpsAddr = ":9090"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Telephony.Provider == "" {
		cfg.Telephony.Provider = "twilio"
	}
	if cfg.Telephony.FrameDurationMs == 0 {
		cfg.Telephony.FrameDurationMs = 20
	}
	if cfg.Telephony.SampleRate == 0 {
		cfg.Telephony.SampleRate = 8000
	}

	if cfg.Engine.Provider == "" {
		cfg.Engine.Provider = "nova"
	}
	if cfg.Engine.Breaker.MaxFailures == 0 {
		cfg.Engine.Breaker.MaxFailures = 5
	}
	if cfg.Engine.Breaker.ResetTimeoutSecs == 0 {
		cfg.Engine.Breaker.ResetTimeoutSecs = 30
	}
	if cfg.Engine.Breaker.HalfOpenMax == 0 {
		cfg.Engine.Breaker.HalfOpenMax = 3
	}

	if cfg.Session.MaxDurationSecs == 0 {
		cfg.Session.MaxDurationSecs = 600
	}
	if cfg.Session.IdleSilenceMs == 0 {
		cfg.Session.IdleSilenceMs = 700
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("telephony", cfg.Telephony.Provider)
	validateProviderName("engine", cfg.Engine.Provider)

	// Telephony
	if cfg.Telephony.FrameDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("telephony.frame_duration_ms %d must be positive", cfg.Telephony.FrameDurationMs))
	} else if cfg.Telephony.FrameDurationMs > 60 {
		slog.Warn("telephony.frame_duration_ms is unusually large; expect added round-trip latency",
			"frame_duration_ms", cfg.Telephony.FrameDurationMs)
	}
	if cfg.Telephony.SampleRate != 8000 {
		errs = append(errs, fmt.Errorf("telephony.sample_rate %d is invalid; G.711 media streams are 8000 Hz", cfg.Telephony.SampleRate))
	}

	// Engine
	if cfg.Engine.URL == "" {
		errs = append(errs, errors.New("engine.url is required"))
	} else if u, err := url.Parse(cfg.Engine.URL); err != nil {
		errs = append(errs, fmt.Errorf("engine.url %q is not a valid URL: %w", cfg.Engine.URL, err))
	} else {
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			errs = append(errs, fmt.Errorf("engine.url scheme %q is invalid; valid schemes: ws, wss, http, https", u.Scheme))
		}
	}
	if cfg.Engine.APIKey == "" {
		slog.Warn("engine.api_key is empty; engine dials will be unauthenticated")
	}
	if cfg.Engine.InputSampleRate < 0 || cfg.Engine.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("engine sample rate overrides must not be negative (input=%d output=%d)",
			cfg.Engine.InputSampleRate, cfg.Engine.OutputSampleRate))
	}
	if cfg.Engine.DialAttempts < 0 {
		errs = append(errs, fmt.Errorf("engine.dial_attempts %d must not be negative", cfg.Engine.DialAttempts))
	}
	if b := cfg.Engine.Breaker; b.MaxFailures < 0 || b.ResetTimeoutSecs < 0 || b.HalfOpenMax < 0 {
		errs = append(errs, fmt.Errorf("engine.breaker values must not be negative (max_failures=%d reset_timeout_secs=%d half_open_max=%d)",
			b.MaxFailures, b.ResetTimeoutSecs, b.HalfOpenMax))
	}

	// VAD
	if t := cfg.VAD.SpeechThreshold; t != 0 && (t < 0 || t > 1) {
		errs = append(errs, fmt.Errorf("vad.speech_threshold %v is out of range (0, 1]", t))
	}
	if cfg.VAD.DebounceFrames < 0 || cfg.VAD.HangoverFrames < 0 {
		errs = append(errs, fmt.Errorf("vad frame windows must not be negative (debounce_frames=%d hangover_frames=%d)",
			cfg.VAD.DebounceFrames, cfg.VAD.HangoverFrames))
	}

	// Session
	if cfg.Session.MaxDurationSecs < 0 {
		errs = append(errs, fmt.Errorf("session.max_duration_secs %d must not be negative", cfg.Session.MaxDurationSecs))
	}
	if cfg.Session.IdleSilenceMs < 0 {
		errs = append(errs, fmt.Errorf("session.idle_silence_ms %d must not be negative", cfg.Session.IdleSilenceMs))
	} else if cfg.Session.IdleSilenceMs > 0 && cfg.Session.IdleSilenceMs < 200 {
		slog.Warn("session.idle_silence_ms is very short; natural pauses may hand the floor to the agent mid-sentence",
			"idle_silence_ms", cfg.Session.IdleSilenceMs)
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; call records will be kept in memory and lost on restart")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
