package config

// ConfigDiff describes what changed between two configs.
// Hot-reloadable changes apply to calls answered after the reload; live
// sessions keep the settings they started with.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// EngineChanged is true when per-session engine settings changed
	// (voice, system prompt, or sample rate overrides).
	EngineChanged bool

	// VADChanged is true when speech detection tuning changed.
	VADChanged bool

	// SessionChanged is true when per-call limits changed.
	SessionChanged bool

	// RestartRequired is true when a structural section changed: listen
	// addresses, TLS, telephony framing, the engine endpoint or dial
	// settings, or the store DSN. These only take effect on restart.
	RestartRequired bool
}

// Hot reports whether the diff carries any change that can be applied to a
// running server.
func (d ConfigDiff) Hot() bool {
	return d.LogLevelChanged || d.EngineChanged || d.VADChanged || d.SessionChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Engine.Voice != new.Engine.Voice ||
		old.Engine.SystemPrompt != new.Engine.SystemPrompt ||
		old.Engine.InputSampleRate != new.Engine.InputSampleRate ||
		old.Engine.OutputSampleRate != new.Engine.OutputSampleRate {
		d.EngineChanged = true
	}

	if old.VAD != new.VAD {
		d.VADChanged = true
	}

	if old.Session != new.Session {
		d.SessionChanged = true
	}

	if serverRestartNeeded(old.Server, new.Server) ||
		old.Telephony != new.Telephony ||
		engineRestartNeeded(old.Engine, new.Engine) ||
		old.Store != new.Store {
		d.RestartRequired = true
	}

	return d
}

// serverRestartNeeded compares the server sections ignoring the log level,
// which reloads live.
func serverRestartNeeded(old, new ServerConfig) bool {
	if old.ListenAddr != new.ListenAddr || old.OpsAddr != new.OpsAddr {
		return true
	}
	return !tlsEqual(old.TLS, new.TLS)
}

// engineRestartNeeded compares the connection-level engine fields; the
// per-session fields are handled as hot changes.
func engineRestartNeeded(old, new EngineConfig) bool {
	return old.Provider != new.Provider ||
		old.URL != new.URL ||
		old.APIKey != new.APIKey ||
		old.Model != new.Model ||
		old.DialAttempts != new.DialAttempts ||
		old.Breaker != new.Breaker
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
