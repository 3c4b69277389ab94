package config

// ConfigDiff describes what changed between two configs. Only fields that
// can be safely hot-reloaded are tracked; a change to Providers requires a
// process restart (provider instances are wired once at startup) and is
// surfaced here only so the caller can log and refuse to hot-apply it.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ProvidersChanged bool

	WebhookChanged       bool
	SessionChanged       bool
	TranscriptionChanged bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !providersEqual(old.Providers, new.Providers) {
		d.ProvidersChanged = true
	}

	if old.Webhook != new.Webhook {
		d.WebhookChanged = true
	}
	if old.Session != new.Session {
		d.SessionChanged = true
	}
	if old.Transcription != new.Transcription {
		d.TranscriptionChanged = true
	}

	return d
}

func providersEqual(a, b ProvidersConfig) bool {
	if a.Primary != b.Primary {
		return false
	}
	if len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for i := range a.Fallbacks {
		if a.Fallbacks[i] != b.Fallbacks[i] {
			return false
		}
	}
	return true
}
