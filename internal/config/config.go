// Package config provides the configuration schema, loader, and provider
// registry for the glasses-cloud control plane.
package config

import "time"

// Config is the root configuration structure for glasses-cloud. It is
// typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Admin         AdminConfig         `yaml:"admin"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Webhook       WebhookConfig       `yaml:"webhook"`
	Session       SessionConfig       `yaml:"session"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Cache         CacheConfig         `yaml:"cache"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Media         MediaConfig         `yaml:"media"`
}

// ServerConfig holds network and logging settings for the glasses and App
// duplex endpoints.
type ServerConfig struct {
	// GlassesListenAddr is the TCP address the glasses WebSocket endpoint
	// listens on (e.g., ":8002").
	GlassesListenAddr string `yaml:"glasses_listen_addr"`

	// AppListenAddr is the TCP address the App WebSocket endpoint listens on
	// (e.g., ":8001").
	AppListenAddr string `yaml:"app_listen_addr"`

	// AuthSecret signs and verifies glasses connection tokens (HMAC).
	AuthSecret string `yaml:"auth_secret"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// AdminConfig holds settings for the internal admin/health HTTP surface.
type AdminConfig struct {
	// ListenAddr is the TCP address the admin HTTP server listens on
	// (e.g., "127.0.0.1:9090"). Empty disables the admin server.
	ListenAddr string `yaml:"listen_addr"`
}

// ProvidersConfig declares the transcription provider stack: one primary
// backend and zero or more fallbacks tried in order on failure.
type ProvidersConfig struct {
	Primary   ProviderEntry   `yaml:"primary"`
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// ProviderEntry is the configuration block for a single transcription
// backend. The Name field selects the registered constructor in the
// [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation: "azure",
	// "soniox", or "whispercpp".
	Name string `yaml:"name"`

	// APIKey / SubscriptionKey is the authentication credential for the
	// provider's API. Unused by whispercpp.
	APIKey string `yaml:"api_key"`

	// Region is required for the azure provider (e.g., "eastus").
	Region string `yaml:"region"`

	// BaseURL overrides the provider's default endpoint. Leave empty to use
	// the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// ModelPath is the whisper.cpp model file path, required by whispercpp.
	ModelPath string `yaml:"model_path"`
}

// WebhookConfig tunes the App-launch webhook client.
type WebhookConfig struct {
	// PerAttemptTimeout bounds a single HTTP call. Default 10s.
	PerAttemptTimeout time.Duration `yaml:"per_attempt_timeout"`

	// OverallTimeout bounds all attempts combined. Default 5s — note this is
	// intentionally shorter than PerAttemptTimeout * MaxAttempts; the
	// overall budget wins.
	OverallTimeout time.Duration `yaml:"overall_timeout"`

	// MaxAttempts is the number of webhook delivery attempts. Default 2.
	MaxAttempts int `yaml:"max_attempts"`
}

// SessionConfig tunes UserSession and AppManager lifecycle timers.
type SessionConfig struct {
	// GracePeriod is how long a disconnected App connection is kept pending
	// resurrection before being marked DISCONNECTED. Default 5s.
	GracePeriod time.Duration `yaml:"grace_period"`

	// DisconnectCleanupInterval is how long SessionRegistry keeps a session
	// whose glasses link dropped before disposing it. Default 60s.
	DisconnectCleanupInterval time.Duration `yaml:"disconnect_cleanup_interval"`
}

// TranscriptionConfig tunes the TranscriptionManager.
type TranscriptionConfig struct {
	// MaxTotalStreams caps concurrently open provider streams across all
	// sessions. Default 500.
	MaxTotalStreams int `yaml:"max_total_streams"`

	// IdleTimeout closes a StreamInstance that has seen no audio or results
	// for this duration. Default 30s.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// VADForceFlushInterval is passed to the TranscriptionManager as
	// ForceFlushEvery. The manager does not act on it: no timed flush of
	// audio happens. Default 10s.
	VADForceFlushInterval time.Duration `yaml:"vad_force_flush_interval"`

	// BufferCapacity is passed to the TranscriptionManager, which stores it
	// but does not queue audio per stream: each chunk goes straight to every
	// open stream. Default 50.
	BufferCapacity int `yaml:"buffer_capacity"`
}

// CacheConfig configures the optional Redis-backed last-value cache used by
// the SubscriptionIndex for location and calendar replay (no datetime value
// is cached).
// When Enabled is false, an in-memory cache is used instead.
type CacheConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CatalogConfig configures the App catalog's upstream source and on-disk
// cache snapshot.
type CatalogConfig struct {
	// SourceURL is the App-store endpoint the catalog fetches its listing
	// from (a JSON array of app records).
	SourceURL string `yaml:"source_url"`

	// SnapshotPath is where the catalog cache is durably written between
	// refreshes, using atomic rename-on-write.
	SnapshotPath string `yaml:"snapshot_path"`

	// RefreshInterval is how often the catalog is re-fetched from its
	// upstream source. Default 5m.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// SystemDashboardPackage is the package name of the always-running
	// system dashboard App, started alongside a wearer's previously-running
	// Apps the first time their glasses connect in a session. Empty
	// disables system-dashboard bootstrap.
	SystemDashboardPackage string `yaml:"system_dashboard_package"`
}

// MediaConfig configures the C7 managed-streaming extension's cloud
// ingest collaborator.
type MediaConfig struct {
	// IngestBaseURL is the cloud video-ingest provider's control endpoint
	// (start/keep-alive/stop), an external collaborator out of scope for
	// this service.
	IngestBaseURL string `yaml:"ingest_base_url"`

	// KeepAliveInterval is how often the managed stream pings the ingest
	// provider to keep the relay alive. Default 10s.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
}

// LogLevel enumerates valid server log verbosities.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the defined LogLevel constants.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	default:
		return false
	}
}
