package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known transcription provider names. Used by
// [Validate] to warn about unrecognised provider names (a typo, or a
// third-party provider wired outside this repo).
var ValidProviderNames = []string{"azure", "soniox", "whispercpp"}

// Load reads the YAML configuration file at path, applies defaults, and
// returns a validated [Config]. It is a convenience wrapper around
// [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued tunables with their production defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Webhook.PerAttemptTimeout <= 0 {
		cfg.Webhook.PerAttemptTimeout = 10 * time.Second
	}
	if cfg.Webhook.OverallTimeout <= 0 {
		cfg.Webhook.OverallTimeout = 5 * time.Second
	}
	if cfg.Webhook.MaxAttempts <= 0 {
		cfg.Webhook.MaxAttempts = 2
	}
	if cfg.Session.GracePeriod <= 0 {
		cfg.Session.GracePeriod = 5 * time.Second
	}
	if cfg.Session.DisconnectCleanupInterval <= 0 {
		cfg.Session.DisconnectCleanupInterval = 60 * time.Second
	}
	if cfg.Transcription.MaxTotalStreams <= 0 {
		cfg.Transcription.MaxTotalStreams = 500
	}
	if cfg.Transcription.IdleTimeout <= 0 {
		cfg.Transcription.IdleTimeout = 30 * time.Second
	}
	if cfg.Transcription.VADForceFlushInterval <= 0 {
		cfg.Transcription.VADForceFlushInterval = 10 * time.Second
	}
	if cfg.Transcription.BufferCapacity <= 0 {
		cfg.Transcription.BufferCapacity = 50
	}
	if cfg.Catalog.RefreshInterval <= 0 {
		cfg.Catalog.RefreshInterval = 5 * time.Minute
	}
	if cfg.Media.KeepAliveInterval <= 0 {
		cfg.Media.KeepAliveInterval = 10 * time.Second
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Providers.Primary.Name == "" {
		errs = append(errs, errors.New("providers.primary.name is required"))
	} else {
		validateProviderEntry("providers.primary", cfg.Providers.Primary, &errs)
	}
	for i, fb := range cfg.Providers.Fallbacks {
		prefix := fmt.Sprintf("providers.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderEntry(prefix, fb, &errs)
	}

	if cfg.Webhook.MaxAttempts < 1 {
		errs = append(errs, errors.New("webhook.max_attempts must be at least 1"))
	}
	if cfg.Webhook.OverallTimeout > 0 && cfg.Webhook.PerAttemptTimeout > cfg.Webhook.OverallTimeout {
		slog.Warn("webhook.per_attempt_timeout exceeds webhook.overall_timeout; overall budget wins",
			"per_attempt", cfg.Webhook.PerAttemptTimeout, "overall", cfg.Webhook.OverallTimeout)
	}

	if cfg.Cache.Enabled && cfg.Cache.Addr == "" {
		errs = append(errs, errors.New("cache.addr is required when cache.enabled is true"))
	}

	return errors.Join(errs...)
}

// validateProviderEntry checks a single provider entry's required fields
// based on its Name, and warns if the name is unrecognised.
func validateProviderEntry(prefix string, entry ProviderEntry, errs *[]error) {
	if !slices.Contains(ValidProviderNames, entry.Name) {
		slog.Warn("unknown provider name — may be a typo or third-party provider",
			"field", prefix, "name", entry.Name, "known", ValidProviderNames)
	}
	switch entry.Name {
	case "azure":
		if entry.Region == "" {
			*errs = append(*errs, fmt.Errorf("%s.region is required for the azure provider", prefix))
		}
		if entry.APIKey == "" {
			*errs = append(*errs, fmt.Errorf("%s.api_key is required for the azure provider", prefix))
		}
	case "soniox":
		if entry.APIKey == "" {
			*errs = append(*errs, fmt.Errorf("%s.api_key is required for the soniox provider", prefix))
		}
	case "whispercpp":
		if entry.ModelPath == "" {
			*errs = append(*errs, fmt.Errorf("%s.model_path is required for the whispercpp provider", prefix))
		}
	}
}
