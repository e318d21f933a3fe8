package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownProviders lists the provider names that ship with callbridge.
// Used by [Validate] to warn about unrecognised provider names.
var KnownProviders = []string{"openai-realtime", "gemini-live"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown fields are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.Primary.Name == "" {
		errs = append(errs, errors.New("providers.primary.name is required"))
	}
	type labelled struct {
		prefix string
		entry  ProviderEntry
	}
	var entries []labelled
	if cfg.Providers.Primary.Name != "" {
		entries = append(entries, labelled{"providers.primary", cfg.Providers.Primary})
	}
	for i, fb := range cfg.Providers.Fallback {
		entries = append(entries, labelled{fmt.Sprintf("providers.fallback[%d]", i), fb})
	}
	seen := make(map[string]string)
	for _, le := range entries {
		prefix, entry := le.prefix, le.entry
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		key := entry.Name + "|" + entry.BaseURL + "|" + entry.Model
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Errorf("%s duplicates %s", prefix, prev))
		}
		seen[key] = prefix
		validateProviderName(prefix, entry.Name)
		errs = append(errs, validateCredentials(prefix, entry)...)
	}

	// Capture and playback
	if cfg.Capture.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("capture.frame_size %d must be positive", cfg.Capture.FrameSize))
	}
	if cfg.Capture.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("capture.poll_interval %s must be positive", cfg.Capture.PollInterval))
	}
	if cfg.Playback.Codec != "" && !cfg.Playback.Codec.IsValid() {
		errs = append(errs, fmt.Errorf("playback.codec %q is invalid; valid values: pcm16, wav, opus", cfg.Playback.Codec))
	}
	if cfg.Playback.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("playback.queue_size %d must be positive", cfg.Playback.QueueSize))
	}

	// Session
	if cfg.Session.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %s must not be negative", cfg.Session.ConnectTimeout))
	}

	// Telephony
	if cfg.Telephony.Enabled && cfg.Telephony.StreamPath != "" && cfg.Telephony.StreamPath[0] != '/' {
		errs = append(errs, fmt.Errorf("telephony.stream_path %q must start with /", cfg.Telephony.StreamPath))
	}
	if cfg.Telephony.MaxCalls < 0 {
		errs = append(errs, fmt.Errorf("telephony.max_calls %d must not be negative", cfg.Telephony.MaxCalls))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 || cfg.Resilience.HalfOpenMax < 0 || cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, errors.New("resilience values must not be negative"))
	}

	return errors.Join(errs...)
}

// validateCredentials checks that a known provider has a way to authenticate.
func validateCredentials(prefix string, entry ProviderEntry) []error {
	switch entry.Name {
	case "gemini-live":
		if entry.APIKey == "" {
			return []error{fmt.Errorf("%s: gemini-live requires api_key", prefix)}
		}
		if entry.Minter != nil {
			slog.Warn("minter is ignored for gemini-live", "entry", prefix)
		}
	case "openai-realtime":
		if entry.APIKey == "" && (entry.Minter == nil || entry.Minter.URL == "") {
			return []error{fmt.Errorf("%s: openai-realtime requires api_key or minter.url", prefix)}
		}
	}
	return nil
}

// validateProviderName logs a warning if name is not one of [KnownProviders].
func validateProviderName(prefix, name string) {
	if slices.Contains(KnownProviders, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"entry", prefix,
		"name", name,
		"known", KnownProviders,
	)
}
