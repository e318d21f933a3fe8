// Package config provides the configuration schema, loader, and provider registry
// for the callbridge server.
package config

import "time"

// LogLevel controls log verbosity for the callbridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// PlaybackCodec selects how inbound provider audio chunks are decoded.
type PlaybackCodec string

const (
	CodecPCM16 PlaybackCodec = "pcm16"
	CodecWAV   PlaybackCodec = "wav"
	CodecOpus  PlaybackCodec = "opus"
)

// IsValid reports whether c is a recognised codec.
func (c PlaybackCodec) IsValid() bool {
	switch c {
	case CodecPCM16, CodecWAV, CodecOpus:
		return true
	}
	return false
}

// MIMEType returns the MIME type understood by playback.DecoderFor.
func (c PlaybackCodec) MIMEType() string {
	switch c {
	case CodecWAV:
		return "audio/wav"
	case CodecOpus:
		return "audio/opus"
	default:
		return "audio/pcm"
	}
}

// Config is the root configuration structure for callbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Session    SessionConfig    `yaml:"session"`
	Capture    CaptureConfig    `yaml:"capture"`
	Playback   PlaybackConfig   `yaml:"playback"`
	Telephony  TelephonyConfig  `yaml:"telephony"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Observe    ObserveConfig    `yaml:"observe"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on. Default: ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig names the speech-to-speech provider used for new sessions
// and the providers tried, in order, when it cannot connect.
type ProvidersConfig struct {
	Primary  ProviderEntry   `yaml:"primary"`
	Fallback []ProviderEntry `yaml:"fallback"`
}

// All returns the primary followed by the fallbacks. An unnamed primary is
// omitted.
func (p ProvidersConfig) All() []ProviderEntry {
	var out []ProviderEntry
	if p.Primary.Name != "" {
		out = append(out, p.Primary)
	}
	return append(out, p.Fallback...)
}

// ProviderEntry configures one speech-to-speech provider.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider ("openai-realtime", "gemini-live").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. For openai-realtime it is
	// sent as a static bearer token when no minter is configured.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Voice is the provider voice name.
	Voice string `yaml:"voice"`

	// Instructions is the system prompt sent in the setup message.
	Instructions string `yaml:"instructions"`

	// Minter configures ephemeral token minting (openai-realtime only).
	Minter *MinterConfig `yaml:"minter"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// MinterConfig points at a backend endpoint that mints short-lived tokens.
type MinterConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// SessionConfig tunes the transport session.
type SessionConfig struct {
	// ConnectTimeout bounds dial plus setup. Zero means no timeout.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// KeepaliveInterval is the ping period. Zero selects the default; negative
	// disables keepalive.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

// CaptureConfig tunes the capture encoder.
type CaptureConfig struct {
	// FrameSize is the number of samples per outbound frame. Default: 4096.
	FrameSize int `yaml:"frame_size"`

	// PollInterval is the fallback pump period. Default: 20ms.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// PlaybackConfig tunes the playback pipeline.
type PlaybackConfig struct {
	// Codec of inbound audio chunks. Default: pcm16.
	Codec PlaybackCodec `yaml:"codec"`

	// QueueSize bounds chunks waiting for playback. Default: 256.
	QueueSize int `yaml:"queue_size"`
}

// TelephonyConfig enables the Twilio media-stream endpoint.
type TelephonyConfig struct {
	Enabled bool `yaml:"enabled"`

	// StreamPath is the WebSocket route. Default: "/media-stream".
	StreamPath string `yaml:"stream_path"`

	// StreamBuffer is how many inbound media payloads are buffered per call.
	StreamBuffer int `yaml:"stream_buffer"`

	// MaxCalls caps concurrent calls. Zero means unlimited.
	MaxCalls int `yaml:"max_calls"`
}

// ResilienceConfig tunes the per-provider circuit breakers.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// ObserveConfig toggles metrics and tracing.
type ObserveConfig struct {
	// MetricsPath serves Prometheus metrics. Empty disables the endpoint.
	MetricsPath string `yaml:"metrics_path"`

	// ServiceName labels exported telemetry. Default: "callbridge".
	ServiceName string `yaml:"service_name"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Capture.FrameSize == 0 {
		c.Capture.FrameSize = 4096
	}
	if c.Capture.PollInterval == 0 {
		c.Capture.PollInterval = 20 * time.Millisecond
	}
	if c.Playback.Codec == "" {
		c.Playback.Codec = CodecPCM16
	}
	if c.Playback.QueueSize == 0 {
		c.Playback.QueueSize = 256
	}
	if c.Telephony.StreamPath == "" {
		c.Telephony.StreamPath = "/media-stream"
	}
	if c.Observe.ServiceName == "" {
		c.Observe.ServiceName = "callbridge"
	}
}
