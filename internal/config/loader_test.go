package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tiendavoz/callbridge/internal/config"
	"github.com/tiendavoz/callbridge/pkg/provider/s2s"
	"github.com/tiendavoz/callbridge/pkg/provider/s2s/mock"
)

const fullYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  shutdown_timeout: 5s
providers:
  primary:
    name: openai-realtime
    model: gpt-4o-realtime-preview
    voice: verse
    instructions: "You are a phone assistant."
    minter:
      url: http://localhost:3000/session
      timeout: 3s
      headers:
        X-Backend-Key: secret
  fallback:
    - name: gemini-live
      api_key: g-key
      voice: Puck
session:
  connect_timeout: 10s
  keepalive_interval: -1s
capture:
  frame_size: 1024
playback:
  codec: pcm16
  queue_size: 64
telephony:
  enabled: true
  max_calls: 4
resilience:
  max_failures: 3
  reset_timeout: 1m
observe:
  metrics_path: /metrics
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("shutdown_timeout = %s, want 5s", cfg.Server.ShutdownTimeout)
	}
	p := cfg.Providers.Primary
	if p.Name != "openai-realtime" || p.Voice != "verse" || p.Minter == nil || p.Minter.Timeout != 3*time.Second {
		t.Errorf("primary = %+v", p)
	}
	if p.Minter.Headers["X-Backend-Key"] != "secret" {
		t.Errorf("minter headers = %v", p.Minter.Headers)
	}
	if len(cfg.Providers.Fallback) != 1 || cfg.Providers.Fallback[0].APIKey != "g-key" {
		t.Errorf("fallback = %+v", cfg.Providers.Fallback)
	}
	if all := cfg.Providers.All(); len(all) != 2 || all[0].Name != "openai-realtime" {
		t.Errorf("All() = %+v", all)
	}
	if cfg.Session.ConnectTimeout != 10*time.Second || cfg.Session.KeepaliveInterval != -time.Second {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Capture.FrameSize != 1024 {
		t.Errorf("frame_size = %d, want 1024", cfg.Capture.FrameSize)
	}
	if !cfg.Telephony.Enabled || cfg.Telephony.StreamPath != "/media-stream" || cfg.Telephony.MaxCalls != 4 {
		t.Errorf("telephony = %+v", cfg.Telephony)
	}
	if cfg.Resilience.MaxFailures != 3 || cfg.Resilience.ResetTimeout != time.Minute {
		t.Errorf("resilience = %+v", cfg.Resilience)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(`
providers:
  primary:
    name: gemini-live
    api_key: k
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Capture.FrameSize != 4096 {
		t.Errorf("frame_size = %d, want 4096", cfg.Capture.FrameSize)
	}
	if cfg.Playback.Codec != config.CodecPCM16 || cfg.Playback.QueueSize != 256 {
		t.Errorf("playback = %+v", cfg.Playback)
	}
	if cfg.Observe.ServiceName != "callbridge" {
		t.Errorf("service_name = %q", cfg.Observe.ServiceName)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "missing primary",
			yaml: `server: {log_level: info}`,
			want: []string{"providers.primary.name is required"},
		},
		{
			name: "bad log level and codec",
			yaml: `
server: {log_level: loud}
providers: {primary: {name: gemini-live, api_key: k}}
playback: {codec: mp3}
`,
			want: []string{"server.log_level", "playback.codec"},
		},
		{
			name: "gemini without key",
			yaml: `providers: {primary: {name: gemini-live}}`,
			want: []string{"gemini-live requires api_key"},
		},
		{
			name: "openai without credentials",
			yaml: `providers: {primary: {name: openai-realtime}}`,
			want: []string{"openai-realtime requires api_key or minter.url"},
		},
		{
			name: "unnamed fallback",
			yaml: `
providers:
  primary: {name: gemini-live, api_key: k}
  fallback: [{api_key: x}]
`,
			want: []string{"providers.fallback[0].name is required"},
		},
		{
			name: "duplicate entries",
			yaml: `
providers:
  primary: {name: gemini-live, api_key: k}
  fallback: [{name: gemini-live, api_key: k2}]
`,
			want: []string{"providers.fallback[0] duplicates providers.primary"},
		},
		{
			name: "relative stream path",
			yaml: `
providers: {primary: {name: gemini-live, api_key: k}}
telephony: {enabled: true, stream_path: media}
`,
			want: []string{"telephony.stream_path"},
		},
		{
			name: "half-configured tls",
			yaml: `
server: {tls: {cert_file: a.pem}}
providers: {primary: {name: gemini-live, api_key: k}}
`,
			want: []string{"server.tls"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %q", err, w)
				}
			}
		})
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(`
providers: {primary: {name: gemini-live, api_key: k}}
shops: []
`))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.Register("mock", func(e config.ProviderEntry) (s2s.Provider, error) {
		return &mock.Provider{ProviderName: e.Name}, nil
	})
	reg.Register("broken", func(config.ProviderEntry) (s2s.Provider, error) {
		return nil, errors.New("no key")
	})

	p, err := reg.Create(config.ProviderEntry{Name: "mock"})
	if err != nil || p.Name() != "mock" {
		t.Fatalf("Create(mock) = %v, %v", p, err)
	}
	if _, err := reg.Create(config.ProviderEntry{Name: "absent"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("Create(absent) err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.Create(config.ProviderEntry{Name: "broken"}); err == nil || errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("Create(broken) err = %v, want factory error", err)
	}
	if names := reg.Names(); len(names) != 2 || names[0] != "broken" || names[1] != "mock" {
		t.Errorf("Names = %v", names)
	}
}
