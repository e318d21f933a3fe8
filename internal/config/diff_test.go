package config_test

import (
	"testing"

	"github.com/tiendavoz/callbridge/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{
			Primary: config.ProviderEntry{Name: "openai-realtime", APIKey: "k", Voice: "alloy", Instructions: "hi"},
			Fallback: []config.ProviderEntry{
				{Name: "gemini-live", APIKey: "g", Voice: "Puck"},
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	d := config.Diff(baseConfig(), baseConfig())
	if d.LogLevelChanged || d.ProvidersChanged || d.RestartRequired {
		t.Errorf("diff = %+v, want empty", d)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()

	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug
	new.Providers.Primary.Instructions = "be brief"
	new.Providers.Fallback[0].Voice = "Kore"

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if d.RestartRequired {
		t.Error("RestartRequired set for hot-reloadable change")
	}
	if !d.ProvidersChanged || len(d.ProviderChanges) != 2 {
		t.Fatalf("provider changes = %+v", d.ProviderChanges)
	}
	if pc := d.ProviderChanges[0]; pc.Slot != "primary" || !pc.InstructionsChanged || pc.VoiceChanged {
		t.Errorf("primary diff = %+v", pc)
	}
	if pc := d.ProviderChanges[1]; pc.Slot != "fallback[0]" || !pc.VoiceChanged || pc.Name != "gemini-live" {
		t.Errorf("fallback diff = %+v", pc)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "listen addr", mutate: func(c *config.Config) { c.Server.ListenAddr = ":9000" }},
		{name: "provider name", mutate: func(c *config.Config) { c.Providers.Primary.Name = "gemini-live" }},
		{name: "api key", mutate: func(c *config.Config) { c.Providers.Fallback[0].APIKey = "new" }},
		{name: "fallback added", mutate: func(c *config.Config) {
			c.Providers.Fallback = append(c.Providers.Fallback, config.ProviderEntry{Name: "openai-realtime"})
		}},
		{name: "telephony toggled", mutate: func(c *config.Config) { c.Telephony.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			new := baseConfig()
			tt.mutate(new)
			if d := config.Diff(baseConfig(), new); !d.RestartRequired {
				t.Errorf("RestartRequired = false for %s", tt.name)
			}
		})
	}
}
