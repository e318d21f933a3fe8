package config

import "strconv"

// ConfigDiff describes what changed between two configs.
// Only fields that take effect without a restart are tracked: the log level
// and the per-provider session settings read when a new session is created.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ProvidersChanged bool
	ProviderChanges  []ProviderDiff

	// RestartRequired is set when a field that is only read at startup
	// changed, e.g. the listen address or a provider's name or endpoint.
	RestartRequired bool
}

// ProviderDiff describes what changed for one provider slot.
type ProviderDiff struct {
	// Slot is "primary" or "fallback[i]".
	Slot                string
	Name                string
	VoiceChanged        bool
	InstructionsChanged bool
	ModelChanged        bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Telephony.Enabled != new.Telephony.Enabled ||
		old.Telephony.StreamPath != new.Telephony.StreamPath ||
		old.Observe.MetricsPath != new.Observe.MetricsPath {
		d.RestartRequired = true
	}

	d.diffSlot("primary", old.Providers.Primary, new.Providers.Primary)
	if len(old.Providers.Fallback) != len(new.Providers.Fallback) {
		d.RestartRequired = true
	}
	for i := range min(len(old.Providers.Fallback), len(new.Providers.Fallback)) {
		d.diffSlot(slotName(i), old.Providers.Fallback[i], new.Providers.Fallback[i])
	}
	return d
}

func (d *ConfigDiff) diffSlot(slot string, old, new ProviderEntry) {
	if old.Name != new.Name || old.BaseURL != new.BaseURL || old.APIKey != new.APIKey {
		d.RestartRequired = true
	}
	pd := ProviderDiff{
		Slot:                slot,
		Name:                new.Name,
		VoiceChanged:        old.Voice != new.Voice,
		InstructionsChanged: old.Instructions != new.Instructions,
		ModelChanged:        old.Model != new.Model,
	}
	if pd.VoiceChanged || pd.InstructionsChanged || pd.ModelChanged {
		d.ProviderChanges = append(d.ProviderChanges, pd)
		d.ProvidersChanged = true
	}
}

func slotName(i int) string {
	return "fallback[" + strconv.Itoa(i) + "]"
}
