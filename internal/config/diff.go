package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely applied without a restart are tracked:
// log level, agent routing, and timing tunables. Server address, TLS and
// credentials require a restart and are ignored here.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AgentsChanged is true when either mode now routes to a different agent.
	// In-flight calls keep their agent; only new calls are affected.
	AgentsChanged bool

	// TunablesChanged is true when any timing knob changed. Applies to new
	// calls only.
	TunablesChanged bool
}

// Any reports whether the diff carries any change at all.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.AgentsChanged || d.TunablesChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Agents != new.Agents {
		d.AgentsChanged = true
	}

	if !tunablesEqual(old.Tunables, new.Tunables) {
		d.TunablesChanged = true
	}

	return d
}

func tunablesEqual(a, b TunablesConfig) bool {
	return a.SilenceHangoverMs == b.SilenceHangoverMs &&
		a.MaxUtteranceMs == b.MaxUtteranceMs &&
		a.TurnCooldownMs == b.TurnCooldownMs &&
		a.PacketIntervalMs == b.PacketIntervalMs &&
		a.PollIntervalMs == b.PollIntervalMs &&
		a.MetadataFallbackMs == b.MetadataFallbackMs &&
		a.SignedURLTimeoutMs == b.SignedURLTimeoutMs &&
		a.FrameSampleRate == b.FrameSampleRate &&
		slices.Equal(a.NudgeScheduleMs, b.NudgeScheduleMs)
}
