package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Validate] when the corresponding field is zero.
const (
	DefaultListenAddr = ":8080"

	DefaultSilenceHangoverMs  = 800
	DefaultMaxUtteranceMs     = 3000
	DefaultTurnCooldownMs     = 500
	DefaultPacketIntervalMs   = 200
	DefaultPollIntervalMs     = 50
	DefaultMetadataFallbackMs = 1000
	DefaultSignedURLTimeoutMs = 3000
	DefaultFrameSampleRate    = 50
)

// DefaultNudgeScheduleMs is the default agent nudge schedule.
var DefaultNudgeScheduleMs = []int{2000, 4000, 6000}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, validates the result, and
// fills in defaults. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values and fills in
// defaults for zero-valued fields. It returns a joined error listing all
// validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Auth
	if cfg.Auth.Token == "" {
		slog.Warn("auth.token is empty; media-stream endpoints will accept any caller")
	}

	// Agent provider
	if cfg.ElevenLabs.APIKey == "" {
		errs = append(errs, errors.New("elevenlabs.api_key is required"))
	}

	// Agents: at least one mode must be routable.
	if cfg.Agents.Discovery == "" && cfg.Agents.Daily == "" {
		errs = append(errs, errors.New("agents: at least one of agents.discovery or agents.daily is required"))
	}
	if cfg.Agents.Discovery == "" {
		slog.Warn("agents.discovery is empty; discovery calls will use the daily agent")
	}
	if cfg.Agents.Daily == "" {
		slog.Warn("agents.daily is empty; daily calls will use the discovery agent")
	}

	if cfg.Profiles.PostgresDSN == "" {
		slog.Warn("profiles.postgres_dsn is empty; calls will run without caller profiles")
	}

	errs = append(errs, validateTunables(&cfg.Tunables)...)

	return errors.Join(errs...)
}

// validateTunables rejects negative values and applies defaults.
func validateTunables(t *TunablesConfig) []error {
	var errs []error

	fields := []struct {
		name string
		val  *int
		def  int
	}{
		{"tunables.silence_hangover_ms", &t.SilenceHangoverMs, DefaultSilenceHangoverMs},
		{"tunables.max_utterance_ms", &t.MaxUtteranceMs, DefaultMaxUtteranceMs},
		{"tunables.turn_cooldown_ms", &t.TurnCooldownMs, DefaultTurnCooldownMs},
		{"tunables.packet_interval_ms", &t.PacketIntervalMs, DefaultPacketIntervalMs},
		{"tunables.poll_interval_ms", &t.PollIntervalMs, DefaultPollIntervalMs},
		{"tunables.metadata_fallback_ms", &t.MetadataFallbackMs, DefaultMetadataFallbackMs},
		{"tunables.signed_url_timeout_ms", &t.SignedURLTimeoutMs, DefaultSignedURLTimeoutMs},
		{"tunables.frame_sample_rate", &t.FrameSampleRate, DefaultFrameSampleRate},
	}
	for _, f := range fields {
		if *f.val < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative (got %d)", f.name, *f.val))
			continue
		}
		if *f.val == 0 {
			*f.val = f.def
		}
	}

	if t.MaxUtteranceMs < t.SilenceHangoverMs {
		errs = append(errs, fmt.Errorf("tunables.max_utterance_ms (%d) must be at least tunables.silence_hangover_ms (%d)", t.MaxUtteranceMs, t.SilenceHangoverMs))
	}

	if t.NudgeScheduleMs == nil {
		t.NudgeScheduleMs = append([]int(nil), DefaultNudgeScheduleMs...)
	}
	for i, ms := range t.NudgeScheduleMs {
		if ms <= 0 {
			errs = append(errs, fmt.Errorf("tunables.nudge_schedule_ms[%d] must be positive (got %d)", i, ms))
		}
	}

	return errs
}
