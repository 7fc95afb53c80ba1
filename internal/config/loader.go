package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
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

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Discord
	if cfg.Discord.BotToken == "" {
		errs = append(errs, errors.New("discord.bot_token is required"))
	}

	// Recognition
	rec := cfg.Recognition
	switch {
	case rec.Provider == "":
		errs = append(errs, errors.New("recognition.provider is required; valid values: azure, deepgram"))
	case !rec.Provider.IsValid():
		errs = append(errs, fmt.Errorf("recognition.provider %q is invalid; valid values: azure, deepgram", rec.Provider))
	case rec.Provider == ProviderAzure:
		if rec.Azure.SubscriptionKey == "" {
			errs = append(errs, errors.New("recognition.azure.subscription_key is required when provider is azure"))
		}
		if rec.Azure.Region == "" {
			errs = append(errs, errors.New("recognition.azure.region is required when provider is azure"))
		}
	case rec.Provider == ProviderDeepgram:
		if rec.Deepgram.APIKey == "" {
			errs = append(errs, errors.New("recognition.deepgram.api_key is required when provider is deepgram"))
		}
	}
	if rec.ConfidenceThreshold < 0 || rec.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("recognition.confidence_threshold %.2f is out of range [0, 1]", rec.ConfidenceThreshold))
	}
	if rec.RestartDelayMs < 0 {
		errs = append(errs, fmt.Errorf("recognition.restart_delay_ms must not be negative, got %d", rec.RestartDelayMs))
	}
	if rec.MaxConsecutiveRestartFailures < 0 {
		errs = append(errs, fmt.Errorf("recognition.max_consecutive_restart_failures must not be negative, got %d", rec.MaxConsecutiveRestartFailures))
	}
	if rec.PollIntervalMs < 0 {
		errs = append(errs, fmt.Errorf("recognition.poll_interval_ms must not be negative, got %d", rec.PollIntervalMs))
	}
	for i, kw := range rec.Keywords {
		if kw.Keyword == "" {
			errs = append(errs, fmt.Errorf("recognition.keywords[%d].keyword is required", i))
		}
		if kw.Boost < 0 {
			errs = append(errs, fmt.Errorf("recognition.keywords[%d].boost must not be negative, got %.2f", i, kw.Boost))
		}
	}

	// VAD: the three thresholds are either all left at zero (detector
	// defaults) or supplied together with a coherent ordering.
	vad := cfg.VAD
	if vad.VoiceThresholdDB != 0 || vad.VoiceReleaseThresholdDB != 0 || vad.SilenceThresholdDB != 0 {
		if vad.VoiceReleaseThresholdDB >= vad.VoiceThresholdDB {
			errs = append(errs, fmt.Errorf("vad.voice_release_threshold_db (%.1f) must be below vad.voice_threshold_db (%.1f)",
				vad.VoiceReleaseThresholdDB, vad.VoiceThresholdDB))
		}
		if vad.SilenceThresholdDB > vad.VoiceReleaseThresholdDB {
			errs = append(errs, fmt.Errorf("vad.silence_threshold_db (%.1f) must not exceed vad.voice_release_threshold_db (%.1f)",
				vad.SilenceThresholdDB, vad.VoiceReleaseThresholdDB))
		}
	}
	for name, v := range map[string]int{
		"vad.min_voice_duration_ms": vad.MinVoiceDurationMs,
		"vad.silence_duration_ms":   vad.SilenceDurationMs,
		"vad.activity_interval_ms":  vad.ActivityIntervalMs,
		"vad.silence_warning_ms":    vad.SilenceWarningMs,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", name, v))
		}
	}

	// Audio
	if cfg.Audio.TargetSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.target_sample_rate must not be negative, got %d", cfg.Audio.TargetSampleRate))
	}
	if c := cfg.Audio.TargetChannels; c != 0 && c != 1 && c != 2 {
		errs = append(errs, fmt.Errorf("audio.target_channels must be 1 or 2, got %d", c))
	}
	if cfg.Audio.MaxGain < 0 {
		errs = append(errs, fmt.Errorf("audio.max_gain must not be negative, got %.2f", cfg.Audio.MaxGain))
	}

	// Session
	for name, v := range map[string]int{
		"session.idle_timeout_ms":     cfg.Session.IdleTimeoutMs,
		"session.sweep_interval_ms":   cfg.Session.SweepIntervalMs,
		"session.teardown_timeout_ms": cfg.Session.TeardownTimeoutMs,
		"session.connect_timeout_ms":  cfg.Session.ConnectTimeoutMs,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", name, v))
		}
	}

	return errors.Join(errs...)
}
