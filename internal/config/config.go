// Package config provides the configuration schema and loader for the
// Voxscribe transcription service.
package config

import "log/slog"

// LogLevel controls log verbosity for the Voxscribe server.
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

// Level converts l to a [slog.Level]. Unrecognised or empty values map to
// info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Provider selects the recognition backend.
type Provider string

const (
	// ProviderAzure uses Azure Speech continuous recognition.
	ProviderAzure Provider = "azure"

	// ProviderDeepgram uses the Deepgram streaming API.
	ProviderDeepgram Provider = "deepgram"
)

// IsValid reports whether p is a recognised provider.
func (p Provider) IsValid() bool {
	return p == ProviderAzure || p == ProviderDeepgram
}

// Config is the root configuration structure for Voxscribe.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
//
// All *_ms fields are plain millisecond integers; zero means "use the
// component default". They are converted to durations at composition time.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Discord     DiscordConfig     `yaml:"discord"`
	Recognition RecognitionConfig `yaml:"recognition"`
	VAD         VADConfig         `yaml:"vad"`
	Audio       AudioConfig       `yaml:"audio"`
	Session     SessionConfig     `yaml:"session"`
}

// ServerConfig holds network and logging settings for the HTTP sidecar
// (metrics and health endpoints).
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// DiscordConfig holds the bot credentials and chat behaviour.
type DiscordConfig struct {
	// BotToken authenticates the gateway session.
	BotToken string `yaml:"bot_token"`

	// GuildID, when set, scopes slash-command registration to one guild
	// (instant propagation; useful for development). Empty registers
	// commands globally.
	GuildID string `yaml:"guild_id"`

	// PostTranscripts controls whether final transcripts are posted back to
	// the text channel the /listen command came from.
	PostTranscripts bool `yaml:"post_transcripts"`
}

// KeywordBoost biases recognition towards a domain word.
type KeywordBoost struct {
	// Keyword is the word or phrase to boost.
	Keyword string `yaml:"keyword"`

	// Boost is the provider-specific intensifier (Deepgram: added log odds).
	Boost float64 `yaml:"boost"`
}

// RecognitionConfig selects and tunes the recognition backend.
type RecognitionConfig struct {
	// Provider selects the backend: "azure" or "deepgram".
	Provider Provider `yaml:"provider"`

	// Azure credentials; required when Provider is "azure".
	Azure AzureConfig `yaml:"azure"`

	// Deepgram credentials; required when Provider is "deepgram".
	Deepgram DeepgramConfig `yaml:"deepgram"`

	// Language is the BCP-47 recognition language (e.g., "en-US").
	Language string `yaml:"language"`

	// Keywords bias recognition towards domain vocabulary.
	Keywords []KeywordBoost `yaml:"keywords"`

	// ConfidenceThreshold gates final results (0.0–1.0). Zero uses the
	// default of 0.6.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// RestartDelayMs is the minimum spacing between recognizer restarts.
	RestartDelayMs int `yaml:"restart_delay_ms"`

	// MaxConsecutiveRestartFailures is the restart budget before a session
	// fails fatally.
	MaxConsecutiveRestartFailures int `yaml:"max_consecutive_restart_failures"`

	// PollIntervalMs spaces the connection-status polls.
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

// AzureConfig holds Azure Speech credentials.
type AzureConfig struct {
	SubscriptionKey string `yaml:"subscription_key"`
	Region          string `yaml:"region"`
}

// DeepgramConfig holds Deepgram credentials.
type DeepgramConfig struct {
	APIKey string `yaml:"api_key"`

	// Model selects the Deepgram model (e.g., "nova-3").
	Model string `yaml:"model"`
}

// VADConfig tunes the voice-activity detector. Thresholds are dBFS
// (negative). Zero values use the detector defaults.
type VADConfig struct {
	VoiceThresholdDB        float64 `yaml:"voice_threshold_db"`
	VoiceReleaseThresholdDB float64 `yaml:"voice_release_threshold_db"`
	SilenceThresholdDB      float64 `yaml:"silence_threshold_db"`

	MinVoiceDurationMs int `yaml:"min_voice_duration_ms"`
	SilenceDurationMs  int `yaml:"silence_duration_ms"`
	ActivityIntervalMs int `yaml:"activity_interval_ms"`
	SilenceWarningMs   int `yaml:"silence_warning_ms"`
}

// AudioConfig tunes the transcode target and the pre-recognition filter.
type AudioConfig struct {
	// TargetSampleRate is the PCM rate handed to the recognizer.
	// Default: 16000.
	TargetSampleRate int `yaml:"target_sample_rate"`

	// TargetChannels is 1 (mono) or 2. Default: 1.
	TargetChannels int `yaml:"target_channels"`

	// GateThresholdDB mutes chunks peaking below this dBFS level.
	// Zero disables the gate.
	GateThresholdDB float64 `yaml:"gate_threshold_db"`

	// NormalizeTargetDB is the peak level quiet chunks are boosted towards.
	// Zero disables normalization.
	NormalizeTargetDB float64 `yaml:"normalize_target_db"`

	// MaxGain caps the normalization gain factor.
	MaxGain float64 `yaml:"max_gain"`
}

// SessionConfig tunes the session registry and connection handling.
type SessionConfig struct {
	// IdleTimeoutMs is how long a session may go without activity before the
	// sweep expires it.
	IdleTimeoutMs int `yaml:"idle_timeout_ms"`

	// SweepIntervalMs spaces the idle sweeps.
	SweepIntervalMs int `yaml:"sweep_interval_ms"`

	// TeardownTimeoutMs bounds one session's graceful teardown.
	TeardownTimeoutMs int `yaml:"teardown_timeout_ms"`

	// ConnectTimeoutMs bounds the voice-channel ready wait.
	ConnectTimeoutMs int `yaml:"connect_timeout_ms"`
}
