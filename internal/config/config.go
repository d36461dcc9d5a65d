// Package config provides the configuration schema and loader for the Parley
// voice chat client.
package config

import (
	"github.com/MrWong99/parley/pkg/audio"
)

// LogLevel controls log verbosity.
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

// APIKeyEnv is the environment variable consulted when service.api_key is
// not set in the config file.
const APIKeyEnv = "PARLEY_API_KEY"

// Config is the root configuration structure for Parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Audio     AudioConfig     `yaml:"audio"`
	History   HistoryConfig   `yaml:"history"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`
}

// ServiceConfig holds the connection settings for the conversational AI
// service.
type ServiceConfig struct {
	// APIKey authenticates against the service. When empty, the loader
	// falls back to the [APIKeyEnv] environment variable.
	APIKey string `yaml:"api_key"`

	// Model selects the speech-to-speech model. Leave empty to use the
	// provider's default.
	Model string `yaml:"model"`

	// Voice selects the synthesised voice for agent replies.
	Voice string `yaml:"voice"`

	// Persona is the system instruction shaping the agent's behaviour.
	Persona string `yaml:"persona"`

	// Transcription enables live transcription of both sides of the
	// conversation. Default: true.
	Transcription *bool `yaml:"transcription"`

	// Reconnect enables automatic session restart with backoff after a
	// service-side error. Off by default: errors surface and the user
	// re-initiates manually.
	Reconnect bool `yaml:"reconnect"`
}

// AudioConfig holds sample-rate and buffering settings for the capture and
// playback paths.
type AudioConfig struct {
	// CaptureRate is the microphone sample rate in Hz. Default: 16000.
	CaptureRate int `yaml:"capture_rate"`

	// PlaybackRate is the speaker sample rate in Hz. Default: 24000.
	PlaybackRate int `yaml:"playback_rate"`

	// FrameSize is the number of samples per captured frame. Default: 256.
	FrameSize int `yaml:"frame_size"`

	// QueueSize bounds the outbound frame queue; the oldest frame is dropped
	// when the service cannot keep up. Default: 64.
	QueueSize int `yaml:"queue_size"`
}

// HistoryConfig holds the optional conversation archive settings.
type HistoryConfig struct {
	// Path is the SQLite database file. Empty disables archiving.
	Path string `yaml:"path"`
}

// TelemetryConfig holds the metrics listener settings.
type TelemetryConfig struct {
	// ListenAddr is the TCP address for the Prometheus scrape endpoint
	// (e.g., ":9090"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`
}

// TranscriptionEnabled resolves the transcription toggle, defaulting to true.
func (s ServiceConfig) TranscriptionEnabled() bool {
	return s.Transcription == nil || *s.Transcription
}

// applyDefaults fills zero-valued fields with their documented defaults.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = LogInfo
	}
	if c.Audio.CaptureRate == 0 {
		c.Audio.CaptureRate = audio.CaptureRate
	}
	if c.Audio.PlaybackRate == 0 {
		c.Audio.PlaybackRate = audio.PlaybackRate
	}
	if c.Audio.FrameSize == 0 {
		c.Audio.FrameSize = audio.FrameSize
	}
	if c.Audio.QueueSize == 0 {
		c.Audio.QueueSize = 64
	}
}
