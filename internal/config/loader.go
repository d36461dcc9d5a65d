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

// LoadFromReader decodes a YAML config from r, applies defaults and the
// API-key environment fallback, and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if cfg.Service.APIKey == "" {
		cfg.Service.APIKey = os.Getenv(APIKeyEnv)
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

	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Service.APIKey == "" {
		errs = append(errs, fmt.Errorf("service.api_key is required (or set %s)", APIKeyEnv))
	}
	if cfg.Audio.CaptureRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d must be positive", cfg.Audio.CaptureRate))
	}
	if cfg.Audio.PlaybackRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.playback_rate %d must be positive", cfg.Audio.PlaybackRate))
	}
	if cfg.Audio.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}
	if cfg.Audio.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.queue_size %d must be positive", cfg.Audio.QueueSize))
	}

	return errors.Join(errs...)
}
