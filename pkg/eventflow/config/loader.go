package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Load reads path (if non-empty), overlays the environment and validates.
func Load(path string) (Settings, error) {
	s := Default()
	if path != "" {
		var err error
		if s, err = FromFile(path); err != nil {
			return Settings{}, err
		}
	}
	if err := ApplyEnv(&s); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// FromFile loads settings from a file, auto-detecting format by extension.
// Supported extensions: .yaml, .yml, .json
func FromFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Settings{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML on top of Default(). Unknown keys are rejected.
func FromYAML(data []byte) (Settings, error) {
	s := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return s, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Settings{}, fmt.Errorf("parse yaml: %w", err)
	}
	return s, nil
}

// FromJSON parses JSON on top of Default(). JSON is decoded as YAML so that
// durations may be written as strings such as "5s".
func FromJSON(data []byte) (Settings, error) {
	s, err := FromYAML(data)
	if err != nil {
		return Settings{}, fmt.Errorf("parse json: %w", err)
	}
	return s, nil
}

// ApplyEnv overlays EVENTFLOW_* environment variables onto s.
func ApplyEnv(s *Settings) error {
	return ApplyEnvFrom(s, nil)
}

// ApplyEnvFrom is ApplyEnv with an explicit environment; nil reads the process
// environment.
func ApplyEnvFrom(s *Settings, environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(s, opts); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}
