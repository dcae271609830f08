// Package config loads shmbuscli's YAML configuration file, mirroring the
// validating-proxy pattern used throughout the control plane this bus was
// lifted out of.
package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/yanet-platform/shmbus/internal/logging"
)

// Config is the top-level shmbuscli configuration.
type Config config
type config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`
	// Path identifies the bus: its System V IPC keys are derived from this
	// file's (device, inode) pair, same as the original's ftok(path, ...).
	Path string `yaml:"path"`
	// NumItems selects fixed-width mode when nonzero; zero selects
	// variable-width mode, where ItemSize is the whole ring's byte capacity.
	NumItems uint64 `yaml:"num_items"`
	// ItemSize is the payload capacity per message (fixed mode) or the
	// ring's total byte capacity (variable mode).
	ItemSize datasize.ByteSize `yaml:"item_size"`
}

// DefaultConfig returns the configuration used when no file overrides a
// field: variable-width mode over a 1 MiB ring, at info log level.
func DefaultConfig() *Config {
	return &Config{
		Logging: logging.Config{
			Level: zapcore.InfoLevel,
		},
		Path:     "/var/run/shmbus",
		NumItems: 0,
		ItemSize: 1 * datasize.MB,
	}
}

// LoadConfig loads the configuration from path, layering it over
// DefaultConfig so an unset field keeps its default.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}

	return cfg, nil
}

// UnmarshalYAML serves as a proxy for validation.
//
// To avoid infinite recursion, the validating wrapper casts itself to the
// private config struct. This allows the decoder to operate on it using the
// default behavior for handling Go structs without an unmarshal method.
func (m *Config) UnmarshalYAML(value *yaml.Node) error {
	if err := value.Decode((*config)(m)); err != nil {
		return err
	}
	return m.Validate()
}

// Validate validates the configuration.
func (m *Config) Validate() error {
	if m.Path == "" {
		return fmt.Errorf("path is not configured")
	}
	if m.ItemSize == 0 {
		return fmt.Errorf("item_size must be nonzero")
	}
	return nil
}
