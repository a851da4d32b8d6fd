package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/dwarflink/internal/safe"
)

// Layer represents a configuration layer source.
type Layer string

const (
	// LayerDefaults represents default configuration values.
	LayerDefaults Layer = "defaults"

	// LayerFile represents configuration from a file.
	LayerFile Layer = "file"

	// LayerEnv represents configuration from environment variables.
	LayerEnv Layer = "env"
)

// LayeredLoader provides layered configuration loading.
// Configuration is loaded in the following order:
// 1. Defaults - DefaultLinkConfig()
// 2. File - configuration file (YAML)
// 3. Environment - DWARFLINK_* variables
//
// Each layer overrides values from previous layers. Command-line flags are
// applied by the caller on the returned config.
type LayeredLoader struct {
	enabledLayers map[Layer]bool
}

// NewLayeredLoader creates a loader with every layer enabled.
func NewLayeredLoader() *LayeredLoader {
	return &LayeredLoader{
		enabledLayers: map[Layer]bool{
			LayerDefaults: true,
			LayerFile:     true,
			LayerEnv:      true,
		},
	}
}

// EnableLayer enables a specific configuration layer.
func (l *LayeredLoader) EnableLayer(layer Layer) {
	l.enabledLayers[layer] = true
}

// DisableLayer disables a specific configuration layer.
func (l *LayeredLoader) DisableLayer(layer Layer) {
	l.enabledLayers[layer] = false
}

// LoadLinkConfig loads the link configuration. A missing file at
// configPath is not an error unless required is set.
func (l *LayeredLoader) LoadLinkConfig(configPath string, required bool) (*LinkConfig, error) {
	cfg := &LinkConfig{}
	if l.enabledLayers[LayerDefaults] {
		cfg = DefaultLinkConfig()
	}

	if l.enabledLayers[LayerFile] && configPath != "" {
		if err := l.mergeFromFile(cfg, configPath); err != nil {
			if required || !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to load config from file: %w", err)
			}
		}
	}

	if l.enabledLayers[LayerEnv] {
		if err := LoadFromEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from environment: %w", err)
		}
	}

	return cfg, nil
}

// mergeFromFile loads configuration from a YAML file and merges it into cfg.
func (l *LayeredLoader) mergeFromFile(cfg any, filePath string) error {
	data, err := safe.ReadFile(filePath, nil)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}
