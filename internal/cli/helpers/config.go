package helpers

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/dwarflink/internal/config"
	"github.com/coral-mesh/dwarflink/internal/constants"
	"github.com/coral-mesh/dwarflink/internal/logging"
)

// ConfigPath returns the config file a command should read and whether
// the user asked for it explicitly. --config wins over DWARFLINK_CONFIG,
// which wins over ./dwarflink.yaml.
func ConfigPath(cmd *cobra.Command) (string, bool) {
	if f := cmd.Flags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String(), true
	}
	if p := os.Getenv(constants.ConfigEnv); p != "" {
		return p, true
	}
	return constants.ConfigFile, false
}

// LoadConfig loads the layered configuration for cmd and applies the
// --log-level override.
func LoadConfig(cmd *cobra.Command) (*config.LinkConfig, error) {
	path, required := ConfigPath(cmd)
	cfg, err := config.NewLayeredLoader().LoadLinkConfig(path, required)
	if err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.Logging.Level = f.Value.String()
	}
	return cfg, nil
}

// NewLogger builds the process logger from cfg.
func NewLogger(cmd *cobra.Command, cfg *config.LinkConfig) zerolog.Logger {
	return logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})
}

// ValidateConfig returns cfg's validation error prefixed with its source.
func ValidateConfig(cmd *cobra.Command, cfg *config.LinkConfig) error {
	if err := cfg.Validate(); err != nil {
		path, _ := ConfigPath(cmd)
		return fmt.Errorf("invalid configuration (%s): %w", path, err)
	}
	return nil
}
