// Package config implements the 'dwarflink config' command family.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/dwarflink/internal/cli/helpers"
	"github.com/coral-mesh/dwarflink/internal/config"
	"github.com/coral-mesh/dwarflink/internal/constants"
	"github.com/coral-mesh/dwarflink/internal/safe"
)

// NewConfigCmd creates the config command and its subcommands.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage dwarflink configuration",
		Long: `Manage dwarflink configuration.

Configuration Priority:
  1. Command-line flags (highest)
  2. DWARFLINK_* environment variables
  3. Config file (--config, DWARFLINK_CONFIG, or ./dwarflink.yaml)
  4. Built-in defaults

Environment Variables:
  DWARFLINK_CONFIG    Override the config file path`,
	}

	cmd.AddCommand(newViewCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newSchemaCmd())
	cmd.AddCommand(newInitCmd())

	return cmd
}

// newViewCmd creates the 'config view' command.
func newViewCmd() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "view",
		Short: "Show merged configuration",
		Long: `Display the effective configuration after defaults, the config file and
the environment are merged.

Use --raw to output the merged config without annotations.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runView(cmd, raw)
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "Output raw YAML without annotations")

	return cmd
}

func runView(cmd *cobra.Command, raw bool) error {
	cfg, err := helpers.LoadConfig(cmd)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !raw {
		path, _ := helpers.ConfigPath(cmd)
		fmt.Fprintf(out, "# Config file: %s (%s)\n", path, fileState(path))
		fmt.Fprintln(out, "#")
		fmt.Fprintln(out, "# Config sources (priority order):")
		fmt.Fprintln(out, "#   1. Command-line flags (highest)")
		fmt.Fprintf(out, "#   2. %s* environment variables\n", constants.EnvPrefix)
		fmt.Fprintln(out, "#   3. Config file")
		fmt.Fprintln(out, "#   4. Defaults")
		fmt.Fprintln(out)
	}
	_, err = out.Write(data)
	return err
}

func fileState(path string) string {
	if _, err := os.Stat(path); err != nil {
		return "not present"
	}
	return "present"
}

// newValidateCmd creates the 'config validate' command.
func newValidateCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the merged configuration",
		Long: `Validate the merged configuration and report every error.

Checks:
- DWARF version between 1 and 5
- Known, non-repeated accelerator kinds
- Prefix map entries of the form old=new
- Thread count, module cache size, byte order and log level`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, format)
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, []helpers.OutputFormat{
		helpers.FormatTable,
		helpers.FormatJSON,
	})

	return cmd
}

type validationResult struct {
	Field   string `header:"Field" json:"field"`
	Message string `header:"Error" json:"message"`
}

func runValidate(cmd *cobra.Command, format string) error {
	cfg, err := helpers.LoadConfig(cmd)
	if err != nil {
		return err
	}

	var results []validationResult
	if err := cfg.Validate(); err != nil {
		var multi *config.MultiValidationError
		if !errors.As(err, &multi) {
			return err
		}
		for _, e := range multi.Errors {
			results = append(results, validationResult{Field: e.Field, Message: e.Message})
		}
	}

	out := cmd.OutOrStdout()
	if format == string(helpers.FormatJSON) {
		output := struct {
			Valid  bool               `json:"valid"`
			Errors []validationResult `json:"errors"`
		}{
			Valid:  len(results) == 0,
			Errors: append([]validationResult{}, results...),
		}
		if err := (&helpers.JSONFormatter{}).Format(output, out); err != nil {
			return err
		}
	} else if len(results) == 0 {
		fmt.Fprintln(out, "Configuration is valid.")
	} else if err := (&helpers.TableFormatter{}).Format(results, out); err != nil {
		return err
	}

	if len(results) > 0 {
		return fmt.Errorf("validation failed with %d errors", len(results))
	}
	return nil
}

// newSchemaCmd creates the 'config schema' command.
func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return err
		},
	}
}

// newInitCmd creates the 'config init' command.
func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file holding the defaults",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := constants.ConfigFile
			if len(args) == 1 {
				path = args[0]
			}
			return runInit(cmd, path, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}

func runInit(cmd *cobra.Command, path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg := config.DefaultLinkConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	logger := helpers.NewLogger(cmd, cfg)
	if err := safe.WriteFile(path, data, 0o644, logger); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return err
}
