package helpers

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/dwarflink/internal/errors"
)

// AddFormatFlag adds a standard --format/-f flag to a command.
// Validates that the format is in the supportedFormats list.
func AddFormatFlag(cmd *cobra.Command, formatVar *string, defaultFormat OutputFormat, supportedFormats []OutputFormat) {
	formatNames := make([]string, len(supportedFormats))
	for i, f := range supportedFormats {
		formatNames[i] = string(f)
	}

	description := fmt.Sprintf("Output format (%s)", strings.Join(formatNames, ", "))
	cmd.Flags().StringVarP(formatVar, "format", "f", string(defaultFormat), description)

	errors.Must(cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return formatNames, cobra.ShellCompDirectiveNoFileComp
	}), "register format completion")
}

// AddVerboseFlag adds a standard --verbose/-v flag.
func AddVerboseFlag(cmd *cobra.Command, verboseVar *bool) {
	cmd.Flags().BoolVarP(verboseVar, "verbose", "v", false, "Verbose output (show additional details)")
}

// AddAcceleratorFlag adds a repeatable --accelerator flag with completion
// for the table kinds the linker knows.
func AddAcceleratorFlag(cmd *cobra.Command, accelVar *[]string) {
	cmd.Flags().StringSliceVar(accelVar, "accelerator", nil, "Accelerator tables to emit (apple, debug_names, pub)")

	errors.Must(cmd.RegisterFlagCompletionFunc("accelerator", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"apple", "debug_names", "pub"}, cobra.ShellCompDirectiveNoFileComp
	}), "register accelerator completion")
}

// ValidateFormat checks if the format is in the supported list.
func ValidateFormat(format string, supported []OutputFormat) error {
	for _, s := range supported {
		if format == string(s) {
			return nil
		}
	}

	supportedNames := make([]string, len(supported))
	for i, s := range supported {
		supportedNames[i] = string(s)
	}

	return fmt.Errorf("unsupported format %q, must be one of: %s",
		format, strings.Join(supportedNames, ", "))
}
