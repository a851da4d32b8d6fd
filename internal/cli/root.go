package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/dwarflink/internal/cli/config"
	"github.com/coral-mesh/dwarflink/internal/cli/dump"
	"github.com/coral-mesh/dwarflink/internal/cli/link"
	"github.com/coral-mesh/dwarflink/internal/constants"
	"github.com/coral-mesh/dwarflink/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "dwarflink",
	Short: "dwarflink - link DWARF debug info into a standalone bundle",
	Long: `Link the DWARF debug info of the objects that went into a binary into one
set of debug sections, keeping only what describes live code and data.

Key capabilities:
- Dead-entry stripping driven by the binary's debug map
- C++ type uniquing across compile units (ODR)
- Line tables, range and location lists relocated to final addresses
- Accelerator tables: Apple hash tables, .debug_names, .debug_pubnames
- DWARF versions 2 through 5 on output`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", constants.ConfigFile, "Config file (env: "+constants.ConfigEnv+")")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(link.NewLinkCmd())
	rootCmd.AddCommand(dump.NewDumpCmd())
	rootCmd.AddCommand(config.NewConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("dwarflink version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}

// Execute runs the root command. An interrupt cancels the running link.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
