// Package link implements the 'dwarflink link' command.
package link

import (
	"debug/dwarf"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/dwarflink/internal/addrmap"
	"github.com/coral-mesh/dwarflink/internal/cli/helpers"
	"github.com/coral-mesh/dwarflink/internal/config"
	"github.com/coral-mesh/dwarflink/internal/emit"
	"github.com/coral-mesh/dwarflink/internal/modules"
	"github.com/coral-mesh/dwarflink/pkg/dwarfinfo"
	"github.com/coral-mesh/dwarflink/pkg/dwarflinker"
)

type linkFlags struct {
	debugMap     string
	output       string
	dwarfVersion uint16
	noODR        bool
	update       bool
	threads      int
	accelerators []string
	prefixMap    []string
	verify       bool
	paperTrail   bool
	statistics   bool
	verbose      bool
	keepStatic   bool
	prependPath  string
	format       string
}

// input is one object to link with its address map. addrs is nil in
// update mode.
type input struct {
	path  string
	addrs dwarflinker.AddressMap
}

// NewLinkCmd creates the link command.
func NewLinkCmd() *cobra.Command {
	return newLinkCmd(&linkFlags{})
}

func newLinkCmd(f *linkFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link [object...]",
		Short: "Link the debug info of object files",
		Long: `Link the DWARF of the objects that went into a binary into one set of
debug sections.

With --debug-map, the objects and the final address of their symbols are
read from a YAML debug map, and only the debug info describing code and
data that made it into the binary is kept. With --update, the objects given
as arguments are relinked whole and only their lookup tables are rebuilt.

Each section is written to its own file in the output directory.

Configuration is read from dwarflink.yaml (or --config, or DWARFLINK_CONFIG),
then DWARFLINK_* environment variables, then flags.`,
		Example: `  dwarflink link --debug-map app.map.yaml -o app.dwarf
  dwarflink link --debug-map app.map.yaml --dwarf-version 5 --accelerator debug_names
  dwarflink link --update --statistics a.o b.o`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLink(cmd, f, args)
		},
	}

	cmd.Flags().StringVarP(&f.debugMap, "debug-map", "m", "", "YAML debug map listing the objects and their symbol addresses")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Directory receiving the linked sections")
	cmd.Flags().Uint16Var(&f.dwarfVersion, "dwarf-version", 0, "DWARF version of the output (1-5)")
	cmd.Flags().BoolVar(&f.noODR, "no-odr", false, "Disable type uniquing across compile units")
	cmd.Flags().BoolVar(&f.update, "update", false, "Keep every entry and only rebuild the lookup tables")
	cmd.Flags().IntVarP(&f.threads, "threads", "j", 0, "Number of objects analyzed concurrently")
	helpers.AddAcceleratorFlag(cmd, &f.accelerators)
	cmd.Flags().StringSliceVar(&f.prefixMap, "prefix-map", nil, "Rewrite path prefixes (old=new, repeatable)")
	cmd.Flags().BoolVar(&f.verify, "verify", false, "Verify input debug info before linking")
	cmd.Flags().BoolVar(&f.paperTrail, "paper-trail", false, "Record link warnings in the output debug info")
	cmd.Flags().BoolVar(&f.statistics, "statistics", false, "Print per-object link statistics")
	cmd.Flags().BoolVar(&f.keepStatic, "keep-function-for-static", false, "Keep function-local statics with a live address")
	cmd.Flags().StringVar(&f.prependPath, "prepend-path", "", "Directory prepended to object and module paths")
	helpers.AddVerboseFlag(cmd, &f.verbose)
	helpers.AddFormatFlag(cmd, &f.format, helpers.FormatTable, []helpers.OutputFormat{
		helpers.FormatTable,
		helpers.FormatJSON,
		helpers.FormatCSV,
	})

	return cmd
}

// applyFlags overrides cfg with the flags set on the command line.
func applyFlags(cmd *cobra.Command, f *linkFlags, cfg *config.LinkConfig) {
	flags := cmd.Flags()
	if flags.Changed("output") {
		cfg.Output.Directory = f.output
	}
	if flags.Changed("dwarf-version") {
		cfg.DWARFVersion = f.dwarfVersion
	}
	if flags.Changed("no-odr") {
		cfg.NoODR = f.noODR
	}
	if flags.Changed("update") {
		cfg.Update = f.update
	}
	if flags.Changed("threads") {
		cfg.Threads = f.threads
	}
	if flags.Changed("accelerator") {
		cfg.Accelerators = f.accelerators
	}
	if flags.Changed("prefix-map") {
		cfg.PrefixMap = f.prefixMap
	}
	if flags.Changed("verify") {
		cfg.VerifyInput = f.verify
	}
	if flags.Changed("paper-trail") {
		cfg.PaperTrail = f.paperTrail
	}
	if flags.Changed("statistics") {
		cfg.Statistics = f.statistics
	}
	if flags.Changed("keep-function-for-static") {
		cfg.KeepFunctionForStatic = f.keepStatic
	}
	if flags.Changed("prepend-path") {
		cfg.Modules.PrependPath = f.prependPath
	}
	if flags.Changed("verbose") {
		cfg.Verbose = f.verbose
	}
}

func runLink(cmd *cobra.Command, f *linkFlags, args []string) error {
	if err := helpers.ValidateFormat(f.format, []helpers.OutputFormat{
		helpers.FormatTable, helpers.FormatJSON, helpers.FormatCSV,
	}); err != nil {
		return err
	}

	cfg, err := helpers.LoadConfig(cmd)
	if err != nil {
		return err
	}
	applyFlags(cmd, f, cfg)
	if err := helpers.ValidateConfig(cmd, cfg); err != nil {
		return err
	}

	logger := helpers.NewLogger(cmd, cfg)
	inputs, err := collectInputs(f.debugMap, args, cfg)
	if err != nil {
		return err
	}

	opts, err := cfg.LinkerOptions()
	if err != nil {
		return err
	}
	opts.Logger = logger
	if cfg.Verbose {
		opts.Warning = logWarning(logger)
	}
	opts.InputVerification = func(file *dwarfinfo.File, problems []string) {
		logger.Warn().Str("file", file.Name).Strs("problems", problems).Msg("Input verification failed")
	}

	em := emit.New(cfg.ByteOrder(), logger)
	linker, err := dwarflinker.New(em, opts)
	if err != nil {
		return err
	}

	loader := modules.NewLoader(cfg.Modules.PrependPath, cfg.Modules.CacheSize, logger)
	added := 0
	for _, in := range inputs {
		file, err := dwarfinfo.Load(in.path)
		if err != nil {
			// An unreadable object loses its debug info but not the link.
			logger.Warn().Err(err).Str("file", in.path).Msg("Skipping object")
			continue
		}
		if err := linker.AddFile(file, in.addrs, loader); err != nil {
			return err
		}
		added++
	}
	if added == 0 {
		return fmt.Errorf("no object could be loaded")
	}

	start := time.Now()
	if err := linker.Link(cmd.Context()); err != nil {
		return fmt.Errorf("link failed: %w", err)
	}
	if err := em.WriteDir(cfg.Output.Directory); err != nil {
		return err
	}
	logger.Info().Str("output", cfg.Output.Directory).Int("objects", added).
		Dur("elapsed", time.Since(start)).Msg("Wrote linked sections")

	if cfg.Statistics {
		return printStats(cmd.OutOrStdout(), linker.Stats(), helpers.OutputFormat(f.format))
	}
	return nil
}

// collectInputs lists the objects to link. A debug map provides objects
// and addresses; without one, only update mode has anything to keep.
func collectInputs(debugMap string, args []string, cfg *config.LinkConfig) ([]input, error) {
	if debugMap == "" {
		if len(args) == 0 {
			return nil, fmt.Errorf("either --debug-map or object arguments are required")
		}
		if !cfg.Update {
			return nil, fmt.Errorf("objects without a debug map can only be linked with --update")
		}
		inputs := make([]input, 0, len(args))
		for _, a := range args {
			inputs = append(inputs, input{path: resolvePath(cfg.Modules.PrependPath, a)})
		}
		return inputs, nil
	}

	if len(args) > 0 {
		return nil, fmt.Errorf("object arguments cannot be combined with --debug-map")
	}
	m, err := addrmap.LoadDebugMap(debugMap)
	if err != nil {
		return nil, err
	}
	inputs := make([]input, 0, len(m.Objects))
	for _, o := range m.Objects {
		inputs = append(inputs, input{
			path:  resolvePath(cfg.Modules.PrependPath, o.Filename),
			addrs: addrmap.New(o),
		})
	}
	return inputs, nil
}

func resolvePath(prepend, path string) string {
	if prepend == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(prepend, path)
}

type statsRow struct {
	File         string `header:"File" json:"file"`
	Units        int    `header:"Units" json:"units"`
	InputEntries int    `header:"Input DIEs" json:"input_entries"`
	KeptEntries  int    `header:"Kept DIEs" json:"kept_entries"`
	ODRElided    int    `header:"ODR elided" json:"odr_elided"`
	OutputBytes  uint64 `header:"Info bytes" json:"output_bytes"`
	FDEs         int    `header:"FDEs" json:"fdes"`
	Warnings     int    `header:"Warnings" json:"warnings"`
	Skipped      bool   `header:"Skipped" json:"skipped"`
}

func printStats(w io.Writer, stats []dwarflinker.FileStats, format helpers.OutputFormat) error {
	rows := make([]statsRow, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, statsRow{
			File:         s.File,
			Units:        s.Units,
			InputEntries: s.InputEntries,
			KeptEntries:  s.KeptEntries,
			ODRElided:    s.ODRElided,
			OutputBytes:  s.OutputBytes,
			FDEs:         s.FDEs,
			Warnings:     s.Warnings,
			Skipped:      s.Skipped,
		})
	}
	formatter, err := helpers.NewFormatter(format)
	if err != nil {
		return err
	}
	return formatter.Format(rows, w)
}

// logWarning forwards linker warnings at debug level with the entry that
// caused them; the linker already logs the message itself.
func logWarning(logger zerolog.Logger) dwarflinker.MessageHandler {
	return func(msg, file string, e *dwarf.Entry) {
		if e == nil {
			return
		}
		logger.Debug().Str("file", file).Interface("fields", e.Field).Msg(msg)
	}
}
