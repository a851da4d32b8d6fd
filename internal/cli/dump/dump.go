// Package dump implements the 'dwarflink dump' command, which shows the
// entries of an object and whether a link would keep them.
package dump

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/dwarflink/internal/addrmap"
	"github.com/coral-mesh/dwarflink/internal/cli/helpers"
	"github.com/coral-mesh/dwarflink/internal/errors"
	"github.com/coral-mesh/dwarflink/pkg/dwarfinfo"
	"github.com/coral-mesh/dwarflink/pkg/dwarflinker"
)

const formatTree helpers.OutputFormat = "tree"

var dumpFormats = []helpers.OutputFormat{formatTree, helpers.FormatJSON, helpers.FormatCSV}

type dumpFlags struct {
	debugMap string
	keptOnly bool
	format   string
}

// NewDumpCmd creates the dump command.
func NewDumpCmd() *cobra.Command {
	f := &dumpFlags{}

	cmd := &cobra.Command{
		Use:   "dump <object>",
		Short: "Show the entries of an object and the keep decision for each",
		Long: `Run retention analysis and type uniquing over one object and print its
entry tree, marking what a link would keep.

The object's symbol addresses come from the debug map entry whose filename
matches the object. Without --debug-map every entry is kept, as in update
mode.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(cmd, f, args[0])
		},
	}

	cmd.Flags().StringVarP(&f.debugMap, "debug-map", "m", "", "YAML debug map providing symbol addresses")
	cmd.Flags().BoolVar(&f.keptOnly, "kept-only", false, "Hide entries that would be dropped")
	helpers.AddFormatFlag(cmd, &f.format, formatTree, dumpFormats)

	return cmd
}

func runDump(cmd *cobra.Command, f *dumpFlags, path string) error {
	if err := helpers.ValidateFormat(f.format, dumpFormats); err != nil {
		return err
	}
	cfg, err := helpers.LoadConfig(cmd)
	if err != nil {
		return err
	}
	if err := helpers.ValidateConfig(cmd, cfg); err != nil {
		return err
	}
	logger := helpers.NewLogger(cmd, cfg)

	opts, err := cfg.LinkerOptions()
	if err != nil {
		return err
	}
	opts.Logger = logger

	var addrs dwarflinker.AddressMap
	if f.debugMap != "" {
		m, err := addrmap.LoadDebugMap(f.debugMap)
		if err != nil {
			return err
		}
		obj, ok := findObject(m, path)
		if !ok {
			return fmt.Errorf("%s is not listed in %s", path, f.debugMap)
		}
		addrs = addrmap.New(obj)
	} else {
		opts.Update = true
	}

	ef, err := elf.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open ELF file %s: %w", path, err)
	}
	defer errors.DeferClose(logger, ef, "failed to close object")

	file, err := dwarfinfo.FromELF(path, ef)
	if err != nil {
		return err
	}
	units, err := dwarflinker.Retained(cmd.Context(), file, addrs, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if helpers.OutputFormat(f.format) == formatTree {
		return printTrees(out, units, f.keptOnly)
	}
	formatter, err := helpers.NewFormatter(helpers.OutputFormat(f.format))
	if err != nil {
		return err
	}
	return formatter.Format(entryRows(units, f.keptOnly), out)
}

// findObject matches path against the map's filenames, first exactly,
// then by base name.
func findObject(m *addrmap.DebugMap, path string) (addrmap.Object, bool) {
	for _, o := range m.Objects {
		if o.Filename == path {
			return o, true
		}
	}
	base := filepath.Base(path)
	for _, o := range m.Objects {
		if filepath.Base(o.Filename) == base {
			return o, true
		}
	}
	return addrmap.Object{}, false
}

// entryNode adapts one entry of a unit to helpers.TreeNode.
type entryNode struct {
	unit     *dwarfinfo.Unit
	info     []dwarflinker.EntryInfo
	idx      int
	keptOnly bool
}

func (n *entryNode) GetName() string {
	e := n.unit.Entries[n.idx]
	label := fmt.Sprintf("0x%08x %s", e.Offset, tagName(e.Tag))
	if name := dwarfinfo.Name(e); name != "" {
		label += " " + name
	}
	return label
}

func (n *entryNode) GetMarker() string {
	return marker(&n.info[n.idx])
}

func (n *entryNode) GetChildren() []helpers.TreeNode {
	var out []helpers.TreeNode
	for _, c := range n.unit.Children(n.idx) {
		if n.keptOnly && !n.info[c].Keep {
			continue
		}
		out = append(out, &entryNode{unit: n.unit, info: n.info, idx: c, keptOnly: n.keptOnly})
	}
	return out
}

func marker(info *dwarflinker.EntryInfo) string {
	var parts []string
	if info.Keep {
		parts = append(parts, "kept")
	}
	if info.Elided() {
		parts = append(parts, "odr-duplicate")
	} else if info.ODRCanonical {
		parts = append(parts, "odr-canonical")
	}
	if info.Incomplete {
		parts = append(parts, "incomplete")
	}
	if info.InDebugMap && info.AddrAdjust != 0 {
		parts = append(parts, fmt.Sprintf("%+#x", info.AddrAdjust))
	}
	return strings.Join(parts, ", ")
}

// tagName spells a tag the way DW_TAG_ constants do, without the prefix.
func tagName(t dwarf.Tag) string {
	s := t.String()
	if strings.HasPrefix(s, "Tag(") {
		return s
	}
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func printTrees(w io.Writer, units []dwarflinker.UnitRetention, keptOnly bool) error {
	for _, u := range units {
		root := &entryNode{unit: u.Unit, info: u.Info, idx: 0, keptOnly: keptOnly}
		if _, err := io.WriteString(w, helpers.RenderTree(root)); err != nil {
			return err
		}
	}
	return nil
}

type entryRow struct {
	Unit   int    `header:"Unit" json:"unit"`
	Offset string `header:"Offset" json:"offset"`
	Depth  int    `header:"Depth" json:"depth"`
	Tag    string `header:"Tag" json:"tag"`
	Name   string `header:"Name" json:"name"`
	Keep   bool   `header:"Keep" json:"keep"`
	Marker string `header:"Marker" json:"marker,omitempty"`
}

func entryRows(units []dwarflinker.UnitRetention, keptOnly bool) []entryRow {
	var rows []entryRow
	for ui, u := range units {
		for i, e := range u.Unit.Entries {
			if keptOnly && !u.Info[i].Keep {
				continue
			}
			rows = append(rows, entryRow{
				Unit:   ui,
				Offset: fmt.Sprintf("0x%08x", e.Offset),
				Depth:  u.Unit.Depth(i),
				Tag:    tagName(e.Tag),
				Name:   dwarfinfo.Name(e),
				Keep:   u.Info[i].Keep,
				Marker: marker(&u.Info[i]),
			})
		}
	}
	return rows
}
