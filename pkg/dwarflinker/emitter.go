package dwarflinker

import (
	"debug/dwarf"

	"github.com/coral-mesh/dwarflink/pkg/dwarfinfo"
)

// Section names an output section.
type Section int

// Output sections.
const (
	SectionInfo Section = iota
	SectionAbbrev
	SectionStr
	SectionLine
	SectionRanges
	SectionRngLists
	SectionLoc
	SectionLocLists
	SectionAranges
	SectionPubNames
	SectionPubTypes
	SectionAppleNames
	SectionAppleTypes
	SectionAppleNamespaces
	SectionAppleObjC
	SectionDebugNames
	SectionFrame
)

var sectionNames = [...]string{
	SectionInfo:            ".debug_info",
	SectionAbbrev:          ".debug_abbrev",
	SectionStr:             ".debug_str",
	SectionLine:            ".debug_line",
	SectionRanges:          ".debug_ranges",
	SectionRngLists:        ".debug_rnglists",
	SectionLoc:             ".debug_loc",
	SectionLocLists:        ".debug_loclists",
	SectionAranges:         ".debug_aranges",
	SectionPubNames:        ".debug_pubnames",
	SectionPubTypes:        ".debug_pubtypes",
	SectionAppleNames:      ".apple_names",
	SectionAppleTypes:      ".apple_types",
	SectionAppleNamespaces: ".apple_namespaces",
	SectionAppleObjC:       ".apple_objc",
	SectionDebugNames:      ".debug_names",
	SectionFrame:           ".debug_frame",
}

// Name returns the ELF section name.
func (s Section) Name() string {
	if int(s) < len(sectionNames) {
		return sectionNames[s]
	}
	return ""
}

// AllSections lists every section an emitter may produce.
func AllSections() []Section {
	out := make([]Section, len(sectionNames))
	for i := range out {
		out[i] = Section(i)
	}
	return out
}

// PubEntry is one entry of a public names or types table.
type PubEntry struct {
	Name string
	// Offset is relative to the start of the unit.
	Offset uint64
}

// OutputUnit is a laid-out output compile unit.
type OutputUnit struct {
	// Index is the emission order of the unit across the run.
	Index    int
	Version  uint16
	AddrSize int
	// Offset is the start of the unit header in .debug_info; Size covers
	// the header and every entry.
	Offset uint64
	Size   uint64
	Root   DIEHandle
	Name   string

	// Ranges are the merged output address ranges of the unit.
	Ranges   []dwarfinfo.Range
	PubNames []PubEntry
	PubTypes []PubEntry

	lines       *dwarfinfo.LineTable
	stmtPatch   attrPatch
	rangePatch  []rangePatch
	locPatch    []locPatch
	refFixups   []refFixup
	pubDrafts   [2][]pubDraft
	sourceUnit  *CompileUnit
	isPaperUnit bool
}

// Emitter turns the linked output into section bytes.
//
// The core calls the Emit methods from a single goroutine, one file at a
// time. SectionSize and Finish are the only synchronization points it
// depends on.
type Emitter interface {
	// EmitCompileUnit writes the unit header and its entry tree. String
	// attributes may be written as placeholders until Finish.
	EmitCompileUnit(a *Arena, u *OutputUnit) error
	EmitAbbrevs(abbrevs []*Abbrev) error
	EmitStrings(pool *StringPool) error

	// EmitLineTable writes a line program and returns its section offset.
	EmitLineTable(u *OutputUnit, t *dwarfinfo.LineTable) (uint64, error)

	// Range and location lists are written as a header, fragments, and a
	// footer per unit. Fragments return their section offset.
	EmitRangeListHeader(u *OutputUnit)
	EmitRangeListFragment(u *OutputUnit, ranges []dwarfinfo.Range) uint64
	EmitRangeListFooter(u *OutputUnit)
	EmitLocListHeader(u *OutputUnit)
	EmitLocListFragment(u *OutputUnit, entries []dwarfinfo.LocEntry) uint64
	EmitLocListFooter(u *OutputUnit)

	EmitAranges(u *OutputUnit, ranges []dwarfinfo.Range)
	EmitPubNames(u *OutputUnit, entries []PubEntry)
	EmitPubTypes(u *OutputUnit, entries []PubEntry)
	EmitAppleTables(t *AccelTables, pool *StringPool)
	EmitDebugNames(t *AccelTables, pool *StringPool)

	// EmitCIE writes a common information entry body and returns its offset.
	EmitCIE(body []byte) uint64
	EmitFDE(cieOffset uint64, addrSize int, address, length uint64, instructions []byte)

	SectionSize(s Section) uint64
	Finish() error
}

// AccelEntry maps a name to an output entry.
type AccelEntry struct {
	Name StringRef
	Tag  dwarf.Tag
	// Offset is the absolute .debug_info offset of the entry and Unit the
	// emission index of its unit.
	Offset uint64
	Unit   int

	die DIEHandle
}

// AccelTables collects accelerator entries across the run.
type AccelTables struct {
	Names      []AccelEntry
	Types      []AccelEntry
	Namespaces []AccelEntry
	ObjC       []AccelEntry
	// DebugNames admits every name, whatever its table above.
	DebugNames []AccelEntry
	// UnitOffsets lists the .debug_info offset of every emitted unit.
	UnitOffsets []uint64
}

func (t *AccelTables) resolve(a *Arena) {
	for _, list := range []*[]AccelEntry{&t.Names, &t.Types, &t.Namespaces, &t.ObjC, &t.DebugNames} {
		for i := range *list {
			e := &(*list)[i]
			d := a.DIE(e.die)
			e.Offset = d.Offset
			e.Unit = d.Unit
		}
	}
}
