package dwarflinker

import (
	"debug/dwarf"
	"fmt"
	"sort"

	"github.com/coral-mesh/dwarflink/pkg/dwarfinfo"
)

// resolveOffset finds the unit owning off and the entry starting exactly
// there. Units must be ordered by offset.
func resolveOffset(units []*CompileUnit, off dwarf.Offset) (*CompileUnit, int, bool) {
	i := sort.Search(len(units), func(i int) bool { return units[i].Orig.End > off })
	if i == len(units) || !units[i].Orig.Contains(off) {
		return nil, 0, false
	}
	idx, ok := units[i].Orig.Index(off)
	if !ok {
		return nil, 0, false
	}
	return units[i], idx, true
}

// resolveField resolves the reference held by f, an attribute of the entry
// at idx in cu. Failures are reported as warnings and yield ok == false.
func (l *Linker) resolveField(cu *CompileUnit, idx int, f *dwarf.Field) (*CompileUnit, int, bool) {
	e := cu.Orig.Entries[idx]
	switch f.Class {
	case dwarf.ClassReferenceSig:
		l.warn(cu.ctx, "type unit references are not supported", e)
		return nil, 0, false
	case dwarf.ClassReferenceAlt:
		l.warn(cu.ctx, "supplementary object file references are not supported", e)
		return nil, 0, false
	}

	off, ok := dwarfinfo.RefOffset(f)
	if !ok {
		return nil, 0, false
	}
	tcu, tidx, ok := resolveOffset(cu.ctx.Units, off)
	if !ok {
		l.warn(cu.ctx, fmt.Sprintf("could not find referenced entry at 0x%x for %s", off, f.Attr), e)
		return nil, 0, false
	}
	return tcu, tidx, true
}

// followRedirects maps an entry of an ODR duplicate onto its canonical
// counterpart. Canonical entries may themselves sit in a later duplicate's
// redirect chain, so the walk repeats until it lands on a surviving entry.
func followRedirects(cu *CompileUnit, idx int) (*CompileUnit, int) {
	for cu.Info != nil && cu.Info[idx].elided {
		info := &cu.Info[idx]
		cu, idx = info.redirectUnit, int(info.redirectIdx)
	}
	return cu, idx
}
