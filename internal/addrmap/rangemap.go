package addrmap

import (
	"debug/dwarf"
	"sort"

	"github.com/coral-mesh/dwarflink/pkg/dwarfexpr"
	"github.com/coral-mesh/dwarflink/pkg/dwarfinfo"
)

type symbolRange struct {
	low, high uint64
	adjust    int64
}

// RangeMap answers relocation queries for one object from the placement
// of its symbols. It is not safe for concurrent use; the linker only
// queries it from the goroutine analyzing its object.
type RangeMap struct {
	ranges []symbolRange
}

// New builds the map of one debug map object. Zero-sized symbols cover
// their start address only.
func New(o Object) *RangeMap {
	m := &RangeMap{ranges: make([]symbolRange, 0, len(o.Symbols))}
	for _, s := range o.Symbols {
		size := max(s.Size, 1)
		m.ranges = append(m.ranges, symbolRange{
			low:    s.ObjAddr,
			high:   s.ObjAddr + size,
			adjust: int64(s.BinAddr - s.ObjAddr),
		})
	}
	sort.Slice(m.ranges, func(i, j int) bool { return m.ranges[i].low < m.ranges[j].low })
	return m
}

// HasValidRelocs reports whether any symbol of the object survived.
func (m *RangeMap) HasValidRelocs() bool { return len(m.ranges) > 0 }

// SubprogramRelocAdjustment looks up the DW_AT_low_pc of e.
func (m *RangeMap) SubprogramRelocAdjustment(e *dwarf.Entry) (int64, bool) {
	low, ok := e.Val(dwarf.AttrLowpc).(uint64)
	if !ok {
		return 0, false
	}
	return m.lookup(low)
}

// ExprOpAddressRelocAdjustment looks up the address operand of op.
func (m *RangeMap) ExprOpAddressRelocAdjustment(_ *dwarfinfo.Unit, op dwarfexpr.Op) (int64, bool) {
	if !op.HasAddress {
		return 0, false
	}
	return m.lookup(op.Address)
}

// Clear drops the ranges.
func (m *RangeMap) Clear() { m.ranges = nil }

func (m *RangeMap) lookup(addr uint64) (int64, bool) {
	i := sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].low > addr })
	if i == 0 {
		return 0, false
	}
	r := m.ranges[i-1]
	if addr >= r.high {
		return 0, false
	}
	return r.adjust, true
}
