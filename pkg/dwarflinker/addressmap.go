package dwarflinker

import (
	"debug/dwarf"

	"github.com/coral-mesh/dwarflink/pkg/dwarfexpr"
	"github.com/coral-mesh/dwarflink/pkg/dwarfinfo"
)

// AddressMap answers which input addresses survived the native link and by
// how much they moved. One AddressMap serves one input file and is only
// used by the goroutine analyzing that file, then by the serial clone phase.
type AddressMap interface {
	// HasValidRelocs reports whether any address of the file survived.
	HasValidRelocs() bool

	// SubprogramRelocAdjustment returns the adjustment for a function or
	// label entry, judged by its DW_AT_low_pc.
	SubprogramRelocAdjustment(e *dwarf.Entry) (int64, bool)

	// ExprOpAddressRelocAdjustment returns the adjustment for the address
	// operand of op, decoded from an expression of unit u.
	ExprOpAddressRelocAdjustment(u *dwarfinfo.Unit, op dwarfexpr.Op) (int64, bool)

	// Clear releases the map once its file has been emitted.
	Clear()
}

// ModuleLoader loads auxiliary debug-info modules referenced by skeleton
// units.
type ModuleLoader interface {
	Load(path string, dwoID uint64) (*dwarfinfo.File, error)
}

// emptyAddressMap serves module files, which carry no code.
type emptyAddressMap struct{}

func (emptyAddressMap) HasValidRelocs() bool { return false }

func (emptyAddressMap) SubprogramRelocAdjustment(*dwarf.Entry) (int64, bool) { return 0, false }

func (emptyAddressMap) ExprOpAddressRelocAdjustment(*dwarfinfo.Unit, dwarfexpr.Op) (int64, bool) {
	return 0, false
}

func (emptyAddressMap) Clear() {}
