package emit

import (
	"fmt"

	"github.com/coral-mesh/dwarflink/internal/safe"
	"github.com/coral-mesh/dwarflink/pkg/dwarfexpr"
	"github.com/coral-mesh/dwarflink/pkg/dwarfinfo"
	"github.com/coral-mesh/dwarflink/pkg/dwarflinker"
)

// DWARF 5 list entry kinds.
const (
	rleEndOfList = 0x00
	rleStartEnd  = 0x06
	lleEndOfList = 0x00
	lleStartEnd  = 0x07
)

// listHeader opens a v5 .debug_rnglists or .debug_loclists contribution
// and returns its start.
func (e *Emitter) listHeader(s dwarflinker.Section, addrSize int) int {
	buf := e.sections[s]
	start := len(buf)
	buf = e.order.AppendUint32(buf, 0)
	buf = e.order.AppendUint16(buf, 5)
	buf = append(buf, byte(addrSize), 0)
	buf = e.order.AppendUint32(buf, 0)
	e.sections[s] = buf
	return start
}

func (e *Emitter) listFooter(s dwarflinker.Section, start int) {
	if start < 0 {
		return
	}
	buf := e.sections[s]
	e.order.PutUint32(buf[start:], uint32(len(buf)-start-4))
}

// EmitRangeListHeader opens the range lists of u.
func (e *Emitter) EmitRangeListHeader(u *dwarflinker.OutputUnit) {
	if u.Version >= 5 {
		e.rngListStart = e.listHeader(dwarflinker.SectionRngLists, u.AddrSize)
	}
}

// EmitRangeListFragment writes one range list with absolute addresses.
func (e *Emitter) EmitRangeListFragment(u *dwarflinker.OutputUnit, ranges []dwarfinfo.Range) uint64 {
	if u.Version >= 5 {
		buf := e.sections[dwarflinker.SectionRngLists]
		off := len(buf)
		for _, r := range ranges {
			buf = append(buf, rleStartEnd)
			buf = e.appendAddr(buf, r.Low, u.AddrSize)
			buf = e.appendAddr(buf, r.High, u.AddrSize)
		}
		e.sections[dwarflinker.SectionRngLists] = append(buf, rleEndOfList)
		return uint64(off)
	}

	buf := e.sections[dwarflinker.SectionRanges]
	off := len(buf)
	buf = e.appendBaseSelection(buf, u.AddrSize)
	for _, r := range ranges {
		buf = e.appendAddr(buf, r.Low, u.AddrSize)
		buf = e.appendAddr(buf, r.High, u.AddrSize)
	}
	buf = e.appendAddr(buf, 0, u.AddrSize)
	e.sections[dwarflinker.SectionRanges] = e.appendAddr(buf, 0, u.AddrSize)
	return uint64(off)
}

// EmitRangeListFooter closes the range lists of u.
func (e *Emitter) EmitRangeListFooter(u *dwarflinker.OutputUnit) {
	if u.Version >= 5 {
		e.listFooter(dwarflinker.SectionRngLists, e.rngListStart)
		e.rngListStart = -1
	}
}

// EmitLocListHeader opens the location lists of u.
func (e *Emitter) EmitLocListHeader(u *dwarflinker.OutputUnit) {
	if u.Version >= 5 {
		e.locListStart = e.listHeader(dwarflinker.SectionLocLists, u.AddrSize)
	}
}

// EmitLocListFragment writes one location list with absolute addresses.
func (e *Emitter) EmitLocListFragment(u *dwarflinker.OutputUnit, entries []dwarfinfo.LocEntry) uint64 {
	if u.Version >= 5 {
		buf := e.sections[dwarflinker.SectionLocLists]
		off := len(buf)
		for _, l := range entries {
			buf = append(buf, lleStartEnd)
			buf = e.appendAddr(buf, l.Low, u.AddrSize)
			buf = e.appendAddr(buf, l.High, u.AddrSize)
			buf = dwarfexpr.AppendULEB128(buf, uint64(len(l.Expr)))
			buf = append(buf, l.Expr...)
		}
		e.sections[dwarflinker.SectionLocLists] = append(buf, lleEndOfList)
		return uint64(off)
	}

	buf := e.sections[dwarflinker.SectionLoc]
	off := len(buf)
	buf = e.appendBaseSelection(buf, u.AddrSize)
	for _, l := range entries {
		// Pre-v5 location expressions carry a 2-byte length.
		n, clamped := safe.IntToUint16(len(l.Expr))
		if clamped {
			e.fail(fmt.Errorf("unit %s: location expression of %d bytes at 0x%x does not fit .debug_loc",
				u.Name, len(l.Expr), l.Low))
			continue
		}
		buf = e.appendAddr(buf, l.Low, u.AddrSize)
		buf = e.appendAddr(buf, l.High, u.AddrSize)
		buf = e.order.AppendUint16(buf, n)
		buf = append(buf, l.Expr...)
	}
	buf = e.appendAddr(buf, 0, u.AddrSize)
	e.sections[dwarflinker.SectionLoc] = e.appendAddr(buf, 0, u.AddrSize)
	return uint64(off)
}

// EmitLocListFooter closes the location lists of u.
func (e *Emitter) EmitLocListFooter(u *dwarflinker.OutputUnit) {
	if u.Version >= 5 {
		e.listFooter(dwarflinker.SectionLocLists, e.locListStart)
		e.locListStart = -1
	}
}

// appendBaseSelection resets the list base to 0 so the following pairs
// are absolute, whatever the low_pc of the unit.
func (e *Emitter) appendBaseSelection(buf []byte, addrSize int) []byte {
	buf = e.appendAddr(buf, maxAddress, addrSize)
	return e.appendAddr(buf, 0, addrSize)
}

// EmitAranges writes the address range set of u.
func (e *Emitter) EmitAranges(u *dwarflinker.OutputUnit, ranges []dwarfinfo.Range) {
	buf := e.sections[dwarflinker.SectionAranges]
	start := len(buf)
	buf = e.order.AppendUint32(buf, 0)
	buf = e.order.AppendUint16(buf, 2)
	buf = e.order.AppendUint32(buf, uint32(u.Offset))
	buf = append(buf, byte(u.AddrSize), 0)
	// Tuples are aligned to twice the address size from the set start.
	for tuple := 2 * u.AddrSize; (len(buf)-start)%tuple != 0; {
		buf = append(buf, 0)
	}
	for _, r := range ranges {
		buf = e.appendAddr(buf, r.Low, u.AddrSize)
		buf = e.appendAddr(buf, r.High-r.Low, u.AddrSize)
	}
	buf = e.appendAddr(buf, 0, u.AddrSize)
	buf = e.appendAddr(buf, 0, u.AddrSize)
	e.order.PutUint32(buf[start:], uint32(len(buf)-start-4))
	e.sections[dwarflinker.SectionAranges] = buf
}

// EmitPubNames writes the public names of u.
func (e *Emitter) EmitPubNames(u *dwarflinker.OutputUnit, entries []dwarflinker.PubEntry) {
	e.emitPubTable(dwarflinker.SectionPubNames, u, entries)
}

// EmitPubTypes writes the public types of u.
func (e *Emitter) EmitPubTypes(u *dwarflinker.OutputUnit, entries []dwarflinker.PubEntry) {
	e.emitPubTable(dwarflinker.SectionPubTypes, u, entries)
}

func (e *Emitter) emitPubTable(s dwarflinker.Section, u *dwarflinker.OutputUnit, entries []dwarflinker.PubEntry) {
	if len(entries) == 0 {
		return
	}
	buf := e.sections[s]
	start := len(buf)
	buf = e.order.AppendUint32(buf, 0)
	buf = e.order.AppendUint16(buf, 2)
	buf = e.order.AppendUint32(buf, uint32(u.Offset))
	buf = e.order.AppendUint32(buf, uint32(u.Size))
	for _, p := range entries {
		buf = e.order.AppendUint32(buf, uint32(p.Offset))
		buf = appendCString(buf, p.Name)
	}
	buf = e.order.AppendUint32(buf, 0)
	e.order.PutUint32(buf[start:], uint32(len(buf)-start-4))
	e.sections[s] = buf
}

// EmitCIE writes a common information entry and returns its offset.
func (e *Emitter) EmitCIE(body []byte) uint64 {
	buf := e.sections[dwarflinker.SectionFrame]
	off := len(buf)
	buf = e.order.AppendUint32(buf, uint32(4+len(body)))
	buf = e.order.AppendUint32(buf, 0xffffffff)
	e.sections[dwarflinker.SectionFrame] = append(buf, body...)
	return uint64(off)
}

// EmitFDE writes a frame description entry pointing at the CIE at
// cieOffset.
func (e *Emitter) EmitFDE(cieOffset uint64, addrSize int, address, length uint64, instructions []byte) {
	buf := e.sections[dwarflinker.SectionFrame]
	buf = e.order.AppendUint32(buf, uint32(4+2*addrSize+len(instructions)))
	buf = e.order.AppendUint32(buf, uint32(cieOffset))
	buf = e.appendAddr(buf, address, addrSize)
	buf = e.appendAddr(buf, length, addrSize)
	e.sections[dwarflinker.SectionFrame] = append(buf, instructions...)
}
