package dwarfinfo

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/coral-mesh/dwarflink/internal/safe"
)

// Load opens an ELF object and reads its debug information.
func Load(path string) (*File, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file %s: %w", path, err)
	}
	defer f.Close()

	return FromELF(path, f)
}

// FromELF reads the debug information of an already opened ELF file.
func FromELF(name string, f *elf.File) (*File, error) {
	d, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("no DWARF debug info in %s: %w", name, err)
	}

	out := &File{
		Name:      name,
		ByteOrder: f.ByteOrder,
		AddrSize:  8,
	}
	if f.Class == elf.ELFCLASS32 {
		out.AddrSize = 4
	}

	raw, err := sectionBytes(f, ".debug_info")
	if err != nil {
		return nil, err
	}
	headers, err := parseUnitHeaders(raw, f.ByteOrder)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	rel := newRelocator(f, out)
	loc, _ := rel.section(".debug_loc")
	addr, _ := rel.section(".debug_addr")
	out.Frame, _ = rel.section(".debug_frame")

	if err := readUnits(out, d, headers); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	for _, u := range out.Units {
		readLines(out, d, u)
		readRanges(out, d, u)
		if u.Version < 5 && loc != nil {
			readLocLists(out, u, loc)
		}
		if addr != nil {
			readAddrTable(u, addr, f.ByteOrder)
		}
	}

	return out, nil
}

func sectionBytes(f *elf.File, name string) ([]byte, error) {
	s := f.Section(name)
	if s == nil {
		return nil, nil
	}
	data, err := s.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

type unitHeader struct {
	offset   dwarf.Offset
	end      dwarf.Offset
	version  uint16
	addrSize int
	unitType uint8
}

// parseUnitHeaders walks raw .debug_info headers. debug/dwarf does not
// expose unit versions or boundaries.
func parseUnitHeaders(data []byte, order binary.ByteOrder) ([]unitHeader, error) {
	var out []unitHeader
	off := 0
	for off+11 <= len(data) {
		length := order.Uint32(data[off:])
		if length >= 0xfffffff0 {
			return nil, fmt.Errorf("unit at 0x%x: 64-bit DWARF is not supported", off)
		}
		h := unitHeader{
			offset:  dwarf.Offset(off),
			end:     dwarf.Offset(off + 4 + int(length)),
			version: order.Uint16(data[off+4:]),
		}
		if h.version >= 5 {
			if off+12 > len(data) {
				return nil, fmt.Errorf("unit at 0x%x: truncated header", off)
			}
			h.unitType = data[off+6]
			h.addrSize = int(data[off+7])
		} else {
			h.addrSize = int(data[off+10])
		}
		out = append(out, h)
		off = int(h.end)
	}
	return out, nil
}

func readUnits(out *File, d *dwarf.Data, headers []unitHeader) error {
	r := d.Reader()
	var (
		cur    *Unit
		depths []int32
		depth  int32
	)
	flush := func() {
		if cur != nil {
			cur.finish(depths)
			out.Units = append(out.Units, cur)
		}
		cur, depths, depth = nil, nil, 0
	}

	for {
		e, err := r.Next()
		if err != nil {
			return fmt.Errorf("failed to read entry: %w", err)
		}
		if e == nil {
			break
		}
		if e.Tag == 0 {
			depth--
			continue
		}
		if depth <= 0 {
			flush()
			h, ok := findHeader(headers, e.Offset)
			if !ok {
				return fmt.Errorf("entry at 0x%x is outside every unit", e.Offset)
			}
			cur = &Unit{
				Offset:     h.offset,
				End:        h.end,
				Version:    h.version,
				AddrSize:   h.addrSize,
				LocLists:   map[int64][]LocEntry{},
				RangeLists: map[int64][]Range{},
			}
			depth = 0
		}
		cur.Entries = append(cur.Entries, e)
		depths = append(depths, depth)
		if e.Children {
			depth++
		}
	}
	flush()
	return nil
}

func findHeader(headers []unitHeader, off dwarf.Offset) (unitHeader, bool) {
	i := sort.Search(len(headers), func(i int) bool { return headers[i].end > off })
	if i < len(headers) && headers[i].offset < off {
		return headers[i], true
	}
	return unitHeader{}, false
}

func readLines(out *File, d *dwarf.Data, u *Unit) {
	lr, err := d.LineReader(u.Root())
	if err != nil {
		out.Warnings = append(out.Warnings, fmt.Sprintf("unit at 0x%x: line table: %v", u.Offset, err))
		return
	}
	if lr == nil {
		return
	}

	lt := &LineTable{Version: u.Version}
	index := map[*dwarf.LineFile]int{}
	for i, f := range lr.Files() {
		if f == nil {
			lt.Files = append(lt.Files, LineFile{})
			continue
		}
		index[f] = i
		length, _ := safe.Int64ToUint64(int64(f.Length))
		lt.Files = append(lt.Files, LineFile{Name: f.Name, ModTime: f.Mtime, Length: length})
	}

	var le dwarf.LineEntry
	for {
		if err := lr.Next(&le); err != nil {
			if !errors.Is(err, io.EOF) {
				out.Warnings = append(out.Warnings, fmt.Sprintf("unit at 0x%x: line table: %v", u.Offset, err))
			}
			break
		}
		lt.Rows = append(lt.Rows, LineRow{
			Address:       le.Address,
			File:          index[le.File],
			Line:          le.Line,
			Column:        le.Column,
			IsStmt:        le.IsStmt,
			BasicBlock:    le.BasicBlock,
			EndSequence:   le.EndSequence,
			PrologueEnd:   le.PrologueEnd,
			EpilogueBegin: le.EpilogueBegin,
			Discriminator: le.Discriminator,
		})
	}
	u.Lines = lt
}

func readRanges(out *File, d *dwarf.Data, u *Unit) {
	for _, e := range u.Entries {
		f := e.AttrField(dwarf.AttrRanges)
		if f == nil {
			continue
		}
		key, ok := sectionKey(f.Val)
		if !ok {
			continue
		}
		// Ranges also folds in low_pc/high_pc; only the list itself is wanted.
		single := &dwarf.Entry{Offset: e.Offset, Tag: e.Tag, Children: e.Children, Field: []dwarf.Field{*f}}
		if e == u.Root() {
			single = e
		}
		rs, err := d.Ranges(single)
		if err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("entry at 0x%x: ranges: %v", e.Offset, err))
			continue
		}
		list := make([]Range, 0, len(rs))
		for _, r := range rs {
			list = append(list, Range{Low: r[0], High: r[1]})
		}
		u.RangeLists[key] = list
	}
}

func sectionKey(v any) (int64, bool) {
	switch v := v.(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	}
	return 0, false
}

// readLocLists decodes pre-v5 .debug_loc lists referenced by the unit.
func readLocLists(out *File, u *Unit, data []byte) {
	order := out.ByteOrder
	base, _ := u.Root().Val(dwarf.AttrLowpc).(uint64)

	for _, e := range u.Entries {
		for _, f := range e.Field {
			if f.Class != dwarf.ClassLocListPtr {
				continue
			}
			off, ok := f.Val.(int64)
			if !ok || off < 0 || int(off) >= len(data) {
				continue
			}
			if _, done := u.LocLists[off]; done {
				continue
			}
			list, err := decodeLocList(data[off:], u.AddrSize, order, base)
			if err != nil {
				out.Warnings = append(out.Warnings, fmt.Sprintf("entry at 0x%x: location list 0x%x: %v", e.Offset, off, err))
				continue
			}
			u.LocLists[off] = list
		}
	}
}

func decodeLocList(data []byte, addrSize int, order binary.ByteOrder, base uint64) ([]LocEntry, error) {
	read := func(p int) uint64 {
		if addrSize == 4 {
			return uint64(order.Uint32(data[p:]))
		}
		return order.Uint64(data[p:])
	}
	maxAddr := ^uint64(0)
	if addrSize == 4 {
		maxAddr = 0xffffffff
	}

	var out []LocEntry
	p := 0
	for {
		if p+2*addrSize > len(data) {
			return nil, errors.New("truncated list")
		}
		low, high := read(p), read(p+addrSize)
		p += 2 * addrSize
		if low == 0 && high == 0 {
			return out, nil
		}
		if low == maxAddr {
			base = high
			continue
		}
		if p+2 > len(data) {
			return nil, errors.New("truncated expression length")
		}
		n := int(order.Uint16(data[p:]))
		p += 2
		if p+n > len(data) {
			return nil, errors.New("truncated expression")
		}
		out = append(out, LocEntry{
			Low:  base + low,
			High: base + high,
			Expr: append([]byte(nil), data[p:p+n]...),
		})
		p += n
	}
}

func readAddrTable(u *Unit, data []byte, order binary.ByteOrder) {
	f := u.Root().AttrField(dwarf.AttrAddrBase)
	if f == nil {
		return
	}
	base, ok := sectionKey(f.Val)
	if !ok || base < 8 || int(base) > len(data) {
		return
	}
	// The contribution header (length, version, address size, segment
	// selector size) sits right before the base.
	end := int(base) - 8 + 4 + int(order.Uint32(data[base-8:]))
	if end > len(data) {
		end = len(data)
	}
	for p := int(base); p+u.AddrSize <= end; p += u.AddrSize {
		if u.AddrSize == 8 {
			u.AddrTable = append(u.AddrTable, order.Uint64(data[p:]))
		} else {
			u.AddrTable = append(u.AddrTable, uint64(order.Uint32(data[p:])))
		}
	}
}
