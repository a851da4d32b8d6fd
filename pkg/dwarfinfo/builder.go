package dwarfinfo

import (
	"debug/dwarf"
	"encoding/binary"
	"fmt"
)

// entrySlot is the number of offset bytes reserved per synthetic entry.
const entrySlot = 8

// Builder assembles a File from synthetic entries. Offsets are assigned
// deterministically: every entry occupies entrySlot bytes after its unit
// header, so callers can reference entries by the offsets Builder returns.
type Builder struct {
	file   *File
	next   dwarf.Offset
	unit   *Unit
	depths []int32
	stack  []int
}

// NewBuilder creates a builder for a file called name.
func NewBuilder(name string) *Builder {
	return &Builder{
		file: &File{
			Name:      name,
			ByteOrder: binary.LittleEndian,
			AddrSize:  8,
		},
	}
}

// BeginUnit starts a unit of the given version; the unit entry must be
// opened next with Open.
func (b *Builder) BeginUnit(version uint16) *Builder {
	if b.unit != nil {
		panic("dwarfinfo: BeginUnit called inside an open unit")
	}
	hdr := dwarf.Offset(11)
	if version >= 5 {
		hdr = 12
	}
	b.unit = &Unit{
		Offset:     b.next,
		Version:    version,
		AddrSize:   b.file.AddrSize,
		LocLists:   map[int64][]LocEntry{},
		RangeLists: map[int64][]Range{},
	}
	b.next += hdr
	return b
}

func (b *Builder) add(tag dwarf.Tag, children bool, fields []dwarf.Field) dwarf.Offset {
	if b.unit == nil {
		panic("dwarfinfo: entry added outside a unit")
	}
	e := &dwarf.Entry{
		Offset:   b.next,
		Tag:      tag,
		Children: children,
		Field:    append([]dwarf.Field(nil), fields...),
	}
	b.next += entrySlot
	b.unit.Entries = append(b.unit.Entries, e)
	b.depths = append(b.depths, int32(len(b.stack)))
	return e.Offset
}

// Open adds an entry that will have children and makes it current.
func (b *Builder) Open(tag dwarf.Tag, fields ...dwarf.Field) dwarf.Offset {
	off := b.add(tag, true, fields)
	b.stack = append(b.stack, len(b.unit.Entries)-1)
	return off
}

// Leaf adds a childless entry under the current one.
func (b *Builder) Leaf(tag dwarf.Tag, fields ...dwarf.Field) dwarf.Offset {
	return b.add(tag, false, fields)
}

// Close ends the current entry. Closing the unit entry ends the unit.
func (b *Builder) Close() *Builder {
	if len(b.stack) == 0 {
		panic("dwarfinfo: unbalanced Close")
	}
	b.stack = b.stack[:len(b.stack)-1]
	b.next++ // null entry
	if len(b.stack) == 0 {
		b.endUnit()
	}
	return b
}

func (b *Builder) endUnit() {
	u := b.unit
	u.End = b.next
	u.finish(b.depths)
	b.file.Units = append(b.file.Units, u)
	b.unit = nil
	b.depths = nil
}

// Unit returns the unit currently being built, or the last finished one.
func (b *Builder) Unit() *Unit {
	if b.unit != nil {
		return b.unit
	}
	if n := len(b.file.Units); n > 0 {
		return b.file.Units[n-1]
	}
	return nil
}

// AddField appends a field to the entry at off, which may be in any unit
// already built or in the current one.
func (b *Builder) AddField(off dwarf.Offset, f dwarf.Field) {
	e := b.entry(off)
	if e == nil {
		panic(fmt.Sprintf("dwarfinfo: no entry at offset 0x%x", off))
	}
	e.Field = append(e.Field, f)
}

func (b *Builder) entry(off dwarf.Offset) *dwarf.Entry {
	units := b.file.Units
	if b.unit != nil {
		units = append(units[:len(units):len(units)], b.unit)
	}
	for _, u := range units {
		for _, e := range u.Entries {
			if e.Offset == off {
				return e
			}
		}
	}
	return nil
}

// SetLines attaches a line table to the current or last unit.
func (b *Builder) SetLines(lt *LineTable) { b.Unit().Lines = lt }

// AddLocList registers a location list at the given section offset.
func (b *Builder) AddLocList(off int64, entries ...LocEntry) { b.Unit().LocLists[off] = entries }

// AddRangeList registers a range list at the given section offset.
func (b *Builder) AddRangeList(off int64, ranges ...Range) { b.Unit().RangeLists[off] = ranges }

// Warn records a diagnostic on the file.
func (b *Builder) Warn(msg string) { b.file.Warnings = append(b.file.Warnings, msg) }

// SetFrame sets the raw .debug_frame contents.
func (b *Builder) SetFrame(data []byte) { b.file.Frame = data }

// File returns the built file. All units must be closed.
func (b *Builder) File() *File {
	if b.unit != nil {
		panic("dwarfinfo: File called with an open unit")
	}
	return b.file
}

// Str builds a string field.
func Str(attr dwarf.Attr, s string) dwarf.Field {
	return dwarf.Field{Attr: attr, Val: s, Class: dwarf.ClassString}
}

// Addr builds an address field.
func Addr(attr dwarf.Attr, v uint64) dwarf.Field {
	return dwarf.Field{Attr: attr, Val: v, Class: dwarf.ClassAddress}
}

// Const builds a constant field.
func Const(attr dwarf.Attr, v int64) dwarf.Field {
	return dwarf.Field{Attr: attr, Val: v, Class: dwarf.ClassConstant}
}

// FlagField builds a true flag field.
func FlagField(attr dwarf.Attr) dwarf.Field {
	return dwarf.Field{Attr: attr, Val: true, Class: dwarf.ClassFlag}
}

// Ref builds a reference field to the entry at off.
func Ref(attr dwarf.Attr, off dwarf.Offset) dwarf.Field {
	return dwarf.Field{Attr: attr, Val: off, Class: dwarf.ClassReference}
}

// Expr builds an exprloc field.
func Expr(attr dwarf.Attr, expr []byte) dwarf.Field {
	return dwarf.Field{Attr: attr, Val: expr, Class: dwarf.ClassExprLoc}
}

// Block builds a block field.
func Block(attr dwarf.Attr, data []byte) dwarf.Field {
	return dwarf.Field{Attr: attr, Val: data, Class: dwarf.ClassBlock}
}

// SecOffset builds a section pointer field of the given class.
func SecOffset(attr dwarf.Attr, class dwarf.Class, v int64) dwarf.Field {
	return dwarf.Field{Attr: attr, Val: v, Class: class}
}
