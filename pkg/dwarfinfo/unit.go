// Package dwarfinfo holds the navigable input model consumed by the linker:
// one File per relocatable object, split into Units whose entries are kept
// in a fixed pre-order index space.
package dwarfinfo

import (
	"debug/dwarf"
	"encoding/binary"
	"sort"
)

// Range is a half-open address interval [Low, High).
type Range struct {
	Low  uint64
	High uint64
}

// LocEntry is one entry of a location list with absolute addresses.
type LocEntry struct {
	Low  uint64
	High uint64
	Expr []byte
}

// LineFile is one file of a line table header.
type LineFile struct {
	Name    string
	Dir     string
	ModTime uint64
	Length  uint64
}

// LineRow is one row of the line number matrix.
type LineRow struct {
	Address       uint64
	File          int
	Line          int
	Column        int
	IsStmt        bool
	BasicBlock    bool
	EndSequence   bool
	PrologueEnd   bool
	EpilogueBegin bool
	Discriminator int
}

// LineTable is the decoded line program of one unit.
type LineTable struct {
	Version     uint16
	IncludeDirs []string
	Files       []LineFile
	Rows        []LineRow
}

// Unit is one compile unit of an input file.
type Unit struct {
	// Offset is the start of the unit header in .debug_info; End is one
	// past the last byte of the unit.
	Offset   dwarf.Offset
	End      dwarf.Offset
	Version  uint16
	AddrSize int

	// Entries in pre-order, null entries removed. Entries[0] is the unit entry.
	Entries []*dwarf.Entry

	Lines      *LineTable
	LocLists   map[int64][]LocEntry
	RangeLists map[int64][]Range
	// AddrTable is the unit's .debug_addr contribution, if any.
	AddrTable []uint64

	parent      []int32
	firstChild  []int32
	nextSibling []int32
	depth       []int32
}

// File is one input object: its units, its diagnostics and the raw call
// frame information.
type File struct {
	Name      string
	Units     []*Unit
	Warnings  []string
	ByteOrder binary.ByteOrder
	AddrSize  int
	// Frame is the relocated .debug_frame section, nil if absent.
	Frame []byte
}

// finish builds the navigation arrays from per-entry depths.
func (u *Unit) finish(depths []int32) {
	n := len(u.Entries)
	u.parent = make([]int32, n)
	u.firstChild = make([]int32, n)
	u.nextSibling = make([]int32, n)
	u.depth = depths

	lastAtDepth := map[int32]int32{}
	var stack []int32
	for i := 0; i < n; i++ {
		d := depths[i]
		u.firstChild[i] = -1
		u.nextSibling[i] = -1

		for int32(len(stack)) > d {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			u.parent[i] = -1
		} else {
			p := stack[len(stack)-1]
			u.parent[i] = p
			if u.firstChild[p] < 0 {
				u.firstChild[p] = int32(i)
			}
		}
		if prev, ok := lastAtDepth[d]; ok && prev >= 0 && u.parent[prev] == u.parent[i] {
			u.nextSibling[prev] = int32(i)
		}
		lastAtDepth[d] = int32(i)
		stack = append(stack, int32(i))
	}
}

// Root returns the unit entry.
func (u *Unit) Root() *dwarf.Entry {
	if len(u.Entries) == 0 {
		return nil
	}
	return u.Entries[0]
}

// Parent returns the index of the parent of entry i, or -1 for the root.
func (u *Unit) Parent(i int) int { return int(u.parent[i]) }

// FirstChild returns the index of the first child of entry i, or -1.
func (u *Unit) FirstChild(i int) int { return int(u.firstChild[i]) }

// NextSibling returns the index of the next sibling of entry i, or -1.
func (u *Unit) NextSibling(i int) int { return int(u.nextSibling[i]) }

// Depth returns the nesting depth of entry i (0 for the root).
func (u *Unit) Depth(i int) int { return int(u.depth[i]) }

// Children returns the child indexes of entry i.
func (u *Unit) Children(i int) []int {
	var out []int
	for c := u.FirstChild(i); c >= 0; c = u.NextSibling(c) {
		out = append(out, c)
	}
	return out
}

// SubtreeEnd returns one past the last pre-order index of entry i's subtree.
func (u *Unit) SubtreeEnd(i int) int {
	d := u.depth[i]
	j := i + 1
	for j < len(u.Entries) && u.depth[j] > d {
		j++
	}
	return j
}

// Contains reports whether off lies inside the unit.
func (u *Unit) Contains(off dwarf.Offset) bool {
	return off >= u.Offset && off < u.End
}

// Index returns the index of the entry starting exactly at off.
func (u *Unit) Index(off dwarf.Offset) (int, bool) {
	i := sort.Search(len(u.Entries), func(i int) bool { return u.Entries[i].Offset >= off })
	if i < len(u.Entries) && u.Entries[i].Offset == off {
		return i, true
	}
	return 0, false
}

// Language returns the DW_AT_language of the unit, or 0.
func (u *Unit) Language() int64 {
	if root := u.Root(); root != nil {
		if v, ok := root.Val(dwarf.AttrLanguage).(int64); ok {
			return v
		}
	}
	return 0
}

// FileName resolves a DW_AT_decl_file index through the unit line table.
func (u *Unit) FileName(idx int64) string {
	if u.Lines == nil || idx < 0 || int(idx) >= len(u.Lines.Files) {
		return ""
	}
	f := u.Lines.Files[idx]
	if f.Dir != "" {
		return f.Dir + "/" + f.Name
	}
	return f.Name
}

// HighPC returns the end address of an entry with DW_AT_low_pc, handling
// both the address and the offset-from-low_pc encodings.
func HighPC(e *dwarf.Entry) (uint64, bool) {
	low, ok := e.Val(dwarf.AttrLowpc).(uint64)
	if !ok {
		return 0, false
	}
	f := e.AttrField(dwarf.AttrHighpc)
	if f == nil {
		return 0, false
	}
	switch v := f.Val.(type) {
	case uint64:
		if f.Class == dwarf.ClassAddress {
			return v, true
		}
		return low + v, true
	case int64:
		return low + uint64(v), true
	}
	return 0, false
}

// Flag reports whether a flag attribute is present and true.
func Flag(e *dwarf.Entry, attr dwarf.Attr) bool {
	v, _ := e.Val(attr).(bool)
	return v
}

// Name returns the DW_AT_name of e, or "".
func Name(e *dwarf.Entry) string {
	s, _ := e.Val(dwarf.AttrName).(string)
	return s
}

// RefOffset returns the target of a reference-class field.
func RefOffset(f *dwarf.Field) (dwarf.Offset, bool) {
	if f == nil {
		return 0, false
	}
	switch f.Class {
	case dwarf.ClassReference, dwarf.ClassReferenceAlt:
		off, ok := f.Val.(dwarf.Offset)
		return off, ok
	}
	return 0, false
}

// IsReference reports whether a field holds an entry reference.
func IsReference(f *dwarf.Field) bool {
	switch f.Class {
	case dwarf.ClassReference, dwarf.ClassReferenceAlt, dwarf.ClassReferenceSig:
		return true
	}
	return false
}
