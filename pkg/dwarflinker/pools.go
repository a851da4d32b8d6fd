package dwarflinker

import (
	"debug/dwarf"
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// StringRef is a handle to an interned string.
type StringRef int32

// StringPool de-duplicates strings destined for .debug_str. Offsets follow
// insertion order and are only available after Finalize.
type StringPool struct {
	index   map[string]StringRef
	strs    []string
	offsets []uint64
	size    uint64
	final   bool
}

// NewStringPool creates an empty pool. The empty string is always at offset 0.
func NewStringPool() *StringPool {
	p := &StringPool{index: map[string]StringRef{}}
	p.Intern("")
	return p
}

// Intern adds s if needed and returns its handle.
func (p *StringPool) Intern(s string) StringRef {
	if ref, ok := p.index[s]; ok {
		return ref
	}
	if p.final {
		panic("dwarflinker: Intern after Finalize")
	}
	ref := StringRef(len(p.strs))
	p.index[s] = ref
	p.strs = append(p.strs, s)
	return ref
}

// String returns the string behind ref.
func (p *StringPool) String(ref StringRef) string { return p.strs[ref] }

// Len returns the number of distinct strings.
func (p *StringPool) Len() int { return len(p.strs) }

// Finalize closes the pool and assigns offsets.
func (p *StringPool) Finalize() {
	if p.final {
		return
	}
	p.final = true
	p.offsets = make([]uint64, len(p.strs))
	var off uint64
	for i, s := range p.strs {
		p.offsets[i] = off
		off += uint64(len(s)) + 1
	}
	p.size = off
}

// Offset returns the section offset of ref. The pool must be finalized.
func (p *StringPool) Offset(ref StringRef) uint64 {
	if !p.final {
		panic("dwarflinker: Offset before Finalize")
	}
	return p.offsets[ref]
}

// Size returns the section size. The pool must be finalized.
func (p *StringPool) Size() uint64 { return p.size }

// Strings returns the pooled strings in offset order.
func (p *StringPool) Strings() []string { return p.strs }

// AbbrevSpec is one attribute specification of an abbreviation.
type AbbrevSpec struct {
	Attr dwarf.Attr
	Form Form
}

// Abbrev is an abbreviation declaration shared by structurally identical
// entries.
type Abbrev struct {
	Code     uint32
	Tag      dwarf.Tag
	Children bool
	Specs    []AbbrevSpec
}

func (a *Abbrev) equal(tag dwarf.Tag, children bool, specs []AbbrevSpec) bool {
	if a.Tag != tag || a.Children != children || len(a.Specs) != len(specs) {
		return false
	}
	for i := range specs {
		if a.Specs[i] != specs[i] {
			return false
		}
	}
	return true
}

// AbbrevSet content-addresses abbreviations across every unit of a run.
type AbbrevSet struct {
	buckets map[uint64][]*Abbrev
	list    []*Abbrev
}

// NewAbbrevSet creates an empty set.
func NewAbbrevSet() *AbbrevSet {
	return &AbbrevSet{buckets: map[uint64][]*Abbrev{}}
}

// Intern returns the abbreviation for the given shape, allocating the next
// code when it is new.
func (s *AbbrevSet) Intern(tag dwarf.Tag, children bool, specs []AbbrevSpec) *Abbrev {
	key := abbrevKey(tag, children, specs)
	for _, a := range s.buckets[key] {
		if a.equal(tag, children, specs) {
			return a
		}
	}
	a := &Abbrev{
		Code:     uint32(len(s.list) + 1),
		Tag:      tag,
		Children: children,
		Specs:    append([]AbbrevSpec(nil), specs...),
	}
	s.buckets[key] = append(s.buckets[key], a)
	s.list = append(s.list, a)
	return a
}

// All returns the abbreviations in code order.
func (s *AbbrevSet) All() []*Abbrev { return s.list }

func abbrevKey(tag dwarf.Tag, children bool, specs []AbbrevSpec) uint64 {
	buf := make([]byte, 0, 8+4*len(specs))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(tag))
	if children {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	for _, sp := range specs {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(sp.Attr))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(sp.Form))
	}
	return xxh3.Hash(buf)
}
