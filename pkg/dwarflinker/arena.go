package dwarflinker

import (
	"debug/dwarf"

	"github.com/coral-mesh/dwarflink/pkg/dwarfexpr"
)

// Form is a DWARF attribute form of the output encoding.
type Form uint16

// Forms produced by the cloner.
const (
	FormAddr        Form = 0x01
	FormData2       Form = 0x05
	FormData4       Form = 0x06
	FormData8       Form = 0x07
	FormString      Form = 0x08
	FormBlock       Form = 0x09
	FormBlock1      Form = 0x0a
	FormData1       Form = 0x0b
	FormFlag        Form = 0x0c
	FormSdata       Form = 0x0d
	FormStrp        Form = 0x0e
	FormUdata       Form = 0x0f
	FormRefAddr     Form = 0x10
	FormRef4        Form = 0x13
	FormSecOffset   Form = 0x17
	FormExprloc     Form = 0x18
	FormFlagPresent Form = 0x19
)

// DIEHandle identifies an output entry in an Arena.
type DIEHandle int32

// NoDIE is the null handle.
const NoDIE DIEHandle = -1

// AttrValue is one attribute of an output entry.
type AttrValue struct {
	Attr dwarf.Attr
	Form Form
	// Int holds addresses, constants (two's complement for FormSdata),
	// flags, section offsets and, once patched, reference offsets.
	Int uint64
	// Data holds block, expression and inline string bytes.
	Data []byte
	// Str is set for FormStrp.
	Str StringRef
}

// DIE is one output entry. Offsets are absolute in .debug_info and valid
// once the owning unit has been laid out.
type DIE struct {
	Tag    dwarf.Tag
	Abbrev *Abbrev
	Offset uint64
	Size   uint64
	// Unit is the emission index of the owning output unit.
	Unit int

	Parent      DIEHandle
	FirstChild  DIEHandle
	LastChild   DIEHandle
	NextSibling DIEHandle

	firstAttr int32
	numAttrs  int32
}

// Arena owns every output entry of a run. Entries are never freed
// individually; the arena is dropped as a whole when the run ends.
type Arena struct {
	dies   []DIE
	values []AttrValue
}

// NewArena creates an empty arena.
func NewArena() *Arena { return &Arena{} }

// New allocates an entry. The returned handle stays valid as the arena grows.
func (a *Arena) New(tag dwarf.Tag, unit int) DIEHandle {
	a.dies = append(a.dies, DIE{
		Tag:         tag,
		Unit:        unit,
		Parent:      NoDIE,
		FirstChild:  NoDIE,
		LastChild:   NoDIE,
		NextSibling: NoDIE,
	})
	return DIEHandle(len(a.dies) - 1)
}

// DIE returns the entry for h. The pointer is invalidated by the next New.
func (a *Arena) DIE(h DIEHandle) *DIE { return &a.dies[h] }

// Len returns the number of allocated entries.
func (a *Arena) Len() int { return len(a.dies) }

// SetAttrs stores the attributes of h contiguously. It may be called once
// per entry.
func (a *Arena) SetAttrs(h DIEHandle, vals []AttrValue) {
	d := &a.dies[h]
	d.firstAttr = int32(len(a.values))
	d.numAttrs = int32(len(vals))
	a.values = append(a.values, vals...)
}

// Attrs returns the attributes of h. Mutating the returned values updates
// the entry.
func (a *Arena) Attrs(h DIEHandle) []AttrValue {
	d := &a.dies[h]
	return a.values[d.firstAttr : d.firstAttr+d.numAttrs : d.firstAttr+d.numAttrs]
}

// AppendChild links child as the last child of parent.
func (a *Arena) AppendChild(parent, child DIEHandle) {
	p := &a.dies[parent]
	c := &a.dies[child]
	c.Parent = parent
	if p.LastChild == NoDIE {
		p.FirstChild = child
	} else {
		a.dies[p.LastChild].NextSibling = child
	}
	p.LastChild = child
}

// Walk visits h and its descendants in pre-order.
func (a *Arena) Walk(h DIEHandle, fn func(DIEHandle)) {
	fn(h)
	for c := a.dies[h].FirstChild; c != NoDIE; c = a.dies[c].NextSibling {
		a.Walk(c, fn)
	}
}

// FormSize returns the encoded size of v in a unit of the given version
// and address size.
func FormSize(v *AttrValue, version uint16, addrSize int) uint64 {
	switch v.Form {
	case FormAddr:
		return uint64(addrSize)
	case FormData1, FormFlag:
		return 1
	case FormData2:
		return 2
	case FormData4, FormStrp, FormRef4, FormSecOffset:
		return 4
	case FormData8:
		return 8
	case FormRefAddr:
		if version <= 2 {
			return uint64(addrSize)
		}
		return 4
	case FormUdata:
		return uint64(dwarfexpr.ULEB128Size(v.Int))
	case FormSdata:
		return uint64(dwarfexpr.SLEB128Size(int64(v.Int)))
	case FormString:
		return uint64(len(v.Data)) + 1
	case FormBlock1:
		return 1 + uint64(len(v.Data))
	case FormBlock, FormExprloc:
		return uint64(dwarfexpr.ULEB128Size(uint64(len(v.Data)))) + uint64(len(v.Data))
	case FormFlagPresent:
		return 0
	}
	return 0
}

// unitHeaderSize is the size of a 32-bit DWARF unit header.
func unitHeaderSize(version uint16) uint64 {
	if version >= 5 {
		return 12
	}
	return 11
}
