package dwarflinker

import (
	"debug/dwarf"
	"encoding/binary"
	"sort"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/coral-mesh/dwarflink/pkg/dwarfinfo"
)

// DWARF language codes of the C++ family.
const (
	langCPlusPlus    = 0x04
	langObjCPlusPlus = 0x11
	langCPlusPlus03  = 0x19
	langCPlusPlus11  = 0x1a
	langCPlusPlus14  = 0x21
	langCPlusPlus17  = 0x2a
	langCPlusPlus20  = 0x2b
)

const anonymousNamespace = "(anonymous namespace)"

func isODRLanguage(lang int64) bool {
	switch lang {
	case langCPlusPlus, langObjCPlusPlus, langCPlusPlus03, langCPlusPlus11,
		langCPlusPlus14, langCPlusPlus17, langCPlusPlus20:
		return true
	}
	return false
}

func isODRTag(tag dwarf.Tag) bool {
	switch tag {
	case dwarf.TagStructType, dwarf.TagClassType, dwarf.TagUnionType,
		dwarf.TagEnumerationType, dwarf.TagTypedef:
		return true
	}
	return false
}

// odrKey identifies an equivalence class of structurally identical types.
type odrKey struct {
	name string
	tag  dwarf.Tag
	size int
	fp   uint64
}

type odrCandidate struct {
	idx int
	key odrKey
}

type odrClass struct {
	unit *CompileUnit
	idx  int
}

// odrTable holds the canonical member of each class. It is only touched
// in the serial phase.
type odrTable struct {
	classes map[odrKey]*odrClass
	elided  int
}

func newODRTable() *odrTable {
	return &odrTable{classes: map[odrKey]*odrClass{}}
}

// mark elects the candidate at idx as canonical if its class has none yet,
// and elides it otherwise.
func (t *odrTable) mark(cu *CompileUnit, idx int) {
	info := &cu.Info[idx]
	if info.elided {
		return
	}
	i := sort.Search(len(cu.candidates), func(i int) bool { return cu.candidates[i].idx >= idx })
	if i == len(cu.candidates) || cu.candidates[i].idx != idx {
		return
	}
	key := cu.candidates[i].key

	class, ok := t.classes[key]
	if !ok {
		t.classes[key] = &odrClass{unit: cu, idx: idx}
		info.ODRCanonical = true
		cu.ownsCanonical = true
		return
	}

	end := cu.Orig.SubtreeEnd(idx)
	for j := idx; j < end; j++ {
		tu, ti := followRedirects(class.unit, class.idx+(j-idx))
		tu.ownsCanonical = true
		e := &cu.Info[j]
		e.elided = true
		e.redirectUnit = tu
		e.redirectIdx = int32(ti)
	}
	t.elided++
}

// collectCandidates records the kept, complete, fully kept type
// definitions of cu that may join an equivalence class.
func collectCandidates(cu *CompileUnit) {
	u := cu.Orig
	for idx, e := range u.Entries {
		if !isODRTag(e.Tag) || !cu.Info[idx].Keep || cu.Info[idx].Incomplete {
			continue
		}
		if dwarfinfo.Name(e) == "" || dwarfinfo.Flag(e, dwarf.AttrDeclaration) {
			continue
		}
		name, ok := qualifiedName(cu, idx)
		if !ok {
			continue
		}
		end := u.SubtreeEnd(idx)
		full := true
		for j := idx; j < end && full; j++ {
			full = cu.Info[j].Keep
		}
		if !full {
			continue
		}
		cu.candidates = append(cu.candidates, odrCandidate{
			idx: idx,
			key: odrKey{name: name, tag: e.Tag, size: end - idx, fp: fingerprint(cu, idx, end)},
		})
	}
}

// qualifiedName spells the scope-qualified name of the entry at idx. ok is
// false when a scope other than a namespace or named type encloses it.
func qualifiedName(cu *CompileUnit, idx int) (string, bool) {
	u := cu.Orig
	parts := []string{dwarfinfo.Name(u.Entries[idx])}
	ok := true
	for p := u.Parent(idx); p > 0; p = u.Parent(p) {
		e := u.Entries[p]
		name := dwarfinfo.Name(e)
		switch {
		case e.Tag == dwarf.TagNamespace:
			if name == "" {
				name = anonymousNamespace
			}
		case isODRTag(e.Tag) && name != "":
		default:
			ok = false
			if name == "" {
				continue
			}
		}
		parts = append(parts, name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "::"), ok
}

// fingerprint hashes the structure of the subtree [idx, end).
func fingerprint(cu *CompileUnit, idx, end int) uint64 {
	u := cu.Orig
	h := xxh3.New()
	var buf [8]byte
	writeInt := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = h.Write(buf[:])
	}
	writeStr := func(s string) {
		writeInt(uint64(len(s)))
		_, _ = h.WriteString(s)
	}

	base := u.Depth(idx)
	for j := idx; j < end; j++ {
		e := u.Entries[j]
		writeInt(uint64(u.Depth(j) - base))
		writeInt(uint64(e.Tag))
		for i := range e.Field {
			f := &e.Field[i]
			if f.Attr == dwarf.AttrSibling {
				continue
			}
			writeInt(uint64(f.Attr))
			if f.Attr == dwarf.AttrDeclFile {
				v, _ := f.Val.(int64)
				writeStr(u.FileName(v))
				continue
			}
			switch v := f.Val.(type) {
			case string:
				writeStr(v)
			case int64:
				writeInt(uint64(v))
			case uint64:
				writeInt(v)
			case bool:
				if v {
					writeInt(1)
				} else {
					writeInt(0)
				}
			case []byte:
				writeInt(uint64(len(v)))
				_, _ = h.Write(v)
			case dwarf.Offset:
				tcu, tidx, ok := resolveOffset(cu.ctx.Units, v)
				switch {
				case !ok:
					writeStr("?")
				case tcu == cu && tidx >= idx && tidx < end:
					writeInt(uint64(tidx - idx))
				default:
					writeStr(typeSignature(tcu, tidx, 0))
				}
			}
		}
	}
	return h.Sum64()
}

// typeSignature describes a referenced type independently of its unit.
// Unnamed types are described through the type they wrap.
func typeSignature(cu *CompileUnit, idx int, depth int) string {
	e := cu.Orig.Entries[idx]
	tag := e.Tag.String()
	if dwarfinfo.Name(e) != "" {
		name, _ := qualifiedName(cu, idx)
		return tag + ":" + name
	}
	if depth >= 8 {
		return tag
	}
	off, ok := dwarfinfo.RefOffset(e.AttrField(dwarf.AttrType))
	if !ok {
		return tag
	}
	tcu, tidx, ok := resolveOffset(cu.ctx.Units, off)
	if !ok {
		return tag
	}
	return tag + "(" + typeSignature(tcu, tidx, depth+1) + ")"
}
