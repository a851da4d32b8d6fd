package emit

import (
	"sort"

	"github.com/coral-mesh/dwarflink/pkg/dwarfexpr"
	"github.com/coral-mesh/dwarflink/pkg/dwarflinker"
)

// Apple accelerator table constants.
const (
	appleMagic        = 0x48415348 // "HASH"
	appleVersion      = 1
	appleHashDJB      = 0
	appleEmptyBucket  = 0xffffffff
	atomDIEOffset     = 1
	atomDIETag        = 3
	atomTypeFlags     = 5
	debugNamesVersion = 5
	idxCompileUnit    = 1
	idxDIEOffset      = 3
)

// djbHash is the hash function of both accelerator table formats.
func djbHash(s string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(s); i++ {
		h = h*33 + uint32(s[i])
	}
	return h
}

// bucketCount sizes a hash table for n unique hashes.
func bucketCount(n int) int {
	switch {
	case n > 1024:
		return n / 4
	case n > 16:
		return n / 2
	case n > 0:
		return n
	}
	return 1
}

// hashedName is one distinct name of a table with all its entries.
type hashedName struct {
	name    string
	offset  uint32
	hash    uint32
	entries []dwarflinker.AccelEntry
}

// groupNames merges entries by name and orders the result by bucket then
// hash. Entries of a name keep their offset order.
func groupNames(entries []dwarflinker.AccelEntry, pool *dwarflinker.StringPool) ([]hashedName, int) {
	byName := make(map[dwarflinker.StringRef]int)
	var names []hashedName
	for _, en := range entries {
		i, ok := byName[en.Name]
		if !ok {
			s := pool.String(en.Name)
			i = len(names)
			byName[en.Name] = i
			names = append(names, hashedName{name: s, offset: uint32(pool.Offset(en.Name)), hash: djbHash(s)})
		}
		names[i].entries = append(names[i].entries, en)
	}

	hashes := make(map[uint32]struct{}, len(names))
	for i := range names {
		hashes[names[i].hash] = struct{}{}
		sort.SliceStable(names[i].entries, func(a, b int) bool {
			return names[i].entries[a].Offset < names[i].entries[b].Offset
		})
	}
	buckets := bucketCount(len(hashes))
	sort.SliceStable(names, func(a, b int) bool {
		ba, bb := names[a].hash%uint32(buckets), names[b].hash%uint32(buckets)
		if ba != bb {
			return ba < bb
		}
		if names[a].hash != names[b].hash {
			return names[a].hash < names[b].hash
		}
		return names[a].name < names[b].name
	})
	return names, buckets
}

// EmitAppleTables writes the four Apple accelerator tables.
func (e *Emitter) EmitAppleTables(t *dwarflinker.AccelTables, pool *dwarflinker.StringPool) {
	e.emitAppleTable(dwarflinker.SectionAppleNames, t.Names, pool, false)
	e.emitAppleTable(dwarflinker.SectionAppleTypes, t.Types, pool, true)
	e.emitAppleTable(dwarflinker.SectionAppleNamespaces, t.Namespaces, pool, false)
	e.emitAppleTable(dwarflinker.SectionAppleObjC, t.ObjC, pool, false)
}

func (e *Emitter) emitAppleTable(s dwarflinker.Section, entries []dwarflinker.AccelEntry, pool *dwarflinker.StringPool, types bool) {
	names, buckets := groupNames(entries, pool)

	// One hash slot per distinct hash; names sharing a hash share its data.
	type slot struct {
		hash  uint32
		names []hashedName
	}
	var slots []slot
	for _, n := range names {
		if len(slots) > 0 && slots[len(slots)-1].hash == n.hash {
			slots[len(slots)-1].names = append(slots[len(slots)-1].names, n)
			continue
		}
		slots = append(slots, slot{hash: n.hash, names: []hashedName{n}})
	}

	type atom struct{ typ, form uint16 }
	atoms := []atom{{atomDIEOffset, uint16(dwarflinker.FormData4)}}
	if types {
		atoms = append(atoms,
			atom{atomDIETag, uint16(dwarflinker.FormData2)},
			atom{atomTypeFlags, uint16(dwarflinker.FormData1)})
	}

	buf := e.sections[s]
	buf = e.order.AppendUint32(buf, appleMagic)
	buf = e.order.AppendUint16(buf, appleVersion)
	buf = e.order.AppendUint16(buf, appleHashDJB)
	buf = e.order.AppendUint32(buf, uint32(buckets))
	buf = e.order.AppendUint32(buf, uint32(len(slots)))
	buf = e.order.AppendUint32(buf, uint32(8+4*len(atoms)))
	buf = e.order.AppendUint32(buf, 0)
	buf = e.order.AppendUint32(buf, uint32(len(atoms)))
	for _, a := range atoms {
		buf = e.order.AppendUint16(buf, a.typ)
		buf = e.order.AppendUint16(buf, a.form)
	}

	bucketIdx := make([]uint32, buckets)
	for i := range bucketIdx {
		bucketIdx[i] = appleEmptyBucket
	}
	for i := len(slots) - 1; i >= 0; i-- {
		bucketIdx[slots[i].hash%uint32(buckets)] = uint32(i)
	}
	for _, b := range bucketIdx {
		buf = e.order.AppendUint32(buf, b)
	}
	for _, sl := range slots {
		buf = e.order.AppendUint32(buf, sl.hash)
	}

	// Hash data follows the offsets array; offsets are section-relative.
	offsetsAt := len(buf)
	buf = append(buf, make([]byte, 4*len(slots))...)
	for i, sl := range slots {
		e.order.PutUint32(buf[offsetsAt+4*i:], uint32(len(buf)))
		for _, n := range sl.names {
			buf = e.order.AppendUint32(buf, n.offset)
			buf = e.order.AppendUint32(buf, uint32(len(n.entries)))
			for _, en := range n.entries {
				buf = e.order.AppendUint32(buf, uint32(en.Offset))
				if types {
					buf = e.order.AppendUint16(buf, uint16(en.Tag))
					buf = append(buf, 0)
				}
			}
		}
		buf = e.order.AppendUint32(buf, 0)
	}
	e.sections[s] = buf
}

// EmitDebugNames writes a single DWARF 5 name index covering every unit.
func (e *Emitter) EmitDebugNames(t *dwarflinker.AccelTables, pool *dwarflinker.StringPool) {
	names, buckets := groupNames(t.DebugNames, pool)

	// One abbreviation per tag.
	abbrevCodes := make(map[uint16]uint64)
	var tags []uint16
	for _, n := range names {
		for _, en := range n.entries {
			tag := uint16(en.Tag)
			if _, ok := abbrevCodes[tag]; !ok {
				tags = append(tags, tag)
				abbrevCodes[tag] = uint64(len(tags))
			}
		}
	}
	var abbrevs []byte
	for _, tag := range tags {
		abbrevs = dwarfexpr.AppendULEB128(abbrevs, abbrevCodes[tag])
		abbrevs = dwarfexpr.AppendULEB128(abbrevs, uint64(tag))
		abbrevs = dwarfexpr.AppendULEB128(abbrevs, idxCompileUnit)
		abbrevs = dwarfexpr.AppendULEB128(abbrevs, uint64(dwarflinker.FormData4))
		abbrevs = dwarfexpr.AppendULEB128(abbrevs, idxDIEOffset)
		abbrevs = dwarfexpr.AppendULEB128(abbrevs, uint64(dwarflinker.FormRef4))
		abbrevs = append(abbrevs, 0, 0)
	}
	abbrevs = append(abbrevs, 0)

	var entryPool []byte
	entryOffsets := make([]uint32, len(names))
	for i, n := range names {
		entryOffsets[i] = uint32(len(entryPool))
		for _, en := range n.entries {
			entryPool = dwarfexpr.AppendULEB128(entryPool, abbrevCodes[uint16(en.Tag)])
			entryPool = e.order.AppendUint32(entryPool, uint32(en.Unit))
			unitOff := uint64(0)
			if en.Unit < len(t.UnitOffsets) {
				unitOff = t.UnitOffsets[en.Unit]
			}
			entryPool = e.order.AppendUint32(entryPool, uint32(en.Offset-unitOff))
		}
		entryPool = append(entryPool, 0)
	}

	bucketIdx := make([]uint32, buckets)
	for i := len(names) - 1; i >= 0; i-- {
		bucketIdx[names[i].hash%uint32(buckets)] = uint32(i + 1)
	}

	buf := e.sections[dwarflinker.SectionDebugNames]
	start := len(buf)
	buf = e.order.AppendUint32(buf, 0)
	buf = e.order.AppendUint16(buf, debugNamesVersion)
	buf = e.order.AppendUint16(buf, 0)
	buf = e.order.AppendUint32(buf, uint32(len(t.UnitOffsets)))
	buf = e.order.AppendUint32(buf, 0)
	buf = e.order.AppendUint32(buf, 0)
	buf = e.order.AppendUint32(buf, uint32(buckets))
	buf = e.order.AppendUint32(buf, uint32(len(names)))
	buf = e.order.AppendUint32(buf, uint32(len(abbrevs)))
	buf = e.order.AppendUint32(buf, 0)
	for _, off := range t.UnitOffsets {
		buf = e.order.AppendUint32(buf, uint32(off))
	}
	for _, b := range bucketIdx {
		buf = e.order.AppendUint32(buf, b)
	}
	for _, n := range names {
		buf = e.order.AppendUint32(buf, n.hash)
	}
	for _, n := range names {
		buf = e.order.AppendUint32(buf, n.offset)
	}
	for _, off := range entryOffsets {
		buf = e.order.AppendUint32(buf, off)
	}
	buf = append(buf, abbrevs...)
	buf = append(buf, entryPool...)
	e.order.PutUint32(buf[start:], uint32(len(buf)-start-4))
	e.sections[dwarflinker.SectionDebugNames] = buf
}
