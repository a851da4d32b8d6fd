package dwarflinker

import (
	"debug/dwarf"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/dwarflink/internal/testutil"
	"github.com/coral-mesh/dwarflink/pkg/dwarfexpr"
	"github.com/coral-mesh/dwarflink/pkg/dwarfinfo"
)

// testRange is a live input interval and the distance it moved.
type testRange struct {
	low, high uint64
	adjust    int64
}

type testAddrs struct {
	ranges  []testRange
	cleared bool
}

func (m *testAddrs) find(addr uint64) (int64, bool) {
	for _, r := range m.ranges {
		if addr >= r.low && addr < r.high {
			return r.adjust, true
		}
	}
	return 0, false
}

func (m *testAddrs) HasValidRelocs() bool { return len(m.ranges) > 0 }

func (m *testAddrs) SubprogramRelocAdjustment(e *dwarf.Entry) (int64, bool) {
	low, ok := e.Val(dwarf.AttrLowpc).(uint64)
	if !ok {
		return 0, false
	}
	return m.find(low)
}

func (m *testAddrs) ExprOpAddressRelocAdjustment(_ *dwarfinfo.Unit, op dwarfexpr.Op) (int64, bool) {
	return m.find(op.Address)
}

func (m *testAddrs) Clear() { m.cleared = true }

type emittedUnit struct {
	out  *OutputUnit
	dies []DIEHandle
}

type emittedFDE struct {
	cie          uint64
	address, len uint64
}

// recordingEmitter keeps what the linker hands it instead of encoding it.
type recordingEmitter struct {
	arena    *Arena
	pool     *StringPool
	units    []emittedUnit
	abbrevs  []*Abbrev
	lines    map[int]*dwarfinfo.LineTable
	ranges   [][]dwarfinfo.Range
	locs     [][]dwarfinfo.LocEntry
	aranges  map[int][]dwarfinfo.Range
	pubNames map[int][]PubEntry
	pubTypes map[int][]PubEntry
	accel    *AccelTables
	cies     [][]byte
	fdes     []emittedFDE
	finished bool
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{
		lines:    map[int]*dwarfinfo.LineTable{},
		aranges:  map[int][]dwarfinfo.Range{},
		pubNames: map[int][]PubEntry{},
		pubTypes: map[int][]PubEntry{},
	}
}

func (r *recordingEmitter) EmitCompileUnit(a *Arena, u *OutputUnit) error {
	r.arena = a
	var dies []DIEHandle
	a.Walk(u.Root, func(h DIEHandle) { dies = append(dies, h) })
	r.units = append(r.units, emittedUnit{out: u, dies: dies})
	return nil
}

func (r *recordingEmitter) EmitAbbrevs(abbrevs []*Abbrev) error {
	r.abbrevs = abbrevs
	return nil
}

func (r *recordingEmitter) EmitStrings(pool *StringPool) error {
	r.pool = pool
	return nil
}

func (r *recordingEmitter) EmitLineTable(u *OutputUnit, t *dwarfinfo.LineTable) (uint64, error) {
	r.lines[u.Index] = t
	return uint64(len(r.lines)), nil
}

func (r *recordingEmitter) EmitRangeListHeader(*OutputUnit) {}

func (r *recordingEmitter) EmitRangeListFragment(_ *OutputUnit, ranges []dwarfinfo.Range) uint64 {
	r.ranges = append(r.ranges, ranges)
	return uint64(len(r.ranges) - 1)
}

func (r *recordingEmitter) EmitRangeListFooter(*OutputUnit) {}

func (r *recordingEmitter) EmitLocListHeader(*OutputUnit) {}

func (r *recordingEmitter) EmitLocListFragment(_ *OutputUnit, entries []dwarfinfo.LocEntry) uint64 {
	r.locs = append(r.locs, entries)
	return uint64(len(r.locs) - 1)
}

func (r *recordingEmitter) EmitLocListFooter(*OutputUnit) {}

func (r *recordingEmitter) EmitAranges(u *OutputUnit, ranges []dwarfinfo.Range) {
	r.aranges[u.Index] = ranges
}

func (r *recordingEmitter) EmitPubNames(u *OutputUnit, entries []PubEntry) {
	r.pubNames[u.Index] = entries
}

func (r *recordingEmitter) EmitPubTypes(u *OutputUnit, entries []PubEntry) {
	r.pubTypes[u.Index] = entries
}

func (r *recordingEmitter) EmitAppleTables(t *AccelTables, _ *StringPool) { r.accel = t }

func (r *recordingEmitter) EmitDebugNames(t *AccelTables, _ *StringPool) { r.accel = t }

func (r *recordingEmitter) EmitCIE(body []byte) uint64 {
	r.cies = append(r.cies, body)
	return uint64(len(r.cies)-1) * 0x100
}

func (r *recordingEmitter) EmitFDE(cie uint64, _ int, address, length uint64, _ []byte) {
	r.fdes = append(r.fdes, emittedFDE{cie: cie, address: address, len: length})
}

func (r *recordingEmitter) SectionSize(Section) uint64 { return 0 }

func (r *recordingEmitter) Finish() error {
	r.finished = true
	return nil
}

// attr returns the value of attr on h.
func (r *recordingEmitter) attr(h DIEHandle, attr dwarf.Attr) (AttrValue, bool) {
	for _, v := range r.arena.Attrs(h) {
		if v.Attr == attr {
			return v, true
		}
	}
	return AttrValue{}, false
}

func (r *recordingEmitter) name(h DIEHandle) string {
	v, ok := r.attr(h, dwarf.AttrName)
	if !ok {
		return ""
	}
	return r.pool.String(v.Str)
}

// find returns the first entry of unit i with the given tag and name.
func (r *recordingEmitter) find(i int, tag dwarf.Tag, name string) (DIEHandle, bool) {
	for _, h := range r.units[i].dies {
		if r.arena.DIE(h).Tag == tag && r.name(h) == name {
			return h, true
		}
	}
	return NoDIE, false
}

// outline renders unit i as one "depth:tag:name" line per entry.
func (r *recordingEmitter) outline(i int) []string {
	var out []string
	for _, h := range r.units[i].dies {
		depth := 0
		for p := r.arena.DIE(h).Parent; p != NoDIE; p = r.arena.DIE(p).Parent {
			depth++
		}
		out = append(out, fmt.Sprintf("%d:%s:%s", depth, r.arena.DIE(h).Tag, r.name(h)))
	}
	return out
}

// render serializes every emitted unit with its attribute values, for
// comparing whole runs.
func (r *recordingEmitter) render() string {
	var b strings.Builder
	for _, u := range r.units {
		fmt.Fprintf(&b, "unit %d @0x%x size 0x%x\n", u.out.Index, u.out.Offset, u.out.Size)
		for _, h := range u.dies {
			d := r.arena.DIE(h)
			fmt.Fprintf(&b, "  0x%x %s abbrev %d:", d.Offset, d.Tag, d.Abbrev.Code)
			for _, v := range r.arena.Attrs(h) {
				if v.Form == FormStrp {
					fmt.Fprintf(&b, " %s=%q", v.Attr, r.pool.String(v.Str))
					continue
				}
				fmt.Fprintf(&b, " %s=0x%x/%x", v.Attr, v.Int, v.Data)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func opAddr(addr uint64) []byte {
	buf := []byte{dwarfexpr.OpAddr}
	return binary.LittleEndian.AppendUint64(buf, addr)
}

// function opens a subprogram covering [low, low+size).
func function(b *dwarfinfo.Builder, name string, low, size uint64) dwarf.Offset {
	return b.Open(dwarf.TagSubprogram,
		dwarfinfo.Str(dwarf.AttrName, name),
		dwarfinfo.Addr(dwarf.AttrLowpc, low),
		dwarfinfo.Const(dwarf.AttrHighpc, int64(size)),
		dwarfinfo.FlagField(dwarf.AttrExternal),
	)
}

func link(t *testing.T, opts Options, files ...linkInput) (*Linker, *recordingEmitter) {
	t.Helper()
	if opts.TargetVersion == 0 {
		opts.TargetVersion = 4
	}
	opts.Logger = testutil.NewTestLoggerWithOutput(t)
	em := newRecordingEmitter()
	l, err := New(em, opts)
	require.NoError(t, err)
	for _, in := range files {
		require.NoError(t, l.AddFile(in.file, in.addrs, in.loader))
	}
	ctx, cancel := testutil.NewTestContext()
	defer cancel()
	require.NoError(t, l.Link(ctx))
	require.True(t, em.finished)
	return l, em
}

type linkInput struct {
	file   *dwarfinfo.File
	addrs  AddressMap
	loader ModuleLoader
}

func appendCIE(buf, body []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(4+len(body)))
	buf = binary.LittleEndian.AppendUint32(buf, 0xffffffff)
	return append(buf, body...)
}

func appendFDE(buf []byte, cie uint32, loc, size uint64) []byte {
	insts := []byte{0x41, 0x0e, 0x10}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(4+16+len(insts)))
	buf = binary.LittleEndian.AppendUint32(buf, cie)
	buf = binary.LittleEndian.AppendUint64(buf, loc)
	buf = binary.LittleEndian.AppendUint64(buf, size)
	return append(buf, insts...)
}
