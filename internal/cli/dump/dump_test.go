package dump

import (
	"bytes"
	"context"
	"debug/dwarf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/dwarflink/internal/addrmap"
	"github.com/coral-mesh/dwarflink/pkg/dwarfinfo"
	"github.com/coral-mesh/dwarflink/pkg/dwarflinker"
)

func sampleUnits(t *testing.T) []dwarflinker.UnitRetention {
	t.Helper()
	b := dwarfinfo.NewBuilder("a.o")
	b.BeginUnit(4)
	b.Open(dwarf.TagCompileUnit, dwarfinfo.Str(dwarf.AttrName, "a.c"), dwarfinfo.Const(dwarf.AttrLanguage, 0x0c))
	intOff := b.Leaf(dwarf.TagBaseType, dwarfinfo.Str(dwarf.AttrName, "int"), dwarfinfo.Const(dwarf.AttrByteSize, 4))
	for _, fn := range []struct {
		name string
		low  uint64
	}{{"main", 0x10}, {"dead", 0x100}} {
		b.Open(dwarf.TagSubprogram,
			dwarfinfo.Str(dwarf.AttrName, fn.name),
			dwarfinfo.Addr(dwarf.AttrLowpc, fn.low),
			dwarfinfo.Const(dwarf.AttrHighpc, 0x10),
			dwarfinfo.Ref(dwarf.AttrType, intOff),
		)
		b.Close()
	}
	b.Close()

	addrs := addrmap.New(addrmap.Object{
		Filename: "a.o",
		Symbols:  []addrmap.Symbol{{Name: "main", ObjAddr: 0x10, BinAddr: 0x1010, Size: 0x10}},
	})
	units, err := dwarflinker.Retained(context.Background(), b.File(), addrs, dwarflinker.Options{TargetVersion: 4})
	require.NoError(t, err)
	return units
}

func TestPrintTrees(t *testing.T) {
	units := sampleUnits(t)

	var buf bytes.Buffer
	require.NoError(t, printTrees(&buf, units, false))
	out := buf.String()
	assert.Contains(t, out, "compile_unit a.c [kept")
	assert.Contains(t, out, "base_type int [kept")
	assert.Contains(t, out, "subprogram main [kept")
	assert.Contains(t, out, "subprogram dead\n")

	buf.Reset()
	require.NoError(t, printTrees(&buf, units, true))
	assert.NotContains(t, buf.String(), "dead")
}

func TestEntryRows(t *testing.T) {
	rows := entryRows(sampleUnits(t), false)
	require.Len(t, rows, 4)
	assert.Equal(t, "compile_unit", rows[0].Tag)
	assert.Equal(t, 0, rows[0].Depth)
	assert.Equal(t, "main", rows[2].Name)
	assert.True(t, rows[2].Keep)
	assert.Equal(t, 1, rows[2].Depth)
	assert.False(t, rows[3].Keep)

	assert.Len(t, entryRows(sampleUnits(t), true), 3)
}

func TestFindObject(t *testing.T) {
	m := &addrmap.DebugMap{Objects: []addrmap.Object{
		{Filename: "/build/obj/a.o"},
		{Filename: "b.o"},
	}}

	o, ok := findObject(m, "b.o")
	require.True(t, ok)
	assert.Equal(t, "b.o", o.Filename)

	o, ok = findObject(m, "/tmp/a.o")
	require.True(t, ok)
	assert.Equal(t, "/build/obj/a.o", o.Filename)

	_, ok = findObject(m, "c.o")
	assert.False(t, ok)
}

func TestTagName(t *testing.T) {
	assert.Equal(t, "compile_unit", tagName(dwarf.TagCompileUnit))
	assert.Equal(t, "formal_parameter", tagName(dwarf.TagFormalParameter))
	assert.Equal(t, "variable", tagName(dwarf.TagVariable))
	assert.Contains(t, tagName(dwarf.Tag(0x7fff)), "Tag(")
}

func TestMarker(t *testing.T) {
	assert.Empty(t, marker(&dwarflinker.EntryInfo{}))
	assert.Equal(t, "kept, odr-canonical, +0x1000",
		marker(&dwarflinker.EntryInfo{Keep: true, ODRCanonical: true, InDebugMap: true, AddrAdjust: 0x1000}))
	assert.Equal(t, "incomplete", marker(&dwarflinker.EntryInfo{Incomplete: true}))
}
