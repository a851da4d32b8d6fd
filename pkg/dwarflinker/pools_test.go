package dwarflinker

import (
	"debug/dwarf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringPool(t *testing.T) {
	p := NewStringPool()
	main := p.Intern("main")
	intRef := p.Intern("int")
	assert.Equal(t, main, p.Intern("main"), "interned once")
	assert.Equal(t, 3, p.Len())
	assert.Equal(t, "int", p.String(intRef))

	assert.Panics(t, func() { p.Offset(main) })
	p.Finalize()

	assert.Equal(t, uint64(0), p.Offset(p.Intern("")))
	assert.Equal(t, uint64(1), p.Offset(main))
	assert.Equal(t, uint64(6), p.Offset(intRef))
	assert.Equal(t, uint64(10), p.Size())
	assert.Equal(t, []string{"", "main", "int"}, p.Strings())

	assert.Panics(t, func() { p.Intern("new") })
}

func TestAbbrevSet(t *testing.T) {
	s := NewAbbrevSet()
	specs := []AbbrevSpec{{Attr: dwarf.AttrName, Form: FormStrp}, {Attr: dwarf.AttrType, Form: FormRef4}}

	a := s.Intern(dwarf.TagVariable, false, specs)
	assert.Equal(t, uint32(1), a.Code)

	specs[1].Form = FormRefAddr
	b := s.Intern(dwarf.TagVariable, false, specs)
	assert.Equal(t, uint32(2), b.Code)
	assert.Equal(t, FormRef4, a.Specs[1].Form, "specs are copied")

	c := s.Intern(dwarf.TagVariable, true, specs)
	assert.NotSame(t, b, c)

	again := s.Intern(dwarf.TagVariable, false, []AbbrevSpec{{Attr: dwarf.AttrName, Form: FormStrp}, {Attr: dwarf.AttrType, Form: FormRef4}})
	assert.Same(t, a, again)

	require.Len(t, s.All(), 3)
	for i, ab := range s.All() {
		assert.Equal(t, uint32(i+1), ab.Code)
	}
}

func TestArenaTree(t *testing.T) {
	a := NewArena()
	root := a.New(dwarf.TagCompileUnit, 0)
	a.SetAttrs(root, []AttrValue{{Attr: dwarf.AttrName, Form: FormStrp}})
	first := a.New(dwarf.TagBaseType, 0)
	second := a.New(dwarf.TagVariable, 0)
	a.AppendChild(root, first)
	a.AppendChild(root, second)
	a.SetAttrs(second, []AttrValue{{Attr: dwarf.AttrLocation, Form: FormExprloc, Data: []byte{1, 2}}})

	var order []DIEHandle
	a.Walk(root, func(h DIEHandle) { order = append(order, h) })
	assert.Equal(t, []DIEHandle{root, first, second}, order)
	assert.Equal(t, root, a.DIE(second).Parent)
	assert.Equal(t, second, a.DIE(first).NextSibling)

	a.Attrs(second)[0].Int = 7
	assert.Equal(t, uint64(7), a.Attrs(second)[0].Int)
	assert.Empty(t, a.Attrs(first))
	assert.Len(t, a.Attrs(root), 1)
}

func TestFormSize(t *testing.T) {
	tests := []struct {
		name    string
		v       AttrValue
		version uint16
		want    uint64
	}{
		{name: "addr", v: AttrValue{Form: FormAddr}, version: 4, want: 8},
		{name: "small udata", v: AttrValue{Form: FormUdata, Int: 0x7f}, version: 4, want: 1},
		{name: "large udata", v: AttrValue{Form: FormUdata, Int: 0x80}, version: 4, want: 2},
		{name: "negative sdata", v: AttrValue{Form: FormSdata, Int: ^uint64(0)}, version: 4, want: 1},
		{name: "ref_addr v2", v: AttrValue{Form: FormRefAddr}, version: 2, want: 8},
		{name: "ref_addr v4", v: AttrValue{Form: FormRefAddr}, version: 4, want: 4},
		{name: "exprloc", v: AttrValue{Form: FormExprloc, Data: make([]byte, 9)}, version: 4, want: 10},
		{name: "flag_present", v: AttrValue{Form: FormFlagPresent}, version: 4, want: 0},
		{name: "strp", v: AttrValue{Form: FormStrp}, version: 4, want: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormSize(&tt.v, tt.version, 8))
		})
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr string
	}{
		{name: "defaults", opts: Options{TargetVersion: 4}},
		{name: "version 1", opts: Options{TargetVersion: 1}},
		{name: "version 0", opts: Options{}, wantErr: "unsupported target DWARF version"},
		{name: "negative threads", opts: Options{TargetVersion: 5, Threads: -1}, wantErr: "threads"},
		{name: "duplicate accel", opts: Options{TargetVersion: 5, Accelerators: []AccelKind{AccelPub, AccelPub}}, wantErr: "twice"},
		{name: "unknown accel", opts: Options{TargetVersion: 5, Accelerators: []AccelKind{9}}, wantErr: "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	assert.Equal(t, uint16(2), (&Options{TargetVersion: 1}).outputVersion())
	assert.Equal(t, "/b/x", (&Options{PrefixMap: []PrefixRule{{Old: "/a", New: "/b"}, {Old: "/a/x", New: "/c"}}}).remapPath("/a/x"))

	k, err := ParseAccelKind("DWARF")
	require.NoError(t, err)
	assert.Equal(t, AccelDebugNames, k)
	_, err = ParseAccelKind("gdb")
	assert.Error(t, err)
}
