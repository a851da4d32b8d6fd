package modules

import (
	"debug/dwarf"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/dwarflink/internal/testutil"
	"github.com/coral-mesh/dwarflink/pkg/dwarfinfo"
)

func moduleFile(name string) *dwarfinfo.File {
	b := dwarfinfo.NewBuilder(name)
	b.BeginUnit(4)
	b.Open(dwarf.TagCompileUnit, dwarfinfo.Str(dwarf.AttrName, name))
	b.Close()
	return b.File()
}

func TestLoader_Load(t *testing.T) {
	var opened []string
	l := NewLoader("/modules", 2, testutil.NewTestLoggerWithOutput(t))
	l.open = func(path string) (*dwarfinfo.File, error) {
		opened = append(opened, path)
		if path == "/modules/missing.pcm" {
			return nil, errors.New("no such file")
		}
		if path == "/modules/empty.pcm" {
			return &dwarfinfo.File{Name: path}, nil
		}
		return moduleFile(path), nil
	}

	f, err := l.Load("a.pcm", 1)
	require.NoError(t, err)
	assert.Equal(t, "/modules/a.pcm", f.Name)

	again, err := l.Load("a.pcm", 1)
	require.NoError(t, err)
	assert.Same(t, f, again)
	assert.Equal(t, []string{"/modules/a.pcm"}, opened, "second load served from cache")

	_, err = l.Load("missing.pcm", 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load module /modules/missing.pcm")

	_, err = l.Load("empty.pcm", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no debug info")
}

func TestLRUCache_Eviction(t *testing.T) {
	c := newLRUCache(2)
	a, b, d := moduleFile("a"), moduleFile("b"), moduleFile("d")

	c.Put("a", a)
	c.Put("b", b)
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("d", d)
	assert.Equal(t, 2, c.Len())
	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry evicted")
	got, ok := c.Get("a")
	assert.True(t, ok)
	assert.Same(t, a, got)

	c.Put("a", d)
	got, _ = c.Get("a")
	assert.Same(t, d, got)
	assert.Equal(t, 2, c.Len())
}
