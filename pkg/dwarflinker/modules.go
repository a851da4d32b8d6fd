package dwarflinker

import (
	"debug/dwarf"
	"fmt"
	"path/filepath"

	"github.com/coral-mesh/dwarflink/pkg/dwarfinfo"
)

// GNU split-DWARF attributes predating DWARF 5.
const (
	attrGNUDwoName dwarf.Attr = 0x2130
	attrGNUDwoID   dwarf.Attr = 0x2131
)

type loadedModule struct {
	dwoID uint64
	ctx   *LinkContext
}

// moduleReference returns the module path and id named by a skeleton
// unit entry.
func moduleReference(root *dwarf.Entry) (path string, dwoID uint64, ok bool) {
	if root == nil {
		return "", 0, false
	}
	path, _ = root.Val(dwarf.AttrDwoName).(string)
	if path == "" {
		path, _ = root.Val(attrGNUDwoName).(string)
	}
	if path == "" {
		return "", 0, false
	}
	switch v := root.Val(attrGNUDwoID).(type) {
	case int64:
		dwoID = uint64(v)
	case uint64:
		dwoID = v
	}
	if dir, _ := root.Val(dwarf.AttrCompDir).(string); dir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	return path, dwoID, true
}

// registerModule loads the module a skeleton unit points to and attaches
// it to ctx. It reports whether u was such a skeleton and its module is
// now available; failures are warnings.
func (l *Linker) registerModule(ctx *LinkContext, u *dwarfinfo.Unit, loader ModuleLoader) bool {
	path, dwoID, ok := moduleReference(u.Root())
	if !ok {
		return false
	}

	if m, seen := l.modules[path]; seen {
		if m.dwoID != dwoID {
			l.warn(ctx, fmt.Sprintf("module %s: hash mismatch, expected 0x%x, found 0x%x", path, m.dwoID, dwoID), u.Root())
		}
		return true
	}

	f, err := loader.Load(path, dwoID)
	if err != nil {
		l.warn(ctx, fmt.Sprintf("could not load module %s: %v", path, err), u.Root())
		return false
	}

	mctx := &LinkContext{File: f, Addrs: emptyAddressMap{}, module: true}
	l.modules[path] = &loadedModule{dwoID: dwoID, ctx: mctx}
	for _, w := range f.Warnings {
		l.warn(mctx, w, nil)
	}
	for _, mu := range f.Units {
		if l.registerModule(mctx, mu, loader) {
			continue
		}
		l.addUnit(mctx, mu)
	}
	ctx.Modules = append(ctx.Modules, mctx)

	if l.opts.Verbose {
		l.log.Debug().Str("file", ctx.File.Name).Str("module", path).
			Int("units", len(mctx.Units)).Msg("Loaded module")
	}
	return true
}
