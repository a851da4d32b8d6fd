package dwarflinker

import (
	"debug/dwarf"
)

const (
	paperTrailProducer = "dwarflink"
	paperTrailWarning  = "dwarflink_warning"
)

// paperTrailUnit records the warnings of ctx in a synthetic unit, so the
// reason for missing debug info survives in the output.
func (l *Linker) paperTrailUnit(ctx *LinkContext) *OutputUnit {
	if len(ctx.warnings) == 0 {
		return nil
	}
	version := l.opts.outputVersion()
	out := &OutputUnit{
		Index:       l.nextUnit,
		Version:     version,
		AddrSize:    ctx.File.AddrSize,
		Name:        ctx.File.Name,
		isPaperUnit: true,
	}
	l.nextUnit++

	flag := AttrValue{Attr: dwarf.AttrArtificial, Form: FormFlag, Int: 1}
	if version >= 4 {
		flag.Form = FormFlagPresent
	}
	str := func(attr dwarf.Attr, s string) AttrValue {
		return AttrValue{Attr: attr, Form: FormStrp, Str: l.strings.Intern(s)}
	}

	root := l.arena.New(dwarf.TagCompileUnit, out.Index)
	l.arena.SetAttrs(root, []AttrValue{
		str(dwarf.AttrProducer, paperTrailProducer),
		str(dwarf.AttrName, ctx.File.Name),
	})
	for _, w := range ctx.warnings {
		h := l.arena.New(dwarf.TagConstant, out.Index)
		vals := []AttrValue{
			str(dwarf.AttrName, paperTrailWarning),
			flag,
			str(dwarf.AttrConstValue, w),
		}
		l.arena.SetAttrs(h, vals)
		l.arena.DIE(h).Abbrev = l.abbrevs.Intern(dwarf.TagConstant, false, specsOf(vals))
		l.arena.AppendChild(root, h)
	}
	rootVals := l.arena.Attrs(root)
	l.arena.DIE(root).Abbrev = l.abbrevs.Intern(dwarf.TagCompileUnit, true, specsOf(rootVals))
	out.Root = root
	return out
}

func specsOf(vals []AttrValue) []AbbrevSpec {
	specs := make([]AbbrevSpec, len(vals))
	for i := range vals {
		specs[i] = AbbrevSpec{Attr: vals[i].Attr, Form: vals[i].Form}
	}
	return specs
}
