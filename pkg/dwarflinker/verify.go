package dwarflinker

import (
	"debug/dwarf"
	"fmt"

	"github.com/coral-mesh/dwarflink/pkg/dwarfinfo"
)

// verifyContext checks the structural sanity of an input file. Problems
// are reported and never stop the link.
func (l *Linker) verifyContext(ctx *LinkContext) {
	var problems []string
	report := func(u *dwarfinfo.Unit, e *dwarf.Entry, msg string) {
		problems = append(problems, fmt.Sprintf("unit at 0x%x: entry at 0x%x: %s", u.Offset, e.Offset, msg))
	}

	for _, cu := range ctx.Units {
		u := cu.Orig
		root := u.Root()
		if root == nil {
			problems = append(problems, fmt.Sprintf("unit at 0x%x: no entries", u.Offset))
			continue
		}
		switch root.Tag {
		case dwarf.TagCompileUnit, dwarf.TagPartialUnit, dwarf.TagTypeUnit, dwarf.TagSkeletonUnit:
		default:
			report(u, root, fmt.Sprintf("unexpected unit tag %s", root.Tag))
		}

		for _, e := range u.Entries {
			for i := range e.Field {
				f := &e.Field[i]
				if f.Class != dwarf.ClassReference {
					continue
				}
				off, _ := dwarfinfo.RefOffset(f)
				if _, _, ok := resolveOffset(ctx.Units, off); !ok {
					report(u, e, fmt.Sprintf("%s points to 0x%x, which starts no entry", f.Attr, off))
				}
			}
			if low, ok := e.Val(dwarf.AttrLowpc).(uint64); ok {
				if high, ok := dwarfinfo.HighPC(e); ok && high < low {
					report(u, e, fmt.Sprintf("high_pc 0x%x below low_pc 0x%x", high, low))
				}
			}
		}
	}

	if len(problems) == 0 {
		return
	}
	for _, p := range problems {
		l.log.Error().Str("file", ctx.File.Name).Msg(p)
	}
	if l.opts.InputVerification != nil {
		l.opts.InputVerification(ctx.File, problems)
	}
}
