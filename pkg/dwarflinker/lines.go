package dwarflinker

import (
	"sort"

	"github.com/coral-mesh/dwarflink/pkg/dwarfinfo"
)

// buildLineTable keeps the rows of cu's line program that fall into live
// functions, moved to their linked addresses. Sequences are split wherever
// consecutive rows land in different functions, since each function may
// move by a different amount.
func (c *cloner) buildLineTable(cu *CompileUnit) *dwarfinfo.LineTable {
	in := cu.Orig.Lines
	out := &dwarfinfo.LineTable{
		Version:     in.Version,
		IncludeDirs: make([]string, len(in.IncludeDirs)),
		Files:       make([]dwarfinfo.LineFile, len(in.Files)),
	}
	for i, d := range in.IncludeDirs {
		out.IncludeDirs[i] = c.l.opts.remapPath(d)
	}
	for i, f := range in.Files {
		f.Dir = c.l.opts.remapPath(f.Dir)
		f.Name = c.l.opts.remapPath(f.Name)
		out.Files[i] = f
	}

	if c.l.opts.Update || cu.module {
		out.Rows = append([]dwarfinfo.LineRow(nil), in.Rows...)
		return out
	}

	var (
		seqs [][]dwarfinfo.LineRow
		cur  []dwarfinfo.LineRow
		fr   funcRange
	)
	closeSeq := func(addr uint64) {
		if len(cur) == 0 {
			return
		}
		end := cur[len(cur)-1]
		end.Address = uint64(int64(min(addr, fr.High)) + fr.Adjust)
		end.EndSequence = true
		end.PrologueEnd, end.EpilogueBegin = false, false
		cur = append(cur, end)
		seqs = append(seqs, cur)
		cur = nil
	}

	for _, row := range in.Rows {
		if row.EndSequence {
			closeSeq(row.Address)
			continue
		}
		r, ok := cu.rangeFor(row.Address)
		if !ok {
			closeSeq(row.Address)
			continue
		}
		if len(cur) > 0 && r != fr {
			closeSeq(row.Address)
		}
		fr = r
		row.Address = uint64(int64(row.Address) + r.Adjust)
		cur = append(cur, row)
	}
	closeSeq(fr.High)

	sort.SliceStable(seqs, func(i, j int) bool { return seqs[i][0].Address < seqs[j][0].Address })
	for _, s := range seqs {
		out.Rows = append(out.Rows, s...)
	}
	return out
}
