package emit

import (
	"fmt"

	"github.com/coral-mesh/dwarflink/internal/safe"
	"github.com/coral-mesh/dwarflink/pkg/dwarfexpr"
	"github.com/coral-mesh/dwarflink/pkg/dwarfinfo"
	"github.com/coral-mesh/dwarflink/pkg/dwarflinker"
)

// Line program parameters of every emitted table.
const (
	lineBase     = -5
	lineRange    = 14
	opcodeBase   = 13
	minInstLen   = 1
	maxOpsPerIns = 1
)

// Standard and extended line opcodes.
const (
	lnsCopy             = 0x01
	lnsAdvancePC        = 0x02
	lnsAdvanceLine      = 0x03
	lnsSetFile          = 0x04
	lnsSetColumn        = 0x05
	lnsNegateStmt       = 0x06
	lnsSetBasicBlock    = 0x07
	lnsSetPrologueEnd   = 0x0a
	lnsSetEpilogueBegin = 0x0b

	lneEndSequence      = 0x01
	lneSetAddress       = 0x02
	lneSetDiscriminator = 0x04

	lnctPath     = 0x1
	lnctDirIndex = 0x2
)

// Operand counts of the standard opcodes 1 to opcodeBase-1.
var standardOpcodeLengths = []byte{0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1}

// lineFiles maps the files of t to the output numbering of version. Rows
// keep their file index plus the returned shift.
func lineFiles(t *dwarfinfo.LineTable, name string, version uint16) ([]dwarfinfo.LineFile, int) {
	files := t.Files
	if version < 5 {
		// File numbers start at 1; an unnamed entry 0 is the placeholder
		// pre-v5 tables carry.
		if len(files) > 0 && files[0].Name == "" {
			return files[1:], 0
		}
		return files, 1
	}
	if len(files) == 0 {
		return []dwarfinfo.LineFile{{Name: name}}, 0
	}
	if files[0].Name == "" && len(files) > 1 {
		out := append([]dwarfinfo.LineFile(nil), files...)
		out[0] = files[1]
		return out, 0
	}
	return files, 0
}

// lineDirs returns the include directories to write and the directory
// index of every file.
func lineDirs(t *dwarfinfo.LineTable, files []dwarfinfo.LineFile, version uint16) ([]string, []uint64) {
	dirs := append([]string(nil), t.IncludeDirs...)
	base := 1
	if version >= 5 {
		// Directory 0 is the compilation directory.
		dirs = append([]string{"."}, dirs...)
		base = 0
	}
	index := make(map[string]uint64, len(dirs))
	for i, d := range dirs {
		if _, ok := index[d]; !ok {
			index[d] = uint64(i + base)
		}
	}
	fileDirs := make([]uint64, len(files))
	for i, f := range files {
		if f.Dir == "" {
			continue
		}
		idx, ok := index[f.Dir]
		if !ok {
			dirs = append(dirs, f.Dir)
			idx = uint64(len(dirs) - 1 + base)
			index[f.Dir] = idx
		}
		fileDirs[i] = idx
	}
	return dirs, fileDirs
}

// EmitLineTable writes the line program of u.
func (e *Emitter) EmitLineTable(u *dwarflinker.OutputUnit, t *dwarfinfo.LineTable) (uint64, error) {
	buf := e.sections[dwarflinker.SectionLine]
	start := len(buf)
	version := u.Version

	files, shift := lineFiles(t, u.Name, version)
	dirs, fileDirs := lineDirs(t, files, version)

	buf = e.order.AppendUint32(buf, 0)
	buf = e.order.AppendUint16(buf, version)
	if version >= 5 {
		buf = append(buf, byte(u.AddrSize), 0)
	}
	headerLenAt := len(buf)
	buf = e.order.AppendUint32(buf, 0)
	headerStart := len(buf)

	buf = append(buf, minInstLen)
	if version >= 4 {
		buf = append(buf, maxOpsPerIns)
	}
	buf = append(buf, 1, byte(lineBase&0xff), lineRange, opcodeBase)
	buf = append(buf, standardOpcodeLengths...)

	if version >= 5 {
		buf = append(buf, 1)
		buf = dwarfexpr.AppendULEB128(buf, lnctPath)
		buf = dwarfexpr.AppendULEB128(buf, uint64(dwarflinker.FormString))
		buf = dwarfexpr.AppendULEB128(buf, uint64(len(dirs)))
		for _, d := range dirs {
			buf = appendCString(buf, d)
		}
		buf = append(buf, 2)
		buf = dwarfexpr.AppendULEB128(buf, lnctPath)
		buf = dwarfexpr.AppendULEB128(buf, uint64(dwarflinker.FormString))
		buf = dwarfexpr.AppendULEB128(buf, lnctDirIndex)
		buf = dwarfexpr.AppendULEB128(buf, uint64(dwarflinker.FormUdata))
		buf = dwarfexpr.AppendULEB128(buf, uint64(len(files)))
		for i, f := range files {
			buf = appendCString(buf, f.Name)
			buf = dwarfexpr.AppendULEB128(buf, fileDirs[i])
		}
	} else {
		for _, d := range dirs {
			buf = appendCString(buf, d)
		}
		buf = append(buf, 0)
		for i, f := range files {
			buf = appendCString(buf, f.Name)
			buf = dwarfexpr.AppendULEB128(buf, fileDirs[i])
			buf = dwarfexpr.AppendULEB128(buf, f.ModTime)
			buf = dwarfexpr.AppendULEB128(buf, f.Length)
		}
		buf = append(buf, 0)
	}

	headerLen, clamped := safe.Uint64ToUint32(uint64(len(buf) - headerStart))
	if clamped {
		return 0, fmt.Errorf("line table header of %s overflows 32 bits", u.Name)
	}
	e.order.PutUint32(buf[headerLenAt:], headerLen)

	buf = e.appendLineProgram(buf, t.Rows, shift, u.AddrSize, version)

	length, clamped := safe.Uint64ToUint32(uint64(len(buf) - start - 4))
	if clamped {
		return 0, fmt.Errorf("line table of %s overflows 32 bits", u.Name)
	}
	e.order.PutUint32(buf[start:], length)
	e.sections[dwarflinker.SectionLine] = buf
	return uint64(start), nil
}

// lineState is the line state machine between rows.
type lineState struct {
	addr   uint64
	file   int
	line   int
	column int
	isStmt bool
	open   bool
}

func newLineState() lineState {
	return lineState{file: 1, line: 1, isStmt: true}
}

func (e *Emitter) appendLineProgram(buf []byte, rows []dwarfinfo.LineRow, shift, addrSize int, version uint16) []byte {
	st := newLineState()
	for _, row := range rows {
		if !st.open || row.Address < st.addr {
			if st.open {
				buf = appendEndSequence(buf)
				st = newLineState()
			}
			buf = append(buf, 0)
			buf = dwarfexpr.AppendULEB128(buf, uint64(1+addrSize))
			buf = append(buf, lneSetAddress)
			buf = e.appendAddr(buf, row.Address, addrSize)
			st.addr = row.Address
			st.open = true
		}

		if row.EndSequence {
			if delta := row.Address - st.addr; delta > 0 {
				buf = append(buf, lnsAdvancePC)
				buf = dwarfexpr.AppendULEB128(buf, delta)
			}
			buf = appendEndSequence(buf)
			st = newLineState()
			continue
		}

		if file := row.File + shift; file != st.file {
			buf = append(buf, lnsSetFile)
			buf = dwarfexpr.AppendULEB128(buf, uint64(file))
			st.file = file
		}
		if row.Column != st.column {
			buf = append(buf, lnsSetColumn)
			buf = dwarfexpr.AppendULEB128(buf, uint64(row.Column))
			st.column = row.Column
		}
		if row.IsStmt != st.isStmt {
			buf = append(buf, lnsNegateStmt)
			st.isStmt = row.IsStmt
		}
		if row.BasicBlock {
			buf = append(buf, lnsSetBasicBlock)
		}
		if row.PrologueEnd && version >= 3 {
			buf = append(buf, lnsSetPrologueEnd)
		}
		if row.EpilogueBegin && version >= 3 {
			buf = append(buf, lnsSetEpilogueBegin)
		}
		if row.Discriminator != 0 && version >= 4 {
			d := uint64(row.Discriminator)
			buf = append(buf, 0)
			buf = dwarfexpr.AppendULEB128(buf, uint64(1+dwarfexpr.ULEB128Size(d)))
			buf = append(buf, lneSetDiscriminator)
			buf = dwarfexpr.AppendULEB128(buf, d)
		}

		lineDelta := row.Line - st.line
		addrDelta := row.Address - st.addr
		buf = appendRowAdvance(buf, lineDelta, addrDelta)
		st.line = row.Line
		st.addr = row.Address
	}
	if st.open {
		buf = appendEndSequence(buf)
	}
	return buf
}

// appendRowAdvance moves the state machine and appends a row, using a
// special opcode when the deltas allow one.
func appendRowAdvance(buf []byte, lineDelta int, addrDelta uint64) []byte {
	if lineDelta >= lineBase && lineDelta < lineBase+lineRange && addrDelta <= 255 {
		op := uint64(lineDelta-lineBase) + lineRange*addrDelta + opcodeBase
		if op <= 255 {
			return append(buf, byte(op))
		}
	}
	if lineDelta != 0 {
		buf = append(buf, lnsAdvanceLine)
		buf = dwarfexpr.AppendSLEB128(buf, int64(lineDelta))
	}
	if addrDelta != 0 {
		buf = append(buf, lnsAdvancePC)
		buf = dwarfexpr.AppendULEB128(buf, addrDelta)
	}
	return append(buf, lnsCopy)
}

func appendEndSequence(buf []byte) []byte {
	return append(buf, 0, 1, lneEndSequence)
}

func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}
