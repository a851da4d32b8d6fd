// Package emit encodes the output of a link into DWARF section bytes held
// in memory, ready to be written next to a linked binary or packed into an
// object file by the caller.
package emit

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/dwarflink/internal/safe"
	"github.com/coral-mesh/dwarflink/pkg/dwarfexpr"
	"github.com/coral-mesh/dwarflink/pkg/dwarflinker"
)

const (
	dwUTCompile = 0x01

	// Base address selection entries of pre-v5 range and location lists
	// start with the largest address.
	maxAddress = ^uint64(0)
)

// strFixup is a .debug_str offset written as a placeholder until the
// string pool is laid out.
type strFixup struct {
	section dwarflinker.Section
	at      int
	ref     dwarflinker.StringRef
}

// ByteOrder is a byte order able to both put and append integers, as
// binary.LittleEndian and binary.BigEndian are.
type ByteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// Emitter implements dwarflinker.Emitter. All sections are kept in memory.
type Emitter struct {
	order    ByteOrder
	logger   zerolog.Logger
	sections [][]byte

	pool      *dwarflinker.StringPool
	strFixups []strFixup

	// Start of the v5 list table header currently open, patched by the
	// matching footer.
	rngListStart int
	locListStart int

	// err is the first encoding failure of a method that cannot return
	// one. Finish reports it.
	err      error
	finished bool
}

func (e *Emitter) fail(err error) {
	e.logger.Error().Err(err).Msg("Dropped unencodable data")
	if e.err == nil {
		e.err = err
	}
}

// New creates an emitter writing in the given byte order.
func New(order ByteOrder, logger zerolog.Logger) *Emitter {
	if order == nil {
		order = binary.LittleEndian
	}
	return &Emitter{
		order:        order,
		sections:     make([][]byte, len(dwarflinker.AllSections())),
		logger:       logger.With().Str("component", "emitter").Logger(),
		rngListStart: -1,
		locListStart: -1,
	}
}

var _ dwarflinker.Emitter = (*Emitter)(nil)

// EmitCompileUnit writes the unit header and every entry of u.
func (e *Emitter) EmitCompileUnit(a *dwarflinker.Arena, u *dwarflinker.OutputUnit) error {
	info := e.sections[dwarflinker.SectionInfo]
	if uint64(len(info)) != u.Offset {
		return fmt.Errorf("unit %s laid out at 0x%x, .debug_info is at 0x%x", u.Name, u.Offset, len(info))
	}
	length, clamped := safe.Uint64ToUint32(u.Size - 4)
	if clamped {
		return fmt.Errorf("unit %s does not fit the 32-bit DWARF format", u.Name)
	}

	info = e.order.AppendUint32(info, length)
	info = e.order.AppendUint16(info, u.Version)
	if u.Version >= 5 {
		info = append(info, dwUTCompile, byte(u.AddrSize))
		info = e.order.AppendUint32(info, 0)
	} else {
		info = e.order.AppendUint32(info, 0)
		info = append(info, byte(u.AddrSize))
	}
	e.sections[dwarflinker.SectionInfo] = info

	if err := e.writeEntry(a, u, u.Root); err != nil {
		return fmt.Errorf("unit %s: %w", u.Name, err)
	}
	if end := uint64(len(e.sections[dwarflinker.SectionInfo])); end != u.Offset+u.Size {
		return fmt.Errorf("unit %s ends at 0x%x, laid out to end at 0x%x", u.Name, end, u.Offset+u.Size)
	}
	return nil
}

func (e *Emitter) writeEntry(a *dwarflinker.Arena, u *dwarflinker.OutputUnit, h dwarflinker.DIEHandle) error {
	d := a.DIE(h)
	buf := e.sections[dwarflinker.SectionInfo]
	if uint64(len(buf)) != d.Offset {
		return fmt.Errorf("%s written at 0x%x, laid out at 0x%x", d.Tag, len(buf), d.Offset)
	}

	buf = dwarfexpr.AppendULEB128(buf, uint64(d.Abbrev.Code))
	for _, v := range a.Attrs(h) {
		var err error
		if buf, err = e.appendValue(buf, &v, u); err != nil {
			return fmt.Errorf("%s %s: %w", d.Tag, v.Attr, err)
		}
	}
	e.sections[dwarflinker.SectionInfo] = buf

	if !d.Abbrev.Children {
		return nil
	}
	for c := d.FirstChild; c != dwarflinker.NoDIE; c = a.DIE(c).NextSibling {
		if err := e.writeEntry(a, u, c); err != nil {
			return err
		}
	}
	e.sections[dwarflinker.SectionInfo] = append(e.sections[dwarflinker.SectionInfo], 0)
	return nil
}

func (e *Emitter) appendValue(buf []byte, v *dwarflinker.AttrValue, u *dwarflinker.OutputUnit) ([]byte, error) {
	switch v.Form {
	case dwarflinker.FormAddr:
		return e.appendAddr(buf, v.Int, u.AddrSize), nil
	case dwarflinker.FormData1, dwarflinker.FormFlag:
		return append(buf, byte(v.Int)), nil
	case dwarflinker.FormData2:
		return e.order.AppendUint16(buf, uint16(v.Int)), nil
	case dwarflinker.FormData4:
		return e.order.AppendUint32(buf, uint32(v.Int)), nil
	case dwarflinker.FormData8:
		return e.order.AppendUint64(buf, v.Int), nil
	case dwarflinker.FormRef4, dwarflinker.FormSecOffset:
		off, clamped := safe.Uint64ToUint32(v.Int)
		if clamped {
			return nil, fmt.Errorf("offset 0x%x overflows 32 bits", v.Int)
		}
		return e.order.AppendUint32(buf, off), nil
	case dwarflinker.FormRefAddr:
		if u.Version <= 2 {
			return e.appendAddr(buf, v.Int, u.AddrSize), nil
		}
		off, clamped := safe.Uint64ToUint32(v.Int)
		if clamped {
			return nil, fmt.Errorf("offset 0x%x overflows 32 bits", v.Int)
		}
		return e.order.AppendUint32(buf, off), nil
	case dwarflinker.FormStrp:
		e.strFixups = append(e.strFixups, strFixup{section: dwarflinker.SectionInfo, at: len(buf), ref: v.Str})
		return e.order.AppendUint32(buf, 0), nil
	case dwarflinker.FormUdata:
		return dwarfexpr.AppendULEB128(buf, v.Int), nil
	case dwarflinker.FormSdata:
		return dwarfexpr.AppendSLEB128(buf, int64(v.Int)), nil
	case dwarflinker.FormString:
		buf = append(buf, v.Data...)
		return append(buf, 0), nil
	case dwarflinker.FormBlock1:
		if len(v.Data) > 0xff {
			return nil, fmt.Errorf("block of %d bytes in a block1 form", len(v.Data))
		}
		buf = append(buf, byte(len(v.Data)))
		return append(buf, v.Data...), nil
	case dwarflinker.FormBlock, dwarflinker.FormExprloc:
		buf = dwarfexpr.AppendULEB128(buf, uint64(len(v.Data)))
		return append(buf, v.Data...), nil
	case dwarflinker.FormFlagPresent:
		return buf, nil
	}
	return nil, fmt.Errorf("unsupported form 0x%x", uint16(v.Form))
}

func (e *Emitter) appendAddr(buf []byte, addr uint64, size int) []byte {
	switch size {
	case 4:
		return e.order.AppendUint32(buf, uint32(addr))
	case 2:
		return e.order.AppendUint16(buf, uint16(addr))
	default:
		return e.order.AppendUint64(buf, addr)
	}
}

// EmitAbbrevs writes the abbreviation table every unit refers to.
func (e *Emitter) EmitAbbrevs(abbrevs []*dwarflinker.Abbrev) error {
	buf := e.sections[dwarflinker.SectionAbbrev]
	for _, ab := range abbrevs {
		buf = dwarfexpr.AppendULEB128(buf, uint64(ab.Code))
		buf = dwarfexpr.AppendULEB128(buf, uint64(ab.Tag))
		if ab.Children {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		for _, s := range ab.Specs {
			buf = dwarfexpr.AppendULEB128(buf, uint64(s.Attr))
			buf = dwarfexpr.AppendULEB128(buf, uint64(s.Form))
		}
		buf = append(buf, 0, 0)
	}
	e.sections[dwarflinker.SectionAbbrev] = append(buf, 0)
	return nil
}

// EmitStrings writes the finalized string pool.
func (e *Emitter) EmitStrings(pool *dwarflinker.StringPool) error {
	buf := e.sections[dwarflinker.SectionStr]
	if len(buf) != 0 {
		return fmt.Errorf("string pool emitted twice")
	}
	for _, s := range pool.Strings() {
		buf = append(buf, s...)
		buf = append(buf, 0)
	}
	if uint64(len(buf)) != pool.Size() {
		return fmt.Errorf("string pool is 0x%x bytes, laid out as 0x%x", len(buf), pool.Size())
	}
	e.sections[dwarflinker.SectionStr] = buf
	e.pool = pool
	return nil
}

// SectionSize returns the bytes written so far to s.
func (e *Emitter) SectionSize(s dwarflinker.Section) uint64 {
	if int(s) >= len(e.sections) {
		return 0
	}
	return uint64(len(e.sections[s]))
}

// Finish resolves string offsets. The emitter accepts no output after it.
func (e *Emitter) Finish() error {
	if e.finished {
		return fmt.Errorf("emitter already finished")
	}
	if e.err != nil {
		return e.err
	}
	if len(e.strFixups) > 0 && e.pool == nil {
		return fmt.Errorf("%d string references but no string pool", len(e.strFixups))
	}
	for _, f := range e.strFixups {
		off, clamped := safe.Uint64ToUint32(e.pool.Offset(f.ref))
		if clamped {
			return fmt.Errorf("string offset overflows 32 bits")
		}
		e.order.PutUint32(e.sections[f.section][f.at:], off)
	}
	e.strFixups = nil
	e.finished = true

	e.logger.Debug().
		Int("info_bytes", len(e.sections[dwarflinker.SectionInfo])).
		Int("str_bytes", len(e.sections[dwarflinker.SectionStr])).
		Msg("Sections finished")
	return nil
}

// Sections returns the non-empty sections keyed by name.
func (e *Emitter) Sections() map[string][]byte {
	out := make(map[string][]byte)
	for _, s := range dwarflinker.AllSections() {
		if b := e.sections[s]; len(b) > 0 {
			out[s.Name()] = b
		}
	}
	return out
}

// Section returns the bytes of one section.
func (e *Emitter) Section(s dwarflinker.Section) []byte {
	if int(s) >= len(e.sections) {
		return nil
	}
	return e.sections[s]
}

// WriteDir writes one file per non-empty section into dir, named after the
// section without its leading dot.
func (e *Emitter) WriteDir(dir string) error {
	if !e.finished {
		return fmt.Errorf("emitter not finished")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	for name, data := range e.Sections() {
		path := filepath.Join(dir, strings.TrimPrefix(name, "."))
		if err := safe.WriteFile(path, data, 0o644, e.logger); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
		e.logger.Debug().Str("section", name).Int("bytes", len(data)).Str("path", path).Msg("Section written")
	}
	return nil
}
