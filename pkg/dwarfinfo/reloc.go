package dwarfinfo

import (
	"debug/elf"
	"fmt"
)

// relocator applies RELA relocations to debug sections that debug/elf does
// not relocate itself (.debug_loc, .debug_frame, .debug_addr).
type relocator struct {
	f    *elf.File
	out  *File
	syms []elf.Symbol
}

func newRelocator(f *elf.File, out *File) *relocator {
	r := &relocator{f: f, out: out}
	if f.Type == elf.ET_REL {
		// Symbol index 0 is the null symbol, which Symbols omits.
		syms, err := f.Symbols()
		if err == nil {
			r.syms = append([]elf.Symbol{{}}, syms...)
		}
	}
	return r
}

func (r *relocator) section(name string) ([]byte, error) {
	data, err := sectionBytes(r.f, name)
	if err != nil || data == nil {
		return data, err
	}
	if r.f.Type != elf.ET_REL {
		return data, nil
	}

	rela := r.f.Section(".rela" + name)
	if rela == nil {
		return data, nil
	}
	relData, err := rela.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to read .rela%s: %w", name, err)
	}

	// Work on a private copy; Data may share the section cache.
	data = append([]byte(nil), data...)
	if err := r.apply(name, data, relData); err != nil {
		r.out.Warnings = append(r.out.Warnings, fmt.Sprintf("%s: %v", name, err))
	}
	return data, nil
}

func (r *relocator) apply(name string, data, rels []byte) error {
	if r.f.Class != elf.ELFCLASS64 {
		return fmt.Errorf("relocations for %v are not supported", r.f.Class)
	}
	order := r.f.ByteOrder
	for p := 0; p+24 <= len(rels); p += 24 {
		off := order.Uint64(rels[p:])
		info := order.Uint64(rels[p+8:])
		addend := int64(order.Uint64(rels[p+16:]))
		symIdx := int(elf.R_SYM64(info))
		typ := elf.R_TYPE64(info)

		if symIdx >= len(r.syms) {
			return fmt.Errorf("relocation at 0x%x: symbol %d out of range", off, symIdx)
		}
		val := uint64(int64(r.syms[symIdx].Value) + addend)

		size, ok := r.relocSize(typ)
		if !ok {
			continue
		}
		if off+uint64(size) > uint64(len(data)) {
			return fmt.Errorf("relocation at 0x%x outside %s", off, name)
		}
		if size == 8 {
			order.PutUint64(data[off:], val)
		} else {
			order.PutUint32(data[off:], uint32(val))
		}
	}
	return nil
}

func (r *relocator) relocSize(typ uint32) (int, bool) {
	switch r.f.Machine {
	case elf.EM_X86_64:
		switch elf.R_X86_64(typ) {
		case elf.R_X86_64_64:
			return 8, true
		case elf.R_X86_64_32, elf.R_X86_64_32S:
			return 4, true
		}
	case elf.EM_AARCH64:
		switch elf.R_AARCH64(typ) {
		case elf.R_AARCH64_ABS64:
			return 8, true
		case elf.R_AARCH64_ABS32:
			return 4, true
		}
	case elf.EM_RISCV:
		switch elf.R_RISCV(typ) {
		case elf.R_RISCV_64:
			return 8, true
		case elf.R_RISCV_32:
			return 4, true
		}
	}
	return 0, false
}
