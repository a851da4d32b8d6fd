package dwarflinker

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"
)

// cieCache remembers the CIEs already emitted during the run, by content.
type cieCache struct {
	buckets map[uint64][]emittedCIE
}

type emittedCIE struct {
	body   []byte
	offset uint64
}

func newCIECache() *cieCache {
	return &cieCache{buckets: map[uint64][]emittedCIE{}}
}

func (c *cieCache) lookup(body []byte) (uint64, bool) {
	for _, e := range c.buckets[xxh3.Hash(body)] {
		if bytes.Equal(e.body, body) {
			return e.offset, true
		}
	}
	return 0, false
}

func (c *cieCache) add(body []byte, offset uint64) {
	h := xxh3.Hash(body)
	c.buckets[h] = append(c.buckets[h], emittedCIE{body: body, offset: offset})
}

// linkFrame copies the FDEs of ctx's .debug_frame that describe live
// functions, relocated, each behind a deduplicated CIE.
func (l *Linker) linkFrame(ctx *LinkContext) error {
	data := ctx.File.Frame
	if len(data) == 0 || l.opts.Update {
		return nil
	}
	order := ctx.File.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}
	addrSize := ctx.File.AddrSize

	// Input CIE offset to its body.
	cies := map[uint64][]byte{}
	readAddr := func(b []byte) uint64 {
		if addrSize == 4 {
			return uint64(order.Uint32(b))
		}
		return order.Uint64(b)
	}

	for off := uint64(0); off < uint64(len(data)); {
		if uint64(len(data))-off < 4 {
			return fmt.Errorf("%s: truncated .debug_frame entry at 0x%x", ctx.File.Name, off)
		}
		length := uint64(order.Uint32(data[off:]))
		if length == 0xffffffff {
			return fmt.Errorf("%s: 64-bit .debug_frame entries are not supported", ctx.File.Name)
		}
		start := off + 4
		end := start + length
		if length < 4 || end > uint64(len(data)) {
			return fmt.Errorf("%s: .debug_frame entry at 0x%x overflows the section", ctx.File.Name, off)
		}
		id := order.Uint32(data[start:])
		body := data[start+4 : end]

		if id == 0xffffffff {
			cies[off] = body
			off = end
			continue
		}

		cie, ok := cies[uint64(id)]
		if !ok {
			return fmt.Errorf("%s: FDE at 0x%x references unknown CIE 0x%x", ctx.File.Name, off, id)
		}
		if len(body) < 2*addrSize {
			return fmt.Errorf("%s: truncated FDE at 0x%x", ctx.File.Name, off)
		}
		loc := readAddr(body)
		rng := readAddr(body[addrSize:])
		off = end

		fr, live := ctx.funcRangeAt(loc)
		if !live {
			continue
		}
		cieOff, ok := l.cies.lookup(cie)
		if !ok {
			cieOff = l.emitter.EmitCIE(cie)
			l.cies.add(cie, cieOff)
		}
		l.emitter.EmitFDE(cieOff, addrSize, uint64(int64(loc)+fr.Adjust), rng, body[2*addrSize:])
		ctx.stats.FDEs++
	}
	return nil
}

// funcRangeAt finds the live function starting at addr in any unit of ctx.
func (lc *LinkContext) funcRangeAt(addr uint64) (funcRange, bool) {
	for _, cu := range lc.Units {
		if r, ok := cu.rangeFor(addr); ok && r.Low == addr {
			return r, true
		}
	}
	return funcRange{}, false
}
