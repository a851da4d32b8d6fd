// Package dwarfexpr walks and re-encodes DWARF expression bytecode.
//
// Only the shape of each operation is interpreted: opcodes and operand
// boundaries. Operations whose operand is a code or data address
// (DW_OP_addr, DW_OP_addrx, DW_OP_constx) can be rewritten through a
// caller-supplied adjustment; every other operation is copied verbatim.
// An unknown opcode ends decoding, since its operand length is unknown.
package dwarfexpr

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// errUnknownOp is returned for opcodes whose operand layout is not known.
// Decoding cannot continue past them.
var errUnknownOp = errors.New("unknown operation")

// DWARF expression opcodes that carry operands.
const (
	OpAddr               = 0x03
	OpConst1u            = 0x08
	OpConst1s            = 0x09
	OpConst2u            = 0x0a
	OpConst2s            = 0x0b
	OpConst4u            = 0x0c
	OpConst4s            = 0x0d
	OpConst8u            = 0x0e
	OpConst8s            = 0x0f
	OpConstu             = 0x10
	OpConsts             = 0x11
	OpPick               = 0x15
	OpPlusUconst         = 0x23
	OpBra                = 0x28
	OpSkip               = 0x2f
	OpLit0               = 0x30
	OpReg0               = 0x50
	OpReg31              = 0x6f
	OpBreg0              = 0x70
	OpBreg31             = 0x8f
	OpRegx               = 0x90
	OpFbreg              = 0x91
	OpBregx              = 0x92
	OpPiece              = 0x93
	OpDerefSize          = 0x94
	OpXderefSize         = 0x95
	OpCall2              = 0x98
	OpCall4              = 0x99
	OpCallRef            = 0x9a
	OpFormTLSAddress     = 0x9b
	OpBitPiece           = 0x9d
	OpImplicitValue      = 0x9e
	OpStackValue         = 0x9f
	OpImplicitPointer    = 0xa0
	OpAddrx              = 0xa1
	OpConstx             = 0xa2
	OpEntryValue         = 0xa3
	OpConstType          = 0xa4
	OpRegvalType         = 0xa5
	OpDerefType          = 0xa6
	OpXderefType         = 0xa7
	OpConvert            = 0xa8
	OpReinterpret        = 0xa9
	OpGNUImplicitPointer = 0xf2
	OpGNUEntryValue      = 0xf3
	OpGNUConstType       = 0xf4
	OpGNURegvalType      = 0xf5
	OpGNUDerefType       = 0xf6
	OpGNUConvert         = 0xf7
	OpGNUReinterpret     = 0xf9
	OpGNUParameterRef    = 0xfa
	OpGNUAddrIndex       = 0xfb
	OpGNUConstIndex      = 0xfc
	OpGNUVariableValue   = 0xfd
)

// Operand-less opcodes outside the ranges checked by hasNoOperand.
const (
	OpDeref             = 0x06
	OpNop               = 0x96
	OpPushObjectAddress = 0x97
	OpCallFrameCFA      = 0x9c
	OpGNUPushTLSAddress = 0xe0
	OpGNUUninit         = 0xf0
)

// hasNoOperand reports whether code is a known operation without operands:
// stack, arithmetic and comparison operations, literals and registers.
func hasNoOperand(code byte) bool {
	switch {
	case code >= 0x12 && code <= 0x14, // dup, drop, over
		code >= 0x16 && code <= 0x22, // swap .. plus
		code >= 0x24 && code <= 0x27, // shl .. xor
		code >= 0x29 && code <= 0x2e, // eq .. ne
		code >= OpLit0 && code <= OpReg31:
		return true
	}
	switch code {
	case OpDeref, OpNop, OpPushObjectAddress, OpFormTLSAddress, OpCallFrameCFA,
		OpStackValue, OpGNUPushTLSAddress, OpGNUUninit:
		return true
	}
	return false
}

// Op is one decoded operation.
type Op struct {
	Code byte
	// Offset and End delimit the operation (opcode included) in the expression.
	Offset int
	End    int
	// Address is set for address-bearing operations once resolved.
	Address    uint64
	HasAddress bool
}

// Decoder describes how to decode operations of one unit.
type Decoder struct {
	AddrSize int
	Order    binary.ByteOrder
	// RefSize is the size of DW_OP_call_ref and DW_OP_implicit_pointer offsets.
	RefSize int
	// AddrIndex resolves DW_OP_addrx/DW_OP_constx indexes through .debug_addr.
	AddrIndex func(idx uint64) (uint64, bool)
}

func (d Decoder) refSize() int {
	if d.RefSize == 0 {
		return 4
	}
	return d.RefSize
}

func (d Decoder) order() binary.ByteOrder {
	if d.Order == nil {
		return binary.LittleEndian
	}
	return d.Order
}

// Walk calls fn for every operation of expr in order. It stops early when fn
// returns false.
func (d Decoder) Walk(expr []byte, fn func(Op) bool) error {
	off := 0
	for off < len(expr) {
		op, err := d.decode(expr, off)
		if err != nil {
			return err
		}
		if !fn(op) {
			return nil
		}
		off = op.End
	}
	return nil
}

// HasAddress reports whether expr contains an address-bearing operation.
func (d Decoder) HasAddress(expr []byte) bool {
	found := false
	_ = d.Walk(expr, func(op Op) bool {
		found = isAddressOp(op.Code)
		return !found
	})
	return found
}

// Rewrite re-encodes expr operation by operation. For each address-bearing
// operation adjust is asked for a relocation delta; when it returns ok the
// operation is emitted as DW_OP_addr with the adjusted address. Index based
// forms are always lowered to DW_OP_addr when their index resolves.
//
// Undecodable input stops rewriting: the remainder is copied verbatim and
// the error is returned alongside the partially rewritten expression.
func (d Decoder) Rewrite(expr []byte, adjust func(Op) (int64, bool)) ([]byte, error) {
	out := make([]byte, 0, len(expr))
	off := 0
	for off < len(expr) {
		op, err := d.decode(expr, off)
		if err != nil {
			return append(out, expr[off:]...), err
		}

		if isAddressOp(op.Code) && op.HasAddress {
			addr := op.Address
			if delta, ok := adjust(op); ok {
				addr = uint64(int64(addr) + delta)
			}
			if op.Code == OpConstx || op.Code == OpGNUConstIndex {
				if d.AddrSize == 4 {
					out = append(out, OpConst4u)
				} else {
					out = append(out, OpConst8u)
				}
				out = d.appendUint(out, addr, d.AddrSize)
			} else {
				out = append(out, OpAddr)
				out = d.appendUint(out, addr, d.AddrSize)
			}
		} else {
			out = append(out, expr[op.Offset:op.End]...)
		}
		off = op.End
	}
	return out, nil
}

func isAddressOp(code byte) bool {
	switch code {
	case OpAddr, OpAddrx, OpConstx, OpGNUAddrIndex, OpGNUConstIndex:
		return true
	}
	return false
}

func (d Decoder) appendUint(buf []byte, v uint64, size int) []byte {
	var tmp [8]byte
	switch size {
	case 1:
		return append(buf, byte(v))
	case 2:
		d.order().PutUint16(tmp[:], uint16(v))
	case 4:
		d.order().PutUint32(tmp[:], uint32(v))
	default:
		d.order().PutUint64(tmp[:], v)
		size = 8
	}
	return append(buf, tmp[:size]...)
}

func (d Decoder) readUint(expr []byte, off, size int) (uint64, error) {
	if off+size > len(expr) {
		return 0, fmt.Errorf("operand of %d bytes truncated at offset %d", size, off)
	}
	switch size {
	case 1:
		return uint64(expr[off]), nil
	case 2:
		return uint64(d.order().Uint16(expr[off:])), nil
	case 4:
		return uint64(d.order().Uint32(expr[off:])), nil
	case 8:
		return d.order().Uint64(expr[off:]), nil
	}
	return 0, fmt.Errorf("unsupported operand size %d", size)
}

func skipULEB(expr []byte, off int) (uint64, int, error) {
	v, n := DecodeULEB128(expr[off:])
	if n == 0 {
		return 0, 0, fmt.Errorf("invalid ULEB128 at offset %d", off)
	}
	return v, off + n, nil
}

func skipSLEB(expr []byte, off int) (int, error) {
	_, n := DecodeSLEB128(expr[off:])
	if n == 0 {
		return 0, fmt.Errorf("invalid SLEB128 at offset %d", off)
	}
	return off + n, nil
}

func (d Decoder) fixed(expr []byte, off, size int) (int, error) {
	if off+size > len(expr) {
		return 0, fmt.Errorf("operand of %d bytes truncated at offset %d", size, off)
	}
	return off + size, nil
}

func (d Decoder) decode(expr []byte, start int) (Op, error) {
	op := Op{Code: expr[start], Offset: start}
	off := start + 1
	var err error

	switch code := op.Code; {
	case code == OpAddr:
		op.Address, err = d.readUint(expr, off, d.AddrSize)
		op.HasAddress = err == nil
		off += d.AddrSize
	case code == OpAddrx || code == OpConstx || code == OpGNUAddrIndex || code == OpGNUConstIndex:
		var idx uint64
		idx, off, err = skipULEB(expr, off)
		if err == nil && d.AddrIndex != nil {
			op.Address, op.HasAddress = d.AddrIndex(idx)
		}
	case code == OpConst1u || code == OpConst1s || code == OpPick || code == OpDerefSize || code == OpXderefSize:
		off, err = d.fixed(expr, off, 1)
	case code == OpConst2u || code == OpConst2s || code == OpBra || code == OpSkip || code == OpCall2:
		off, err = d.fixed(expr, off, 2)
	case code == OpConst4u || code == OpConst4s || code == OpCall4 || code == OpGNUParameterRef:
		off, err = d.fixed(expr, off, 4)
	case code == OpConst8u || code == OpConst8s:
		off, err = d.fixed(expr, off, 8)
	case code == OpCallRef || code == OpGNUVariableValue:
		off, err = d.fixed(expr, off, d.refSize())
	case code == OpConstu || code == OpPlusUconst || code == OpRegx || code == OpPiece ||
		code == OpConvert || code == OpReinterpret || code == OpGNUConvert || code == OpGNUReinterpret:
		_, off, err = skipULEB(expr, off)
	case code == OpConsts || code == OpFbreg || (code >= OpBreg0 && code <= OpBreg31):
		off, err = skipSLEB(expr, off)
	case code == OpBregx:
		if _, off, err = skipULEB(expr, off); err == nil {
			off, err = skipSLEB(expr, off)
		}
	case code == OpBitPiece || code == OpRegvalType || code == OpGNURegvalType:
		if _, off, err = skipULEB(expr, off); err == nil {
			_, off, err = skipULEB(expr, off)
		}
	case code == OpImplicitValue || code == OpEntryValue || code == OpGNUEntryValue:
		var n uint64
		if n, off, err = skipULEB(expr, off); err == nil {
			off, err = d.fixed(expr, off, int(n))
		}
	case code == OpImplicitPointer || code == OpGNUImplicitPointer:
		if off, err = d.fixed(expr, off, d.refSize()); err == nil {
			off, err = skipSLEB(expr, off)
		}
	case code == OpConstType || code == OpGNUConstType:
		if _, off, err = skipULEB(expr, off); err == nil {
			var n uint64
			if n, err = d.readUint(expr, off, 1); err == nil {
				off, err = d.fixed(expr, off+1, int(n))
			}
		}
	case code == OpDerefType || code == OpXderefType || code == OpGNUDerefType:
		if off, err = d.fixed(expr, off, 1); err == nil {
			_, off, err = skipULEB(expr, off)
		}
	case hasNoOperand(code):
	default:
		err = errUnknownOp
	}

	if err != nil {
		return op, fmt.Errorf("opcode 0x%02x: %w", op.Code, err)
	}
	op.End = off
	return op, nil
}
