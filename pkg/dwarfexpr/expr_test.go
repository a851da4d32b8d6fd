package dwarfexpr

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestULEB128RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		val  uint64
		enc  []byte
	}{
		{"zero", 0, []byte{0x00}},
		{"127", 127, []byte{0x7f}},
		{"128", 128, []byte{0x80, 0x01}},
		{"624485", 624485, []byte{0xe5, 0x8e, 0x26}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AppendULEB128(nil, tt.val)
			assert.Equal(t, tt.enc, got)
			assert.Equal(t, len(tt.enc), ULEB128Size(tt.val))

			v, n := DecodeULEB128(got)
			assert.Equal(t, tt.val, v)
			assert.Equal(t, len(tt.enc), n)
		})
	}
}

func TestSLEB128(t *testing.T) {
	tests := []struct {
		name string
		val  int64
		enc  []byte
	}{
		{"zero", 0, []byte{0x00}},
		{"63", 63, []byte{0x3f}},
		{"64", 64, []byte{0xc0, 0x00}},
		{"minus one", -1, []byte{0x7f}},
		{"minus 128", -128, []byte{0x80, 0x7f}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AppendSLEB128(nil, tt.val)
			assert.Equal(t, tt.enc, got)
			assert.Equal(t, len(tt.enc), SLEB128Size(tt.val))

			v, n := DecodeSLEB128(got)
			assert.Equal(t, tt.val, v)
			assert.Equal(t, len(tt.enc), n)
		})
	}
}

func TestDecodeTruncated(t *testing.T) {
	_, n := DecodeULEB128([]byte{0x80})
	assert.Zero(t, n)
	_, n = DecodeSLEB128(nil)
	assert.Zero(t, n)
}

func addrExpr(addr uint64) []byte {
	expr := []byte{OpAddr}
	return binary.LittleEndian.AppendUint64(expr, addr)
}

func TestRewriteAdjustsAddress(t *testing.T) {
	d := Decoder{AddrSize: 8, Order: binary.LittleEndian}
	expr := append(addrExpr(0x1000), OpStackValue)

	out, err := d.Rewrite(expr, func(op Op) (int64, bool) {
		require.Equal(t, uint64(0x1000), op.Address)
		return 0x400000, true
	})
	require.NoError(t, err)
	assert.Equal(t, append(addrExpr(0x401000), OpStackValue), out)
}

func TestRewriteMultipleRegions(t *testing.T) {
	d := Decoder{AddrSize: 8}
	expr := append(addrExpr(0x10), addrExpr(0x2000)...)

	out, err := d.Rewrite(expr, func(op Op) (int64, bool) {
		if op.Address < 0x1000 {
			return 0x100, true
		}
		return 0x5000, true
	})
	require.NoError(t, err)
	assert.Equal(t, append(addrExpr(0x110), addrExpr(0x7000)...), out)
}

func TestRewriteKeepsUnresolvedAddress(t *testing.T) {
	d := Decoder{AddrSize: 8}
	expr := addrExpr(0x42)

	out, err := d.Rewrite(expr, func(Op) (int64, bool) { return 0, false })
	require.NoError(t, err)
	assert.Equal(t, expr, out)
}

func TestRewriteLowersAddrx(t *testing.T) {
	d := Decoder{
		AddrSize: 8,
		AddrIndex: func(idx uint64) (uint64, bool) {
			if idx == 2 {
				return 0x3000, true
			}
			return 0, false
		},
	}

	out, err := d.Rewrite([]byte{OpAddrx, 0x02}, func(Op) (int64, bool) { return 0x10, true })
	require.NoError(t, err)
	assert.Equal(t, addrExpr(0x3010), out)
}

func TestRewriteCopiesOtherOps(t *testing.T) {
	d := Decoder{AddrSize: 8}
	expr := []byte{
		OpFbreg, 0x70, // fbreg -16
		OpBregx, 0x07, 0x08,
		OpPiece, 0x04,
		OpImplicitValue, 0x02, 0xaa, 0xbb,
		OpConst2u, 0x01, 0x02,
	}

	calls := 0
	out, err := d.Rewrite(expr, func(Op) (int64, bool) {
		calls++
		return 0, false
	})
	require.NoError(t, err)
	assert.Equal(t, expr, out)
	assert.Zero(t, calls)
}

func TestRewriteTruncated(t *testing.T) {
	d := Decoder{AddrSize: 8}
	expr := []byte{OpStackValue, OpAddr, 0x01, 0x02}

	out, err := d.Rewrite(expr, func(Op) (int64, bool) { return 1, true })
	require.Error(t, err)
	assert.Equal(t, expr, out)
}

func TestHasAddress(t *testing.T) {
	d := Decoder{AddrSize: 8}
	assert.True(t, d.HasAddress(addrExpr(1)))
	assert.False(t, d.HasAddress([]byte{OpFbreg, 0x08}))
	assert.False(t, d.HasAddress(nil))
}

func TestWalkOffsets(t *testing.T) {
	d := Decoder{AddrSize: 4, Order: binary.BigEndian}
	expr := []byte{OpAddr, 0x00, 0x00, 0x10, 0x00, OpLit0, OpStackValue}

	var ops []Op
	require.NoError(t, d.Walk(expr, func(op Op) bool {
		ops = append(ops, op)
		return true
	}))
	require.Len(t, ops, 3)
	assert.Equal(t, uint64(0x1000), ops[0].Address)
	assert.Equal(t, 5, ops[0].End)
	assert.Equal(t, 5, ops[1].Offset)
	assert.Equal(t, 7, ops[2].End)
}

func TestRewriteGNUOperations(t *testing.T) {
	d := Decoder{AddrSize: 8, RefSize: 4}
	tests := []struct {
		name string
		expr []byte
	}{
		{
			// The operand bytes hold an OpAddr opcode that must not be decoded.
			name: "implicit pointer",
			expr: []byte{OpGNUImplicitPointer, OpAddr, 0x00, 0x10, 0x00, 0x00, OpStackValue, OpStackValue, OpStackValue, OpStackValue},
		},
		{name: "variable value", expr: []byte{OpGNUVariableValue, OpAddr, 0x00, 0x00, 0x00, OpStackValue}},
		{name: "const type", expr: []byte{OpGNUConstType, 0x2a, 0x02, OpAddr, OpAddr, OpStackValue}},
		{name: "regval type", expr: []byte{OpGNURegvalType, 0x05, 0x2a, OpStackValue}},
		{name: "deref type", expr: []byte{OpGNUDerefType, 0x08, 0x2a}},
		{name: "convert", expr: []byte{OpGNUConvert, 0x2a, OpGNUReinterpret, 0x00}},
		{name: "entry value", expr: []byte{OpGNUEntryValue, 0x01, 0x55, OpStackValue}},
		{name: "tls", expr: []byte{OpConst8u, 0, 0, 0, 0, 0, 0, 0, 0, OpGNUPushTLSAddress}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			out, err := d.Rewrite(tt.expr, func(Op) (int64, bool) {
				calls++
				return 0x100, true
			})
			require.NoError(t, err)
			assert.Equal(t, tt.expr, out)
			assert.Zero(t, calls)
			assert.False(t, d.HasAddress(tt.expr))
		})
	}
}

func TestRewriteStopsAtUnknownOperation(t *testing.T) {
	d := Decoder{AddrSize: 8}
	expr := append([]byte{OpLit0, 0xff}, addrExpr(0x1000)...)

	out, err := d.Rewrite(expr, func(Op) (int64, bool) { return 0x100, true })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opcode 0xff")
	assert.Equal(t, expr, out, "the remainder is copied verbatim")

	var codes []byte
	err = d.Walk(expr, func(op Op) bool {
		codes = append(codes, op.Code)
		return true
	})
	require.Error(t, err)
	assert.Equal(t, []byte{OpLit0}, codes)
	assert.False(t, d.HasAddress(expr))
}
