package dwarfexpr

// DecodeULEB128 decodes an unsigned LEB128 value.
// Returns the value and number of bytes consumed (0 if truncated).
func DecodeULEB128(data []byte) (uint64, int) {
	var result uint64
	var shift uint

	for i := 0; i < len(data) && i < 10; i++ {
		b := data[i]
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, i + 1
		}
		shift += 7
	}

	return 0, 0
}

// DecodeSLEB128 decodes a signed LEB128 value.
// Returns the value and number of bytes consumed (0 if truncated).
func DecodeSLEB128(data []byte) (int64, int) {
	var result int64
	var shift uint

	for i := 0; i < len(data) && i < 10; i++ {
		b := data[i]
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && (b&0x40) != 0 {
				result |= -(1 << shift)
			}
			return result, i + 1
		}
	}

	return 0, 0
}

// AppendULEB128 appends the unsigned LEB128 encoding of v to buf.
func AppendULEB128(buf []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return buf
		}
	}
}

// AppendSLEB128 appends the signed LEB128 encoding of v to buf.
func AppendSLEB128(buf []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		buf = append(buf, b)
		if done {
			return buf
		}
	}
}

// ULEB128Size returns the encoded size of v.
func ULEB128Size(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// SLEB128Size returns the encoded size of v.
func SLEB128Size(v int64) int {
	n := 0
	for {
		b := v & 0x7f
		v >>= 7
		n++
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return n
		}
	}
}
