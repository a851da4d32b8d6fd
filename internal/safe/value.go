package safe

import (
	"math"
)

// Uint64ToUint32 narrows a uint64 offset to the 32-bit DWARF format, clamping
// to math.MaxUint32 if overflow would occur.
// Returns the converted value and a boolean indicating whether clamping occurred.
func Uint64ToUint32(val uint64) (uint32, bool) {
	if val > math.MaxUint32 {
		return math.MaxUint32, true
	}
	return uint32(val), false
}

// IntToUint16 narrows a length to the 2-byte fields of pre-v5 DWARF,
// clamping to math.MaxUint16 if overflow would occur.
// Returns the converted value and a boolean indicating whether clamping occurred.
func IntToUint16(val int) (uint16, bool) {
	if val < 0 {
		return 0, true
	}
	if val > math.MaxUint16 {
		return math.MaxUint16, true
	}
	return uint16(val), false
}

// Int64ToUint64 converts a signed value to uint64, clamping negatives to zero.
// Returns the converted value and a boolean indicating whether clamping occurred.
func Int64ToUint64(val int64) (uint64, bool) {
	if val < 0 {
		return 0, true
	}
	return uint64(val), false
}
