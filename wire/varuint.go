package wire

import (
	"encoding/binary"
	"fmt"
)

// Prefix bytes that select the wider VarUint encodings. Values <= varUintSmallMax
// encode as a single byte equal to the value itself.
const (
	varUint16Prefix = 0xFD
	varUint32Prefix = 0xFE
	varUint64Prefix = 0xFF
	varUintSmallMax = 0xFC
)

// EncodeVarUint picks the smallest of the four encodings that fits v.
func EncodeVarUint(v uint64) []byte {
	switch {
	case v <= varUintSmallMax:
		return []byte{byte(v)}
	case v <= 0xFFFF:
		buf := make([]byte, 3)
		buf[0] = varUint16Prefix
		binary.BigEndian.PutUint16(buf[1:], uint16(v))
		return buf
	case v <= 0xFFFFFFFF:
		buf := make([]byte, 5)
		buf[0] = varUint32Prefix
		binary.BigEndian.PutUint32(buf[1:], uint32(v))
		return buf
	default:
		buf := make([]byte, 9)
		buf[0] = varUint64Prefix
		binary.BigEndian.PutUint64(buf[1:], v)
		return buf
	}
}

// VarUintSize returns len(EncodeVarUint(v)) without allocating.
func VarUintSize(v uint64) int {
	switch {
	case v <= varUintSmallMax:
		return 1
	case v <= 0xFFFF:
		return 3
	case v <= 0xFFFFFFFF:
		return 5
	default:
		return 9
	}
}

// DecodeVarUint reads a VarUint from the front of b, returning the decoded
// value and the number of bytes consumed.
func DecodeVarUint(b []byte) (uint64, int, error) {
	if len(b) < 1 {
		return 0, 0, fmt.Errorf("%w: varuint needs at least 1 byte", ErrShortBuffer)
	}
	switch b[0] {
	case varUint16Prefix:
		if len(b) < 3 {
			return 0, 0, fmt.Errorf("%w: varuint(0xFD) needs 3 bytes, have %d", ErrShortBuffer, len(b))
		}
		return uint64(binary.BigEndian.Uint16(b[1:3])), 3, nil
	case varUint32Prefix:
		if len(b) < 5 {
			return 0, 0, fmt.Errorf("%w: varuint(0xFE) needs 5 bytes, have %d", ErrShortBuffer, len(b))
		}
		return uint64(binary.BigEndian.Uint32(b[1:5])), 5, nil
	case varUint64Prefix:
		if len(b) < 9 {
			return 0, 0, fmt.Errorf("%w: varuint(0xFF) needs 9 bytes, have %d", ErrShortBuffer, len(b))
		}
		return binary.BigEndian.Uint64(b[1:9]), 9, nil
	default:
		return uint64(b[0]), 1, nil
	}
}
