package wire

import "fmt"

// EncodeVarStr encodes s as a VarUint length prefix followed by its bytes.
// Callers are responsible for s being 7-bit ASCII; see DecodeVarStr.
func EncodeVarStr(s string) []byte {
	prefix := EncodeVarUint(uint64(len(s)))
	buf := make([]byte, 0, len(prefix)+len(s))
	buf = append(buf, prefix...)
	buf = append(buf, s...)
	return buf
}

// VarStrSize returns len(EncodeVarStr(s)) without allocating.
func VarStrSize(s string) int {
	return VarUintSize(uint64(len(s))) + len(s)
}

// DecodeVarStr reads a length-prefixed ASCII string from the front of b.
func DecodeVarStr(b []byte) (string, int, error) {
	length, n, err := DecodeVarUint(b)
	if err != nil {
		return "", 0, err
	}
	if length > uint64(len(b)-n) {
		return "", 0, fmt.Errorf("%w: varstr needs %d bytes after its prefix, have %d", ErrShortBuffer, length, len(b)-n)
	}
	total := n + int(length)
	raw := b[n:total]
	if !isASCII(raw) {
		return "", 0, fmt.Errorf("%w: varstr is not ASCII", ErrMalformed)
	}
	return string(raw), total, nil
}
