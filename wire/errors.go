// Package wire implements the peer protocol's binary codec: variable-length
// integers and strings, fixed address records, and the 24-byte frame header.
// Every type here is pure — no I/O, no shared state — so framing and
// validation can be tested independently of the peer state machine that
// composes them.
package wire

import "errors"

// ErrShortBuffer means the input doesn't yet hold enough bytes to decode;
// the caller should retry once more bytes arrive. It never indicates bad data.
var ErrShortBuffer = errors.New("wire: short buffer")

// ErrMalformed means the input cannot decode under any extension: non-ASCII
// text where ASCII is required. The codec does not check the magic number;
// that is left to the caller.
var ErrMalformed = errors.New("wire: malformed")

func isASCII(b []byte) bool {
	for _, c := range b {
		if c > 127 {
			return false
		}
	}
	return true
}

func trimTrailingNulls(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return b[:end]
}
