package wire

import (
	"encoding/binary"
	"fmt"
)

// Magic is the 4-byte protocol constant that opens every header.
const Magic uint32 = 422021

// HeaderSize is the fixed on-wire size of a Header.
const HeaderSize = 24

const typeFieldSize = 12

// Message type strings dispatched by the peer state machine.
const (
	TypePing      = "2plus2is4"
	TypePong      = "minus1thats3"
	TypeWhoami    = "whoami"
	TypeWhoamiAck = "whoamiack"
)

// Header is the fixed 24-byte prefix on every message: magic, a
// null-padded 12-byte ASCII message type, and the payload length.
type Header struct {
	Magic  uint32
	Type   string
	Length uint64
}

// EncodeHeader writes the 24-byte header. Type is right-padded with nulls
// to 12 bytes; callers are responsible for len(Type) <= 12.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	copy(buf[4:4+typeFieldSize], h.Type)
	binary.BigEndian.PutUint64(buf[16:24], h.Length)
	return buf
}

// DecodeHeader reads exactly HeaderSize bytes from the front of b. The magic
// field is returned as-is; validating it against the protocol constant is
// the caller's policy, not the codec's.
func DecodeHeader(b []byte) (Header, int, error) {
	if len(b) < HeaderSize {
		return Header{}, 0, fmt.Errorf("%w: header needs %d bytes, have %d", ErrShortBuffer, HeaderSize, len(b))
	}
	magic := binary.BigEndian.Uint32(b[0:4])
	typeField := trimTrailingNulls(b[4 : 4+typeFieldSize])
	if !isASCII(typeField) {
		return Header{}, 0, fmt.Errorf("%w: message type is not ASCII", ErrMalformed)
	}
	length := binary.BigEndian.Uint64(b[16:24])
	return Header{Magic: magic, Type: string(typeField), Length: length}, HeaderSize, nil
}
