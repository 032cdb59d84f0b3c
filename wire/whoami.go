package wire

import (
	"encoding/binary"
	"fmt"
)

// Whoami is the handshake payload: protocol version, the sender's
// self-reported Address, and the services it advertises.
type Whoami struct {
	Version  uint32
	Address  Address
	Services []string
}

// ByteSize returns len(EncodeWhoami(w)) without allocating, so a sender can
// fill in the header's length field before serializing the payload.
func (w Whoami) ByteSize() int {
	size := 4 + AddressSize + VarUintSize(uint64(len(w.Services)))
	for _, s := range w.Services {
		size += VarStrSize(s)
	}
	return size
}

// EncodeWhoami serializes version, address, and services in wire order.
func EncodeWhoami(w Whoami) []byte {
	buf := make([]byte, 0, w.ByteSize())
	versionBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(versionBytes, w.Version)
	buf = append(buf, versionBytes...)
	buf = append(buf, EncodeAddress(w.Address)...)
	buf = append(buf, EncodeVarUint(uint64(len(w.Services)))...)
	for _, s := range w.Services {
		buf = append(buf, EncodeVarStr(s)...)
	}
	return buf
}

// DecodeWhoami reads version (4B), an Address (26B), a VarUint service
// count, then that many VarStr service names.
func DecodeWhoami(b []byte) (Whoami, int, error) {
	if len(b) < 4 {
		return Whoami{}, 0, fmt.Errorf("%w: whoami needs version bytes, have %d", ErrShortBuffer, len(b))
	}
	version := binary.BigEndian.Uint32(b[0:4])
	offset := 4

	addr, n, err := DecodeAddress(b[offset:])
	if err != nil {
		return Whoami{}, 0, err
	}
	offset += n

	count, n, err := DecodeVarUint(b[offset:])
	if err != nil {
		return Whoami{}, 0, err
	}
	offset += n

	// count is untrusted (a VarUint straight off the wire, up to 2^64-1);
	// never use it as a make() capacity hint. Each service costs at least
	// one byte to encode, so a count that can't possibly fit in what's left
	// of b is short, not malformed: let the loop's own DecodeVarStr call
	// discover that the normal way, growing services by plain append.
	var services []string
	for i := uint64(0); i < count; i++ {
		s, n, err := DecodeVarStr(b[offset:])
		if err != nil {
			return Whoami{}, 0, err
		}
		offset += n
		services = append(services, s)
	}

	return Whoami{Version: version, Address: addr, Services: services}, offset, nil
}
