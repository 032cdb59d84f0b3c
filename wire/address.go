package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// AddressSize is the fixed on-wire size of an Address record.
const AddressSize = 26

// Address is a self-reported network endpoint: the time it was recorded,
// an IPv6 (or IPv4-compatible IPv6) address, and a port.
type Address struct {
	Timestamp uint64
	IP        net.IP // always the 16-byte form
	Port      uint16
}

// NewAddress builds an Address, canonicalizing IPv4 inputs into their
// IPv4-compatible IPv6 form (12 zero bytes followed by the 4 IPv4 octets).
func NewAddress(timestamp uint64, ip net.IP, port uint16) Address {
	return Address{Timestamp: timestamp, IP: canonicalizeIP(ip), Port: port}
}

func canonicalizeIP(ip net.IP) net.IP {
	out := make(net.IP, 16)
	if v4 := ip.To4(); v4 != nil {
		copy(out[12:], v4)
		return out
	}
	if v6 := ip.To16(); v6 != nil {
		copy(out, v6)
	}
	return out
}

// EncodeAddress writes the fixed 26-byte record: 8-byte big-endian
// timestamp, 16-byte IP, 2-byte big-endian port.
func EncodeAddress(a Address) []byte {
	buf := make([]byte, AddressSize)
	binary.BigEndian.PutUint64(buf[0:8], a.Timestamp)
	copy(buf[8:24], canonicalizeIP(a.IP))
	binary.BigEndian.PutUint16(buf[24:26], a.Port)
	return buf
}

// DecodeAddress reads a fixed 26-byte Address record from the front of b.
func DecodeAddress(b []byte) (Address, int, error) {
	if len(b) < AddressSize {
		return Address{}, 0, fmt.Errorf("%w: address needs %d bytes, have %d", ErrShortBuffer, AddressSize, len(b))
	}
	ts := binary.BigEndian.Uint64(b[0:8])
	ip := make(net.IP, 16)
	copy(ip, b[8:24])
	port := binary.BigEndian.Uint16(b[24:26])
	return Address{Timestamp: ts, IP: ip, Port: port}, AddressSize, nil
}
