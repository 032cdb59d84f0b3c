package wire_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rustycoin/p2pnode/wire"
)

func TestWhoamiRoundTrip(t *testing.T) {
	w := wire.Whoami{
		Version: 1,
		Address: wire.NewAddress(1700000000, net.ParseIP("127.0.0.1"), 4242),
		Services: []string{
			"node", "relay",
		},
	}

	encoded := wire.EncodeWhoami(w)
	require.Equal(t, w.ByteSize(), len(encoded))

	decoded, n, err := wire.DecodeWhoami(encoded)
	require.NoError(t, err)
	require.Equal(t, len(encoded), n)
	require.Equal(t, w.Version, decoded.Version)
	require.Equal(t, w.Services, decoded.Services)
	require.Equal(t, w.Address.Timestamp, decoded.Address.Timestamp)
	require.Equal(t, w.Address.Port, decoded.Address.Port)
}

func TestWhoamiNoServices(t *testing.T) {
	w := wire.Whoami{Version: 1, Address: wire.NewAddress(0, net.IPv4zero, 0)}
	encoded := wire.EncodeWhoami(w)
	decoded, n, err := wire.DecodeWhoami(encoded)
	require.NoError(t, err)
	require.Equal(t, len(encoded), n)
	require.Empty(t, decoded.Services)
}

func TestWhoamiShortBuffer(t *testing.T) {
	w := wire.Whoami{
		Version:  1,
		Address:  wire.NewAddress(1, net.IPv4zero, 1),
		Services: []string{"node"},
	}
	encoded := wire.EncodeWhoami(w)
	for i := 0; i < len(encoded); i++ {
		_, _, err := wire.DecodeWhoami(encoded[:i])
		require.ErrorIsf(t, err, wire.ErrShortBuffer, "prefix length %d", i)
	}
}

func TestWhoamiHugeServiceCountIsShortBufferNotAPanic(t *testing.T) {
	// version (4B) + address (26B) + a VarUint count claiming 2^64-1
	// services, with no service bytes actually present. Preallocating a
	// slice with that count as its capacity would panic with "makeslice:
	// len out of range"; it must instead report ErrShortBuffer.
	raw := make([]byte, 0, 4+wire.AddressSize+9)
	raw = append(raw, make([]byte, 4+wire.AddressSize)...)
	raw = append(raw, wire.EncodeVarUint(^uint64(0))...)

	require.NotPanics(t, func() {
		_, _, err := wire.DecodeWhoami(raw)
		require.ErrorIs(t, err, wire.ErrShortBuffer)
	})
}

func TestWhoamiMalformedServiceName(t *testing.T) {
	w := wire.Whoami{Version: 1, Address: wire.NewAddress(1, net.IPv4zero, 1), Services: []string{"node"}}
	encoded := wire.EncodeWhoami(w)
	// Corrupt the first byte of the single service name to be non-ASCII.
	encoded[len(encoded)-4] = 0xFF
	_, _, err := wire.DecodeWhoami(encoded)
	require.ErrorIs(t, err, wire.ErrMalformed)
}
