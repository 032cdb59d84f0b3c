package peer_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rustycoin/p2pnode/peer"
	"github.com/rustycoin/p2pnode/wire"
)

// recordingSender captures every frame handed to Send, for assertions; the
// tests hand recorded frames to another peer to simulate a symmetric
// handshake without a real socket.
type recordingSender struct {
	frames [][]byte
}

func (r *recordingSender) Send(b []byte) error {
	cp := make([]byte, len(b))
	copy(cp, b)
	r.frames = append(r.frames, cp)
	return nil
}

func selfAddr() wire.Address {
	return wire.NewAddress(1700000000, net.ParseIP("127.0.0.1"), 4000)
}

func encodeWhoamiFrame(t *testing.T, addr wire.Address, version uint32, services []string) []byte {
	t.Helper()
	w := wire.Whoami{Version: version, Address: addr, Services: services}
	payload := wire.EncodeWhoami(w)
	hdr := wire.EncodeHeader(wire.Header{Magic: wire.Magic, Type: wire.TypeWhoami, Length: uint64(len(payload))})
	return append(hdr, payload...)
}

func encodeSimpleFrame(msgType string) []byte {
	return wire.EncodeHeader(wire.Header{Magic: wire.Magic, Type: msgType, Length: 0})
}

func TestOutboundHandshakeCompletesWithinTwoTicks(t *testing.T) {
	outSender := &recordingSender{}
	inSender := &recordingSender{}

	outPeer := peer.New(1, outSender, false, selfAddr(), nil)
	inPeer := peer.New(2, inSender, true, selfAddr(), nil)

	// Tick 1: outbound peer emits its unprompted whoami.
	outPeer.Tick()
	require.Len(t, outSender.frames, 1, "outbound peer should send exactly one whoami unprompted")

	// Deliver that whoami to the inbound peer.
	fatal := inPeer.HandleBuffer(outSender.frames[0])
	require.False(t, fatal)

	// Inbound peer should have replied whoamiack, then its own whoami
	// (since it had not yet sent one).
	require.Len(t, inSender.frames, 2)

	// Deliver inbound peer's frames back to outbound peer.
	for _, f := range inSender.frames {
		fatal := outPeer.HandleBuffer(f)
		require.False(t, fatal)
	}

	// Deliver the outbound peer's whoamiack (sent in reply to the inbound
	// peer's whoami) back to the inbound peer.
	for _, f := range outSender.frames[1:] {
		fatal := inPeer.HandleBuffer(f)
		require.False(t, fatal)
	}

	outPeer.Tick()
	inPeer.Tick()

	require.True(t, outPeer.IsValid())
	require.True(t, inPeer.IsValid())

	addr, ok := outPeer.Address()
	require.True(t, ok)
	require.Equal(t, selfAddr().Port, addr.Port)
}

func TestPingSentAfterCallbackAndPongAccepted(t *testing.T) {
	sender := &recordingSender{}
	p := peer.New(1, sender, false, selfAddr(), nil)

	for i := 0; i < peer.PingCallbackSeconds; i++ {
		p.DeltaTime(1)
		p.Tick()
	}
	// The last loop tick found the timer at zero and emitted the ping; one
	// more tick emits nothing, so the ping is still the last frame sent.
	p.DeltaTime(1)
	p.Tick()

	require.NotEmpty(t, sender.frames)
	last := sender.frames[len(sender.frames)-1]
	hdr, _, err := wire.DecodeHeader(last)
	require.NoError(t, err)
	require.Equal(t, wire.TypePing, hdr.Type)

	// Simulate the remote replying with a pong.
	fatal := p.HandleBuffer(encodeSimpleFrame(wire.TypePong))
	require.False(t, fatal)
}

func TestDeadPeerDetection(t *testing.T) {
	sender := &recordingSender{}
	p := peer.New(1, sender, false, selfAddr(), nil)

	// Complete a handshake so IsValid can start true.
	fatal := p.HandleBuffer(encodeWhoamiFrame(t, selfAddr(), peer.Version, peer.DefaultServices))
	require.False(t, fatal)
	fatal = p.HandleBuffer(encodeSimpleFrame(wire.TypeWhoamiAck))
	require.False(t, fatal)
	p.Tick()
	require.True(t, p.IsValid())

	// Advance well past the liveness threshold plus one ping interval with
	// no further inbound bytes.
	for i := 0; i < peer.LastSeenThreshold+peer.PingCallbackSeconds+1; i++ {
		p.DeltaTime(1)
		p.Tick()
	}

	require.False(t, p.IsValid())
}

func TestMalformedMagicIsFatal(t *testing.T) {
	sender := &recordingSender{}
	p := peer.New(1, sender, true, selfAddr(), nil)

	bad := wire.EncodeHeader(wire.Header{Magic: 0xDEADBEEF, Type: wire.TypePing})
	require.True(t, p.HandleBuffer(bad))
}

func TestHugeWhoamiLengthIsFatalNotAPanic(t *testing.T) {
	sender := &recordingSender{}
	p := peer.New(1, sender, true, selfAddr(), nil)

	// The high bit set here would convert to a negative int if hdr.Length
	// were trusted directly, defeating the buffer-length guard in
	// HandleBuffer and panicking on a negative slice index.
	huge := wire.EncodeHeader(wire.Header{Magic: wire.Magic, Type: wire.TypeWhoami, Length: 1 << 63})
	require.NotPanics(t, func() {
		require.True(t, p.HandleBuffer(huge))
	})
}

func TestHugeUnknownTypeLengthIsFatalNotAPanic(t *testing.T) {
	sender := &recordingSender{}
	p := peer.New(1, sender, true, selfAddr(), nil)

	huge := wire.EncodeHeader(wire.Header{Magic: wire.Magic, Type: "banana", Length: 1 << 63})
	require.NotPanics(t, func() {
		require.True(t, p.HandleBuffer(huge))
	})
}

func TestChunkedWhoamiOnlyCompletesOnLastByte(t *testing.T) {
	sender := &recordingSender{}
	p := peer.New(1, sender, true, selfAddr(), nil)

	frame := encodeWhoamiFrame(t, selfAddr(), peer.Version, peer.DefaultServices)

	for i := 0; i < len(frame)-1; i++ {
		fatal := p.HandleBuffer(frame[i : i+1])
		require.False(t, fatal)
		require.Empty(t, sender.frames, "must not react before the full frame has arrived")
	}

	fatal := p.HandleBuffer(frame[len(frame)-1:])
	require.False(t, fatal)
	require.NotEmpty(t, sender.frames)
}

func TestUnknownMessageTypeSkipsPayloadThenHandlesPing(t *testing.T) {
	sender := &recordingSender{}
	p := peer.New(1, sender, true, selfAddr(), nil)

	unknown := wire.EncodeHeader(wire.Header{Magic: wire.Magic, Type: "banana", Length: 7})
	unknown = append(unknown, []byte("garbage")...)
	ping := encodeSimpleFrame(wire.TypePing)

	fatal := p.HandleBuffer(append(unknown, ping...))
	require.False(t, fatal)

	require.Len(t, sender.frames, 1)
	hdr, _, err := wire.DecodeHeader(sender.frames[0])
	require.NoError(t, err)
	require.Equal(t, wire.TypePong, hdr.Type)
}

func TestIdempotentPartialDelivery(t *testing.T) {
	frame := encodeWhoamiFrame(t, selfAddr(), peer.Version, peer.DefaultServices)
	frame = append(frame, encodeSimpleFrame(wire.TypePing)...)

	wholeSender := &recordingSender{}
	whole := peer.New(1, wholeSender, true, selfAddr(), nil)
	require.False(t, whole.HandleBuffer(frame))

	chunkedSender := &recordingSender{}
	chunked := peer.New(2, chunkedSender, true, selfAddr(), nil)
	for _, b := range frame {
		require.False(t, chunked.HandleBuffer([]byte{b}))
	}

	require.Equal(t, len(wholeSender.frames), len(chunkedSender.frames))
	for i := range wholeSender.frames {
		require.Equal(t, wholeSender.frames[i], chunkedSender.frames[i])
	}
}
