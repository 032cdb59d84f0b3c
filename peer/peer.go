// Package peer implements the per-connection state machine: handshake
// ("whoami"), keep-alive ("ping"/"pong"), and liveness tracking, driven by
// repeated calls to HandleBuffer as bytes arrive from the reactor's read
// path. Nothing here touches a socket directly — a Peer only ever calls
// Sender.Send, so the state machine is testable without a real connection.
package peer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/rustycoin/p2pnode/metrics"
	"github.com/rustycoin/p2pnode/wire"
)

// Protocol constants.
const (
	Version             = 1
	PingCallbackSeconds = 42
	LastSeenThreshold   = 300
)

// DefaultServices is the service list a peer advertises in its own whoami.
var DefaultServices = []string{"node"}

// Sender delivers raw bytes to the peer's socket. The reactor implements
// this over a non-blocking connection; tests implement it over a buffer.
type Sender interface {
	Send(b []byte) error
}

// Peer holds all per-connection state: the receive buffer, handshake and
// ping status, liveness timers, and the self-reported address/services
// recorded from a received whoami.
type Peer struct {
	Token     int64
	conn      Sender
	buffer    []byte
	isInbound bool

	action action

	whoamiLocal  WhoamiStatus
	whoamiRemote WhoamiStatus
	pingState    PingStatus

	lastPingSentTicks int
	lastPingRecvTicks int
	lastSeenTicks     int

	selfAddress wire.Address
	address     *wire.Address
	services    []string

	valid  bool
	closed bool

	log *slog.Logger
}

// New creates a Peer for a freshly accepted (isInbound=true) or dialed
// (isInbound=false) connection. selfAddress is what this peer reports about
// itself in its own whoami.
func New(token int64, conn Sender, isInbound bool, selfAddress wire.Address, log *slog.Logger) *Peer {
	if log == nil {
		log = slog.Default()
	}
	return &Peer{
		Token:             token,
		conn:              conn,
		isInbound:         isInbound,
		action:            waitingHeader,
		lastPingSentTicks: PingCallbackSeconds,
		lastPingRecvTicks: PingCallbackSeconds,
		selfAddress:       selfAddress,
		log:               log.With("token", token, "inbound", isInbound),
	}
}

func (p *Peer) String() string {
	dir := "outbound"
	if p.isInbound {
		dir = "inbound"
	}
	return fmt.Sprintf("peer(token=%d, %s)", p.Token, dir)
}

// IsInbound reports whether the remote initiated this connection.
func (p *Peer) IsInbound() bool { return p.isInbound }

// IsValid reports whether the handshake is complete and the peer is not
// considered dead. It reflects the state computed by the last Tick.
func (p *Peer) IsValid() bool { return p.valid }

// Address returns the peer's self-reported address, if a whoami has been
// received.
func (p *Peer) Address() (wire.Address, bool) {
	if p.address == nil {
		return wire.Address{}, false
	}
	return *p.address, true
}

// Services returns the peer's self-reported service list, if a whoami has
// been received.
func (p *Peer) Services() []string { return p.services }

// HandleBuffer appends newly read bytes to the receive buffer, then
// repeatedly consumes one message from the front until the buffer is too
// short to make further progress. It returns true if the peer must be torn
// down (fatal framing error or malformed payload).
func (p *Peer) HandleBuffer(data []byte) (fatal bool) {
	p.buffer = append(p.buffer, data...)

	for {
		switch p.action.kind {
		case actionWaitingHeader:
			if len(p.buffer) < wire.HeaderSize {
				return false
			}
			hdr, n, err := wire.DecodeHeader(p.buffer)
			if err != nil {
				if errors.Is(err, wire.ErrShortBuffer) {
					return false
				}
				metrics.CodecErrorsTotal.WithLabelValues("malformed").Inc()
				p.log.Warn("malformed header, closing peer", "error", err)
				return true
			}
			p.buffer = p.buffer[n:]
			if !p.dispatchHeader(hdr) {
				return true
			}

		case actionWaitingPayload:
			if len(p.buffer) < p.action.expectedLen {
				return false
			}
			payload := p.buffer[:p.action.expectedLen]
			p.buffer = p.buffer[p.action.expectedLen:]
			if !p.dispatchPayload(payload) {
				return true
			}
			p.action = waitingHeader
		}
	}
}

// dispatchHeader acts on a freshly decoded header. It returns false if the
// peer must be torn down (magic mismatch).
func (p *Peer) dispatchHeader(hdr wire.Header) bool {
	if hdr.Magic != wire.Magic {
		metrics.CodecErrorsTotal.WithLabelValues("malformed").Inc()
		p.log.Warn("bad magic number, closing peer", "magic", hdr.Magic)
		return false
	}

	switch hdr.Type {
	case wire.TypePing:
		metrics.FramesDecodedTotal.WithLabelValues(wire.TypePing).Inc()
		p.lastSeenTicks = 0
		p.sendPong()
		p.action = waitingHeader

	case wire.TypePong:
		metrics.FramesDecodedTotal.WithLabelValues(wire.TypePong).Inc()
		p.lastSeenTicks = 0
		p.pingState = PingAck
		p.action = waitingHeader

	case wire.TypeWhoami:
		if !p.acceptPayloadLength(hdr.Length) {
			return false
		}
		p.action = action{kind: actionWaitingPayload, payload: payloadWhoami, expectedLen: int(hdr.Length)}

	case wire.TypeWhoamiAck:
		metrics.FramesDecodedTotal.WithLabelValues(wire.TypeWhoamiAck).Inc()
		p.lastSeenTicks = 0
		p.whoamiLocal = WhoamiAck
		p.action = waitingHeader

	default:
		p.log.Debug("unknown message type, skipping payload", "type", hdr.Type, "length", hdr.Length)
		if hdr.Length == 0 {
			p.lastSeenTicks = 0
			p.action = waitingHeader
		} else {
			if !p.acceptPayloadLength(hdr.Length) {
				return false
			}
			p.action = action{kind: actionWaitingPayload, payload: payloadSkip, expectedLen: int(hdr.Length)}
		}
	}
	return true
}

// maxPayloadLen bounds any declared payload length a header may claim. It
// is far larger than a real whoami (a handful of short service names) ever
// needs, but small enough that a malicious or corrupt length can never be
// mistaken for a valid int or used to stall the peer on an enormous read.
// hdr.Length is an attacker-controlled uint64 straight off the wire;
// without this check a value like 1<<63 would convert to a negative int,
// defeating HandleBuffer's `len(p.buffer) < expectedLen` guard and panicking
// on the resulting negative slice index.
const maxPayloadLen = 1 << 20

// acceptPayloadLength reports whether length is safe to use as a payload
// byte count. A length that doesn't fit, or that exceeds maxPayloadLen, is
// treated as a malformed frame: fatal to this peer, per §7.
func (p *Peer) acceptPayloadLength(length uint64) bool {
	if length > maxPayloadLen {
		metrics.CodecErrorsTotal.WithLabelValues("malformed").Inc()
		p.log.Warn("payload length exceeds maximum, closing peer", "length", length)
		return false
	}
	return true
}

// dispatchPayload acts on a fully-buffered payload. It returns false if the
// peer must be torn down (malformed whoami).
func (p *Peer) dispatchPayload(b []byte) bool {
	switch p.action.payload {
	case payloadSkip:
		p.lastSeenTicks = 0
		return true

	case payloadWhoami:
		w, _, err := wire.DecodeWhoami(b)
		if err != nil {
			metrics.CodecErrorsTotal.WithLabelValues("malformed").Inc()
			p.log.Warn("malformed whoami payload, closing peer", "error", err)
			return false
		}
		metrics.FramesDecodedTotal.WithLabelValues(wire.TypeWhoami).Inc()

		if w.Version != Version {
			p.log.Info("whoami protocol version mismatch", "peer_version", w.Version, "local_version", Version)
		}

		p.sendWhoamiAck()
		p.sendWhoami()

		addr := w.Address
		p.address = &addr
		p.services = w.Services
		p.lastSeenTicks = 0
		return true

	default:
		return true
	}
}

// DeltaTime saturating-subtracts dt seconds from the ping timers (clamped
// at 0) and adds dt to last-seen. Called once per reactor tick.
func (p *Peer) DeltaTime(dt int) {
	p.lastPingSentTicks = saturatingSub(p.lastPingSentTicks, dt)
	p.lastPingRecvTicks = saturatingSub(p.lastPingRecvTicks, dt)
	p.lastSeenTicks += dt
}

func saturatingSub(v, dt int) int {
	if v <= dt {
		return 0
	}
	return v - dt
}

// Tick runs the liveness routine: emits a due ping, emits an outbound
// peer's unprompted whoami, and recomputes IsValid.
func (p *Peer) Tick() {
	wasValid := p.valid

	if p.lastPingSentTicks == 0 {
		p.sendPing()
		p.lastPingSentTicks = PingCallbackSeconds
		p.pingState = PingSent
	}

	if !p.isInbound && p.whoamiLocal == WhoamiUnknown {
		p.sendWhoami()
	}

	valid := p.whoamiLocal == WhoamiAck && p.whoamiRemote == WhoamiAck
	if p.lastSeenTicks > LastSeenThreshold && p.pingState == PingSent {
		valid = false
	}
	p.valid = valid

	if valid && !wasValid {
		metrics.HandshakesCompletedTotal.Inc()
	}
	if wasValid && !valid {
		metrics.DeadPeersTotal.Inc()
	}
}

func (p *Peer) send(msgType string, payload []byte) {
	hdr := wire.EncodeHeader(wire.Header{Magic: wire.Magic, Type: msgType, Length: uint64(len(payload))})
	frame := append(hdr, payload...)
	if err := p.conn.Send(frame); err != nil {
		p.log.Warn("send failed", "type", msgType, "error", err)
	}
}

func (p *Peer) sendPing() { p.send(wire.TypePing, nil) }
func (p *Peer) sendPong() { p.send(wire.TypePong, nil) }

func (p *Peer) sendWhoamiAck() {
	p.send(wire.TypeWhoamiAck, nil)
	p.whoamiRemote = WhoamiAck
}

// sendWhoami emits our own whoami exactly once; subsequent calls are no-ops
// until the handshake resets (which never happens within a connection's
// lifetime).
func (p *Peer) sendWhoami() {
	if p.whoamiLocal != WhoamiUnknown {
		return
	}
	w := wire.Whoami{Version: Version, Address: p.selfAddress, Services: DefaultServices}
	p.send(wire.TypeWhoami, wire.EncodeWhoami(w))
	p.whoamiLocal = WhoamiSent
}
