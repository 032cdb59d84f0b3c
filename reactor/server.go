//go:build linux

// Package reactor implements the single-threaded, epoll-driven multiplexer
// that owns the listening socket and every peer connection. It polls for
// readiness with a bounded timeout, dispatches read-ready sockets to their
// peer's HandleBuffer, then walks every peer once per tick to advance
// liveness timers and emit any due pings/whoamis.
//
// This is Linux-only (a //go:build linux constraint, like twamp's
// reflector_linux.go elsewhere in the corpus) because it talks to epoll
// directly via golang.org/x/sys/unix.
package reactor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rustycoin/p2pnode/metrics"
	"github.com/rustycoin/p2pnode/peer"
	"github.com/rustycoin/p2pnode/ratelimiter"
	"github.com/rustycoin/p2pnode/wire"
)

const (
	// WaitingTime is the bounded poll timeout and the reactor's tick period.
	WaitingTime = 5 * time.Second

	initialReadBufferSize = 4096
	readBufferGrowth      = 1024
	listenBacklog         = 128
)

// peerEntry is one row of the token table. peer is nil for an outbound
// socket whose non-blocking connect has not yet completed. remoteIP is set
// only for inbound peers, so removePeer can release their ratelimiter slot.
type peerEntry struct {
	fd       int
	peer     *peer.Peer
	buf      []byte
	remoteIP netip.Addr
	rated    bool
}

// connectRequest is a pending outbound dial, handed off from whatever
// goroutine called Connect to the Run goroutine via wakeFd so the peer
// table is only ever touched from inside the event loop.
type connectRequest struct {
	fd   int
	resp chan connectResult
}

type connectResult struct {
	token int64
	err   error
}

// Server is the reactor: a listener, an epoll instance, a monotonic token
// allocator, and the token -> peer table. No locks are used: the peer table
// is only ever mutated during event dispatch in Run, never concurrently.
// Connect, which may be called from any goroutine, hands its work off
// through wakeFd/connectReqs rather than touching the table directly.
type Server struct {
	log *slog.Logger

	listenFd   int
	listenAddr *net.TCPAddr

	epfd   int
	wakeFd int

	nextToken int64
	peers     map[int64]*peerEntry
	fdTokens  map[int]int64

	connectReqs chan connectRequest

	accept ratelimiter.Ratelimiter
}

// New binds listenAddr and creates the epoll instance. The listener is
// registered for read-readiness immediately; token 0 is reserved and never
// assigned to a peer.
func New(ctx context.Context, listenAddr string, log *slog.Logger) (*Server, error) {
	_ = ctx
	if log == nil {
		log = slog.Default()
	}

	fd, tcpAddr, err := listenTCP(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", listenAddr, err)
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	s := &Server{
		log:         log,
		listenFd:    fd,
		listenAddr:  tcpAddr,
		epfd:        epfd,
		wakeFd:      wakeFd,
		nextToken:   1,
		peers:       make(map[int64]*peerEntry),
		fdTokens:    make(map[int]int64),
		connectReqs: make(chan connectRequest, 64),
	}

	event := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, event); err != nil {
		unix.Close(fd)
		unix.Close(epfd)
		unix.Close(wakeFd)
		return nil, fmt.Errorf("epoll_ctl listener: %w", err)
	}

	wakeEvent := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, wakeEvent); err != nil {
		unix.Close(fd)
		unix.Close(epfd)
		unix.Close(wakeFd)
		return nil, fmt.Errorf("epoll_ctl wakefd: %w", err)
	}

	s.accept.Init()

	return s, nil
}

// ListenAddr returns the address the server is actually bound to (with the
// OS-assigned port resolved, if 0 was requested).
func (s *Server) ListenAddr() *net.TCPAddr { return s.listenAddr }

// ValidPeerCount returns the number of peers whose handshake is complete
// and that are not considered dead.
func (s *Server) ValidPeerCount() int {
	n := 0
	for _, e := range s.peers {
		if e.peer != nil && e.peer.IsValid() {
			n++
		}
	}
	return n
}

// Close tears down every peer connection, the listener, and the epoll
// instance.
func (s *Server) Close() error {
	for token := range s.peers {
		s.removePeer(token, "server closed")
	}
	s.accept.Close()
	unix.Close(s.listenFd)
	unix.Close(s.epfd)
	unix.Close(s.wakeFd)
	return nil
}

// Connect opens a non-blocking outbound TCP connection and hands its
// registration off to the Run goroutine over wakeFd, so the peer table is
// never touched from Connect's own caller. No data is sent synchronously;
// the initial whoami is emitted on the peer's next Tick, once the connect
// completes. Safe to call concurrently with Run and with itself.
func (s *Server) Connect(addr string) (int64, error) {
	fd, _, err := dialTCPNonblocking(addr)
	if err != nil {
		return 0, fmt.Errorf("connect %s: %w", addr, err)
	}

	req := connectRequest{fd: fd, resp: make(chan connectResult, 1)}
	s.connectReqs <- req
	s.wake()

	result := <-req.resp
	if result.err != nil {
		return 0, fmt.Errorf("connect %s: %w", addr, result.err)
	}
	s.log.Debug("outbound connect initiated", "token", result.token, "addr", addr)
	return result.token, nil
}

// wake writes to the eventfd to break Run's EpollWait out of its timeout
// early, the same interrupt-poll technique used elsewhere in this corpus
// for waking a blocked reactor from another goroutine.
func (s *Server) wake() {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(s.wakeFd, one[:])
}

// registerOutbound runs inside the Run goroutine: it performs the actual
// epoll registration and peer-table insertion for a pending Connect.
func (s *Server) registerOutbound(req connectRequest) {
	token := s.nextToken
	s.nextToken++

	event := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: int32(req.fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, req.fd, event); err != nil {
		unix.Close(req.fd)
		req.resp <- connectResult{err: fmt.Errorf("epoll_ctl: %w", err)}
		return
	}

	s.peers[token] = &peerEntry{fd: req.fd, buf: make([]byte, initialReadBufferSize)}
	s.fdTokens[req.fd] = token
	req.resp <- connectResult{token: token}
}

// drainConnectReqs registers every Connect call queued since the wakeFd was
// last drained.
func (s *Server) drainConnectReqs() {
	for {
		select {
		case req := <-s.connectReqs:
			s.registerOutbound(req)
		default:
			return
		}
	}
}

// Run is the main loop: poll, dispatch events, tick every peer. It returns
// when ctx is done or the poll itself fails catastrophically.
func (s *Server) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, 64)

	for {
		select {
		case <-ctx.Done():
			return s.Close()
		default:
		}

		n, err := unix.EpollWait(s.epfd, events, int(WaitingTime/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			s.dispatch(int(events[i].Fd))
		}

		s.tickAll()
	}
}

func (s *Server) dispatch(fd int) {
	if fd == s.listenFd {
		s.acceptLoop()
		return
	}

	if fd == s.wakeFd {
		var tmp [8]byte
		_, _ = unix.Read(s.wakeFd, tmp[:])
		s.drainConnectReqs()
		return
	}

	token, ok := s.fdTokens[fd]
	if !ok {
		// Spurious or stale event for an fd we've already removed;
		// permitted by the readiness API, safe to ignore.
		return
	}
	entry := s.peers[token]
	if entry == nil {
		return
	}

	if entry.peer == nil {
		s.completeConnect(token, entry)
		return
	}

	if s.readPeer(entry) {
		s.removePeer(token, "closed or fatal error")
	}
}

// acceptLoop drains the accept queue until it yields EAGAIN, dropping
// connections from a source IP that is opening them too fast.
func (s *Server) acceptLoop() {
	for {
		fd, sa, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) {
				s.log.Warn("accept failed", "error", err)
			}
			return
		}

		ip, ok := sockaddrIP(sa)
		if ok && !s.accept.Allow(ip) {
			s.log.Debug("inbound connection rate-limited", "ip", ip)
			unix.Close(fd)
			continue
		}

		s.addInboundPeer(fd, ip, ok)
	}
}

func sockaddrIP(sa unix.Sockaddr) (netip.Addr, bool) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(a.Addr), true
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(a.Addr), true
	default:
		return netip.Addr{}, false
	}
}

func (s *Server) addInboundPeer(fd int, ip netip.Addr, rated bool) {
	token := s.nextToken
	s.nextToken++

	event := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, event); err != nil {
		s.log.Warn("epoll_ctl add failed", "error", err)
		if rated {
			s.accept.Release(ip)
		}
		unix.Close(fd)
		return
	}

	p := peer.New(token, &fdSender{fd: fd}, true, s.selfAddress(), s.log)
	s.peers[token] = &peerEntry{fd: fd, peer: p, buf: make([]byte, initialReadBufferSize), remoteIP: ip, rated: rated}
	s.fdTokens[fd] = token
	metrics.PeersConnected.WithLabelValues("inbound").Inc()
	s.log.Debug("inbound peer accepted", "token", token)
}

// completeConnect checks whether a pending non-blocking connect finished
// successfully, promoting the entry to a live peer, or failed, tearing it
// down.
func (s *Server) completeConnect(token int64, entry *peerEntry) {
	errno, err := unix.GetsockoptInt(entry.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || errno != 0 {
		s.log.Warn("outbound connect failed", "token", token, "errno", errno)
		s.removePeer(token, "connect failed")
		return
	}

	event := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(entry.fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, entry.fd, event); err != nil {
		s.log.Warn("epoll_ctl mod failed", "token", token, "error", err)
	}

	entry.peer = peer.New(token, &fdSender{fd: entry.fd}, false, s.selfAddress(), s.log)
	metrics.PeersConnected.WithLabelValues("outbound").Inc()
	s.log.Debug("outbound connect completed", "token", token)
}

// readPeer drains the socket into entry.buf, growing it in 1 KiB
// increments when fully filled, feeding every read into HandleBuffer. It
// returns true if the peer must be removed (clean close, fatal I/O error,
// or a fatal framing error from HandleBuffer).
func (s *Server) readPeer(entry *peerEntry) bool {
	for {
		n, err := unix.Read(entry.fd, entry.buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return false
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			s.log.Debug("read error, removing peer", "token", entry.peer.Token, "error", err)
			return true
		}
		if n == 0 {
			s.log.Debug("peer closed connection", "token", entry.peer.Token)
			return true
		}
		if entry.peer.HandleBuffer(entry.buf[:n]) {
			return true
		}
		if n == len(entry.buf) {
			entry.buf = append(entry.buf, make([]byte, readBufferGrowth)...)
		}
	}
}

func (s *Server) removePeer(token int64, reason string) {
	entry, ok := s.peers[token]
	if !ok {
		return
	}
	unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, entry.fd, nil) //nolint
	unix.Close(entry.fd)
	delete(s.fdTokens, entry.fd)
	delete(s.peers, token)

	if entry.rated {
		s.accept.Release(entry.remoteIP)
	}

	if entry.peer != nil {
		direction := "outbound"
		if entry.peer.IsInbound() {
			direction = "inbound"
		}
		metrics.PeersConnected.WithLabelValues(direction).Dec()
	}
	s.log.Debug("peer removed", "token", token, "reason", reason)
}

// tickAll advances every peer's liveness timers by one tick and runs its
// liveness routine. Iteration order over the peer table is unspecified.
func (s *Server) tickAll() {
	dt := int(WaitingTime / time.Second)
	for _, entry := range s.peers {
		if entry.peer == nil {
			continue
		}
		entry.peer.DeltaTime(dt)
		entry.peer.Tick()
	}
}

func (s *Server) selfAddress() wire.Address {
	port := 0
	if s.listenAddr != nil {
		port = s.listenAddr.Port
	}
	return wire.NewAddress(uint64(time.Now().Unix()), net.IPv4zero, uint16(port))
}

// fdSender writes frames directly to a non-blocking socket. Writes are
// small (a header plus a short payload), so a would-block error is
// surfaced rather than queued or retried.
type fdSender struct{ fd int }

func (f *fdSender) Send(b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(f.fd, b)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return fmt.Errorf("write would block on fd %d: %w", f.fd, err)
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		b = b[n:]
	}
	return nil
}

func listenTCP(addr string) (int, *net.TCPAddr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return 0, nil, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return 0, nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, nil, err
	}

	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, nil, err
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return 0, nil, err
	}

	bound, err := unix.Getsockname(fd)
	if err == nil {
		if v4, ok := bound.(*unix.SockaddrInet4); ok {
			tcpAddr.Port = v4.Port
		}
	}

	return fd, tcpAddr, nil
}

func dialTCPNonblocking(addr string) (int, *net.TCPAddr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return 0, nil, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return 0, nil, err
	}

	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}

	if err := unix.Connect(fd, sa); err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return 0, nil, err
	}

	return fd, tcpAddr, nil
}
