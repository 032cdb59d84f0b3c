// Package ratelimiter implements a per-source-IP accept guard used by the
// reactor to bound how fast, and how much, a single remote address can
// occupy inbound connection slots. Each IP gets its own token bucket
// (algorithm adapted from WireGuard's per-source-IP handshake-packet
// limiter, see DESIGN.md) plus a live-connection counter: the token bucket
// throttles the *rate* of new accepts the way WireGuard throttles the rate
// of handshake-initiation packets, and the counter caps the *number of
// simultaneously open* connections from one address, which a cheap,
// fire-and-forget UDP packet drop never had to account for but an accepted
// TCP socket — holding an fd, a Peer, and an epoll registration until
// removed — does.
package ratelimiter

import (
	"net/netip"
	"sync"
	"time"
)

const (
	connectionsPerSecond = 20
	connectionsBurstable = 5
	garbageCollectTime   = time.Second
	connectionCost       = 1_000_000_000 / connectionsPerSecond
	maxTokens            = connectionCost * connectionsBurstable

	// MaxConnectionsPerIP bounds how many inbound connections from one
	// source address may be open at once, independent of how quickly its
	// token bucket refills. A slow, patient attacker that waits out the
	// rate limit must still stay under this ceiling; legitimate reconnects
	// from a single peer never get near it.
	MaxConnectionsPerIP = 64
)

type entry struct {
	mu       sync.Mutex
	lastTime time.Time
	tokens   int64
	open     int
}

// Ratelimiter tracks one token bucket and one open-connection counter per
// source IP.
type Ratelimiter struct {
	mu      sync.RWMutex
	timeNow func() time.Time

	stopReset chan struct{} // send to reset, close to stop
	table     map[netip.Addr]*entry
}

// Close stops the background garbage-collection goroutine. Safe to call on
// a zero-value Ratelimiter that was never Init'd.
func (rate *Ratelimiter) Close() {
	rate.mu.Lock()
	defer rate.mu.Unlock()

	if rate.stopReset != nil {
		close(rate.stopReset)
	}
}

// Init (re)starts the limiter, discarding any existing buckets. Must be
// called before Allow.
func (rate *Ratelimiter) Init() {
	rate.mu.Lock()
	defer rate.mu.Unlock()

	if rate.timeNow == nil {
		rate.timeNow = time.Now
	}

	if rate.stopReset != nil {
		close(rate.stopReset)
	}

	rate.stopReset = make(chan struct{})
	rate.table = make(map[netip.Addr]*entry)

	stopReset := rate.stopReset

	go func() {
		ticker := time.NewTicker(time.Second)
		ticker.Stop()
		for {
			select {
			case _, ok := <-stopReset:
				ticker.Stop()
				if !ok {
					return
				}
				ticker = time.NewTicker(time.Second)
			case <-ticker.C:
				if rate.cleanup() {
					ticker.Stop()
				}
			}
		}
	}()
}

func (rate *Ratelimiter) cleanup() (empty bool) {
	rate.mu.Lock()
	defer rate.mu.Unlock()

	for key, e := range rate.table {
		e.mu.Lock()
		idle := rate.timeNow().Sub(e.lastTime) > garbageCollectTime
		noOpenConns := e.open == 0
		e.mu.Unlock()
		if idle && noOpenConns {
			delete(rate.table, key)
		}
	}

	return len(rate.table) == 0
}

func (rate *Ratelimiter) entryFor(ip netip.Addr) *entry {
	rate.mu.RLock()
	e := rate.table[ip]
	rate.mu.RUnlock()
	if e != nil {
		return e
	}

	rate.mu.Lock()
	defer rate.mu.Unlock()
	if e := rate.table[ip]; e != nil {
		return e
	}
	e = &entry{tokens: maxTokens, lastTime: rate.timeNow()}
	rate.table[ip] = e
	if len(rate.table) == 1 {
		rate.stopReset <- struct{}{}
	}
	return e
}

// Allow reports whether ip may open another connection right now: its
// token bucket must hold enough tokens AND it must not already be at
// MaxConnectionsPerIP open connections. On success it spends one
// connectionCost worth of tokens and counts the connection as open; the
// caller must call Release(ip) once that connection closes.
func (rate *Ratelimiter) Allow(ip netip.Addr) bool {
	e := rate.entryFor(ip)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.open >= MaxConnectionsPerIP {
		return false
	}

	now := rate.timeNow()
	e.tokens += now.Sub(e.lastTime).Nanoseconds()
	e.lastTime = now
	if e.tokens > maxTokens {
		e.tokens = maxTokens
	}

	if e.tokens < connectionCost {
		return false
	}
	e.tokens -= connectionCost
	e.open++
	return true
}

// Release marks one previously-Allow'd connection from ip as closed,
// freeing a slot against MaxConnectionsPerIP. Safe to call for an ip that
// Allow never saw (a no-op).
func (rate *Ratelimiter) Release(ip netip.Addr) {
	rate.mu.RLock()
	e := rate.table[ip]
	rate.mu.RUnlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	if e.open > 0 {
		e.open--
	}
	e.mu.Unlock()
}
