package transport

import (
	"net"
	"sync"
)

// ipConnTracker enforces the per-IP connection cap (spec §5: "5 connections
// per single address"): a mutex-guarded map counting live resources per
// key, admitted/released at the edges of their lifetime.
type ipConnTracker struct {
	mu    sync.Mutex
	max   int
	count map[string]int
}

func newIPConnTracker(max int) *ipConnTracker {
	return &ipConnTracker{max: max, count: make(map[string]int)}
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// admit returns false if addr's host is already at the connection cap.
func (t *ipConnTracker) admit(addr net.Addr) bool {
	host := hostOf(addr)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count[host] >= t.max {
		return false
	}
	t.count[host]++
	return true
}

func (t *ipConnTracker) release(addr net.Addr) {
	host := hostOf(addr)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count[host] > 0 {
		t.count[host]--
		if t.count[host] == 0 {
			delete(t.count, host)
		}
	}
}

// protocolLimiter gives each (peer, protocol) pair a bounded inbound
// queue depth, the "per-protocol bounded inbound queues with per-peer
// fair shares" of spec §5. When a peer's share for a protocol is
// exhausted, the caller must refuse the new stream rather than block
// (spec §7 resource errors: "new work refused with back-pressure; no
// peer punishment").
type protocolLimiter struct {
	mu       sync.Mutex
	max      int
	inflight map[string]int // keyed by peerID+protocol
}

func newProtocolLimiter(max int) *protocolLimiter {
	return &protocolLimiter{max: max, inflight: make(map[string]int)}
}

func limiterKey(peerID string, proto byte) string {
	return peerID + ":" + string(proto)
}

// tryAcquire reports whether the (peer, protocol) pair is under its
// concurrency share; if so it reserves a slot that must be released.
func (l *protocolLimiter) tryAcquire(peerID string, proto byte) bool {
	key := limiterKey(peerID, proto)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight[key] >= l.max {
		return false
	}
	l.inflight[key]++
	return true
}

func (l *protocolLimiter) release(peerID string, proto byte) {
	key := limiterKey(peerID, proto)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight[key] > 0 {
		l.inflight[key]--
		if l.inflight[key] == 0 {
			delete(l.inflight, key)
		}
	}
}
