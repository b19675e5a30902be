// Package transport carries the seven wire mini-protocols (spec §4.2) over
// QUIC: one stream per logical exchange, dispatched by a leading protocol
// byte, with per-connection and per-IP admission limits (spec §5) and
// bounded per-peer, per-protocol inbound concurrency for backpressure.
package transport

import (
	"time"
)

// Config holds the listener and connection tunables of spec §5's
// "Cancellation and timeouts" and "Backpressure" sections.
type Config struct {
	ListenAddr string

	IdleTimeout     time.Duration // QUIC idle timeout, default 300s
	KeepAlivePeriod time.Duration // default 15s, must be < IdleTimeout/2

	MaxStreamsPerConn int // default 64
	MaxConnsPerIP     int // default 5

	DialTimeout     time.Duration // default 30s, spec §5 "bounded deadline"
	RequestTimeout  time.Duration // default 30s, stream deadline for outbound handshake/push/sync/fetch/group-exchange round trips
	MaxInflightPerProtocol int    // default 8, per-peer fair share per mini-protocol
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 300 * time.Second
	}
	if c.KeepAlivePeriod == 0 {
		c.KeepAlivePeriod = 15 * time.Second
	}
	if c.MaxStreamsPerConn == 0 {
		c.MaxStreamsPerConn = 64
	}
	if c.MaxConnsPerIP == 0 {
		c.MaxConnsPerIP = 5
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxInflightPerProtocol == 0 {
		c.MaxInflightPerProtocol = 8
	}
}

// ProtocolVersion is this node's wire protocol version (spec §4.2
// handshake version negotiation).
const ProtocolVersion uint32 = 1

// Stream is the minimal surface transport code depends on: quic.Stream
// satisfies it structurally, and tests drive dispatch logic over a
// net.Pipe-backed fake without a real QUIC connection.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}
