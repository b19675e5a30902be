package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"memnet/internal/governor"
	"memnet/internal/identity"
	"memnet/internal/wire"
)

// Client dials outbound QUIC connections (the governor's ActionDial
// effects, spec §4.1) and implements replication.Sender by opening a
// fresh stream per outbound mini-protocol exchange (spec §4.2).
type Client struct {
	cfg      Config
	self     *identity.Identity
	gov      *governor.Governor
	handlers *Handlers
	logger   *logrus.Logger

	mu    sync.Mutex
	conns map[string]quic.Connection
}

// NewClient builds a Client sharing the same handlers as the Server, so
// streams the remote peer opens back on a connection we dialed are
// served identically to inbound connections.
func NewClient(cfg Config, self *identity.Identity, gov *governor.Governor, handlers *Handlers, logger *logrus.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{cfg: cfg, self: self, gov: gov, handlers: handlers, logger: logger, conns: make(map[string]quic.Connection)}
}

// Dial establishes an outbound connection to nodeID at addr, performs the
// handshake, and starts its stream-accept and keep-alive loops. It is
// safe to call again for an already-connected peer; the existing
// connection is reused.
func (c *Client) Dial(ctx context.Context, nodeID, addr string, groups []string) error {
	c.mu.Lock()
	if _, ok := c.conns[nodeID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	tlsConf, err := selfSignedTLSConfig(c.self.NodeID.String())
	if err != nil {
		return err
	}
	qConf := &quic.Config{MaxIdleTimeout: c.cfg.IdleTimeout, KeepAlivePeriod: c.cfg.KeepAlivePeriod}
	conn, err := quic.DialAddr(dialCtx, addr, tlsConf, qConf)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		conn.CloseWithError(1, "no handshake stream")
		return fmt.Errorf("transport: open handshake stream to %s: %w", addr, err)
	}
	_ = stream.SetDeadline(time.Now().Add(c.cfg.RequestTimeout))
	resp, err := initiateHandshake(stream, c.self, groups)
	stream.Close()
	if err != nil {
		c.gov.HandleEvent(governor.Event{Kind: governor.EventHandshakeFailure, NodeID: nodeID})
		conn.CloseWithError(2, "handshake rejected")
		return err
	}

	c.mu.Lock()
	c.conns[nodeID] = conn
	c.mu.Unlock()

	c.gov.HandleEvent(governor.Event{
		Kind: governor.EventHandshakeSuccess, NodeID: resp.NodeID,
		Addr: addr, Groups: resp.Groups, Conn: &connCloser{conn},
	})

	go c.acceptLoop(ctx, resp.NodeID, conn)
	go c.keepAliveLoop(ctx, resp.NodeID, conn)
	return nil
}

func (c *Client) acceptLoop(ctx context.Context, peerID string, conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			c.forget(peerID)
			c.gov.HandleEvent(governor.Event{Kind: governor.EventTransportDisconnect, NodeID: peerID})
			return
		}
		go c.handlers.HandleStream(ctx, peerID, stream)
	}
}

func (c *Client) forget(peerID string) {
	c.mu.Lock()
	delete(c.conns, peerID)
	c.mu.Unlock()
}

func (c *Client) keepAliveLoop(ctx context.Context, peerID string, conn quic.Connection) {
	ticker := time.NewTicker(c.cfg.KeepAlivePeriod)
	defer ticker.Stop()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			rtt, err := c.ping(ctx, conn, seq)
			if err != nil {
				return // acceptLoop observes the same disconnect and reports it
			}
			c.gov.HandleEvent(governor.Event{Kind: governor.EventRTTMeasured, NodeID: peerID, RTTMillis: float64(rtt.Milliseconds())})
		}
	}
}

func (c *Client) ping(ctx context.Context, conn quic.Connection, seq uint64) (time.Duration, error) {
	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	stream, err := conn.OpenStreamSync(pingCtx)
	if err != nil {
		return 0, err
	}
	defer stream.Close()
	sentAt := time.Now()
	if _, err := stream.Write([]byte{byte(wire.ProtoKeepAlive)}); err != nil {
		return 0, err
	}
	if err := wire.WriteFrame(stream, wire.Ping{Seq: seq, SentAt: sentAt.UnixNano()}); err != nil {
		return 0, err
	}
	var pong wire.Pong
	if err := wire.ReadFrame(stream, &pong); err != nil {
		return 0, err
	}
	return time.Since(sentAt), nil
}

// ensureConn returns the live connection to nodeID, dialing its
// best-known address from the governor's peer table if not already
// connected.
func (c *Client) ensureConn(ctx context.Context, nodeID string) (quic.Connection, error) {
	c.mu.Lock()
	conn, ok := c.conns[nodeID]
	c.mu.Unlock()
	if ok {
		return conn, nil
	}
	for _, p := range c.gov.Peers() {
		if p.NodeID == nodeID && len(p.Addrs) > 0 {
			if err := c.Dial(ctx, nodeID, p.Addrs[0], nil); err != nil {
				return nil, err
			}
			c.mu.Lock()
			conn = c.conns[nodeID]
			c.mu.Unlock()
			return conn, nil
		}
	}
	return nil, fmt.Errorf("transport: no known address for peer %s", nodeID)
}

func (c *Client) openProtoStream(ctx context.Context, nodeID string, proto wire.ProtocolByte) (quic.Stream, error) {
	conn, err := c.ensureConn(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	stream, err := conn.OpenStreamSync(reqCtx)
	if err != nil {
		return nil, fmt.Errorf("transport: open stream to %s: %w", nodeID, err)
	}
	_ = stream.SetDeadline(time.Now().Add(c.cfg.RequestTimeout))
	if _, err := stream.Write([]byte{byte(proto)}); err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

// Push implements replication.Sender.
func (c *Client) Push(ctx context.Context, nodeID string, payload wire.FetchResponse) (wire.PushAck, error) {
	var ack wire.PushAck
	stream, err := c.openProtoStream(ctx, nodeID, wire.ProtoMemoryPush)
	if err != nil {
		return ack, err
	}
	defer stream.Close()
	if err := wire.WriteFrame(stream, payload); err != nil {
		return ack, err
	}
	if err := wire.ReadFrame(stream, &ack); err != nil {
		return ack, err
	}
	return ack, nil
}

// Sync implements replication.Sender.
func (c *Client) Sync(ctx context.Context, nodeID string, req wire.SyncRequest) (wire.SyncResponse, error) {
	var resp wire.SyncResponse
	stream, err := c.openProtoStream(ctx, nodeID, wire.ProtoMemorySync)
	if err != nil {
		return resp, err
	}
	defer stream.Close()
	if err := wire.WriteFrame(stream, req); err != nil {
		return resp, err
	}
	if err := wire.ReadFrame(stream, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Fetch implements replication.Sender.
func (c *Client) Fetch(ctx context.Context, nodeID string, req wire.FetchRequest) (wire.FetchResponse, error) {
	var resp wire.FetchResponse
	stream, err := c.openProtoStream(ctx, nodeID, wire.ProtoMemoryFetch)
	if err != nil {
		return resp, err
	}
	defer stream.Close()
	if err := wire.WriteFrame(stream, req); err != nil {
		return resp, err
	}
	if err := wire.ReadFrame(stream, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// GroupExchange implements replication.Sender.
func (c *Client) GroupExchange(ctx context.Context, nodeID string, req wire.GroupExchange) (wire.GroupExchange, error) {
	var resp wire.GroupExchange
	stream, err := c.openProtoStream(ctx, nodeID, wire.ProtoGroupExchange)
	if err != nil {
		return resp, err
	}
	defer stream.Close()
	if err := wire.WriteFrame(stream, req); err != nil {
		return resp, err
	}
	if err := wire.ReadFrame(stream, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Close closes every live outbound connection, used by the orchestrator's
// graceful shutdown.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		conn.CloseWithError(0, "shutting down")
	}
	c.conns = make(map[string]quic.Connection)
	return nil
}
