package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"memnet/internal/governor"
	"memnet/internal/identity"
)

// Server accepts inbound QUIC connections and drives the stream-accept
// loop for each (spec §5's "QUIC accept/dial driver" long-running task).
type Server struct {
	cfg      Config
	self     *identity.Identity
	gov      *governor.Governor
	handlers *Handlers
	logger   *logrus.Logger

	ipLimiter *ipConnTracker
	listener  *quic.Listener

	wg sync.WaitGroup
}

// NewServer builds a Server bound to handlers; handlers.Limiter must be a
// non-nil protocolLimiter sized by cfg.MaxInflightPerProtocol.
func NewServer(cfg Config, self *identity.Identity, gov *governor.Governor, handlers *Handlers, logger *logrus.Logger) *Server {
	cfg.applyDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		cfg: cfg, self: self, gov: gov, handlers: handlers, logger: logger,
		ipLimiter: newIPConnTracker(cfg.MaxConnsPerIP),
	}
}

// GroupLister returns this node's advertised group set for the handshake.
// The orchestrator supplies it as a closure that lists every non-tombstone
// group descriptor in storage, plus the transparent-relay wildcard and the
// keeper sentinel when those capabilities are enabled, so the set follows
// the stored groups over the node's lifetime.
type GroupLister func() []string

// ListenAndServe opens the QUIC listener and accepts connections until
// ctx is cancelled. It is one of the four long-running tasks of spec §5.
func (s *Server) ListenAndServe(ctx context.Context, groups GroupLister) error {
	tlsConf, err := selfSignedTLSConfig(s.self.NodeID.String())
	if err != nil {
		return err
	}
	qConf := &quic.Config{
		MaxIdleTimeout:     s.cfg.IdleTimeout,
		KeepAlivePeriod:    s.cfg.KeepAlivePeriod,
		MaxIncomingStreams: int64(s.cfg.MaxStreamsPerConn),
	}
	ln, err := quic.ListenAddr(s.cfg.ListenAddr, tlsConf, qConf)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.logger.WithField("addr", s.cfg.ListenAddr).Info("transport: listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			s.logger.WithError(err).Warn("transport: accept failed")
			continue
		}
		if !s.ipLimiter.admit(conn.RemoteAddr()) {
			s.logger.WithField("addr", conn.RemoteAddr().String()).
				Warn("transport: per-IP connection cap exceeded, rejecting")
			conn.CloseWithError(0, "too many connections from this address")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.ipLimiter.release(conn.RemoteAddr())
			s.serveConnection(ctx, conn, groups())
		}()
	}
}

// Close tears down the listener, used by the orchestrator's shutdown path.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) serveConnection(ctx context.Context, conn quic.Connection, myGroups []string) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(1, "handshake stream not opened")
		return
	}
	req, err := respondHandshake(stream, s.self, myGroups)
	stream.Close()
	if err != nil {
		s.logger.WithError(err).WithField("addr", conn.RemoteAddr().String()).
			Debug("transport: inbound handshake rejected")
		s.gov.HandleEvent(governor.Event{Kind: governor.EventHandshakeFailure, NodeID: req.NodeID})
		conn.CloseWithError(2, "handshake rejected")
		return
	}

	peerID := req.NodeID
	s.gov.HandleEvent(governor.Event{
		Kind: governor.EventHandshakeSuccess, NodeID: peerID,
		Addr: conn.RemoteAddr().String(), Groups: req.Groups, Conn: &connCloser{conn},
	})

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			s.gov.HandleEvent(governor.Event{Kind: governor.EventTransportDisconnect, NodeID: peerID})
			return
		}
		go s.handlers.HandleStream(ctx, peerID, stream)
	}
}

// connCloser adapts quic.Connection to governor.Connection.
type connCloser struct{ conn quic.Connection }

func (c *connCloser) Close() error { return c.conn.CloseWithError(0, "demoted") }
