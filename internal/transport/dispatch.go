package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"memnet/internal/governor"
	"memnet/internal/replication"
	"memnet/internal/wire"
)

// Handlers wires the transport's per-stream dispatch to the replication
// engine and governor — the "one-byte protocol dispatch" of spec §4.2.
type Handlers struct {
	Engine  *replication.Engine
	Gov     *governor.Governor
	Logger  *logrus.Logger
	Limiter *protocolLimiter
}

// NewHandlers builds a Handlers with its per-peer protocol limiter sized
// from cfg.MaxInflightPerProtocol, ready to hand to NewServer/NewClient.
func NewHandlers(cfg Config, engine *replication.Engine, gov *governor.Governor, logger *logrus.Logger) *Handlers {
	cfg.applyDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handlers{
		Engine: engine, Gov: gov, Logger: logger,
		Limiter: newProtocolLimiter(cfg.MaxInflightPerProtocol),
	}
}

// HandleStream reads the leading protocol byte and routes the stream to
// its mini-protocol handler. It always closes the stream on return.
func (h *Handlers) HandleStream(ctx context.Context, peerID string, s Stream) {
	defer s.Close()

	var protoByte [1]byte
	if _, err := io.ReadFull(s, protoByte[:]); err != nil {
		return
	}
	proto := protoByte[0]

	if !h.Limiter.tryAcquire(peerID, proto) {
		h.Logger.WithFields(logrus.Fields{"peer": peerID, "protocol": proto}).
			Debug("transport: per-peer protocol share exhausted, refusing stream")
		return
	}
	defer h.Limiter.release(peerID, proto)

	switch wire.ProtocolByte(proto) {
	case wire.ProtoKeepAlive:
		h.handleKeepAlive(peerID, s)
	case wire.ProtoPeerShare:
		h.handlePeerShare(peerID, s)
	case wire.ProtoMemoryFetch:
		h.handleFetch(ctx, peerID, s)
	case wire.ProtoMemorySync:
		h.handleSync(ctx, peerID, s)
	case wire.ProtoMemoryPush:
		h.handlePush(ctx, peerID, s)
	case wire.ProtoGroupExchange:
		h.handleGroupExchange(ctx, peerID, s)
	default:
		// spec §4.2: an unknown protocol byte only warrants closing this
		// stream with a warning — the connection survives.
		h.Logger.WithFields(logrus.Fields{"peer": peerID, "protocol": proto}).
			Warn("transport: unknown protocol byte, closing stream")
	}
}

// reportIfProtocolViolation inspects a wire.ReadFrame failure and raises
// EventProtocolViolation only for genuine protocol errors (spec §7:
// malformed framing, oversize message) — not for an ordinary I/O failure
// such as the peer simply disconnecting mid-read.
func (h *Handlers) reportIfProtocolViolation(peerID string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, wire.ErrFrameTooLarge) || errors.Is(err, wire.ErrMalformedFrame) {
		h.Gov.HandleEvent(governor.Event{Kind: governor.EventProtocolViolation, NodeID: peerID})
	}
}

func (h *Handlers) handleKeepAlive(peerID string, s Stream) {
	var ping wire.Ping
	if err := wire.ReadFrame(s, &ping); err != nil {
		h.reportIfProtocolViolation(peerID, err)
		return
	}
	pong := wire.Pong{Seq: ping.Seq, SentAt: ping.SentAt, RecvAt: time.Now().UnixNano()}
	_ = wire.WriteFrame(s, pong)
}

func (h *Handlers) handlePeerShare(peerID string, s Stream) {
	var req wire.PeerShareRequest
	if err := wire.ReadFrame(s, &req); err != nil {
		h.reportIfProtocolViolation(peerID, err)
		return
	}
	max := req.MaxPeers
	if max <= 0 || max > 200 {
		max = 200
	}
	curate := h.Engine.Capabilities().Bootnode
	var entries []wire.PeerShareEntry
	for _, p := range h.Gov.Peers() {
		if len(entries) >= max {
			break
		}
		if curate && time.Since(p.CreatedAt) < minTenureForShare {
			continue
		}
		entries = append(entries, wire.PeerShareEntry{
			NodeID: p.NodeID, Addrs: p.Addrs, Groups: p.Groups,
			LastSeen: p.LastActive.UTC().Format(time.RFC3339),
		})
	}
	_ = wire.WriteFrame(s, wire.PeerShareResponse{Peers: entries})
}

// minTenureForShare is the bootnode curation threshold of spec §4.2: a
// basic Sybil-at-bootstrap defence excluding freshly-seen peers from a
// bootnode's peer-share responses.
const minTenureForShare = 10 * time.Minute

func (h *Handlers) handleFetch(ctx context.Context, peerID string, s Stream) {
	var req wire.FetchRequest
	if err := wire.ReadFrame(s, &req); err != nil {
		h.reportIfProtocolViolation(peerID, err)
		return
	}
	resp := h.Engine.HandleFetch(ctx, req)
	_ = wire.WriteFrame(s, resp)
}

func (h *Handlers) handleSync(ctx context.Context, peerID string, s Stream) {
	var req wire.SyncRequest
	if err := wire.ReadFrame(s, &req); err != nil {
		h.reportIfProtocolViolation(peerID, err)
		return
	}
	resp := h.Engine.HandleSync(ctx, req)
	_ = wire.WriteFrame(s, resp)
}

func (h *Handlers) handlePush(ctx context.Context, peerID string, s Stream) {
	var payload wire.FetchResponse
	if err := wire.ReadFrame(s, &payload); err != nil {
		h.reportIfProtocolViolation(peerID, err)
		return
	}
	ack := h.Engine.HandlePush(ctx, peerID, payload)
	_ = wire.WriteFrame(s, ack)
}

func (h *Handlers) handleGroupExchange(ctx context.Context, peerID string, s Stream) {
	var req wire.GroupExchange
	if err := wire.ReadFrame(s, &req); err != nil {
		h.reportIfProtocolViolation(peerID, err)
		return
	}
	resp := h.Engine.HandleGroupExchange(ctx, req)
	_ = wire.WriteFrame(s, resp)
}
