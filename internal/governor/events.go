package governor

import (
	"time"

	"github.com/sirupsen/logrus"
)

// EventKind identifies one of the external inputs listed in spec §4.1.
type EventKind int

const (
	EventHandshakeSuccess EventKind = iota
	EventHandshakeFailure
	EventItemDelivered
	EventProtocolViolation
	EventRTTMeasured
	EventTransportDisconnect
)

// Event is a single external input to the governor. Which fields are
// meaningful depends on Kind.
type Event struct {
	Kind      EventKind
	NodeID    string
	Addr      string
	Groups    []string
	RTTMillis float64
	Conn      Connection
}

func (g *Governor) getOrCreatePeer(nodeID string, addr string) *Peer {
	if p, ok := g.peers[nodeID]; ok {
		return p
	}
	now := g.now()
	p := &Peer{NodeID: nodeID, Groups: map[string]bool{}, State: Cold, CreatedAt: now, LastActive: now}
	if addr != "" {
		p.Addrs = []string{addr}
	}
	g.peers[nodeID] = p
	return p
}

// mergeBootstrapPlaceholder folds a cold bootstrap placeholder record into
// the real node id learned from a successful handshake (spec §4.1
// "Bootstrap": "the peer record merges rather than duplicates").
func (g *Governor) mergeBootstrapPlaceholder(addr, realID string) *Peer {
	placeholder := bootstrapPlaceholderID(addr)
	old, ok := g.peers[placeholder]
	if !ok || placeholder == realID {
		return nil
	}
	delete(g.peers, placeholder)
	if existing, ok := g.peers[realID]; ok {
		return existing
	}
	old.NodeID = realID
	old.isBootstrap = false
	g.peers[realID] = old
	return old
}

// HandleEvent applies one external input to the peer table. It is the
// governor's only mutation entrypoint besides Tick, so callers on other
// tasks should deliver events through a bounded channel rather than
// mutate state directly (spec §5).
func (g *Governor) HandleEvent(ev Event) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch ev.Kind {
	case EventHandshakeSuccess:
		p := g.mergeBootstrapPlaceholder(ev.Addr, ev.NodeID)
		if p == nil {
			p = g.getOrCreatePeer(ev.NodeID, ev.Addr)
		}
		p.Handshaked = true
		p.LastActive = g.now()
		for _, gr := range ev.Groups {
			p.Groups[gr] = true
		}
		if ev.Conn != nil {
			p.Conn = ev.Conn
		}
		if p.State == Cold {
			_, warmCount, _, _ := g.countsLocked()
			if warmCount < g.cfg.WarmMin {
				g.promoteToWarm(p)
			}
		}

	case EventHandshakeFailure:
		if p, ok := g.peers[ev.NodeID]; ok {
			g.logger.WithField("peer", p.NodeID).Debug("governor: handshake failed")
		}

	case EventItemDelivered:
		p, ok := g.peers[ev.NodeID]
		if !ok {
			return
		}
		g.recordDelivery(p)

	case EventProtocolViolation:
		p, ok := g.peers[ev.NodeID]
		if !ok {
			p = g.getOrCreatePeer(ev.NodeID, "")
		}
		g.ban(p)

	case EventRTTMeasured:
		if p, ok := g.peers[ev.NodeID]; ok {
			p.RTTMillis = ev.RTTMillis
			p.LastActive = g.now()
		}

	case EventTransportDisconnect:
		p, ok := g.peers[ev.NodeID]
		if !ok {
			return
		}
		if p.State == Hot || p.State == Warm {
			if p.Conn != nil {
				g.closeConn(p)
			}
			g.transition(p, Cold)
		}
	}
}

func (g *Governor) countsLocked() (cold, warm, hot, banned int) {
	for _, p := range g.peers {
		switch p.State {
		case Cold:
			cold++
		case Warm:
			warm++
		case Hot:
			hot++
		case Banned:
			banned++
		}
	}
	return
}

func (g *Governor) promoteToWarm(p *Peer) {
	g.transition(p, Warm)
	g.emit(Action{Kind: ActionDial, NodeID: p.NodeID, Addr: firstAddr(p.Addrs)})
}

func firstAddr(addrs []string) string {
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}

// recordDelivery folds one item-delivery observation into the peer's EWMA
// score (spec §4.1 "Scoring").
func (g *Governor) recordDelivery(p *Peer) {
	now := g.now()
	p.Delivered++
	elapsed := now.Sub(p.LastScoreAt).Seconds()
	if p.LastScoreAt.IsZero() || elapsed <= 0 {
		elapsed = 1
	}
	instantaneous := (1.0 / elapsed) * (1.0 / (1.0 + p.RTTMillis/100.0))
	if p.LastScoreAt.IsZero() {
		p.Score = instantaneous
	} else {
		p.Score = g.cfg.ScoreAlpha*instantaneous + (1-g.cfg.ScoreAlpha)*p.Score
	}
	p.LastScoreAt = now
	p.LastActive = now
}

// ban transitions a peer to Banned with exponential backoff (spec §4.1
// "Ban backoff").
func (g *Governor) ban(p *Peer) {
	now := g.now()
	if p.LastBanAt.IsZero() || now.Sub(p.LastBanAt) > g.cfg.BanMemoryWindow {
		p.BanEsc = 0
	}
	p.BanEsc++
	dur := g.cfg.BanBase * time.Duration(1<<uint(p.BanEsc-1))
	if dur > g.cfg.BanCap {
		dur = g.cfg.BanCap
	}
	if p.Conn != nil {
		g.closeConn(p)
	}
	p.LastBanAt = now
	p.BanUntil = now.Add(dur)
	g.transition(p, Banned)
	g.logger.WithFields(logrus.Fields{"peer": p.NodeID, "escalation": p.BanEsc, "until": p.BanUntil}).
		Warn("governor: peer banned")
	if g.onBan != nil {
		g.onBan()
	}
}
