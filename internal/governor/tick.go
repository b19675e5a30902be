package governor

import (
	"math"
	"sort"
)

// Tick runs the single periodic governor action in the exact order spec
// §4.1 prescribes. It is not reentrant; callers must not invoke it
// concurrently with itself (the orchestrator coalesces overlapping ticks
// by running them on one goroutine).
func (g *Governor) Tick() {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Peers that reach Cold during this tick (unbanned or reaped) become
	// eligible for cold→warm promotion on the next tick, not this one.
	coldAtStart := make(map[string]bool)
	for id, p := range g.peers {
		if p.State == Cold {
			coldAtStart[id] = true
		}
	}

	g.unbanExpired()
	g.reapInactive()
	g.promoteColdToWarm(coldAtStart)
	g.promoteWarmToHot()
	g.demoteExcessHot()
	g.rotateChurn()
	g.evictExcessCold()
}

func (g *Governor) sortedPeers() []*Peer {
	out := make([]*Peer, 0, len(g.peers))
	for _, p := range g.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// unbanExpired implements tick step 1.
func (g *Governor) unbanExpired() {
	now := g.now()
	for _, p := range g.sortedPeers() {
		if p.State == Banned && !now.Before(p.BanUntil) {
			g.transition(p, Cold)
		}
	}
}

// reapInactive implements tick step 2.
func (g *Governor) reapInactive() {
	now := g.now()
	for _, p := range g.sortedPeers() {
		inactive := now.Sub(p.LastActive) > g.cfg.DeadPeerTimeout
		if !inactive {
			continue
		}
		switch p.State {
		case Hot:
			g.closeAndDemote(p, Warm)
		case Warm:
			g.closeAndDemote(p, Cold)
		}
	}
}

func (g *Governor) closeAndDemote(p *Peer, to State) {
	if p.Conn != nil && to == Cold {
		g.closeConn(p)
	}
	g.transition(p, to)
}

// closeConn closes a peer's tracked connection and drops the governor's
// reference to it, maintaining the pool-consistency invariant (spec §3
// invariant 9) that a demoted/banned/disconnected peer never keeps a live
// QUIC connection around. The Action is still emitted for observability.
func (g *Governor) closeConn(p *Peer) {
	if err := p.Conn.Close(); err != nil {
		g.logger.WithError(err).WithField("peer", p.NodeID).Debug("governor: close connection failed")
	}
	g.emit(Action{Kind: ActionClose, NodeID: p.NodeID})
	p.Conn = nil
}

// promoteColdToWarm implements tick step 3, considering only peers that
// were already Cold when the tick began.
func (g *Governor) promoteColdToWarm(coldAtStart map[string]bool) {
	_, warmCount, _, _ := g.countsLocked()
	for _, p := range g.sortedPeers() {
		if warmCount >= g.cfg.WarmMin {
			return
		}
		if p.State == Cold && p.Handshaked && coldAtStart[p.NodeID] {
			g.promoteToWarm(p)
			warmCount++
		}
	}
}

// hysteresisActive reports whether p is still within its post-demotion
// cooldown (spec §4.1 "Hysteresis"): ineligible for re-promotion to hot
// until DeadPeerTimeout has elapsed since its last demotion.
func (g *Governor) hysteresisActive(p *Peer) bool {
	if p.LastDemoted.IsZero() {
		return false
	}
	return g.now().Sub(p.LastDemoted) < g.cfg.DeadPeerTimeout
}

func (g *Governor) eligibleForHot(p *Peer) bool {
	if p.State != Warm {
		return false
	}
	if g.hysteresisActive(p) {
		return false
	}
	return g.now().Sub(p.WarmSince) >= g.cfg.WarmTenureMin
}

// promoteWarmToHot implements tick step 4: fill up to hot_min by score,
// then additionally promote any eligible warm peer that outscores the
// weakest hot peer (excess corrected by demoteExcessHot in the same tick).
func (g *Governor) promoteWarmToHot() {
	_, _, hotCount, _ := g.countsLocked()

	eligible := func() []*Peer {
		var out []*Peer
		for _, p := range g.sortedPeers() {
			if g.eligibleForHot(p) {
				out = append(out, p)
			}
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
		return out
	}

	for _, p := range eligible() {
		if hotCount >= g.cfg.HotMin {
			break
		}
		g.transition(p, Hot)
		hotCount++
	}

	if weakest := g.weakestHot(); weakest != nil {
		for _, p := range eligible() {
			if p.Score > weakest.Score {
				g.transition(p, Hot)
				hotCount++
			}
		}
	}
}

func (g *Governor) weakestHot() *Peer {
	var weakest *Peer
	for _, p := range g.sortedPeers() {
		if p.State != Hot {
			continue
		}
		if weakest == nil || p.Score < weakest.Score {
			weakest = p
		}
	}
	return weakest
}

// demoteExcessHot implements tick step 5, preferring stale peers (no
// delivery in StaleItemWindow) then longest hot tenure.
func (g *Governor) demoteExcessHot() {
	_, _, hotCount, _ := g.countsLocked()
	if hotCount <= g.cfg.HotMax {
		return
	}
	now := g.now()
	var hotPeers []*Peer
	for _, p := range g.sortedPeers() {
		if p.State == Hot {
			hotPeers = append(hotPeers, p)
		}
	}
	sort.SliceStable(hotPeers, func(i, j int) bool {
		iStale := now.Sub(hotPeers[i].LastScoreAt) > g.cfg.StaleItemWindow
		jStale := now.Sub(hotPeers[j].LastScoreAt) > g.cfg.StaleItemWindow
		if iStale != jStale {
			return iStale
		}
		return hotPeers[i].HotSince.Before(hotPeers[j].HotSince)
	})
	excess := hotCount - g.cfg.HotMax
	for i := 0; i < excess && i < len(hotPeers); i++ {
		g.transition(hotPeers[i], Warm)
	}
}

// rotateChurn implements tick step 6: every ChurnInterval, demote a random
// ChurnFraction of warm peers to Cold to resist eclipse attacks.
func (g *Governor) rotateChurn() {
	now := g.now()
	if !g.lastChurnAt.IsZero() && now.Sub(g.lastChurnAt) < g.cfg.ChurnInterval {
		return
	}
	g.lastChurnAt = now

	var warmPeers []*Peer
	for _, p := range g.sortedPeers() {
		if p.State == Warm {
			warmPeers = append(warmPeers, p)
		}
	}
	n := int(math.Round(float64(len(warmPeers)) * g.cfg.ChurnFraction))
	if n <= 0 {
		return
	}
	g.rng.Shuffle(len(warmPeers), func(i, j int) { warmPeers[i], warmPeers[j] = warmPeers[j], warmPeers[i] })
	for i := 0; i < n; i++ {
		g.closeAndDemote(warmPeers[i], Cold)
	}
}

// evictExcessCold implements tick step 7, evicting the least recently
// active cold peers entirely from the table once ColdMax is exceeded.
func (g *Governor) evictExcessCold() {
	var coldPeers []*Peer
	for _, p := range g.sortedPeers() {
		if p.State == Cold {
			coldPeers = append(coldPeers, p)
		}
	}
	if g.cfg.ColdMax <= 0 || len(coldPeers) <= g.cfg.ColdMax {
		return
	}
	sort.SliceStable(coldPeers, func(i, j int) bool { return coldPeers[i].LastActive.Before(coldPeers[j].LastActive) })
	excess := len(coldPeers) - g.cfg.ColdMax
	for i := 0; i < excess; i++ {
		delete(g.peers, coldPeers[i].NodeID)
	}
}
