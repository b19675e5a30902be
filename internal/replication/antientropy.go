package replication

import (
	"context"
	"time"

	"memnet/internal/storage"
	"memnet/internal/wire"
)

// RunAntiEntropyLoop wakes every baseInterval and, for each known group
// whose own culture-derived interval has elapsed, performs one sync
// exchange with a randomly chosen hot-or-warm peer (spec §4.3).
func (e *Engine) RunAntiEntropyLoop(ctx context.Context, baseInterval time.Duration) {
	if baseInterval <= 0 {
		baseInterval = 30 * time.Second
	}
	ticker := time.NewTicker(baseInterval)
	defer ticker.Stop()
	lastRun := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runAntiEntropyPass(ctx, lastRun)
		}
	}
}

func (e *Engine) runAntiEntropyPass(ctx context.Context, lastRun map[string]time.Time) {
	groups, err := e.store.ListGroups(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("replication: list groups for anti-entropy failed")
		return
	}
	now := time.Now()
	for _, g := range groups {
		if g.IsTombstone() {
			continue
		}
		interval := antiEntropyInterval(parseCultureStyle(g.Culture))
		if t, ok := lastRun[g.ID]; ok && now.Sub(t) < interval {
			continue
		}
		lastRun[g.ID] = now
		e.SyncGroup(ctx, g.ID)
	}
}

// SyncGroup performs one anti-entropy exchange for groupID: fetch remote
// headers since the last cursor, diff against local storage, and fetch
// anything unknown or divergent.
func (e *Engine) SyncGroup(ctx context.Context, groupID string) {
	if e.sender == nil {
		return
	}
	peer := e.gov.SampleHotOrWarmForGroup(groupID)
	if peer == "" {
		return
	}

	e.mu.RLock()
	since := e.syncCursors[groupID]
	e.mu.RUnlock()

	resp, err := e.sender.Sync(ctx, peer, wire.SyncRequest{GroupID: groupID, Since: since, Limit: 200})
	if err != nil {
		e.logger.WithError(err).WithField("peer", peer).Debug("replication: anti-entropy sync failed")
		return
	}

	var missing []string
	var newest string
	for _, h := range resp.Items {
		if h.UpdatedAt > newest {
			newest = h.UpdatedAt
		}
		existing, err := e.store.ReadItem(ctx, h.ItemID)
		switch {
		case err == storage.ErrNotFound:
			missing = append(missing, h.ItemID)
		case err != nil:
			continue
		case h.Checksum != existing.Checksum || h.UpdatedAt > existing.UpdatedAt:
			missing = append(missing, h.ItemID)
		}
	}
	if newest != "" {
		e.mu.Lock()
		e.syncCursors[groupID] = newest
		e.mu.Unlock()
	}
	if len(missing) == 0 {
		return
	}
	if len(missing) > wire.MaxFetchIDs {
		missing = missing[:wire.MaxFetchIDs]
	}
	fetched, err := e.sender.Fetch(ctx, peer, wire.FetchRequest{ItemIDs: missing})
	if err != nil {
		e.logger.WithError(err).WithField("peer", peer).Debug("replication: anti-entropy fetch failed")
		return
	}
	for _, it := range fetched.Items {
		e.applyInboundItem(ctx, peer, it, true)
	}
}
