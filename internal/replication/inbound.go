package replication

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"memnet/internal/storage"
	"memnet/internal/wire"
)

// admitInbound implements the three-gate routing check of spec §4.3. Every
// gate decision is logged for forensics regardless of outcome.
func (e *Engine) admitInbound(ctx context.Context, peerID string, item wire.Item, targeted bool) bool {
	if !targeted {
		e.logGate(ctx, peerID, item.ID, item.GroupID, "target", false, "not reached via push/fetch/sync")
		return false
	}

	peerGroups, known := e.gov.PeerGroups(peerID)
	if item.GroupID == "" || !known || !peerGroups[item.GroupID] {
		e.logGate(ctx, peerID, item.ID, item.GroupID, "group", false, "peer does not advertise this group")
		return false
	}

	if !e.isLocalGroupAdmitted(item.GroupID) {
		e.logGate(ctx, peerID, item.ID, item.GroupID, "local", false, "group not shared locally or relay-accepted")
		return false
	}

	e.logGate(ctx, peerID, item.ID, item.GroupID, "target+group+local", true, "")
	return true
}

// validateItem enforces spec §4.3's validation rules.
func validateItem(item wire.Item) bool {
	if item.AuthorID == "" {
		return false
	}
	if item.IsTombstone {
		return true // a tombstone's data is empty by construction; checksum check does not apply
	}
	sum := sha256.Sum256(item.Data)
	return hex.EncodeToString(sum[:]) == item.Checksum
}

// shouldAcceptUpdate applies last-writer-wins with checksum tiebreak
// (spec §3 invariant 8, §4.3 "Conflict resolution").
func shouldAcceptUpdate(incoming storage.Item, existing *storage.Item) bool {
	if existing == nil {
		return true
	}
	if incoming.UpdatedAt > existing.UpdatedAt {
		return true
	}
	if incoming.UpdatedAt == existing.UpdatedAt && incoming.Checksum > existing.Checksum {
		return true
	}
	return false
}

// applyInboundItem validates, gates, and conflict-resolves one inbound
// item, storing it if it wins. It returns true if the item was stored.
func (e *Engine) applyInboundItem(ctx context.Context, peerID string, wi wire.Item, targeted bool) bool {
	if !e.admitInbound(ctx, peerID, wi, targeted) {
		e.rejectItem("gate")
		return false
	}
	if !validateItem(wi) {
		e.logger.WithFields(map[string]any{"peer": peerID, "item": wi.ID}).
			Warn("replication: inbound item failed validation")
		e.rejectItem("validation")
		return false
	}

	incoming := fromWireItem(wi)
	existing, err := e.store.ReadItem(ctx, wi.ID)
	if err != nil && err != storage.ErrNotFound {
		e.logger.WithError(err).WithField("item", wi.ID).Warn("replication: read existing item failed")
		e.rejectItem("store-error")
		return false
	}
	var existingPtr *storage.Item
	if err == nil {
		existingPtr = existing
	}
	if !shouldAcceptUpdate(incoming, existingPtr) {
		e.rejectItem("conflict")
		return false
	}
	if err := e.store.WriteItem(ctx, &incoming); err != nil {
		e.logger.WithError(err).WithField("item", wi.ID).Warn("replication: store inbound item failed")
		e.rejectItem("store-error")
		return false
	}
	if e.caps.DynamicRelay {
		e.mu.Lock()
		e.relayAcceptedGroups[wi.GroupID] = e.relayAcceptedGroups[wi.GroupID] || e.sharedGroups[wi.GroupID]
		e.mu.Unlock()
	}
	return true
}

func (e *Engine) rejectItem(reason string) {
	if e.metrics != nil {
		e.metrics.ItemsRejected.WithLabelValues(reason).Inc()
	}
}

// HandlePush serves the receiving side of the memory-push mini-protocol
// (spec §4.2): validate and store every item, reply with the outcome.
func (e *Engine) HandlePush(ctx context.Context, peerID string, payload wire.FetchResponse) wire.PushAck {
	var ack wire.PushAck
	for _, it := range payload.Items {
		if e.applyInboundItem(ctx, peerID, it, true) {
			ack.Stored = append(ack.Stored, it.ID)
		} else {
			ack.Rejected = append(ack.Rejected, it.ID)
		}
	}
	return ack
}

// HandleFetch serves the receiving side of the memory-fetch mini-protocol.
// Item confidentiality is the client's concern; the core only gates
// routing, so any stored item matching a requested id is returned.
func (e *Engine) HandleFetch(ctx context.Context, req wire.FetchRequest) wire.FetchResponse {
	ids := req.ItemIDs
	if len(ids) > wire.MaxFetchIDs {
		ids = ids[:wire.MaxFetchIDs]
	}
	var resp wire.FetchResponse
	for _, id := range ids {
		it, err := e.store.ReadItem(ctx, id)
		if err != nil {
			continue
		}
		resp.Items = append(resp.Items, toWireItem(*it))
	}
	if e.metrics != nil {
		e.metrics.ItemsFetched.Add(float64(len(resp.Items)))
	}
	return resp
}

// HandleSync serves the receiving side of the memory-sync mini-protocol
// (header anti-entropy).
func (e *Engine) HandleSync(ctx context.Context, req wire.SyncRequest) wire.SyncResponse {
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	headers, hasMore, err := e.store.ListGroupHeaders(ctx, req.GroupID, req.Since, limit)
	if err != nil {
		e.logger.WithError(err).WithField("group", req.GroupID).Warn("replication: list group headers failed")
		return wire.SyncResponse{}
	}
	out := make([]wire.ItemHeader, len(headers))
	for i, h := range headers {
		out[i] = wire.ItemHeader{
			ItemID: h.ItemID, ItemType: h.ItemType, Checksum: h.Checksum,
			UpdatedAt: h.UpdatedAt, AuthorID: h.AuthorID, IsDeletion: h.IsDeletion,
		}
	}
	return wire.SyncResponse{Items: out, HasMore: hasMore}
}
