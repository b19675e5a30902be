package replication

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"time"

	"memnet/internal/governor"
	"memnet/internal/identity"
	"memnet/internal/storage"
	"memnet/internal/wire"
)

func canonicalDescriptorPayload(g storage.GroupDescriptor) []byte {
	return []byte(g.ID + "\x00" + g.Name + "\x00" + g.Culture + "\x00" + g.UpdatedAt + "\x00" + g.OwnerID)
}

func cultureChecksum(culture string) string {
	sum := sha256.Sum256([]byte(culture))
	return hex.EncodeToString(sum[:])
}

func decodeNodeID(s string) (identity.NodeID, bool) {
	var id identity.NodeID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// verifyDescriptor checks spec §3 invariant 6: signature verifies against
// owner_pubkey, and owner_id matches SHA-256(owner_pubkey).
func verifyDescriptor(g storage.GroupDescriptor) bool {
	ownerID, ok := decodeNodeID(g.OwnerID)
	if !ok {
		return false
	}
	if g.Checksum != cultureChecksum(g.Culture) {
		return false
	}
	return identity.Verify(ownerID, g.OwnerPubKey, canonicalDescriptorPayload(g), g.Signature)
}

// SignDescriptor produces a valid signature for a descriptor this node
// owns, used when creating or updating a group locally.
func (e *Engine) SignDescriptor(g *storage.GroupDescriptor) {
	g.OwnerID = e.id.NodeID.String()
	g.OwnerPubKey = append([]byte(nil), e.id.Public...)
	g.Checksum = cultureChecksum(g.Culture)
	g.Signature = e.id.Sign(canonicalDescriptorPayload(*g))
}

// MergeGroupDescriptor applies spec §4.2's group-exchange merge rule:
// accept if the signature verifies and updated_at is strictly newer, or
// equal with a lexicographically greater checksum.
func (e *Engine) MergeGroupDescriptor(ctx context.Context, incoming storage.GroupDescriptor) bool {
	if !verifyDescriptor(incoming) {
		e.logger.WithField("group", incoming.ID).Warn("replication: group descriptor failed signature verification")
		return false
	}

	existing, err := e.store.ReadGroup(ctx, incoming.ID)
	if err != nil && err != storage.ErrNotFound {
		e.logger.WithError(err).WithField("group", incoming.ID).Warn("replication: read existing group failed")
		return false
	}
	var existingPtr *storage.GroupDescriptor
	firstSeen := true
	if err == nil {
		existingPtr = existing
		firstSeen = false
	}

	accept := existingPtr == nil ||
		incoming.UpdatedAt > existingPtr.UpdatedAt ||
		(incoming.UpdatedAt == existingPtr.UpdatedAt && incoming.Checksum > existingPtr.Checksum)
	if !accept {
		return false
	}
	if err := e.store.WriteGroup(ctx, &incoming); err != nil {
		e.logger.WithError(err).WithField("group", incoming.ID).Warn("replication: write group failed")
		return false
	}

	if incoming.IsTombstone() {
		// A verified tombstone descriptor disconnects this node from the
		// group (spec §8 scenario 6): stop treating it as locally shared
		// or relay-accepted so the local gate rejects future items for it.
		e.mu.Lock()
		delete(e.sharedGroups, incoming.ID)
		delete(e.relayAcceptedGroups, incoming.ID)
		e.mu.Unlock()
	} else if firstSeen && e.caps.DynamicRelay {
		e.mu.Lock()
		e.relayAcceptedGroups[incoming.ID] = true
		e.mu.Unlock()
	}
	return true
}

func wireToGroup(w wire.GroupDescriptorWire) storage.GroupDescriptor {
	pub, _ := hex.DecodeString(w.OwnerPK)
	sig, _ := hex.DecodeString(w.Signature)
	return storage.GroupDescriptor{
		ID: w.ID, Name: w.Name, Culture: w.Culture, UpdatedAt: w.UpdatedAt,
		Checksum: w.Checksum, OwnerID: w.OwnerID, OwnerPubKey: pub, Signature: sig,
	}
}

func groupToWire(g storage.GroupDescriptor) wire.GroupDescriptorWire {
	return wire.GroupDescriptorWire{
		ID: g.ID, Name: g.Name, Culture: g.Culture, UpdatedAt: g.UpdatedAt,
		Checksum: g.Checksum, OwnerID: g.OwnerID,
		OwnerPK:   hex.EncodeToString(g.OwnerPubKey),
		Signature: hex.EncodeToString(g.Signature),
	}
}

// HandleGroupExchange serves the receiving side of the group-exchange
// mini-protocol: merge every inbound descriptor, then reply with this
// node's full known set (spec §4.2).
func (e *Engine) HandleGroupExchange(ctx context.Context, req wire.GroupExchange) wire.GroupExchange {
	for _, d := range req.Descriptors {
		e.MergeGroupDescriptor(ctx, wireToGroup(d))
	}

	groups, err := e.store.ListGroups(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("replication: list groups for exchange failed")
		return wire.GroupExchange{}
	}
	out := make([]wire.GroupDescriptorWire, len(groups))
	for i, g := range groups {
		out[i] = groupToWire(g)
	}
	return wire.GroupExchange{Descriptors: out}
}

// RunGroupExchangeLoop periodically exchanges all known group descriptors
// with a randomly selected hot-or-warm peer (spec §4.2, default 60 s).
func (e *Engine) RunGroupExchangeLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runGroupExchangeOnce(ctx)
		}
	}
}

func (e *Engine) runGroupExchangeOnce(ctx context.Context) {
	if e.sender == nil {
		return
	}
	peer := e.pickExchangePeer()
	if peer == "" {
		return
	}
	groups, err := e.store.ListGroups(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("replication: list groups before exchange failed")
		return
	}
	req := wire.GroupExchange{Descriptors: make([]wire.GroupDescriptorWire, len(groups))}
	for i, g := range groups {
		req.Descriptors[i] = groupToWire(g)
	}
	resp, err := e.sender.GroupExchange(ctx, peer, req)
	if err != nil {
		e.logger.WithError(err).WithField("peer", peer).Debug("replication: group exchange failed")
		return
	}
	for _, d := range resp.Descriptors {
		e.MergeGroupDescriptor(ctx, wireToGroup(d))
	}
}

func (e *Engine) pickExchangePeer() string {
	var candidates []string
	for _, p := range e.gov.Peers() {
		if p.State == governor.Hot || p.State == governor.Warm {
			candidates = append(candidates, p.NodeID)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	return candidates[rand.Intn(len(candidates))]
}
