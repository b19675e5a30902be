package replication

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"memnet/internal/storage"
	"memnet/internal/wire"
)

// HandleWriteNotification dispatches a local write per its group's culture
// (spec §4.3). Only the chatty/EagerPush strategy takes an immediate
// action; moderate and taciturn groups rely on the anti-entropy loop and
// sync responses to surface the new header.
func (e *Engine) HandleWriteNotification(ctx context.Context, wn WriteNotification) {
	if wn.RequestID == "" {
		wn.RequestID = uuid.NewString()
	}
	if wn.GroupID == "" {
		return
	}
	if parseCultureStyle(wn.Culture) != styleChatty {
		return
	}
	e.eagerPush(ctx, wn)
}

func (e *Engine) eagerPush(ctx context.Context, wn WriteNotification) {
	item, err := e.store.ReadItem(ctx, wn.ItemID)
	if err != nil {
		e.logger.WithError(err).WithField("item", wn.ItemID).WithField("request", wn.RequestID).
			Warn("replication: eager push: item not found")
		return
	}
	targets := e.pushTargets(wn.GroupID)
	payload := wire.FetchResponse{Items: []wire.Item{toWireItem(*item)}}
	for _, nodeID := range targets {
		go e.pushOne(ctx, nodeID, wn.RequestID, payload)
	}
}

// pushTargets is every hot peer advertising groupID, plus any peer flagged
// as a transparent relay (spec §4.3).
func (e *Engine) pushTargets(groupID string) []string {
	set := make(map[string]bool)
	for _, id := range e.gov.HotPeersForGroup(groupID) {
		set[id] = true
	}
	for _, id := range e.gov.TransparentRelayPeers() {
		set[id] = true
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) pushOne(ctx context.Context, nodeID, requestID string, payload wire.FetchResponse) {
	if e.sender == nil {
		return
	}
	ack, err := e.sender.Push(ctx, nodeID, payload)
	if err != nil {
		e.logger.WithError(err).WithField("peer", nodeID).WithField("request", requestID).
			Debug("replication: push failed")
		return
	}
	if e.metrics != nil {
		e.metrics.ItemsPushed.Add(float64(len(ack.Stored)))
	}
	e.logger.WithFields(map[string]any{
		"peer": nodeID, "request": requestID, "stored": ack.Stored, "rejected": ack.Rejected,
	}).Debug("replication: push acknowledged")
}

func toWireItem(it storage.Item) wire.Item {
	return wire.Item{
		ID: it.ID, Type: it.Type, AuthorID: it.AuthorID, GroupID: it.GroupID,
		Visibility: it.Visibility, Data: it.Data, Checksum: it.Checksum,
		KeyVersion: it.KeyVersion, ParentID: it.ParentID, IsCopy: it.IsCopy,
		UpdatedAt: it.UpdatedAt, IsTombstone: it.IsTombstone,
	}
}

func fromWireItem(it wire.Item) storage.Item {
	return storage.Item{
		ID: it.ID, Type: it.Type, AuthorID: it.AuthorID, GroupID: it.GroupID,
		Visibility: it.Visibility, Data: it.Data, Checksum: it.Checksum,
		KeyVersion: it.KeyVersion, ParentID: it.ParentID, IsCopy: it.IsCopy,
		UpdatedAt: it.UpdatedAt, IsTombstone: it.IsTombstone,
	}
}
