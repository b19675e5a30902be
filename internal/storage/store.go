// Package storage defines the storage contract the rest of the core
// depends on (spec §6) and provides a WAL-mode sqlite implementation of it.
//
// Invariants the implementation must uphold (spec §3, §5): single-writer
// serialization of conflicting writes, immediate read-after-write
// visibility, deterministic iteration order for headers by updated_at, and
// deletion expressed only as tombstones outside the GC task.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("storage: not found")

// Item types recognised by the core. __tombstone__ marks a deletion marker.
const (
	ItemTypeEntity     = "entity"
	ItemTypeSession    = "session"
	ItemTypeLearning   = "learning"
	ItemTypeTombstone  = "__tombstone__"
)

// Visibility levels for an item.
const (
	VisibilityPrivate = "private"
	VisibilityGroup   = "group"
	VisibilityPublic  = "public"
)

// Membership roles and postures (local-only, never propagated).
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"

	PostureActive  = "active"
	PostureSilent  = "silent"
	PostureEmcon   = "emcon"
	PostureRemoved = "removed"
)

// DeletedCulture marks a group descriptor as a tombstone (spec §3 invariant 6).
const DeletedCulture = "__deleted__"

// Item mirrors the data model entity in spec §3. GroupID is empty for
// private items, which must never enter replication (invariant 5).
type Item struct {
	ID          string
	Type        string
	AuthorID    string
	GroupID     string
	Visibility  string
	Data        []byte
	Checksum    string
	KeyVersion  int
	ParentID    string
	IsCopy      bool
	UpdatedAt   string
	IsTombstone bool
}

// ItemHeader is the compact anti-entropy projection of an Item.
type ItemHeader struct {
	ItemID     string
	ItemType   string
	Checksum   string
	UpdatedAt  string
	AuthorID   string
	IsDeletion bool
}

// GroupDescriptor mirrors spec §3's group descriptor entity.
type GroupDescriptor struct {
	ID          string
	Name        string
	Culture     string
	UpdatedAt   string
	Checksum    string
	OwnerID     string
	OwnerPubKey []byte
	Signature   []byte
}

// IsTombstone reports whether this descriptor is a tombstone per
// spec §3 invariant 6.
func (g GroupDescriptor) IsTombstone() bool { return g.Culture == DeletedCulture }

// Membership is local-only and never propagates (spec §3).
type Membership struct {
	GroupID  string
	EntityID string
	Role     string
	Posture  string
	JoinedAt string
}

// AccessLogEntry records a replication gate decision for forensics
// (spec §4.3: "gate decisions are logged for forensics").
type AccessLogEntry struct {
	Timestamp string
	PeerID    string
	ItemID    string
	GroupID   string
	Gate      string
	Passed    bool
	Detail    string
}

// Store is the trait the replication engine depends on (spec §6). Membership is queried only for local policy; it is
// never read on the replication path.
type Store interface {
	ReadItem(ctx context.Context, id string) (*Item, error)
	WriteItem(ctx context.Context, item *Item) error
	UpsertTombstone(ctx context.Context, id, groupID, updatedAt string) error
	ListGroupHeaders(ctx context.Context, groupID, since string, limit int) ([]ItemHeader, bool, error)
	GCTombstoneItems(ctx context.Context, before time.Time) (int64, error)

	ReadGroup(ctx context.Context, id string) (*GroupDescriptor, error)
	WriteGroup(ctx context.Context, g *GroupDescriptor) error
	ListGroups(ctx context.Context) ([]GroupDescriptor, error)
	GCTombstoneGroups(ctx context.Context, before time.Time) (int64, error)

	ReadMembership(ctx context.Context, groupID, entityID string) (*Membership, error)
	ListMemberships(ctx context.Context, groupID string) ([]Membership, error)

	LogAccess(ctx context.Context, entry AccessLogEntry) error

	Close() error
}
