package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "memnet.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteReadItemRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item := &Item{
		ID: "item-1", Type: ItemTypeEntity, AuthorID: "node-a", GroupID: "group-1",
		Visibility: VisibilityGroup, Data: []byte("payload"), Checksum: "c1",
		UpdatedAt: "2026-01-01T00:00:00Z",
	}
	require.NoError(t, s.WriteItem(ctx, item))

	got, err := s.ReadItem(ctx, "item-1")
	require.NoError(t, err)
	require.Equal(t, item, got)
}

func TestReadItemNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.ReadItem(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWriteItemUpsertOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := &Item{ID: "item-1", Type: ItemTypeEntity, AuthorID: "a", GroupID: "g", Visibility: VisibilityGroup, Data: []byte("v1"), Checksum: "c1", UpdatedAt: "2026-01-01T00:00:00Z"}
	second := &Item{ID: "item-1", Type: ItemTypeEntity, AuthorID: "a", GroupID: "g", Visibility: VisibilityGroup, Data: []byte("v2"), Checksum: "c2", UpdatedAt: "2026-01-02T00:00:00Z"}
	require.NoError(t, s.WriteItem(ctx, first))
	require.NoError(t, s.WriteItem(ctx, second))

	got, err := s.ReadItem(ctx, "item-1")
	require.NoError(t, err)
	require.Equal(t, second, got)
}

func TestUpsertTombstoneMarksExistingItem(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item := &Item{ID: "item-1", Type: ItemTypeEntity, AuthorID: "a", GroupID: "g", Visibility: VisibilityGroup, Data: []byte("v1"), Checksum: "c1", UpdatedAt: "2026-01-01T00:00:00Z"}
	require.NoError(t, s.WriteItem(ctx, item))
	require.NoError(t, s.UpsertTombstone(ctx, "item-1", "g", "2026-01-02T00:00:00Z"))

	got, err := s.ReadItem(ctx, "item-1")
	require.NoError(t, err)
	require.True(t, got.IsTombstone)
	require.Equal(t, ItemTypeTombstone, got.Type)
	require.Empty(t, got.Data)
}

func TestListGroupHeadersOrderingAndPagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, ts := range []string{"2026-01-01T00:00:00Z", "2026-01-02T00:00:00Z", "2026-01-03T00:00:00Z"} {
		item := &Item{ID: string(rune('a' + i)), Type: ItemTypeEntity, AuthorID: "a", GroupID: "g", Visibility: VisibilityGroup, Data: []byte("v"), Checksum: "c", UpdatedAt: ts}
		require.NoError(t, s.WriteItem(ctx, item))
	}

	headers, hasMore, err := s.ListGroupHeaders(ctx, "g", "2025-12-31T00:00:00Z", 2)
	require.NoError(t, err)
	require.True(t, hasMore)
	require.Len(t, headers, 2)
	require.Equal(t, "a", headers[0].ItemID)
	require.Equal(t, "b", headers[1].ItemID)

	headers, hasMore, err = s.ListGroupHeaders(ctx, "g", headers[1].UpdatedAt, 10)
	require.NoError(t, err)
	require.False(t, hasMore)
	require.Len(t, headers, 1)
	require.Equal(t, "c", headers[0].ItemID)
}

func TestGCTombstoneItemsRespectsRetentionWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertTombstone(ctx, "old", "g", "2020-01-01T00:00:00Z"))
	require.NoError(t, s.UpsertTombstone(ctx, "recent", "g", time.Now().UTC().Format(time.RFC3339Nano)))

	n, err := s.GCTombstoneItems(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = s.ReadItem(ctx, "old")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.ReadItem(ctx, "recent")
	require.NoError(t, err)
}

func TestWriteReadGroupRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	g := &GroupDescriptor{
		ID: "g1", Name: "friends", Culture: "chatty", UpdatedAt: "2026-01-01T00:00:00Z",
		Checksum: "c1", OwnerID: "owner-1", OwnerPubKey: []byte{1, 2, 3}, Signature: []byte{4, 5, 6},
	}
	require.NoError(t, s.WriteGroup(ctx, g))

	got, err := s.ReadGroup(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, g, got)
	require.False(t, got.IsTombstone())
}

func TestListGroupsOrdered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteGroup(ctx, &GroupDescriptor{ID: "b", Culture: "moderate", UpdatedAt: "t"}))
	require.NoError(t, s.WriteGroup(ctx, &GroupDescriptor{ID: "a", Culture: "chatty", UpdatedAt: "t"}))

	groups, err := s.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Equal(t, "a", groups[0].ID)
	require.Equal(t, "b", groups[1].ID)
}

func TestGCTombstoneGroupsDeletesOnlyDeletedCulture(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteGroup(ctx, &GroupDescriptor{ID: "live", Culture: "chatty", UpdatedAt: "2020-01-01T00:00:00Z"}))
	require.NoError(t, s.WriteGroup(ctx, &GroupDescriptor{ID: "dead", Culture: DeletedCulture, UpdatedAt: "2020-01-01T00:00:00Z"}))

	n, err := s.GCTombstoneGroups(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = s.ReadGroup(ctx, "dead")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.ReadGroup(ctx, "live")
	require.NoError(t, err)
}

func TestMembershipReadAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `INSERT INTO memberships (group_id, entity_id, role, posture, joined_at) VALUES (?, ?, ?, ?, ?)`,
		"g1", "e1", RoleOwner, PostureActive, "2026-01-01T00:00:00Z")
	require.NoError(t, err)

	m, err := s.ReadMembership(ctx, "g1", "e1")
	require.NoError(t, err)
	require.Equal(t, RoleOwner, m.Role)

	_, err = s.ReadMembership(ctx, "g1", "missing")
	require.ErrorIs(t, err, ErrNotFound)

	all, err := s.ListMemberships(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestLogAccessInsertsRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.LogAccess(ctx, AccessLogEntry{
		Timestamp: "2026-01-01T00:00:00Z", PeerID: "peer-1", ItemID: "item-1",
		GroupID: "g1", Gate: "target", Passed: false, Detail: "not a member",
	}))

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM access_log`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestMigrationsAreIdempotentAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memnet.db")

	s1, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s1.WriteItem(context.Background(), &Item{ID: "x", Type: ItemTypeEntity, Visibility: VisibilityPrivate, UpdatedAt: "t", Checksum: "c"}))
	require.NoError(t, s1.Close())

	s2, err := Open(path, nil)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.ReadItem(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, "x", got.ID)
}
