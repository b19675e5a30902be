package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a WAL-mode sqlite implementation of Store. Writes are
// serialized through writeMu so the single-writer invariant holds even
// though database/sql itself pools connections.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
	logger  *logrus.Logger
}

// Open creates or opens a sqlite database at path, enables WAL journaling,
// and brings the schema up to date.
func Open(path string, logger *logrus.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := newMigrationManager(db, logger).migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) ReadItem(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, type, author_id, group_id, visibility, data,
		checksum, key_version, parent_id, is_copy, updated_at, is_tombstone
		FROM items WHERE id = ?`, id)
	var it Item
	var isCopy, isTomb int
	err := row.Scan(&it.ID, &it.Type, &it.AuthorID, &it.GroupID, &it.Visibility, &it.Data,
		&it.Checksum, &it.KeyVersion, &it.ParentID, &isCopy, &it.UpdatedAt, &isTomb)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read item %s: %w", id, err)
	}
	it.IsCopy = isCopy != 0
	it.IsTombstone = isTomb != 0
	return &it, nil
}

// WriteItem upserts an item. Callers are responsible for LWW arbitration
// before calling this; WriteItem always applies the given value.
func (s *SQLiteStore) WriteItem(ctx context.Context, item *Item) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO items
		(id, type, author_id, group_id, visibility, data, checksum, key_version, parent_id, is_copy, updated_at, is_tombstone)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type=excluded.type, author_id=excluded.author_id, group_id=excluded.group_id,
			visibility=excluded.visibility, data=excluded.data, checksum=excluded.checksum,
			key_version=excluded.key_version, parent_id=excluded.parent_id, is_copy=excluded.is_copy,
			updated_at=excluded.updated_at, is_tombstone=excluded.is_tombstone`,
		item.ID, item.Type, item.AuthorID, item.GroupID, item.Visibility, item.Data,
		item.Checksum, item.KeyVersion, item.ParentID, boolToInt(item.IsCopy), item.UpdatedAt, boolToInt(item.IsTombstone))
	if err != nil {
		return fmt.Errorf("storage: write item %s: %w", item.ID, err)
	}
	return nil
}

// UpsertTombstone replaces an item's body with a tombstone marker, keeping
// its id and group so anti-entropy headers still carry it (spec §5).
func (s *SQLiteStore) UpsertTombstone(ctx context.Context, id, groupID, updatedAt string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO items
		(id, type, author_id, group_id, visibility, data, checksum, key_version, parent_id, is_copy, updated_at, is_tombstone)
		VALUES (?, ?, '', ?, ?, x'', '', 0, '', 0, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			type=excluded.type, group_id=excluded.group_id, data=x'', checksum='',
			updated_at=excluded.updated_at, is_tombstone=1`,
		id, ItemTypeTombstone, groupID, VisibilityGroup, updatedAt)
	if err != nil {
		return fmt.Errorf("storage: tombstone item %s: %w", id, err)
	}
	return nil
}

// ListGroupHeaders returns up to limit item headers in a group with
// updated_at > since, ordered deterministically by updated_at then id.
func (s *SQLiteStore) ListGroupHeaders(ctx context.Context, groupID, since string, limit int) ([]ItemHeader, bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, type, checksum, updated_at, author_id, is_tombstone
		FROM items WHERE group_id = ? AND updated_at > ?
		ORDER BY updated_at ASC, id ASC LIMIT ?`, groupID, since, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("storage: list headers for group %s: %w", groupID, err)
	}
	defer rows.Close()

	var headers []ItemHeader
	for rows.Next() {
		var h ItemHeader
		var isTomb int
		if err := rows.Scan(&h.ItemID, &h.ItemType, &h.Checksum, &h.UpdatedAt, &h.AuthorID, &isTomb); err != nil {
			return nil, false, fmt.Errorf("storage: scan header: %w", err)
		}
		h.IsDeletion = isTomb != 0
		headers = append(headers, h)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(headers) > limit
	if hasMore {
		headers = headers[:limit]
	}
	return headers, hasMore, nil
}

// GCTombstoneItems permanently deletes tombstone items older than before,
// the periodic GC task referenced in spec §5's retention window.
func (s *SQLiteStore) GCTombstoneItems(ctx context.Context, before time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE is_tombstone = 1 AND updated_at < ?`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("storage: gc tombstone items: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) ReadGroup(ctx context.Context, id string) (*GroupDescriptor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, culture, updated_at, checksum, owner_id, owner_pubkey, signature
		FROM groups WHERE id = ?`, id)
	var g GroupDescriptor
	err := row.Scan(&g.ID, &g.Name, &g.Culture, &g.UpdatedAt, &g.Checksum, &g.OwnerID, &g.OwnerPubKey, &g.Signature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read group %s: %w", id, err)
	}
	return &g, nil
}

func (s *SQLiteStore) WriteGroup(ctx context.Context, g *GroupDescriptor) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO groups
		(id, name, culture, updated_at, checksum, owner_id, owner_pubkey, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, culture=excluded.culture, updated_at=excluded.updated_at,
			checksum=excluded.checksum, owner_id=excluded.owner_id,
			owner_pubkey=excluded.owner_pubkey, signature=excluded.signature`,
		g.ID, g.Name, g.Culture, g.UpdatedAt, g.Checksum, g.OwnerID, g.OwnerPubKey, g.Signature)
	if err != nil {
		return fmt.Errorf("storage: write group %s: %w", g.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListGroups(ctx context.Context) ([]GroupDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, culture, updated_at, checksum, owner_id, owner_pubkey, signature
		FROM groups ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list groups: %w", err)
	}
	defer rows.Close()

	var groups []GroupDescriptor
	for rows.Next() {
		var g GroupDescriptor
		if err := rows.Scan(&g.ID, &g.Name, &g.Culture, &g.UpdatedAt, &g.Checksum, &g.OwnerID, &g.OwnerPubKey, &g.Signature); err != nil {
			return nil, fmt.Errorf("storage: scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// GCTombstoneGroups permanently deletes tombstone group descriptors older
// than before, mirroring GCTombstoneItems for the group namespace.
func (s *SQLiteStore) GCTombstoneGroups(ctx context.Context, before time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE culture = ? AND updated_at < ?`,
		DeletedCulture, before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("storage: gc tombstone groups: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) ReadMembership(ctx context.Context, groupID, entityID string) (*Membership, error) {
	row := s.db.QueryRowContext(ctx, `SELECT group_id, entity_id, role, posture, joined_at
		FROM memberships WHERE group_id = ? AND entity_id = ?`, groupID, entityID)
	var m Membership
	err := row.Scan(&m.GroupID, &m.EntityID, &m.Role, &m.Posture, &m.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read membership %s/%s: %w", groupID, entityID, err)
	}
	return &m, nil
}

func (s *SQLiteStore) ListMemberships(ctx context.Context, groupID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_id, entity_id, role, posture, joined_at
		FROM memberships WHERE group_id = ? ORDER BY entity_id ASC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("storage: list memberships for %s: %w", groupID, err)
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.GroupID, &m.EntityID, &m.Role, &m.Posture, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("storage: scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LogAccess(ctx context.Context, entry AccessLogEntry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO access_log (ts, peer_id, item_id, group_id, gate, passed, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.PeerID, entry.ItemID, entry.GroupID, entry.Gate, boolToInt(entry.Passed), entry.Detail)
	if err != nil {
		return fmt.Errorf("storage: log access entry: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
