package storage

import (
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// migration is one forward schema step, applied in order and recorded in
// schema_version so a restart never re-applies an already-applied step.
type migration struct {
	Version     int
	Description string
	Up          func(*sql.Tx) error
}

// migrationManager tracks and applies schema migrations against db.
type migrationManager struct {
	db         *sql.DB
	migrations []migration
	logger     *logrus.Logger
}

func newMigrationManager(db *sql.DB, logger *logrus.Logger) *migrationManager {
	return &migrationManager{db: db, migrations: schemaMigrations(), logger: logger}
}

func (m *migrationManager) initialize() error {
	_, err := m.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	return err
}

func (m *migrationManager) currentVersion() (int, error) {
	var v sql.NullInt64
	err := m.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&v)
	if err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

// migrate applies every migration with a version greater than the current
// schema version, each in its own transaction.
func (m *migrationManager) migrate() error {
	if err := m.initialize(); err != nil {
		return fmt.Errorf("storage: initialize schema_version: %w", err)
	}
	current, err := m.currentVersion()
	if err != nil {
		return fmt.Errorf("storage: read schema version: %w", err)
	}
	for _, mg := range m.migrations {
		if mg.Version <= current {
			continue
		}
		tx, err := m.db.Begin()
		if err != nil {
			return fmt.Errorf("storage: begin migration %d: %w", mg.Version, err)
		}
		if err := mg.Up(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("storage: apply migration %d (%s): %w", mg.Version, mg.Description, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version, description) VALUES (?, ?)`, mg.Version, mg.Description); err != nil {
			tx.Rollback()
			return fmt.Errorf("storage: record migration %d: %w", mg.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storage: commit migration %d: %w", mg.Version, err)
		}
		m.logger.WithFields(logrus.Fields{"version": mg.Version, "description": mg.Description}).Info("applied storage migration")
	}
	return nil
}

func schemaMigrations() []migration {
	return []migration{
		{
			Version:     1,
			Description: "create items table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE items (
					id TEXT NOT NULL PRIMARY KEY,
					type TEXT NOT NULL,
					author_id TEXT NOT NULL,
					group_id TEXT NOT NULL DEFAULT '',
					visibility TEXT NOT NULL,
					data BLOB NOT NULL,
					checksum TEXT NOT NULL,
					key_version INTEGER NOT NULL DEFAULT 0,
					parent_id TEXT NOT NULL DEFAULT '',
					is_copy INTEGER NOT NULL DEFAULT 0,
					updated_at TEXT NOT NULL,
					is_tombstone INTEGER NOT NULL DEFAULT 0
				);
				CREATE INDEX idx_items_group_updated ON items (group_id, updated_at);`)
				return err
			},
		},
		{
			Version:     2,
			Description: "create groups table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE groups (
					id TEXT NOT NULL PRIMARY KEY,
					name TEXT NOT NULL,
					culture TEXT NOT NULL,
					updated_at TEXT NOT NULL,
					checksum TEXT NOT NULL,
					owner_id TEXT NOT NULL,
					owner_pubkey BLOB NOT NULL,
					signature BLOB NOT NULL
				)`)
				return err
			},
		},
		{
			Version:     3,
			Description: "create memberships table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE memberships (
					group_id TEXT NOT NULL,
					entity_id TEXT NOT NULL,
					role TEXT NOT NULL,
					posture TEXT NOT NULL,
					joined_at TEXT NOT NULL,
					PRIMARY KEY (group_id, entity_id)
				)`)
				return err
			},
		},
		{
			Version:     4,
			Description: "create access_log table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE access_log (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					ts TEXT NOT NULL,
					peer_id TEXT NOT NULL,
					item_id TEXT NOT NULL DEFAULT '',
					group_id TEXT NOT NULL DEFAULT '',
					gate TEXT NOT NULL,
					passed INTEGER NOT NULL,
					detail TEXT NOT NULL DEFAULT ''
				)`)
				return err
			},
		},
	}
}
