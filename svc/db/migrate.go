package db

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Schema evolution is an explicit, ordered list of idempotent migrations
// recorded in schema_migrations. Running against an older database (one
// created before a column existed) adds the missing columns and backfills
// sane defaults; running twice is a no-op.
type migration struct {
	id  string
	run func(tx *sql.Tx) error
}

var migrations = []migration{
	{
		id: "001_create_pastes",
		run: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS pastes (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				token TEXT NOT NULL,
				title TEXT NOT NULL,
				content TEXT NOT NULL,
				language TEXT NOT NULL DEFAULT 'auto',
				created_at INTEGER NOT NULL,
				expires_at INTEGER,
				original_duration INTEGER,
				views INTEGER NOT NULL DEFAULT 0,
				max_views INTEGER,
				is_public INTEGER NOT NULL DEFAULT 0
			)`)
			return err
		},
	},
	{
		id: "002_token_unique_index",
		run: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_pastes_token ON pastes(token)`)
			return err
		},
	},
	{
		id: "003_expiry_index",
		run: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at, id)`)
			return err
		},
	},
	{
		id: "004_add_burn_columns",
		run: func(tx *sql.Tx) error {
			if err := addColumnIfMissing(tx, "views", "INTEGER NOT NULL DEFAULT 0"); err != nil {
				return err
			}
			return addColumnIfMissing(tx, "max_views", "INTEGER")
		},
	},
	{
		id: "005_add_discovery_columns",
		run: func(tx *sql.Tx) error {
			if err := addColumnIfMissing(tx, "is_public", "INTEGER NOT NULL DEFAULT 0"); err != nil {
				return err
			}
			return addColumnIfMissing(tx, "original_duration", "INTEGER")
		},
	},
	{
		id: "006_backfill_defaults",
		run: func(tx *sql.Tx) error {
			// Rows predating the expiry and language columns become
			// immediately expired / auto-highlighted rather than invisible.
			now := time.Now().Unix()
			if _, err := tx.Exec(`UPDATE pastes SET expires_at = ? WHERE expires_at IS NULL`, now); err != nil {
				return err
			}
			if _, err := tx.Exec(`UPDATE pastes SET language = 'auto' WHERE language IS NULL OR language = ''`); err != nil {
				return err
			}
			_, err := tx.Exec(`
				UPDATE pastes SET original_duration = MAX(expires_at - created_at, 0)
				WHERE original_duration IS NULL`)
			return err
		},
	},
}

// Migrate brings the schema up to date. Idempotent; safe on every startup.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	if _, err := s.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	if _, err := s.db.Exec("PRAGMA synchronous=FULL"); err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}
	applied := make(map[string]bool)
	rows, err := s.db.Query(`SELECT id FROM schema_migrations`)
	if err != nil {
		return errors.Wrap(err, "load applied migrations")
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return errors.Wrap(err, "scan migration id")
		}
		applied[id] = true
	}
	if err := rows.Close(); err != nil {
		return errors.Wrap(err, "close migration rows")
	}
	for _, m := range migrations {
		if applied[m.id] {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin migration %s", m.id)
		}
		if err := m.run(tx); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "migration %s", m.id)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (id, applied_at) VALUES (?, ?)`,
			m.id, time.Now().Unix()); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record migration %s", m.id)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit migration %s", m.id)
		}
	}
	return nil
}

func addColumnIfMissing(tx *sql.Tx, column, definition string) error {
	rows, err := tx.Query(`PRAGMA table_info(pastes)`)
	if err != nil {
		return errors.Wrap(err, "table_info")
	}
	found := false
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return errors.Wrap(err, "scan table_info")
		}
		if name == column {
			found = true
		}
	}
	if err := rows.Close(); err != nil {
		return errors.Wrap(err, "close table_info rows")
	}
	if found {
		return nil
	}
	_, err = tx.Exec("ALTER TABLE pastes ADD COLUMN " + column + " " + definition)
	return errors.Wrapf(err, "add column %s", column)
}
