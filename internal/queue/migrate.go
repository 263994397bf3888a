package queue

import (
	"database/sql"
	"fmt"
)

// migrations upgrades the schema one version at a time: migrations[v]
// takes a database at version v to version v+1. Forward-only; a database
// newer than this registry is refused. Multi-version jumps are the loop
// in Migrate, never hand-written combined steps.
var migrations = []func(tx *sql.Tx) error{
	// v0 -> v1: base command table.
	func(tx *sql.Tx) error {
		_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS commands (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			created_at TEXT NOT NULL
		)`)
		return err
	},
	// v1 -> v2: voice note attachment.
	func(tx *sql.Tx) error {
		_, err := tx.Exec(`ALTER TABLE commands ADD COLUMN audio_path TEXT NOT NULL DEFAULT ''`)
		return err
	},
	// v2 -> v3: photo attachments, stored as a JSON array of paths.
	func(tx *sql.Tx) error {
		_, err := tx.Exec(`ALTER TABLE commands ADD COLUMN photo_paths TEXT NOT NULL DEFAULT '[]'`)
		return err
	},
	// v3 -> v4: transcription of the voice note.
	func(tx *sql.Tx) error {
		_, err := tx.Exec(`ALTER TABLE commands ADD COLUMN transcription TEXT NOT NULL DEFAULT ''`)
		return err
	},
	// v4 -> v5: failure bookkeeping and the action-needed flag.
	func(tx *sql.Tx) error {
		stmts := []string{
			`ALTER TABLE commands ADD COLUMN error_message TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE commands ADD COLUMN failed INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE commands ADD COLUMN action_needed INTEGER NOT NULL DEFAULT 0`,
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	},
}

// SchemaVersion is the version a fully migrated database carries.
func SchemaVersion() int { return len(migrations) }

// Migrate brings the database to the current schema version, applying
// every pending step in order inside its own transaction.
func Migrate(db *sql.DB) error {
	version, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if version > len(migrations) {
		return fmt.Errorf("queue schema version %d is newer than supported %d", version, len(migrations))
	}

	for ; version < len(migrations); version++ {
		if err := applyStep(db, version); err != nil {
			return fmt.Errorf("migrate queue schema v%d -> v%d: %w", version, version+1, err)
		}
	}
	return nil
}

func applyStep(db *sql.DB, version int) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := migrations[version](tx); err != nil {
		return err
	}
	// PRAGMA takes no placeholders; version is internal, not user input.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version+1)); err != nil {
		return err
	}
	return tx.Commit()
}

func schemaVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read queue schema version: %w", err)
	}
	return version, nil
}
