package store

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
)

// migration is a single idempotent schema evolution step.
type migration struct {
	name  string
	apply func(*sql.DB) error
}

// migrate runs all migration steps in order. Each step checks for the
// condition it fixes before touching the schema, so re-running after a
// partial upgrade is safe and databases created by older releases gain
// the columns newer code expects without data loss.
func (s *Store) migrate() error {
	migrations := []migration{
		{
			name: "api_keys.key_type",
			apply: func(db *sql.DB) error {
				return addColumnIfMissing(db, "api_keys", "key_type", "TEXT NOT NULL DEFAULT 'free'")
			},
		},
		{
			name: "key_stats.consecutive_failures",
			apply: func(db *sql.DB) error {
				return addColumnIfMissing(db, "key_stats", "consecutive_failures", "INTEGER NOT NULL DEFAULT 0")
			},
		},
	}

	for _, m := range migrations {
		if err := m.apply(s.db); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}

	return nil
}

// addColumnIfMissing adds a column only when PRAGMA table_info does not
// already list it.
func addColumnIfMissing(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	//nolint:gosec // table/column names come from the static migration list
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil {
		return err
	}

	log.Info().Str("table", table).Str("column", column).Msg("added missing column")

	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	//nolint:gosec // table name comes from the static migration list
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}

	return false, rows.Err()
}
