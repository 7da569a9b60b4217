package keypool

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// Syncer reconciles the two plain-text tier files with the store.
//
// Forward sync (SyncFromFiles) runs at startup and on demand: file contents
// win for membership and tier, the store keeps all history. Reverse sync
// (RewriteFiles) runs after invalidation: the store's active set wins and
// the files are overwritten.
type Syncer struct {
	db          *sql.DB
	freePath    string
	paidPath    string
	lastRewrite atomic.Int64 // Unix nanos of our last file write, for watcher suppression
}

// NewSyncer creates a Syncer over the given store handle and tier files.
func NewSyncer(db *sql.DB, freePath, paidPath string) *Syncer {
	return &Syncer{db: db, freePath: freePath, paidPath: paidPath}
}

// path returns the file backing the given tier.
func (s *Syncer) path(tier Tier) string {
	if tier == TierPaid {
		return s.paidPath
	}
	return s.freePath
}

// SyncFromFiles reconciles file contents into the store:
//
//   - tokens in a file but not the store are inserted active with that tier,
//     along with a zeroed key_stats row
//   - tokens present with a different tier are re-tiered in place
//   - active tokens in neither file are soft-deleted and their suspensions
//     dropped
//   - a token in both files keeps its paid copy; the free file is rewritten
//     without it, as are files holding duplicates or blank lines
func (s *Syncer) SyncFromFiles() error {
	freeKeys, freeDirty, err := readKeyFile(s.freePath)
	if err != nil {
		return err
	}
	paidKeys, paidDirty, err := readKeyFile(s.paidPath)
	if err != nil {
		return err
	}

	// Cross-file duplicates: the free copy loses.
	paidSet := lo.SliceToMap(paidKeys, func(k string) (string, struct{}) { return k, struct{}{} })
	deduped := lo.Filter(freeKeys, func(k string, _ int) bool {
		_, dup := paidSet[k]
		return !dup
	})
	if len(deduped) != len(freeKeys) {
		log.Info().
			Int("removed", len(freeKeys)-len(deduped)).
			Msg("removed free-tier copies of keys also present in the paid file")
		freeKeys = deduped
		freeDirty = true
	}

	if freeDirty {
		if err := s.writeKeyFile(s.freePath, freeKeys); err != nil {
			return err
		}
	}
	if paidDirty {
		if err := s.writeKeyFile(s.paidPath, paidKeys); err != nil {
			return err
		}
	}

	return s.reconcile(freeKeys, paidKeys)
}

// reconcile applies the file membership to the store in one transaction.
func (s *Syncer) reconcile(freeKeys, paidKeys []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("keypool: sync begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var added, retiered int

	upsert := func(keys []string, tier Tier) error {
		for _, key := range keys {
			var current string
			err := tx.QueryRow("SELECT key_type FROM api_keys WHERE key = ? AND is_active = 1", key).Scan(&current)
			switch {
			case err == sql.ErrNoRows:
				if _, err := tx.Exec(
					`INSERT INTO api_keys (key, key_type, is_active) VALUES (?, ?, 1)
					 ON CONFLICT(key) DO UPDATE SET is_active = 1, key_type = excluded.key_type`,
					key, string(tier)); err != nil {
					return err
				}
				if _, err := tx.Exec("INSERT OR IGNORE INTO key_stats (key) VALUES (?)", key); err != nil {
					return err
				}
				added++
			case err != nil:
				return err
			case current != string(tier):
				if _, err := tx.Exec("UPDATE api_keys SET key_type = ? WHERE key = ?", string(tier), key); err != nil {
					return err
				}
				retiered++
			}
		}
		return nil
	}

	if err := upsert(freeKeys, TierFree); err != nil {
		return fmt.Errorf("keypool: sync free keys: %w", err)
	}
	if err := upsert(paidKeys, TierPaid); err != nil {
		return fmt.Errorf("keypool: sync paid keys: %w", err)
	}

	// Soft-delete anything active that no file lists any more.
	known := append(append([]string{}, freeKeys...), paidKeys...)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(known)), ",")
	args := lo.Map(known, func(k string, _ int) any { return k })

	query := "SELECT key FROM api_keys WHERE is_active = 1"
	if len(known) > 0 {
		query += " AND key NOT IN (" + placeholders + ")"
	}
	rows, err := tx.Query(query, args...)
	if err != nil {
		return fmt.Errorf("keypool: sync stale scan: %w", err)
	}
	var stale []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return err
		}
		stale = append(stale, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, key := range stale {
		if _, err := tx.Exec("UPDATE api_keys SET is_active = 0 WHERE key = ?", key); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM suspended_keys WHERE key = ?", key); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("keypool: sync commit: %w", err)
	}

	if added > 0 || retiered > 0 || len(stale) > 0 {
		log.Info().
			Int("added", added).
			Int("retiered", retiered).
			Int("deactivated", len(stale)).
			Msg("synced key files into store")
	}

	return nil
}

// RewriteFiles overwrites each tier file with the currently active tokens of
// that tier, one per line.
func (s *Syncer) RewriteFiles() error {
	for _, tier := range []Tier{TierFree, TierPaid} {
		rows, err := s.db.Query(
			"SELECT key FROM api_keys WHERE is_active = 1 AND key_type = ? ORDER BY created_at, key",
			string(tier))
		if err != nil {
			return fmt.Errorf("keypool: rewrite query: %w", err)
		}

		var keys []string
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return err
			}
			keys = append(keys, k)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if err := s.writeKeyFile(s.path(tier), keys); err != nil {
			return err
		}
	}
	return nil
}

// LastRewrite reports when the syncer last wrote a key file, so the file
// watcher can distinguish external edits from our own rewrites.
func (s *Syncer) LastRewrite() time.Time {
	return time.Unix(0, s.lastRewrite.Load())
}

func (s *Syncer) writeKeyFile(path string, keys []string) error {
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("keypool: failed to write %s: %w", path, err)
	}
	s.lastRewrite.Store(time.Now().UnixNano())
	return nil
}

// readKeyFile loads a tier file, creating it empty when absent. Blank lines
// are dropped and duplicates removed preserving first occurrence. The dirty
// flag reports whether the on-disk content differed from the cleaned list.
func readKeyFile(path string) (keys []string, dirty bool, err error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if werr := os.WriteFile(path, nil, 0o600); werr != nil {
			return nil, false, fmt.Errorf("keypool: failed to create %s: %w", path, werr)
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("keypool: failed to read %s: %w", path, err)
	}

	lines := strings.Split(string(content), "\n")
	var raw []string
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			raw = append(raw, trimmed)
		}
	}

	keys = lo.Uniq(raw)
	dirty = len(keys) != len(raw) || len(lines)-1 != len(raw)

	return keys, dirty, nil
}
