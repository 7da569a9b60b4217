// Package keypool implements the persistent, tiered API key pool.
//
// All key state lives in the SQLite store; the Manager layers selection
// policy on top: per-key minute/day rate windows, time-bounded suspensions,
// and a free->paid tier fallback driven by consecutive failures across the
// free tier. A process-wide mutex serializes acquisition and keeps the
// in-memory mirror of the tier-failure counter consistent with its
// global_state row.
package keypool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/mo"

	"gemini-relay/internal/store"
)

// Config holds the pool's tunables.
type Config struct {
	// Cooldown is the default suspension duration.
	Cooldown time.Duration

	// RequestsPerMinute and RequestsPerDay are the per-key caps enforced
	// against the rate_limits window table.
	RequestsPerMinute int
	RequestsPerDay    int

	// MaxFreeKeyFailures is the consecutive-failure threshold at which
	// acquisition switches from the free tier to the paid tier.
	MaxFreeKeyFailures int
}

// Manager owns the persistent store and exposes the pool contract:
// Acquire, RecordSuccess, RecordFailure, Suspend, Invalidate, Status.
// All methods are safe for concurrent use.
type Manager struct {
	st     *store.Store
	syncer *Syncer
	cfg    Config

	mu sync.Mutex
	// freeFailures mirrors the free_key_consecutive_failures global_state
	// row. The row is the source of truth; the mirror is re-read at start
	// and updated in the same critical section as the row.
	freeFailures int

	now func() time.Time
}

// NewManager creates a Manager over the given store, syncs the tier files,
// and runs an initial cleanup pass.
func NewManager(st *store.Store, syncer *Syncer, cfg Config) (*Manager, error) {
	m := &Manager{
		st:     st,
		syncer: syncer,
		cfg:    cfg,
		now:    time.Now,
	}

	if err := syncer.SyncFromFiles(); err != nil {
		return nil, fmt.Errorf("keypool: initial sync: %w", err)
	}

	if err := m.loadFreeFailures(); err != nil {
		return nil, err
	}

	if err := m.cleanupLocked(m.now()); err != nil {
		return nil, fmt.Errorf("keypool: initial cleanup: %w", err)
	}

	var free, paid int
	row := st.DB().QueryRow("SELECT COUNT(*) FROM api_keys WHERE is_active = 1 AND key_type = 'free'")
	if err := row.Scan(&free); err != nil {
		return nil, fmt.Errorf("keypool: count free keys: %w", err)
	}
	row = st.DB().QueryRow("SELECT COUNT(*) FROM api_keys WHERE is_active = 1 AND key_type = 'paid'")
	if err := row.Scan(&paid); err != nil {
		return nil, fmt.Errorf("keypool: count paid keys: %w", err)
	}

	log.Info().
		Int("free_keys", free).
		Int("paid_keys", paid).
		Int("free_failures", m.freeFailures).
		Msg("key pool ready")

	return m, nil
}

// Resync re-reads the tier files into the store. Invoked by the file
// watcher when the files change on disk.
func (m *Manager) Resync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncer.SyncFromFiles()
}

func (m *Manager) loadFreeFailures() error {
	var value string
	err := m.st.DB().QueryRow(
		"SELECT value FROM global_state WHERE name = ?", store.GlobalFreeKeyFailures).Scan(&value)
	if err != nil {
		return fmt.Errorf("keypool: load free failure counter: %w", err)
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		// A corrupt row should not brick startup; reset it.
		log.Warn().Str("value", value).Msg("resetting malformed free failure counter")
		n = 0
		if _, err := m.st.DB().Exec(
			"UPDATE global_state SET value = '0' WHERE name = ?", store.GlobalFreeKeyFailures); err != nil {
			return fmt.Errorf("keypool: reset free failure counter: %w", err)
		}
	}
	m.freeFailures = n
	return nil
}

// Acquire selects a usable key and marks it used.
//
// Selection order: cleanup, tier decision (paid when forced or the free
// tier's failure counter crossed its threshold), the preferred key when it
// is still available, then active non-suspended keys of the target tier
// ordered by (consecutive_failures, requests in the last 24h, total
// requests), first one under both rate caps wins. A fruitless free-tier
// pass retries once against the paid tier. Store failures degrade to
// ErrNoAvailableKeys so the request path has a single error to branch on.
func (m *Manager) Acquire(ctx context.Context, preferred mo.Option[string], forcePaid bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if err := m.cleanupLocked(now); err != nil {
		log.Error().Err(err).Msg("cleanup failed during acquire")
		return "", ErrNoAvailableKeys
	}

	tier := TierFree
	if forcePaid || m.freeFailures >= m.cfg.MaxFreeKeyFailures {
		tier = TierPaid
	}

	if key, ok := preferred.Get(); ok && key != "" {
		available, err := m.isAvailable(ctx, key, now)
		if err != nil {
			log.Error().Err(err).Str("key_id", KeyID(key)).Msg("preferred key availability check failed")
			return "", ErrNoAvailableKeys
		}
		if available {
			if err := m.markUsed(ctx, key, now); err != nil {
				log.Error().Err(err).Str("key_id", KeyID(key)).Msg("failed to mark preferred key used")
				return "", ErrNoAvailableKeys
			}
			log.Debug().Str("key_id", KeyID(key)).Msg("acquired preferred key")
			return key, nil
		}
	}

	key, err := m.selectFromTier(ctx, tier, preferred, now)
	if err == nil {
		return key, nil
	}
	if tier == TierFree && errors.Is(err, ErrNoAvailableKeys) {
		// Free tier dry; fall through to paid once.
		key, err = m.selectFromTier(ctx, TierPaid, preferred, now)
		if err == nil {
			log.Debug().Str("key_id", KeyID(key)).Msg("free tier exhausted, acquired paid key")
			return key, nil
		}
	}

	return "", err
}

// selectFromTier returns the best available key of the tier, or
// ErrNoAvailableKeys.
func (m *Manager) selectFromTier(ctx context.Context, tier Tier, preferred mo.Option[string], now time.Time) (string, error) {
	dayAgo := now.Add(-24 * time.Hour).Unix()

	rows, err := m.st.DB().QueryContext(ctx, `
		SELECT k.key
		FROM api_keys k
		LEFT JOIN key_stats s ON k.key = s.key
		WHERE k.is_active = 1
		  AND k.key_type = ?
		  AND k.key NOT IN (SELECT key FROM suspended_keys WHERE resume_time > ?)
		ORDER BY
		  COALESCE(s.consecutive_failures, 0) ASC,
		  (SELECT COUNT(*) FROM rate_limits r
		   WHERE r.key = k.key AND r.request_time > ?) ASC,
		  COALESCE(s.total_requests, 0) ASC`,
		string(tier), now.Unix(), dayAgo)
	if err != nil {
		log.Error().Err(err).Str("tier", string(tier)).Msg("candidate query failed")
		return "", ErrNoAvailableKeys
	}

	var candidates []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			log.Error().Err(err).Msg("candidate scan failed")
			return "", ErrNoAvailableKeys
		}
		candidates = append(candidates, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		log.Error().Err(err).Msg("candidate iteration failed")
		return "", ErrNoAvailableKeys
	}

	skip, _ := preferred.Get()
	for _, key := range candidates {
		if key == skip {
			continue
		}

		withinLimits, err := m.checkRateLimit(ctx, key, now)
		if err != nil {
			log.Error().Err(err).Str("key_id", KeyID(key)).Msg("rate limit check failed")
			return "", ErrNoAvailableKeys
		}
		if !withinLimits {
			continue
		}

		if err := m.markUsed(ctx, key, now); err != nil {
			log.Error().Err(err).Str("key_id", KeyID(key)).Msg("failed to mark key used")
			return "", ErrNoAvailableKeys
		}

		log.Debug().Str("key_id", KeyID(key)).Str("tier", string(tier)).Msg("acquired key")
		return key, nil
	}

	return "", ErrNoAvailableKeys
}

// checkRateLimit reports whether the key is under both the minute and day caps.
func (m *Manager) checkRateLimit(ctx context.Context, key string, now time.Time) (bool, error) {
	var minuteCount int
	err := m.st.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM rate_limits WHERE key = ? AND request_time > ?",
		key, now.Add(-time.Minute).Unix()).Scan(&minuteCount)
	if err != nil {
		return false, err
	}
	if minuteCount >= m.cfg.RequestsPerMinute {
		return false, nil
	}

	var dayCount int
	err = m.st.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM rate_limits WHERE key = ? AND request_time > ?",
		key, now.Add(-24*time.Hour).Unix()).Scan(&dayCount)
	if err != nil {
		return false, err
	}

	return dayCount < m.cfg.RequestsPerDay, nil
}

// isAvailable reports whether a key is active, not suspended, and under
// both rate caps.
func (m *Manager) isAvailable(ctx context.Context, key string, now time.Time) (bool, error) {
	var active int
	err := m.st.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM api_keys WHERE key = ? AND is_active = 1", key).Scan(&active)
	if err != nil {
		return false, err
	}
	if active == 0 {
		return false, nil
	}

	var suspended int
	err = m.st.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM suspended_keys WHERE key = ? AND resume_time > ?",
		key, now.Unix()).Scan(&suspended)
	if err != nil {
		return false, err
	}
	if suspended > 0 {
		return false, nil
	}

	return m.checkRateLimit(ctx, key, now)
}

// markUsed increments total_requests, stamps last_used, and records one
// rate_limits row for the acquisition.
func (m *Manager) markUsed(ctx context.Context, key string, now time.Time) error {
	tx, err := m.st.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(
		"UPDATE key_stats SET total_requests = total_requests + 1, last_used = ? WHERE key = ?",
		now.Unix(), key); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO rate_limits (key, request_time) VALUES (?, ?)",
		key, now.Unix()); err != nil {
		return err
	}

	return tx.Commit()
}

// RecordSuccess increments the key's success counters and resets its
// consecutive-failure count. A free-tier success also resets the tier-wide
// counter; a paid success leaves it untouched.
func (m *Manager) RecordSuccess(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tier, err := m.keyTier(ctx, key)
	if err != nil {
		return err
	}

	now := m.now().Unix()

	tx, err := m.st.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("keypool: record success: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(
		`UPDATE key_stats
		 SET successful_requests = successful_requests + 1,
		     last_success = ?,
		     consecutive_failures = 0
		 WHERE key = ?`,
		now, key); err != nil {
		return fmt.Errorf("keypool: record success: %w", err)
	}

	if tier == TierFree {
		if _, err := tx.Exec(
			"UPDATE global_state SET value = '0' WHERE name = ?",
			store.GlobalFreeKeyFailures); err != nil {
			return fmt.Errorf("keypool: reset tier counter: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("keypool: record success: %w", err)
	}

	if tier == TierFree {
		m.freeFailures = 0
	}

	log.Debug().Str("key_id", KeyID(key)).Msg("recorded success")
	return nil
}

// RecordFailure increments the key's failure counters, stamps the error
// code and time, and bumps the error-code histogram. A free-tier failure
// also increments the tier-wide counter.
func (m *Manager) RecordFailure(ctx context.Context, key string, errorCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tier, err := m.keyTier(ctx, key)
	if err != nil {
		return err
	}

	now := m.now().Unix()

	tx, err := m.st.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("keypool: record failure: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var countsJSON string
	if err := tx.QueryRow(
		"SELECT error_counts FROM key_stats WHERE key = ?", key).Scan(&countsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("keypool: record failure: %w", err)
	}

	counts := map[string]int64{}
	if err := json.Unmarshal([]byte(countsJSON), &counts); err != nil {
		// Unreadable histogram loses history but not the failure itself.
		log.Warn().Err(err).Str("key_id", KeyID(key)).Msg("resetting malformed error_counts")
		counts = map[string]int64{}
	}
	counts[strconv.Itoa(errorCode)]++

	updated, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("keypool: record failure: %w", err)
	}

	if _, err := tx.Exec(
		`UPDATE key_stats
		 SET failed_requests = failed_requests + 1,
		     consecutive_failures = consecutive_failures + 1,
		     last_error_code = ?,
		     last_error_time = ?,
		     error_counts = ?
		 WHERE key = ?`,
		errorCode, now, string(updated), key); err != nil {
		return fmt.Errorf("keypool: record failure: %w", err)
	}

	next := m.freeFailures
	if tier == TierFree {
		next++
		if _, err := tx.Exec(
			"UPDATE global_state SET value = ? WHERE name = ?",
			strconv.Itoa(next), store.GlobalFreeKeyFailures); err != nil {
			return fmt.Errorf("keypool: bump tier counter: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("keypool: record failure: %w", err)
	}

	m.freeFailures = next

	log.Debug().
		Str("key_id", KeyID(key)).
		Int("error_code", errorCode).
		Int("free_failures", m.freeFailures).
		Msg("recorded failure")
	return nil
}

// Suspend excludes the key from selection until now+duration. A zero or
// negative duration uses the configured cooldown. Stats are untouched.
func (m *Manager) Suspend(ctx context.Context, key string, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if duration <= 0 {
		duration = m.cfg.Cooldown
	}

	resume := m.now().Add(duration)
	_, err := m.st.DB().ExecContext(ctx,
		`INSERT INTO suspended_keys (key, resume_time, reason) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET resume_time = excluded.resume_time, reason = excluded.reason`,
		key, resume.Unix(), fmt.Sprintf("cooldown %s", duration))
	if err != nil {
		return fmt.Errorf("keypool: suspend: %w", err)
	}

	log.Info().
		Str("key_id", KeyID(key)).
		Dur("duration", duration).
		Time("resume_time", resume).
		Msg("suspended key")
	return nil
}

// Invalidate permanently removes the key from the active pool, drops any
// suspension, and rewrites the tier files. Calling it twice is a no-op
// after the first.
func (m *Manager) Invalidate(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.st.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("keypool: invalidate: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.Exec("UPDATE api_keys SET is_active = 0 WHERE key = ?", key); err != nil {
		return fmt.Errorf("keypool: invalidate: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM suspended_keys WHERE key = ?", key); err != nil {
		return fmt.Errorf("keypool: invalidate: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("keypool: invalidate: %w", err)
	}

	if err := m.syncer.RewriteFiles(); err != nil {
		return err
	}

	log.Warn().Str("key_id", KeyID(key)).Msg("invalidated key")
	return nil
}

// keyTier returns the tier of a known key, active or not.
func (m *Manager) keyTier(ctx context.Context, key string) (Tier, error) {
	var tier string
	err := m.st.DB().QueryRowContext(ctx,
		"SELECT key_type FROM api_keys WHERE key = ?", key).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keypool: tier lookup: %w", err)
	}
	return Tier(tier), nil
}

// cleanupLocked deletes expired suspensions and rate_limits rows older than
// 24 hours. Caller holds m.mu.
func (m *Manager) cleanupLocked(now time.Time) error {
	if _, err := m.st.DB().Exec(
		"DELETE FROM suspended_keys WHERE resume_time <= ?", now.Unix()); err != nil {
		return err
	}
	_, err := m.st.DB().Exec(
		"DELETE FROM rate_limits WHERE request_time < ?", now.Add(-24*time.Hour).Unix())
	return err
}
