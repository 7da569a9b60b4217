package keypool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Status runs a cleanup pass and returns a snapshot of the pool.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if err := m.cleanupLocked(now); err != nil {
		return Status{}, fmt.Errorf("keypool: status cleanup: %w", err)
	}

	status := Status{
		Tiers:            map[Tier]TierStats{},
		FreeKeyFailures:  m.freeFailures,
		FreeKeyThreshold: m.cfg.MaxFreeKeyFailures,
		RateLimits: RateCaps{
			RequestsPerMinute: m.cfg.RequestsPerMinute,
			RequestsPerDay:    m.cfg.RequestsPerDay,
		},
		ErrorDistribution: map[string]int64{},
	}

	rows, err := m.st.DB().QueryContext(ctx, `
		SELECT k.key_type,
		       COUNT(*),
		       SUM(CASE WHEN sk.key IS NULL THEN 1 ELSE 0 END)
		FROM api_keys k
		LEFT JOIN suspended_keys sk ON k.key = sk.key AND sk.resume_time > ?
		WHERE k.is_active = 1
		GROUP BY k.key_type`,
		now.Unix())
	if err != nil {
		return Status{}, fmt.Errorf("keypool: status tier scan: %w", err)
	}
	for rows.Next() {
		var (
			tier      string
			active    int
			available int
		)
		if err := rows.Scan(&tier, &active, &available); err != nil {
			rows.Close()
			return Status{}, fmt.Errorf("keypool: status tier scan: %w", err)
		}
		status.Tiers[Tier(tier)] = TierStats{
			Active:    active,
			Available: available,
			Suspended: active - available,
		}
		status.TotalKeys += active
		status.AvailableKeys += available
		status.SuspendedKeys += active - available
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Status{}, fmt.Errorf("keypool: status tier scan: %w", err)
	}

	row := m.st.DB().QueryRowContext(ctx,
		"SELECT COALESCE(SUM(successful_requests), 0), COALESCE(SUM(failed_requests), 0) FROM key_stats")
	if err := row.Scan(&status.TotalSuccessful, &status.TotalFailed); err != nil {
		return Status{}, fmt.Errorf("keypool: status aggregates: %w", err)
	}

	histRows, err := m.st.DB().QueryContext(ctx,
		"SELECT error_counts FROM key_stats WHERE error_counts != '{}'")
	if err != nil {
		return Status{}, fmt.Errorf("keypool: status histogram: %w", err)
	}
	for histRows.Next() {
		var raw string
		if err := histRows.Scan(&raw); err != nil {
			histRows.Close()
			return Status{}, fmt.Errorf("keypool: status histogram: %w", err)
		}
		counts := map[string]int64{}
		if err := json.Unmarshal([]byte(raw), &counts); err != nil {
			log.Warn().Err(err).Msg("skipping malformed error_counts row in status")
			continue
		}
		for code, n := range counts {
			status.ErrorDistribution[code] += n
		}
	}
	histRows.Close()
	if err := histRows.Err(); err != nil {
		return Status{}, fmt.Errorf("keypool: status histogram: %w", err)
	}

	return status, nil
}

// KeyDetails returns up to five masked entries for keys matching the given
// prefix, with their stats and 24h request counts.
func (m *Manager) KeyDetails(ctx context.Context, prefix string) ([]KeyDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	dayAgo := now.Add(-24 * time.Hour).Unix()

	rows, err := m.st.DB().QueryContext(ctx, `
		SELECT k.key, k.key_type, k.is_active,
		       COALESCE(s.total_requests, 0),
		       COALESCE(s.successful_requests, 0),
		       COALESCE(s.failed_requests, 0),
		       COALESCE(s.consecutive_failures, 0),
		       s.last_used, s.last_success, s.last_error_code, s.last_error_time,
		       sk.resume_time,
		       (SELECT COUNT(*) FROM rate_limits r
		        WHERE r.key = k.key AND r.request_time > ?)
		FROM api_keys k
		LEFT JOIN key_stats s ON k.key = s.key
		LEFT JOIN suspended_keys sk ON k.key = sk.key
		WHERE k.key LIKE ? || '%'
		LIMIT 5`,
		dayAgo, prefix)
	if err != nil {
		return nil, fmt.Errorf("keypool: key details: %w", err)
	}
	defer rows.Close()

	var details []KeyDetail
	for rows.Next() {
		var (
			d          KeyDetail
			rawKey     string
			tier       string
			active     int
			lastUsed   *int64
			lastOK     *int64
			errCode    *int64
			errTime    *int64
			resumeTime *int64
		)
		if err := rows.Scan(&rawKey, &tier, &active,
			&d.TotalRequests, &d.Successful, &d.Failed, &d.Consecutive,
			&lastUsed, &lastOK, &errCode, &errTime, &resumeTime,
			&d.RequestsToday); err != nil {
			return nil, fmt.Errorf("keypool: key details: %w", err)
		}

		d.Key = MaskKey(rawKey)
		d.Tier = Tier(tier)
		d.Active = active == 1
		d.LastUsed = unixPtr(lastUsed)
		d.LastSuccess = unixPtr(lastOK)
		d.LastErrorCode = errCode
		d.LastErrorTime = unixPtr(errTime)
		if resumeTime != nil {
			t := time.Unix(*resumeTime, 0)
			d.ResumeTime = &t
			d.Suspended = t.After(now)
		}

		details = append(details, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keypool: key details: %w", err)
	}

	return details, nil
}

func unixPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(*v, 0)
	return &t
}
