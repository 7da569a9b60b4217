package keypool

import "time"

// TierStats is the per-tier breakdown inside Status.
type TierStats struct {
	Active    int `json:"active"`
	Available int `json:"available"`
	Suspended int `json:"suspended"`
}

// RateCaps reports the configured per-key rate limits.
type RateCaps struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	RequestsPerDay    int `json:"requests_per_day"`
}

// Status is a snapshot of the pool returned by Manager.Status.
type Status struct {
	TotalKeys          int                `json:"total_keys"`
	AvailableKeys      int                `json:"available_keys"`
	SuspendedKeys      int                `json:"suspended_keys"`
	Tiers              map[Tier]TierStats `json:"tiers"`
	TotalSuccessful    int64              `json:"total_successful_requests"`
	TotalFailed        int64              `json:"total_failed_requests"`
	FreeKeyFailures    int                `json:"free_key_consecutive_failures"`
	FreeKeyThreshold   int                `json:"max_free_key_failures"`
	RateLimits         RateCaps           `json:"rate_limits"`
	ErrorDistribution  map[string]int64   `json:"error_distribution"`
}

// KeyDetail is one masked entry from Manager.KeyDetails.
type KeyDetail struct {
	Key           string     `json:"key"`
	Tier          Tier       `json:"tier"`
	Active        bool       `json:"is_active"`
	Suspended     bool       `json:"is_suspended"`
	ResumeTime    *time.Time `json:"resume_time,omitempty"`
	TotalRequests int64      `json:"total_requests"`
	Successful    int64      `json:"successful_requests"`
	Failed        int64      `json:"failed_requests"`
	Consecutive   int64      `json:"consecutive_failures"`
	RequestsToday int64      `json:"requests_today"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
	LastSuccess   *time.Time `json:"last_success,omitempty"`
	LastErrorCode *int64     `json:"last_error_code,omitempty"`
	LastErrorTime *time.Time `json:"last_error_time,omitempty"`
}
