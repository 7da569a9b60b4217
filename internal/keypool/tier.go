package keypool

import (
	"crypto/sha256"
	"encoding/hex"
)

// Tier classifies a key as free or paid, controlling selection policy.
type Tier string

// Known tiers. Free keys are preferred until the tier-wide consecutive
// failure counter crosses the configured threshold.
const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierFree || t == TierPaid
}

// KeyID derives the stable log-safe identifier for a key: the first 8 hex
// chars of its SHA-256. Raw key material never appears in logs or status
// output.
func KeyID(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])[:8]
}

// MaskKey returns the key's first 8 characters followed by an ellipsis,
// for user-facing detail output. Short keys are returned unchanged.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8] + "..."
}
