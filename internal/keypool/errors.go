package keypool

import "errors"

// Common errors returned by the Manager.
var (
	// ErrNoAvailableKeys means the pool contains no active, non-suspended,
	// under-rate-limit key of the required tier, even after paid fallback.
	ErrNoAvailableKeys = errors.New("keypool: no available keys")

	// ErrKeyNotFound means the referenced key is not in the store.
	ErrKeyNotFound = errors.New("keypool: key not found")
)
