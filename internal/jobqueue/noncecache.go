package jobqueue

import "context"

// NonceCache is an optional TTL-backed fast-path consulted ahead of the
// store's authoritative nonce table (spec §3 "nonce table", DOMAIN STACK
// "nonce fast-path cache"). It trades a small false-negative window (a nonce
// not yet cached looks unseen) for cheaper rejection of hot replay traffic;
// the store's InsertNonce remains the source of truth and Enqueue never
// trusts a cache miss as proof of non-reuse.
type NonceCache interface {
	// SeenRecently reports whether nonce was marked seen and hasn't expired.
	SeenRecently(ctx context.Context, nonce string) (bool, error)
	// MarkSeen records nonce as seen for ttlSeconds.
	MarkSeen(ctx context.Context, nonce string, ttlSeconds int64) error
}
