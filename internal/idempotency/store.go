// Package idempotency makes externally-triggered operations safe to repeat.
// A caller claims a (scope, key) pair before executing; the first claimant
// runs the operation and completes the record, later claimants get the cached
// result back byte-identically.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

type State string

const (
	StateNew        State = "new"
	StateReplay     State = "replay"
	StateConflict   State = "conflict"
	StateInProgress State = "in_progress"
)

// CachedResult is the serialized outcome of a completed operation.
type CachedResult struct {
	StatusCode int
	Body       []byte
}

type BeginResult struct {
	State  State
	Cached *CachedResult
}

// Store is first-writer-wins with expiry: Begin on an absent or expired
// record claims it; Begin on a completed record replays the cached result;
// a fingerprint mismatch on the same key is a conflict.
// Abandon drops an in-progress claim after the operation fails without a
// cacheable result, so a later retry is not blocked until the TTL runs out.
type Store interface {
	Begin(ctx context.Context, scope, key, fingerprint string, ttl time.Duration) (BeginResult, error)
	Complete(ctx context.Context, scope, key, fingerprint string, result CachedResult, ttl time.Duration) error
	Abandon(ctx context.Context, scope, key, fingerprint string) error
}

// DeriveKey builds a content-derived idempotency key by hashing the
// canonical JSON serialization of the request. Used when the caller supplies
// no explicit key.
func DeriveKey(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serialize request: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint hashes the request body so a reused key with a different
// payload is detectable as a conflict.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
