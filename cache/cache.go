// Package cache provides the engine's best-effort key/value store. Entries
// are read-through copies of authoritative records held elsewhere, so every
// implementation is allowed to lose data: callers must treat any failure as
// a miss and fall back to the authoritative source.
package cache

import (
	"context"
	"time"
)

// Cache is a TTL'd key/value store with glob-style key enumeration.
type Cache interface {
	// Get returns the value stored under key, reporting whether it was found.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key for the supplied TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys enumerates keys matching a glob pattern such as "proposal:*:e1".
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// EventKey is the cache key of a read-through event record.
func EventKey(eventID string) string {
	return "event:" + eventID
}

// ProposalKey is the cache key of a read-through proposal record. The event
// id is part of the key so settlement can purge every proposal of an event
// with one pattern scan.
func ProposalKey(proposalID, eventID string) string {
	return "proposal:" + proposalID + ":" + eventID
}

// ProposalPattern matches every proposal key belonging to an event.
func ProposalPattern(eventID string) string {
	return "proposal:*:" + eventID
}
