// Package cache implements the fast counter store used for order assignment
// and advisory duplicate checks. The store is an accelerator, not the source
// of truth: the database's transactional recheck is what finally guarantees
// at-most-one application per user.
package cache

import "context"

// Store is the counter/dedup contract shared by the Redis-backed store and
// the in-memory store used for tests and single-process deployments.
type Store interface {
	// Increment atomically bumps the event counter and returns the new value.
	// The first call for an event returns 1.
	Increment(ctx context.Context, eventID string) (int, error)

	// Set overwrites the counter. Only the overflow rollback path uses it.
	Set(ctx context.Context, eventID string, value int) error

	// Get returns the current counter value, 0 if the key does not exist.
	Get(ctx context.Context, eventID string) (int, error)

	// Reset clears the counter and all dedup flags for the event.
	Reset(ctx context.Context, eventID string) error

	// IsApplied is a best-effort duplicate check. A false result may race
	// with an application in flight.
	IsApplied(ctx context.Context, eventID, userID string) (bool, error)

	// MarkApplied records the dedup flag and cached order after a successful
	// durable commit.
	MarkApplied(ctx context.Context, eventID, userID string, order int) error

	// GetOrder returns the cached order for a user. The second return value
	// is false when no order has been cached.
	GetOrder(ctx context.Context, eventID, userID string) (int, bool, error)
}
