// Package dedup suppresses re-delivery of tasks that already completed
// before the broker redelivered their message.
package dedup

import (
	"context"

	"github.com/google/uuid"
)

// Cache records completed task ids for a bounded window. Lookups after the
// window report the id as unseen, which is acceptable: the service prefers a
// duplicate notification over a lost one.
type Cache interface {
	// Seen reports whether the task id completed within the window.
	Seen(ctx context.Context, id uuid.UUID) (bool, error)
	// Record marks the task id as completed.
	Record(ctx context.Context, id uuid.UUID) error
	// Close releases backend resources.
	Close() error
}
