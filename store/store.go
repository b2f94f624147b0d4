// Package store persists presence records.
//
// Writes are split by authority. Store is what the heartbeat and query paths
// use; it only ever writes the caller's own record. Evictor deletes expired
// records of any subject and must be built from credentials that normal
// request handling never sees.
package store

import (
	"context"
	"time"

	"chorus/presence-service/models"
)

type Store interface {
	// Upsert sets the subject's LastSeenAt in a single atomic
	// insert-or-update. Concurrent upserts for one subject leave exactly one
	// record holding whichever write committed last.
	Upsert(ctx context.Context, subjectID string, at time.Time) error
	// ListSince returns records with LastSeenAt >= cutoff, most recent first.
	// The order of equal timestamps is backend specific; callers that need a
	// stable order break ties themselves.
	ListSince(ctx context.Context, cutoff time.Time) ([]models.PresenceRecord, error)
}

type Evictor interface {
	// DeleteBefore removes records with LastSeenAt < cutoff and reports how
	// many were removed. A pass that removes nothing must not reach the
	// ChangeFeed, or every list would wake every subscriber.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ChangeFeed is the store's own change-notification mechanism. Listen blocks,
// calling onChange for every change it observes, until ctx is done or the
// feed fails. Delivery is neither ordered nor exactly-once.
type ChangeFeed interface {
	Listen(ctx context.Context, onChange func()) error
}
