package queue

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the persistence mirror for queue state. The in-memory
// core is the authoritative live view; the repository records state
// changes for durability and cross-process recovery, and supplies the
// snapshot of active entries a hospital queue is hydrated from.
type Repository interface {
	// ListActive returns the WAITING and IN_SERVICE entries for a
	// hospital, used to hydrate a core at first access.
	ListActive(ctx context.Context, hospitalID uuid.UUID) ([]*QueueEntry, error)

	// SaveEntry inserts or replaces a single entry row.
	SaveEntry(ctx context.Context, e *QueueEntry) error

	// SaveSnapshot mirrors the positions and statuses of all given
	// entries after a re-rank.
	SaveSnapshot(ctx context.Context, hospitalID uuid.UUID, entries []QueueEntry) error

	// DeleteEntry removes an entry row, reporting whether it existed.
	DeleteEntry(ctx context.Context, id uuid.UUID) (bool, error)

	// AppendUpdates writes starvation audit records. The log is
	// append-only and never mutated.
	AppendUpdates(ctx context.Context, updates []QueueUpdate) error

	// ListUpdates returns the audit log for a hospital, oldest first.
	ListUpdates(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]QueueUpdate, int, error)
}
