package notice

import (
	"context"
	"time"
)

// Store is the persistence gateway consumed by the pipeline. Write operations
// are independent, self-contained transactions; a notice and its attachments
// are committed together.
type Store interface {
	// IsNewNotice reports whether id is unknown to the store. It must be
	// consulted before any detail fetch or insert.
	IsNewNotice(ctx context.Context, id string) (bool, error)

	// InsertNotice persists a draft with its attachments and returns the
	// stored notice.
	InsertNotice(ctx context.Context, draft Draft) (*Notice, error)

	// InsertStatus appends one cycle-outcome row.
	InsertStatus(ctx context.Context, code StatusCode) error

	// GetUnpushedNotices returns every notice not yet handed to the
	// broadcast collaborator, oldest first.
	GetUnpushedNotices(ctx context.Context) ([]Notice, error)

	// MarkPushed flips a notice's pushed flag. The false requires true
	// transition happens exactly once per notice.
	MarkPushed(ctx context.Context, id string) error

	// GetLatestStatus returns status rows with timestamps in [since, now].
	GetLatestStatus(ctx context.Context, since time.Time) ([]StatusRecord, error)

	// GetLatestNotices returns up to limit notices ordered by creation time
	// descending, skipping offset rows.
	GetLatestNotices(ctx context.Context, limit, offset int) ([]Notice, error)
}

// Broadcaster hands newly persisted notices to the delivery collaborator.
type Broadcaster interface {
	BroadcastNotice(ctx context.Context, n *Notice) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
