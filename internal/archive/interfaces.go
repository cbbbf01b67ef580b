package archive

import (
	"context"
	"time"
)

// JobRegistry persists jobs, attempt records, and catalog items. The
// engine only reads and writes through this interface; ownership of the
// records lives with the registry implementation.
type JobRegistry interface {
	LoadJob(ctx context.Context, jobID string) (Job, error)
	SaveJobStatus(ctx context.Context, jobID string, update JobStatusUpdate) error
	SetChannelID(ctx context.Context, jobID string, channelID string) error
	AppendAttemptRecord(ctx context.Context, rec AttemptRecord) error
	// FinalizeAttemptRecord closes an open attempt. Finalizing an
	// already-finalized attempt is a no-op, which makes the dispatcher
	// cleanup and the cancellation path safe to race.
	FinalizeAttemptRecord(ctx context.Context, attemptID string, fin AttemptFinal) error
	UpsertCatalogItem(ctx context.Context, item CatalogItem) error
	ListDueJobs(ctx context.Context, now time.Time) ([]Job, error)
	ListRetryDue(ctx context.Context, now time.Time, limit int) ([]Job, error)
	ResetStuckJobs(ctx context.Context, cutoff time.Time, excludeIDs []string) (int, error)
}

// BlobStore writes artifacts (snapshots, archived logs) and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces attempt and request IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
