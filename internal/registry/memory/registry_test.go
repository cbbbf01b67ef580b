package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/speculum/speculum/internal/archive"
)

func seedJob(r *Registry, id string, status archive.JobStatus, next *time.Time) {
	r.PutJob(archive.Job{
		ID:        id,
		URL:       "https://example.com/" + id,
		Kind:      archive.JobKindPageMirror,
		Status:    status,
		NextCrawl: next,
		UpdatedAt: time.Now().UTC(),
	})
}

func TestLoadJobNotFound(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.LoadJob(context.Background(), "missing")
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func TestSaveJobStatusPartialUpdate(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	seedJob(r, "job-1", archive.JobStatusPending, nil)

	errText := "boom"
	count := 2
	require.NoError(t, r.SaveJobStatus(context.Background(), "job-1", archive.JobStatusUpdate{
		Status:     archive.JobStatusRetryPending,
		ErrorText:  &errText,
		RetryCount: &count,
	}))

	job, err := r.LoadJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, archive.JobStatusRetryPending, job.Status)
	require.Equal(t, "boom", job.LastError)
	require.Equal(t, 2, job.RetryCount)
	// Untouched fields keep their values.
	require.Zero(t, job.SizeBytes)
	require.Nil(t, job.LastCrawl)
}

func TestFinalizeAttemptRecordIsIdempotent(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	started := time.Now().UTC()
	require.NoError(t, r.AppendAttemptRecord(context.Background(), archive.AttemptRecord{
		ID:        "att-1",
		JobID:     "job-1",
		StartedAt: started,
	}))

	first := started.Add(time.Minute)
	require.NoError(t, r.FinalizeAttemptRecord(context.Background(), "att-1", archive.AttemptFinal{
		FinishedAt: &first,
		Outcome:    archive.AttemptOutcomeCancelled,
		ErrorText:  "manually interrupted",
	}))

	// A racing finalizer loses silently.
	second := started.Add(2 * time.Minute)
	require.NoError(t, r.FinalizeAttemptRecord(context.Background(), "att-1", archive.AttemptFinal{
		FinishedAt: &second,
		Outcome:    archive.AttemptOutcomeError,
		ErrorText:  "late",
	}))

	recs := r.Attempts("job-1")
	require.Len(t, recs, 1)
	require.Equal(t, archive.AttemptOutcomeCancelled, recs[0].Outcome)
	require.Equal(t, "manually interrupted", recs[0].ErrorText)
	require.True(t, recs[0].FinishedAt.Equal(first))
}

func TestUpsertCatalogItemIdempotent(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	item := archive.CatalogItem{JobID: "job-1", ItemID: "vid-1", Title: "first"}
	require.NoError(t, r.UpsertCatalogItem(context.Background(), item))
	item.Title = "second"
	require.NoError(t, r.UpsertCatalogItem(context.Background(), item))

	items := r.CatalogItems("job-1")
	require.Len(t, items, 1)
	require.Equal(t, "second", items[0].Title)
}

func TestListDueJobs(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	seedJob(r, "due-ready", archive.JobStatusReady, &past)
	seedJob(r, "due-error", archive.JobStatusError, &past)
	seedJob(r, "not-yet", archive.JobStatusReady, &future)
	seedJob(r, "never", archive.JobStatusReady, nil)
	seedJob(r, "retrying", archive.JobStatusRetryPending, &past)

	due, err := r.ListDueJobs(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, "due-error", due[0].ID)
	require.Equal(t, "due-ready", due[1].ID)
}

func TestListRetryDueHonorsLimit(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	seedJob(r, "r1", archive.JobStatusRetryPending, &past)
	seedJob(r, "r2", archive.JobStatusRetryPending, &past)
	seedJob(r, "r3", archive.JobStatusRetryPending, nil)
	seedJob(r, "ready", archive.JobStatusReady, &past)

	due, err := r.ListRetryDue(context.Background(), now, 2)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, "r1", due[0].ID)
}

func TestResetStuckJobs(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	now := time.Now().UTC()
	stale := now.Add(-7 * time.Hour)

	r.PutJob(archive.Job{ID: "stuck", Status: archive.JobStatusCrawling, UpdatedAt: stale})
	r.PutJob(archive.Job{ID: "live", Status: archive.JobStatusCrawling, UpdatedAt: stale})
	r.PutJob(archive.Job{ID: "fresh", Status: archive.JobStatusCrawling, UpdatedAt: now})

	reset, err := r.ResetStuckJobs(context.Background(), now.Add(-6*time.Hour), []string{"live"})
	require.NoError(t, err)
	require.Equal(t, 1, reset)

	stuck, err := r.LoadJob(context.Background(), "stuck")
	require.NoError(t, err)
	require.Equal(t, archive.JobStatusError, stuck.Status)
	require.NotEmpty(t, stuck.LastError)

	for _, id := range []string{"live", "fresh"} {
		job, err := r.LoadJob(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, archive.JobStatusCrawling, job.Status)
	}
}
