// Package memory provides an in-memory job registry for development
// and testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/speculum/speculum/internal/archive"
)

// Registry implements archive.JobRegistry with mutex-guarded maps.
type Registry struct {
	mu       sync.RWMutex
	jobs     map[string]archive.Job
	attempts map[string]archive.AttemptRecord
	catalog  map[string]map[string]archive.CatalogItem
	now      func() time.Time
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs:     make(map[string]archive.Job),
		attempts: make(map[string]archive.AttemptRecord),
		catalog:  make(map[string]map[string]archive.CatalogItem),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PutJob stores or replaces a job. Test and seeding helper.
func (r *Registry) PutJob(job archive.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
}

// LoadJob fetches a job by ID.
func (r *Registry) LoadJob(_ context.Context, jobID string) (archive.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return archive.Job{}, fmt.Errorf("job %s: %w", jobID, archive.ErrNotFound)
	}
	return job, nil
}

// SaveJobStatus applies a status transition. Nil pointer fields are
// left unchanged.
func (r *Registry) SaveJobStatus(_ context.Context, jobID string, update archive.JobStatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, archive.ErrNotFound)
	}
	job.Status = update.Status
	if update.ErrorText != nil {
		job.LastError = *update.ErrorText
	}
	if update.RetryCount != nil {
		job.RetryCount = *update.RetryCount
	}
	if update.SizeBytes != nil {
		job.SizeBytes = *update.SizeBytes
	}
	if update.ItemCount != nil {
		job.ItemCount = *update.ItemCount
	}
	if update.LastCrawl != nil {
		job.LastCrawl = copyTime(update.LastCrawl)
	}
	if update.NextCrawl != nil {
		job.NextCrawl = copyTime(update.NextCrawl)
	}
	job.UpdatedAt = r.now()
	r.jobs[jobID] = job
	return nil
}

// SetChannelID persists a resolved channel ID.
func (r *Registry) SetChannelID(_ context.Context, jobID, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, archive.ErrNotFound)
	}
	job.ChannelID = channelID
	job.UpdatedAt = r.now()
	r.jobs[jobID] = job
	return nil
}

// AppendAttemptRecord stores a new open attempt.
func (r *Registry) AppendAttemptRecord(_ context.Context, rec archive.AttemptRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.attempts[rec.ID]; exists {
		return fmt.Errorf("attempt %s already exists", rec.ID)
	}
	r.attempts[rec.ID] = rec
	return nil
}

// FinalizeAttemptRecord closes an open attempt. Finalizing an already
// finalized attempt is a no-op so racing finalizers are safe.
func (r *Registry) FinalizeAttemptRecord(_ context.Context, attemptID string, fin archive.AttemptFinal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.attempts[attemptID]
	if !ok {
		return fmt.Errorf("attempt %s: %w", attemptID, archive.ErrNotFound)
	}
	if rec.FinishedAt != nil {
		return nil
	}
	rec.AttemptFinal = fin
	rec.FinishedAt = copyTime(fin.FinishedAt)
	r.attempts[attemptID] = rec
	return nil
}

// UpsertCatalogItem stores a catalog row, idempotent by (jobID, itemID).
func (r *Registry) UpsertCatalogItem(_ context.Context, item archive.CatalogItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	items, ok := r.catalog[item.JobID]
	if !ok {
		items = make(map[string]archive.CatalogItem)
		r.catalog[item.JobID] = items
	}
	items[item.ItemID] = item
	return nil
}

// ListDueJobs returns jobs in a recrawlable status whose next-crawl
// time has passed.
func (r *Registry) ListDueJobs(_ context.Context, now time.Time) ([]archive.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var due []archive.Job
	for _, job := range r.jobs {
		if job.Status != archive.JobStatusReady && job.Status != archive.JobStatusError {
			continue
		}
		if job.NextCrawl != nil && !job.NextCrawl.After(now) {
			due = append(due, job)
		}
	}
	sortJobs(due)
	return due, nil
}

// ListRetryDue returns up to limit retry_pending jobs whose next
// attempt time has passed.
func (r *Registry) ListRetryDue(_ context.Context, now time.Time, limit int) ([]archive.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var due []archive.Job
	for _, job := range r.jobs {
		if job.Status != archive.JobStatusRetryPending {
			continue
		}
		if job.NextCrawl == nil || !job.NextCrawl.After(now) {
			due = append(due, job)
		}
	}
	sortJobs(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ResetStuckJobs moves crawling jobs last updated before the cutoff to
// error, skipping IDs with a live entry. Returns the number reset.
func (r *Registry) ResetStuckJobs(_ context.Context, cutoff time.Time, excludeIDs []string) (int, error) {
	exclude := make(map[string]bool, len(excludeIDs))
	for _, id := range excludeIDs {
		exclude[id] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	reset := 0
	for id, job := range r.jobs {
		if job.Status != archive.JobStatusCrawling || exclude[id] {
			continue
		}
		if job.UpdatedAt.After(cutoff) {
			continue
		}
		job.Status = archive.JobStatusError
		job.LastError = "crawl orphaned by restart"
		job.UpdatedAt = r.now()
		r.jobs[id] = job
		reset++
	}
	return reset, nil
}

// Attempts returns all attempt records for a job, oldest first. Test
// helper.
func (r *Registry) Attempts(jobID string) []archive.AttemptRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []archive.AttemptRecord
	for _, rec := range r.attempts {
		if rec.JobID == jobID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// CatalogItems returns the catalog rows for a job. Test helper.
func (r *Registry) CatalogItems(jobID string) []archive.CatalogItem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []archive.CatalogItem
	for _, item := range r.catalog[jobID] {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

func sortJobs(jobs []archive.Job) {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}
