// Package archive defines core types shared across subsystems.
package archive

import (
	"time"
)

// JobKind selects the external tool used to archive a target.
type JobKind string

// Job kinds persisted in the job registry. The dispatcher switches
// exhaustively over these; adding a kind requires a new handler.
const (
	JobKindPageMirror      JobKind = "page_mirror"
	JobKindVideoChannel    JobKind = "video_channel"
	JobKindBrowserSnapshot JobKind = "browser_snapshot"
)

// JobStatus represents the lifecycle state of an archive job.
type JobStatus string

// Job status values persisted in the job registry. Valid transitions:
// pending -> crawling -> {ready | retry_pending | error | dead},
// retry_pending -> crawling, and error/dead -> pending via external reset.
const (
	JobStatusPending      JobStatus = "pending"
	JobStatusCrawling     JobStatus = "crawling"
	JobStatusReady        JobStatus = "ready"
	JobStatusRetryPending JobStatus = "retry_pending"
	JobStatusError        JobStatus = "error"
	JobStatusDead         JobStatus = "dead"
)

// Job is the persisted configuration and state of one archive target.
type Job struct {
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	Kind            JobKind    `json:"kind"`
	Depth           int        `json:"depth"`
	IncludeExternal bool       `json:"include_external"`
	IntervalDays    int        `json:"interval_days"`
	Status          JobStatus  `json:"status"`
	LastError       string     `json:"last_error,omitempty"`
	RetryCount      int        `json:"retry_count"`
	SizeBytes       int64      `json:"size_bytes"`
	ItemCount       int        `json:"item_count"`
	ChannelID       string     `json:"channel_id,omitempty"`
	LastCrawl       *time.Time `json:"last_crawl,omitempty"`
	NextCrawl       *time.Time `json:"next_crawl,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// AttemptOutcome labels one finished dispatch of a job.
type AttemptOutcome string

// Attempt outcomes persisted in attempt records.
const (
	AttemptOutcomeSuccess   AttemptOutcome = "success"
	AttemptOutcomeError     AttemptOutcome = "error"
	AttemptOutcomeCancelled AttemptOutcome = "cancelled"
)

// AttemptRecord is the append-only audit trail of one dispatch. It is
// created when the dispatcher starts and finalized exactly once.
type AttemptRecord struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	StartedAt time.Time `json:"started_at"`
	AttemptFinal
}

// AttemptFinal carries the fields written when an attempt record is
// finalized. A nil FinishedAt means the attempt is still open.
type AttemptFinal struct {
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
	Outcome          AttemptOutcome `json:"outcome,omitempty"`
	ItemsCrawled     int            `json:"items_crawled"`
	BytesTransferred int64          `json:"bytes_transferred"`
	LogTail          []string       `json:"log_tail,omitempty"`
	ErrorText        string         `json:"error_text,omitempty"`
}

// JobStatusUpdate names the job fields a status transition may touch.
// Nil pointer fields are left unchanged.
type JobStatusUpdate struct {
	Status     JobStatus
	ErrorText  *string
	RetryCount *int
	SizeBytes  *int64
	ItemCount  *int
	LastCrawl  *time.Time
	NextCrawl  *time.Time
}

// CatalogItem is one downloaded media item belonging to a channel job,
// keyed by (JobID, ItemID).
type CatalogItem struct {
	JobID             string     `json:"job_id"`
	ItemID            string     `json:"item_id"`
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	DurationSeconds   int        `json:"duration_seconds"`
	UploadDate        *time.Time `json:"upload_date,omitempty"`
	Filename          string     `json:"filename,omitempty"`
	ThumbnailFilename string     `json:"thumbnail_filename,omitempty"`
	SizeBytes         int64      `json:"size_bytes"`
}

// CrawlStats summarizes what one dispatch left on disk.
type CrawlStats struct {
	SizeBytes int64 `json:"size_bytes"`
	ItemCount int   `json:"item_count"`
}

// LiveCrawl is a point-in-time view of one running job.
type LiveCrawl struct {
	JobID          string    `json:"job_id"`
	TargetURL      string    `json:"target_url"`
	StartedAt      time.Time `json:"started_at"`
	ElapsedSeconds int64     `json:"elapsed_seconds"`
	LogLineCount   int       `json:"log_line_count"`
}

// Progress is a best-effort view into a running job derived from its
// recent tool output.
type Progress struct {
	JobID          string   `json:"job_id"`
	ElapsedSeconds int64    `json:"elapsed_seconds"`
	CurrentFile    string   `json:"current_file,omitempty"`
	ItemsSoFar     int      `json:"items_so_far"`
	RecentLines    []string `json:"recent_lines,omitempty"`
}

// CompletionEvent is published after a successful crawl so downstream
// post-processors (enrichment, indexing) can react. Fire and forget.
type CompletionEvent struct {
	JobID      string    `json:"job_id"`
	AttemptID  string    `json:"attempt_id"`
	URL        string    `json:"url"`
	Kind       JobKind   `json:"kind"`
	SizeBytes  int64     `json:"size_bytes"`
	ItemCount  int       `json:"item_count"`
	FinishedAt time.Time `json:"finished_at"`
}
