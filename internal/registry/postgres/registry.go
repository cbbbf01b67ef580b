// Package postgres provides the Postgres-backed job registry.
//
// Expected schema:
//
//	CREATE TABLE jobs (
//	    id               TEXT PRIMARY KEY,
//	    url              TEXT NOT NULL,
//	    kind             TEXT NOT NULL,
//	    depth            INT NOT NULL DEFAULT 0,
//	    include_external BOOLEAN NOT NULL DEFAULT FALSE,
//	    interval_days    INT NOT NULL DEFAULT 7,
//	    status           TEXT NOT NULL DEFAULT 'pending',
//	    last_error       TEXT NOT NULL DEFAULT '',
//	    retry_count      INT NOT NULL DEFAULT 0,
//	    size_bytes       BIGINT NOT NULL DEFAULT 0,
//	    item_count       INT NOT NULL DEFAULT 0,
//	    channel_id       TEXT NOT NULL DEFAULT '',
//	    last_crawl       TIMESTAMPTZ,
//	    next_crawl       TIMESTAMPTZ,
//	    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//
//	CREATE TABLE attempts (
//	    id                TEXT PRIMARY KEY,
//	    job_id            TEXT NOT NULL REFERENCES jobs (id),
//	    started_at        TIMESTAMPTZ NOT NULL,
//	    finished_at       TIMESTAMPTZ,
//	    outcome           TEXT,
//	    items_crawled     INT NOT NULL DEFAULT 0,
//	    bytes_transferred BIGINT NOT NULL DEFAULT 0,
//	    log_tail          TEXT[],
//	    error_text        TEXT NOT NULL DEFAULT ''
//	);
//
//	CREATE TABLE catalog_items (
//	    job_id             TEXT NOT NULL REFERENCES jobs (id),
//	    item_id            TEXT NOT NULL,
//	    title              TEXT NOT NULL DEFAULT '',
//	    description        TEXT NOT NULL DEFAULT '',
//	    duration_seconds   INT NOT NULL DEFAULT 0,
//	    upload_date        TIMESTAMPTZ,
//	    filename           TEXT NOT NULL DEFAULT '',
//	    thumbnail_filename TEXT NOT NULL DEFAULT '',
//	    size_bytes         BIGINT NOT NULL DEFAULT 0,
//	    PRIMARY KEY (job_id, item_id)
//	);
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/speculum/speculum/internal/archive"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Registry implements archive.JobRegistry on Postgres.
type Registry struct {
	pool dbPool
}

// NewRegistry connects a pool and wraps it in a Registry.
func NewRegistry(ctx context.Context, cfg Config) (*Registry, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("registry.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Registry{pool: pool}, nil
}

// NewRegistryWithPool constructs a Registry from an existing pool
// (primarily for testing).
func NewRegistryWithPool(pool dbPool) (*Registry, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Registry{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (r *Registry) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

const jobColumns = `id, url, kind, depth, include_external, interval_days, status,
last_error, retry_count, size_bytes, item_count, channel_id, last_crawl, next_crawl, updated_at`

func scanJob(row pgx.Row) (archive.Job, error) {
	var job archive.Job
	err := row.Scan(
		&job.ID,
		&job.URL,
		&job.Kind,
		&job.Depth,
		&job.IncludeExternal,
		&job.IntervalDays,
		&job.Status,
		&job.LastError,
		&job.RetryCount,
		&job.SizeBytes,
		&job.ItemCount,
		&job.ChannelID,
		&job.LastCrawl,
		&job.NextCrawl,
		&job.UpdatedAt,
	)
	return job, err
}

// LoadJob fetches a job by ID.
func (r *Registry) LoadJob(ctx context.Context, jobID string) (archive.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.Job{}, fmt.Errorf("job %s: %w", jobID, archive.ErrNotFound)
	}
	if err != nil {
		return archive.Job{}, fmt.Errorf("load job: %w", err)
	}
	return job, nil
}

// SaveJobStatus applies a status transition. Nil pointer fields are
// left unchanged.
func (r *Registry) SaveJobStatus(ctx context.Context, jobID string, update archive.JobStatusUpdate) error {
	sets := []string{"status = $2", "updated_at = now()"}
	args := []any{jobID, update.Status}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.ErrorText != nil {
		add("last_error", *update.ErrorText)
	}
	if update.RetryCount != nil {
		add("retry_count", *update.RetryCount)
	}
	if update.SizeBytes != nil {
		add("size_bytes", *update.SizeBytes)
	}
	if update.ItemCount != nil {
		add("item_count", *update.ItemCount)
	}
	if update.LastCrawl != nil {
		add("last_crawl", *update.LastCrawl)
	}
	if update.NextCrawl != nil {
		add("next_crawl", *update.NextCrawl)
	}

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = $1", strings.Join(sets, ", "))
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("save job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, archive.ErrNotFound)
	}
	return nil
}

// SetChannelID persists a resolved channel ID.
func (r *Registry) SetChannelID(ctx context.Context, jobID, channelID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs SET channel_id = $2, updated_at = now() WHERE id = $1`,
		jobID, channelID,
	)
	if err != nil {
		return fmt.Errorf("set channel id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, archive.ErrNotFound)
	}
	return nil
}

// AppendAttemptRecord inserts a new open attempt.
func (r *Registry) AppendAttemptRecord(ctx context.Context, rec archive.AttemptRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("attempt id is required")
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempts (id, job_id, started_at) VALUES ($1, $2, $3)`,
		rec.ID, rec.JobID, rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("append attempt record: %w", err)
	}
	return nil
}

// FinalizeAttemptRecord closes an open attempt. The guard on
// finished_at makes a second finalization a no-op, so the dispatcher
// cleanup and the cancellation path can race safely.
func (r *Registry) FinalizeAttemptRecord(ctx context.Context, attemptID string, fin archive.AttemptFinal) error {
	_, err := r.pool.Exec(ctx, `
UPDATE attempts
SET finished_at = $2,
    outcome = $3,
    items_crawled = $4,
    bytes_transferred = $5,
    log_tail = $6,
    error_text = $7
WHERE id = $1 AND finished_at IS NULL`,
		attemptID,
		fin.FinishedAt,
		fin.Outcome,
		fin.ItemsCrawled,
		fin.BytesTransferred,
		fin.LogTail,
		fin.ErrorText,
	)
	if err != nil {
		return fmt.Errorf("finalize attempt record: %w", err)
	}
	return nil
}

// UpsertCatalogItem inserts or refreshes one catalog row, idempotent
// by (job_id, item_id).
func (r *Registry) UpsertCatalogItem(ctx context.Context, item archive.CatalogItem) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO catalog_items (
    job_id, item_id, title, description, duration_seconds,
    upload_date, filename, thumbnail_filename, size_bytes
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (job_id, item_id) DO UPDATE SET
    title = EXCLUDED.title,
    description = EXCLUDED.description,
    duration_seconds = EXCLUDED.duration_seconds,
    upload_date = EXCLUDED.upload_date,
    filename = EXCLUDED.filename,
    thumbnail_filename = EXCLUDED.thumbnail_filename,
    size_bytes = EXCLUDED.size_bytes`,
		item.JobID,
		item.ItemID,
		item.Title,
		item.Description,
		item.DurationSeconds,
		item.UploadDate,
		item.Filename,
		item.ThumbnailFilename,
		item.SizeBytes,
	)
	if err != nil {
		return fmt.Errorf("upsert catalog item: %w", err)
	}
	return nil
}

// ListDueJobs returns recrawlable jobs whose next-crawl time has
// passed.
func (r *Registry) ListDueJobs(ctx context.Context, now time.Time) ([]archive.Job, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE status IN ('ready', 'error') AND next_crawl IS NOT NULL AND next_crawl <= $1
ORDER BY next_crawl`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListRetryDue returns up to limit retry_pending jobs whose next
// attempt time has passed.
func (r *Registry) ListRetryDue(ctx context.Context, now time.Time, limit int) ([]archive.Job, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE status = 'retry_pending' AND (next_crawl IS NULL OR next_crawl <= $1)
ORDER BY next_crawl NULLS FIRST
LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list retry due: %w", err)
	}
	return collectJobs(rows)
}

// ResetStuckJobs moves crawling rows last updated before the cutoff to
// error, skipping jobs with a live entry. Returns the number reset.
func (r *Registry) ResetStuckJobs(ctx context.Context, cutoff time.Time, excludeIDs []string) (int, error) {
	if excludeIDs == nil {
		excludeIDs = []string{}
	}
	tag, err := r.pool.Exec(ctx, `
UPDATE jobs
SET status = 'error', last_error = 'crawl orphaned by restart', updated_at = now()
WHERE status = 'crawling' AND updated_at <= $1 AND NOT (id = ANY($2))`,
		cutoff, excludeIDs,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stuck jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func collectJobs(rows pgx.Rows) ([]archive.Job, error) {
	defer rows.Close()
	var jobs []archive.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}
