// Package engine turns archive jobs into supervised, cancellable,
// retryable subprocess runs and commits their outcomes.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/speculum/speculum/internal/archive"
	"github.com/speculum/speculum/internal/live"
	"github.com/speculum/speculum/internal/metrics"
	"github.com/speculum/speculum/internal/runner"
)

// ToolRunner abstracts the process runner so dispatch logic can be
// tested against a fake.
type ToolRunner interface {
	Run(ctx context.Context, req runner.Request) (runner.Result, error)
}

// Snapshotter renders a successfully mirrored site and stores the
// screenshot artifacts. Failures never affect the crawl outcome.
type Snapshotter interface {
	CaptureMirror(ctx context.Context, jobID, indexPath string) error
}

// Config carries the tool and filesystem settings for one Engine.
type Config struct {
	MirrorsBase string

	WgetBin    string
	YtdlpBin   string
	CaptureBin string

	// CompletionTopic is the topic completion events are published to.
	CompletionTopic string

	// ChannelProbeTimeout bounds the channel-ID metadata probe.
	ChannelProbeTimeout time.Duration
}

const defaultChannelProbeTimeout = 60 * time.Second

// Engine is the crawl orchestration core. It owns the live job
// registry and one goroutine per active crawl; everything durable goes
// through the injected JobRegistry.
type Engine struct {
	cfg      Config
	jobs     archive.JobRegistry
	live     *live.Registry
	runner   ToolRunner
	timeouts *archive.TimeoutPolicy
	retry    *archive.RetryPolicy
	clock    archive.Clock
	ids      archive.IDGenerator
	logger   *zap.Logger

	// Optional collaborators. Nil disables the feature.
	publisher archive.Publisher
	blobs     archive.BlobStore
	snapshots Snapshotter

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

// WithPublisher enables completion-event publishing.
func WithPublisher(p archive.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithBlobStore enables attempt-log archival.
func WithBlobStore(b archive.BlobStore) Option {
	return func(e *Engine) { e.blobs = b }
}

// WithSnapshotter enables post-success mirror screenshots.
func WithSnapshotter(s Snapshotter) Option {
	return func(e *Engine) { e.snapshots = s }
}

// New constructs an Engine. Background crawls run until Shutdown.
func New(
	cfg Config,
	jobs archive.JobRegistry,
	liveReg *live.Registry,
	toolRunner ToolRunner,
	timeouts *archive.TimeoutPolicy,
	retry *archive.RetryPolicy,
	clock archive.Clock,
	ids archive.IDGenerator,
	logger *zap.Logger,
	opts ...Option,
) *Engine {
	if cfg.ChannelProbeTimeout <= 0 {
		cfg.ChannelProbeTimeout = defaultChannelProbeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		jobs:       jobs,
		live:       liveReg,
		runner:     toolRunner,
		timeouts:   timeouts,
		retry:      retry,
		clock:      clock,
		ids:        ids,
		logger:     logger,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EnqueueCrawl starts a background dispatch for the job. It returns
// false with a nil error when the job is already live, which makes
// repeated enqueues a no-op. Crawl failures never surface here; the
// caller observes them through job status transitions.
func (e *Engine) EnqueueCrawl(ctx context.Context, jobID string) (bool, error) {
	job, err := e.jobs.LoadJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("load job %s: %w", jobID, err)
	}

	jobCtx, cancel := context.WithCancel(e.rootCtx)
	if !e.live.Reserve(job.ID, job.URL, cancel) {
		cancel()
		e.logger.Debug("job already live, enqueue skipped", zap.String("job_id", jobID))
		return false, nil
	}

	e.wg.Add(1)
	metrics.IncLiveCrawls()
	go e.runJob(jobCtx, job)
	return true, nil
}

// CancelCrawl tears down a live crawl out-of-band. The victim's own
// supervision loop observes the process exit; persistence of the
// cancelled outcome happens here so the user-visible record is written
// even before the dispatcher goroutine finishes unwinding.
func (e *Engine) CancelCrawl(ctx context.Context, jobID string) (bool, string) {
	term, ok := e.live.Terminate(jobID)
	if !ok {
		return false, "nothing to cancel"
	}

	errText := "manually interrupted"
	if err := e.jobs.SaveJobStatus(ctx, jobID, archive.JobStatusUpdate{
		Status:    archive.JobStatusError,
		ErrorText: &errText,
	}); err != nil {
		metrics.ObserveEngineFault()
		e.logger.Error("persist cancelled status failed", zap.String("job_id", jobID), zap.Error(err))
	}
	if term.AttemptID != "" {
		now := e.clock.Now()
		if err := e.jobs.FinalizeAttemptRecord(ctx, term.AttemptID, archive.AttemptFinal{
			FinishedAt: &now,
			Outcome:    archive.AttemptOutcomeCancelled,
			LogTail:    term.LogTail,
			ErrorText:  errText,
		}); err != nil {
			metrics.ObserveEngineFault()
			e.logger.Error("finalize cancelled attempt failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	e.logger.Info("crawl cancelled", zap.String("job_id", jobID))
	return true, "crawl terminated"
}

// ListLiveCrawls snapshots all currently running jobs.
func (e *Engine) ListLiveCrawls() []archive.LiveCrawl {
	return e.live.Snapshot()
}

// GetProgress returns a best-effort progress view for a live job.
func (e *Engine) GetProgress(jobID string) (archive.Progress, bool) {
	return e.live.Progress(jobID)
}

// GetLiveLogTail returns the last n buffered log lines for a live job.
func (e *Engine) GetLiveLogTail(jobID string, n int) ([]string, bool) {
	return e.live.TailLog(jobID, n)
}

// Shutdown cancels all running crawls and waits for their dispatcher
// goroutines to finish cleanup, or for ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.rootCancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for crawls to stop: %w", ctx.Err())
	}
}

// runJob is the per-job dispatcher loop: mark crawling, run the tool
// invocation(s) for the job kind, then commit either success or the
// retry routing decision. Cleanup of the live entry always runs.
func (e *Engine) runJob(ctx context.Context, job archive.Job) {
	defer e.wg.Done()
	defer metrics.DecLiveCrawls()
	defer e.live.Unregister(job.ID)

	// Persistence must survive job cancellation.
	persistCtx := context.WithoutCancel(ctx)
	started := e.clock.Now()

	attemptID, err := e.ids.NewID()
	if err != nil {
		metrics.ObserveEngineFault()
		e.logger.Error("generate attempt id failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	clearText := ""
	if err := e.jobs.SaveJobStatus(persistCtx, job.ID, archive.JobStatusUpdate{
		Status:    archive.JobStatusCrawling,
		ErrorText: &clearText,
	}); err != nil {
		metrics.ObserveEngineFault()
		e.logger.Error("mark crawling failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := e.jobs.AppendAttemptRecord(persistCtx, archive.AttemptRecord{
		ID:        attemptID,
		JobID:     job.ID,
		StartedAt: started,
	}); err != nil {
		metrics.ObserveEngineFault()
		e.logger.Error("append attempt record failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	e.live.SetAttempt(job.ID, attemptID)

	e.logger.Info("crawl started",
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.String("kind", string(job.Kind)),
	)

	stats, log, runErr := e.dispatch(ctx, job)
	finished := e.clock.Now()
	duration := finished.Sub(started)
	tail := lastLines(log, capturedTailLines)

	if ctx.Err() != nil {
		// Cancelled out-of-band. The cancellation path owns the status
		// write; finalizing again is a no-op when it already won.
		if err := e.jobs.FinalizeAttemptRecord(persistCtx, attemptID, archive.AttemptFinal{
			FinishedAt: &finished,
			Outcome:    archive.AttemptOutcomeCancelled,
			LogTail:    tail,
			ErrorText:  "manually interrupted",
		}); err != nil {
			metrics.ObserveEngineFault()
			e.logger.Error("finalize attempt failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		metrics.ObserveCrawl(string(job.Kind), string(archive.AttemptOutcomeCancelled), duration, 0)
		e.logger.Info("crawl cancelled mid-run", zap.String("job_id", job.ID))
		return
	}

	if runErr != nil {
		e.commitFailure(persistCtx, job, attemptID, finished, duration, stats, tail, runErr)
		return
	}
	e.commitSuccess(persistCtx, job, attemptID, finished, duration, stats, tail)
}

// dispatch selects the tool invocation by job kind.
func (e *Engine) dispatch(ctx context.Context, job archive.Job) (archive.CrawlStats, []string, error) {
	switch job.Kind {
	case archive.JobKindPageMirror:
		return e.runPageMirror(ctx, job)
	case archive.JobKindVideoChannel:
		return e.runVideoChannel(ctx, job)
	case archive.JobKindBrowserSnapshot:
		return e.runBrowserSnapshot(ctx, job)
	default:
		return archive.CrawlStats{}, nil, fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

func (e *Engine) commitSuccess(
	ctx context.Context,
	job archive.Job,
	attemptID string,
	finished time.Time,
	duration time.Duration,
	stats archive.CrawlStats,
	tail []string,
) {
	next := finished.Add(time.Duration(job.IntervalDays) * 24 * time.Hour)
	retryReset := 0
	if err := e.jobs.SaveJobStatus(ctx, job.ID, archive.JobStatusUpdate{
		Status:     archive.JobStatusReady,
		RetryCount: &retryReset,
		SizeBytes:  &stats.SizeBytes,
		ItemCount:  &stats.ItemCount,
		LastCrawl:  &finished,
		NextCrawl:  &next,
	}); err != nil {
		metrics.ObserveEngineFault()
		e.logger.Error("commit success failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	if err := e.jobs.FinalizeAttemptRecord(ctx, attemptID, archive.AttemptFinal{
		FinishedAt:       &finished,
		Outcome:          archive.AttemptOutcomeSuccess,
		ItemsCrawled:     stats.ItemCount,
		BytesTransferred: stats.SizeBytes,
		LogTail:          tail,
	}); err != nil {
		metrics.ObserveEngineFault()
		e.logger.Error("finalize attempt failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	metrics.ObserveCrawl(string(job.Kind), string(archive.AttemptOutcomeSuccess), duration, stats.SizeBytes)
	e.logger.Info("crawl completed",
		zap.String("job_id", job.ID),
		zap.Int("items", stats.ItemCount),
		zap.Int64("bytes", stats.SizeBytes),
		zap.Duration("duration", duration),
	)

	e.archiveLogTail(ctx, job.ID, attemptID, tail)
	e.publishCompletion(ctx, job, attemptID, finished, stats)
	e.captureSnapshot(job)
}

func (e *Engine) commitFailure(
	ctx context.Context,
	job archive.Job,
	attemptID string,
	finished time.Time,
	duration time.Duration,
	stats archive.CrawlStats,
	tail []string,
	runErr error,
) {
	errText := runErr.Error()
	decision := e.retry.Decide(finished, job.RetryCount, errText)

	update := archive.JobStatusUpdate{
		Status:     decision.Status,
		ErrorText:  &errText,
		RetryCount: &decision.RetryCount,
	}
	if decision.Status == archive.JobStatusRetryPending {
		update.NextCrawl = &decision.NextAttempt
	}
	if err := e.jobs.SaveJobStatus(ctx, job.ID, update); err != nil {
		metrics.ObserveEngineFault()
		e.logger.Error("commit failure failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	if err := e.jobs.FinalizeAttemptRecord(ctx, attemptID, archive.AttemptFinal{
		FinishedAt:       &finished,
		Outcome:          archive.AttemptOutcomeError,
		ItemsCrawled:     stats.ItemCount,
		BytesTransferred: stats.SizeBytes,
		LogTail:          tail,
		ErrorText:        errText,
	}); err != nil {
		metrics.ObserveEngineFault()
		e.logger.Error("finalize attempt failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	metrics.ObserveCrawl(string(job.Kind), string(archive.AttemptOutcomeError), duration, 0)
	e.logger.Warn("crawl failed",
		zap.String("job_id", job.ID),
		zap.String("error", errText),
		zap.String("classification", string(decision.Classification)),
		zap.String("next_status", string(decision.Status)),
		zap.Int("retry_count", decision.RetryCount),
	)

	e.archiveLogTail(ctx, job.ID, attemptID, tail)
}

// archiveLogTail writes the finalized attempt log through the blob
// store for later inspection. Best effort.
func (e *Engine) archiveLogTail(ctx context.Context, jobID, attemptID string, tail []string) {
	if e.blobs == nil || len(tail) == 0 {
		return
	}
	path := fmt.Sprintf("logs/%s/%s.log", jobID, attemptID)
	if _, err := e.blobs.PutObject(ctx, path, "text/plain; charset=utf-8", []byte(strings.Join(tail, "\n"))); err != nil {
		e.logger.Warn("archive attempt log failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// publishCompletion emits a crawl.completed event for downstream
// post-processors. Fire and forget.
func (e *Engine) publishCompletion(ctx context.Context, job archive.Job, attemptID string, finished time.Time, stats archive.CrawlStats) {
	if e.publisher == nil {
		return
	}
	event := archive.CompletionEvent{
		JobID:      job.ID,
		AttemptID:  attemptID,
		URL:        job.URL,
		Kind:       job.Kind,
		SizeBytes:  stats.SizeBytes,
		ItemCount:  stats.ItemCount,
		FinishedAt: finished,
	}
	if _, err := e.publisher.Publish(ctx, e.cfg.CompletionTopic, event); err != nil {
		e.logger.Warn("publish completion event failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// captureSnapshot screenshots the freshly mirrored site in the
// background. Only meaningful for page mirrors.
func (e *Engine) captureSnapshot(job archive.Job) {
	if e.snapshots == nil || job.Kind != archive.JobKindPageMirror {
		return
	}
	index := mirrorIndexPath(e.cfg.MirrorsBase, job.URL)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := e.snapshots.CaptureMirror(ctx, job.ID, index); err != nil {
			e.logger.Warn("mirror snapshot failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()
}

const capturedTailLines = 1000

func lastLines(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

// toolDetail condenses the end of a tool log into an error detail so
// the classifier can see the tool's own failure markers.
func toolDetail(log []string) string {
	return strings.Join(lastLines(log, 10), "\n")
}

// runTool invokes one external tool, wiring its output into the live
// registry for the given job.
func (e *Engine) runTool(ctx context.Context, jobID string, req runner.Request) (runner.Result, error) {
	req.OnStart = func(h *runner.Handle) { e.live.Attach(jobID, h) }
	req.OnLine = func(line string) { e.live.AppendLog(jobID, line) }
	return e.runner.Run(ctx, req)
}
