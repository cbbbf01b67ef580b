// Package scheduler triggers crawls on a timer: due recrawls, retry
// disbursement, and stuck-crawl reconciliation. It is a collaborator
// of the engine and only calls its enqueue entry point; the engine
// never schedules itself.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/speculum/speculum/internal/archive"
)

// Engine is the slice of the crawl engine the scheduler drives.
type Engine interface {
	EnqueueCrawl(ctx context.Context, jobID string) (bool, error)
	ListLiveCrawls() []archive.LiveCrawl
}

// Config carries the cron cadences and reconciliation knobs.
type Config struct {
	DueSpec   string
	RetrySpec string
	StuckSpec string

	// RetryBatch caps how many retry_pending jobs one tick dispatches,
	// a modest admission-control measure against burst load.
	RetryBatch int

	// StuckAfter is how long a crawling row may go without updates
	// before reconciliation resets it.
	StuckAfter time.Duration

	// TickTimeout bounds the registry work of one tick.
	TickTimeout time.Duration
}

// Defaults matching the original cadences.
const (
	DefaultDueSpec     = "@hourly"
	DefaultRetrySpec   = "@every 5m"
	DefaultStuckSpec   = "@every 30m"
	DefaultRetryBatch  = 10
	DefaultStuckAfter  = 6 * time.Hour
	DefaultTickTimeout = time.Minute
)

func (c Config) withDefaults() Config {
	if c.DueSpec == "" {
		c.DueSpec = DefaultDueSpec
	}
	if c.RetrySpec == "" {
		c.RetrySpec = DefaultRetrySpec
	}
	if c.StuckSpec == "" {
		c.StuckSpec = DefaultStuckSpec
	}
	if c.RetryBatch <= 0 {
		c.RetryBatch = DefaultRetryBatch
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = DefaultStuckAfter
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = DefaultTickTimeout
	}
	return c
}

// Scheduler runs the periodic crawl triggers.
type Scheduler struct {
	cfg    Config
	jobs   archive.JobRegistry
	engine Engine
	clock  archive.Clock
	logger *zap.Logger
	cron   *cron.Cron
}

// New constructs a Scheduler. Start must be called to arm the timers.
func New(cfg Config, jobs archive.JobRegistry, engine Engine, clock archive.Clock, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:    cfg.withDefaults(),
		jobs:   jobs,
		engine: engine,
		clock:  clock,
		logger: logger,
		cron:   cron.New(),
	}
}

// Start registers the cron entries and arms the timers.
func (s *Scheduler) Start() error {
	register := func(spec string, tick func(context.Context)) error {
		_, err := s.cron.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TickTimeout)
			defer cancel()
			tick(ctx)
		})
		return err
	}
	if err := register(s.cfg.DueSpec, s.CheckDue); err != nil {
		return err
	}
	if err := register(s.cfg.RetrySpec, s.ProcessRetryQueue); err != nil {
		return err
	}
	if err := register(s.cfg.StuckSpec, s.ResetStuck); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("due", s.cfg.DueSpec),
		zap.String("retry", s.cfg.RetrySpec),
		zap.String("stuck", s.cfg.StuckSpec),
	)
	return nil
}

// Stop disarms the timers and waits for any running tick.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// CheckDue enqueues every ready or errored job whose next-crawl time
// has passed.
func (s *Scheduler) CheckDue(ctx context.Context) {
	due, err := s.jobs.ListDueJobs(ctx, s.clock.Now())
	if err != nil {
		s.logger.Error("list due jobs failed", zap.Error(err))
		return
	}
	s.enqueueAll(ctx, due, "due")
}

// ProcessRetryQueue dispatches up to the configured batch of
// retry_pending jobs whose backoff has elapsed.
func (s *Scheduler) ProcessRetryQueue(ctx context.Context) {
	due, err := s.jobs.ListRetryDue(ctx, s.clock.Now(), s.cfg.RetryBatch)
	if err != nil {
		s.logger.Error("list retry queue failed", zap.Error(err))
		return
	}
	s.enqueueAll(ctx, due, "retry")
}

// ResetStuck moves crawling rows that have gone quiet past the stuck
// threshold to error, excluding jobs that really are live. Orphans
// appear when the process restarts mid-crawl.
func (s *Scheduler) ResetStuck(ctx context.Context) {
	liveIDs := make([]string, 0)
	for _, c := range s.engine.ListLiveCrawls() {
		liveIDs = append(liveIDs, c.JobID)
	}
	cutoff := s.clock.Now().Add(-s.cfg.StuckAfter)
	reset, err := s.jobs.ResetStuckJobs(ctx, cutoff, liveIDs)
	if err != nil {
		s.logger.Error("reset stuck jobs failed", zap.Error(err))
		return
	}
	if reset > 0 {
		s.logger.Warn("reset orphaned crawls", zap.Int("count", reset))
	}
}

func (s *Scheduler) enqueueAll(ctx context.Context, jobs []archive.Job, reason string) {
	for _, job := range jobs {
		started, err := s.engine.EnqueueCrawl(ctx, job.ID)
		if err != nil {
			s.logger.Error("enqueue failed",
				zap.String("job_id", job.ID),
				zap.String("reason", reason),
				zap.Error(err),
			)
			continue
		}
		if started {
			s.logger.Info("crawl enqueued",
				zap.String("job_id", job.ID),
				zap.String("reason", reason),
			)
		}
	}
}
