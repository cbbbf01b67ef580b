// Package live tracks currently-running crawl jobs in memory.
package live

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/speculum/speculum/internal/archive"
)

// Buffer bounds for the per-job rolling log.
const (
	logBufferLines    = 500
	progressTailLines = 20
)

// Process is the handle the registry uses to tear a job down.
// Implemented by runner.Handle.
type Process interface {
	Terminate(grace time.Duration)
}

// Entry metadata returned by Terminate so the cancellation path can
// finalize the right attempt record.
type TerminatedEntry struct {
	JobID     string
	AttemptID string
	LogTail   []string
}

type entry struct {
	jobID     string
	target    string
	attemptID string
	startedAt time.Time
	cancel    context.CancelFunc
	proc      Process

	buf         *ring
	lineCount   int
	byteCount   int64
	currentFile string
	itemsSoFar  int
}

// Registry is a concurrency-safe table of live crawl jobs, keyed by job
// ID. Entries exist only for the lifetime of a dispatch; nothing here
// is persisted. One mutex guards the table: per-line appends for a job
// come only from that job's own supervision goroutine, so the lock only
// serializes table-shape changes and cross-goroutine reads.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	grace   time.Duration
	clock   archive.Clock
	logger  *zap.Logger
}

// NewRegistry constructs an empty Registry.
func NewRegistry(grace time.Duration, clock archive.Clock, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*entry),
		grace:   grace,
		clock:   clock,
		logger:  logger,
	}
}

// Reserve creates the live entry for a job about to be dispatched. It
// returns false when the job is already live, which makes enqueueing
// idempotent: two concurrent enqueues cannot both spawn.
func (r *Registry) Reserve(jobID, target string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[jobID]; exists {
		return false
	}
	r.entries[jobID] = &entry{
		jobID:     jobID,
		target:    target,
		startedAt: r.clock.Now(),
		cancel:    cancel,
		buf:       newRing(logBufferLines),
	}
	return true
}

// SetAttempt links the open attempt record to the live entry so the
// cancellation path can finalize it.
func (r *Registry) SetAttempt(jobID, attemptID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[jobID]; ok {
		e.attemptID = attemptID
	}
}

// Attach records the process handle for a job. Called at every spawn;
// a page-mirror dispatch attaches twice, once per wget invocation.
func (r *Registry) Attach(jobID string, proc Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[jobID]; ok {
		e.proc = proc
	}
}

// AppendLog appends one line of tool output to the job's rolling
// buffer, evicting the oldest line once the buffer holds its limit.
func (r *Registry) AppendLog(jobID, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[jobID]
	if !ok {
		return
	}
	e.buf.append(line)
	e.lineCount++
	e.byteCount += int64(len(line)) + 1
	if file, ok := parseSavingTo(line); ok {
		e.currentFile = file
		e.itemsSoFar++
	}
}

// Snapshot lists all live jobs.
func (r *Registry) Snapshot() []archive.LiveCrawl {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	out := make([]archive.LiveCrawl, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, archive.LiveCrawl{
			JobID:          e.jobID,
			TargetURL:      e.target,
			StartedAt:      e.startedAt,
			ElapsedSeconds: int64(now.Sub(e.startedAt).Seconds()),
			LogLineCount:   e.lineCount,
		})
	}
	return out
}

// TailLog returns the last n buffered lines for a live job.
func (r *Registry) TailLog(jobID string, n int) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[jobID]
	if !ok {
		return nil, false
	}
	return e.buf.tail(n), true
}

// Progress derives a best-effort progress view from the recent output.
func (r *Registry) Progress(jobID string) (archive.Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[jobID]
	if !ok {
		return archive.Progress{}, false
	}
	return archive.Progress{
		JobID:          e.jobID,
		ElapsedSeconds: int64(r.clock.Now().Sub(e.startedAt).Seconds()),
		CurrentFile:    e.currentFile,
		ItemsSoFar:     e.itemsSoFar,
		RecentLines:    e.buf.tail(progressTailLines),
	}, true
}

// Unregister removes a job's entry and releases its context so the
// parent context does not accumulate finished children. Called from
// the dispatcher's guaranteed-cleanup step; removing an absent job is
// a no-op.
func (r *Registry) Unregister(jobID string) {
	r.mu.Lock()
	e, ok := r.entries[jobID]
	if ok {
		delete(r.entries, jobID)
	}
	r.mu.Unlock()
	if ok && e.cancel != nil {
		e.cancel()
	}
}

// Terminate tears down a live job: it cancels the job's context,
// kills the process tree if one is attached (terminate, grace period,
// kill), and removes the entry. The second return value carries what
// the cancellation path needs to finalize persistence.
func (r *Registry) Terminate(jobID string) (*TerminatedEntry, bool) {
	r.mu.Lock()
	e, ok := r.entries[jobID]
	if ok {
		delete(r.entries, jobID)
	}
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	// Kill outside the lock; the grace wait can take a while.
	if e.cancel != nil {
		e.cancel()
	}
	if e.proc != nil {
		e.proc.Terminate(r.grace)
	}
	r.logger.Info("live crawl terminated", zap.String("job_id", jobID))
	return &TerminatedEntry{
		JobID:     e.jobID,
		AttemptID: e.attemptID,
		LogTail:   e.buf.tail(logBufferLines),
	}, true
}

// parseSavingTo recognizes the per-file progress lines of the
// supported tools: wget's "Saving to: 'path'" and yt-dlp's
// "[download] Destination: path".
func parseSavingTo(line string) (string, bool) {
	if idx := strings.Index(line, "Saving to:"); idx >= 0 {
		file := strings.TrimSpace(line[idx+len("Saving to:"):])
		file = strings.Trim(file, "'‘’\"")
		if file != "" {
			return file, true
		}
		return "", false
	}
	if idx := strings.Index(line, "Destination:"); idx >= 0 {
		file := strings.TrimSpace(line[idx+len("Destination:"):])
		if file != "" {
			return file, true
		}
	}
	return "", false
}
