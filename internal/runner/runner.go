// Package runner supervises external archiving tools as subprocesses.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/speculum/speculum/internal/archive"
)

// Supervision defaults. The 1-second poll granularity matches what
// stall detection needs; cancellation latency is bounded by the kill
// path, not the poll loop.
const (
	DefaultStallTimeout = 300 * time.Second
	DefaultGracePeriod  = 5 * time.Second
	defaultPollInterval = 1 * time.Second

	// capturedLogLimit bounds the log returned for persistence.
	capturedLogLimit = 1000

	maxLineBytes = 1 << 20
)

// Request describes one tool invocation.
type Request struct {
	Tool string
	Args []string
	Dir  string

	// TotalTimeout bounds the wall-clock lifetime of the process.
	// Zero means no total budget.
	TotalTimeout time.Duration

	// OnStart receives the process handle right after spawn, before
	// any output is read. Used to register the live job entry.
	OnStart func(*Handle)

	// OnLine receives every merged stdout/stderr line as it arrives.
	OnLine func(string)
}

// Result is the terminal state of one tool invocation.
type Result struct {
	ExitCode int
	Log      []string
	Duration time.Duration
}

// Runner executes external tools with merged output streaming, a total
// wall-clock budget, and an output-stall watchdog.
type Runner struct {
	stall  time.Duration
	grace  time.Duration
	poll   time.Duration
	logger *zap.Logger
}

// New constructs a Runner. Zero durations fall back to defaults.
func New(stall, grace time.Duration, logger *zap.Logger) *Runner {
	if stall <= 0 {
		stall = DefaultStallTimeout
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		stall:  stall,
		grace:  grace,
		poll:   defaultPollInterval,
		logger: logger,
	}
}

// Run spawns the tool and blocks until it exits or is killed. Stdout
// and stderr are merged into one line stream consumed by a dedicated
// reader goroutine so the supervision loop never blocks on I/O.
//
// The returned error is nil for any process that ran to completion on
// its own, even with a nonzero exit code; callers decide which exit
// codes are acceptable. Timeout, stall, and context cancellation kill
// the process group (terminate, grace period, then kill) and surface as
// *archive.TimeoutError, *archive.StallError, or the context error.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	if req.Tool == "" {
		return Result{ExitCode: -1}, fmt.Errorf("tool is required")
	}
	if err := ctx.Err(); err != nil {
		return Result{ExitCode: -1}, err
	}

	cmd := exec.Command(req.Tool, req.Args...)
	cmd.Dir = req.Dir
	// Own process group so terminate/kill reaches the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	start := time.Now()
	if err := cmd.Start(); err != nil {
		closeBoth(pr, pw)
		return Result{ExitCode: -1}, fmt.Errorf("start %s: %w", req.Tool, err)
	}
	// The child holds its own copy of the write end.
	if err := pw.Close(); err != nil {
		r.logger.Warn("close pipe write end failed", zap.Error(err))
	}

	handle := &Handle{proc: cmd.Process, grace: r.grace}
	if req.OnStart != nil {
		req.OnStart(handle)
	}

	var lastOutput atomic.Int64
	lastOutput.Store(start.UnixNano())

	var (
		logMu    sync.Mutex
		captured []string
	)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := sc.Text()
			lastOutput.Store(time.Now().UnixNano())
			logMu.Lock()
			captured = appendBounded(captured, line, capturedLogLimit)
			logMu.Unlock()
			if req.OnLine != nil {
				req.OnLine(line)
			}
		}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	var (
		waitErr error
		runErr  error
	)
supervise:
	for {
		select {
		case waitErr = <-waitCh:
			break supervise
		case <-ctx.Done():
			r.logger.Debug("context done, terminating tool", zap.String("tool", req.Tool))
			waitErr = r.shutdown(handle, waitCh)
			runErr = ctx.Err()
			break supervise
		case <-ticker.C:
			now := time.Now()
			if req.TotalTimeout > 0 && now.Sub(start) > req.TotalTimeout {
				r.logger.Warn("tool exceeded total budget, killing",
					zap.String("tool", req.Tool),
					zap.Duration("budget", req.TotalTimeout),
				)
				waitErr = r.shutdown(handle, waitCh)
				runErr = &archive.TimeoutError{Budget: req.TotalTimeout}
				break supervise
			}
			quiet := now.Sub(time.Unix(0, lastOutput.Load()))
			if quiet > r.stall {
				r.logger.Warn("tool stalled, killing",
					zap.String("tool", req.Tool),
					zap.Duration("quiet", quiet),
				)
				waitErr = r.shutdown(handle, waitCh)
				runErr = &archive.StallError{Quiet: r.stall}
				break supervise
			}
		}
	}

	// The pipe EOFs once every holder of the write end is gone; wait
	// for the reader so the captured log is complete.
	<-readerDone
	if err := pr.Close(); err != nil {
		r.logger.Warn("close pipe read end failed", zap.Error(err))
	}

	logMu.Lock()
	logCopy := append([]string(nil), captured...)
	logMu.Unlock()
	if len(logCopy) > capturedLogLimit {
		logCopy = logCopy[len(logCopy)-capturedLogLimit:]
	}

	return Result{
		ExitCode: exitCode(waitErr),
		Log:      logCopy,
		Duration: time.Since(start),
	}, runErr
}

// shutdown terminates the process group and reaps the process, passing
// back the Wait error for exit-code extraction.
func (r *Runner) shutdown(handle *Handle, waitCh <-chan error) error {
	handle.signal(syscall.SIGTERM)
	select {
	case err := <-waitCh:
		return err
	case <-time.After(r.grace):
	}
	handle.signal(syscall.SIGKILL)
	return <-waitCh
}

func appendBounded(lines []string, line string, limit int) []string {
	lines = append(lines, line)
	// Amortized trim: let the slice grow to twice the limit before
	// copying the tail down.
	if len(lines) > 2*limit {
		keep := lines[len(lines)-limit:]
		lines = append(lines[:0:0], keep...)
	}
	return lines
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func closeBoth(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
