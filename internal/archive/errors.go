package archive

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound reports a job, attempt, or item missing from the job
// registry.
var ErrNotFound = errors.New("not found")

// TimeoutError reports a subprocess killed for exceeding its total
// wall-clock budget.
type TimeoutError struct {
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("crawl timed out after %s", e.Budget)
}

// StallError reports a subprocess killed because it was alive but
// produced no output beyond the stall budget, the classic hang
// signature for recursive fetchers against a misbehaving server.
// Distinct from TimeoutError so callers can log the cause.
type StallError struct {
	Quiet time.Duration
}

func (e *StallError) Error() string {
	return fmt.Sprintf("tool produced no output for %s", e.Quiet)
}

// ToolError reports an unexpected exit code from an external tool.
type ToolError struct {
	Tool     string
	ExitCode int
	Detail   string
}

func (e *ToolError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Tool, e.ExitCode, e.Detail)
}

// EmptyResultError reports a clean tool exit that left nothing usable
// on disk. An empty mirror is not a valid archive.
type EmptyResultError struct {
	Path string
}

func (e *EmptyResultError) Error() string {
	return fmt.Sprintf("no content downloaded to %s", e.Path)
}
