package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/speculum/speculum/internal/archive"
	"github.com/speculum/speculum/internal/runner"
)

// runBrowserSnapshot captures the live URL with the headless tool in a
// single invocation against the job's mirror directory. Snapshots are
// one page, so the policy gives them a short fixed budget.
func (e *Engine) runBrowserSnapshot(ctx context.Context, job archive.Job) (archive.CrawlStats, []string, error) {
	mirror := mirrorPath(e.cfg.MirrorsBase, job.URL)
	if err := os.MkdirAll(mirror, 0o755); err != nil {
		return archive.CrawlStats{}, nil, fmt.Errorf("create snapshot dir %s: %w", mirror, err)
	}

	budget := e.timeouts.Budget(job.Kind, job.SizeBytes, job.URL)
	res, err := e.runTool(ctx, job.ID, runner.Request{
		Tool:         e.cfg.CaptureBin,
		Args:         []string{"--output-directory", mirror, job.URL},
		TotalTimeout: budget,
	})
	if err != nil {
		return archive.CrawlStats{}, res.Log, err
	}
	if res.ExitCode != 0 {
		return archive.CrawlStats{}, res.Log, &archive.ToolError{
			Tool:     e.cfg.CaptureBin,
			ExitCode: res.ExitCode,
			Detail:   toolDetail(res.Log),
		}
	}

	stats := mirrorStats(mirror, job.Kind)
	if stats.SizeBytes == 0 && stats.ItemCount == 0 {
		return stats, res.Log, &archive.EmptyResultError{Path: mirror}
	}
	return stats, res.Log, nil
}
