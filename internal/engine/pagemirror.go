package engine

import (
	"context"
	"net/url"
	"strconv"

	"github.com/speculum/speculum/internal/archive"
	"github.com/speculum/speculum/internal/runner"
)

const mirrorUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Page-mirror exit codes treated as success. wget exits 8 when some
// requests returned server errors; the mirror is still usable.
func wgetExitOK(code int) bool {
	return code == 0 || code == 8
}

// buildWgetArgs assembles the recursive-fetch invocation. The output
// root is the mirrors base; wget creates one directory per host.
func buildWgetArgs(rawURL, base string, depth int, includeExternal bool) []string {
	args := []string{
		"--mirror",
		"--convert-links",
		"--adjust-extension",
		"--page-requisites",
		"--no-parent",
		"--wait=0.5",
		"--random-wait",
		"--tries=3",
		"--timeout=30",
		"--no-check-certificate",
		"--execute=robots=off",
		"--user-agent=" + mirrorUserAgent,
		"-P", base,
	}
	if depth > 0 {
		args = append(args, "-l", strconv.Itoa(depth))
	}
	if includeExternal {
		host := ""
		if u, err := url.Parse(rawURL); err == nil {
			host = u.Host
		}
		args = append(args, "--span-hosts", "--domains="+host)
	}
	args = append(args,
		"--reject", "*.exe,*.zip,*.tar.gz,*.rar,*.7z,*.iso,*.dmg",
		"--reject-regex", "(logout|signout|login|signin|auth|session)",
		rawURL,
	)
	return args
}

// runPageMirror crawls the domain root first so the homepage is always
// captured, then the originally requested deep URL if different. Both
// invocations share one wall-clock budget.
func (e *Engine) runPageMirror(ctx context.Context, job archive.Job) (archive.CrawlStats, []string, error) {
	budget := e.timeouts.Budget(job.Kind, job.SizeBytes, job.URL)
	deadline := e.clock.Now().Add(budget)

	targets := []string{rootURL(job.URL)}
	if job.URL != targets[0] {
		targets = append(targets, job.URL)
	}

	var log []string
	for _, target := range targets {
		remaining := deadline.Sub(e.clock.Now())
		if remaining <= 0 {
			return archive.CrawlStats{}, log, &archive.TimeoutError{Budget: budget}
		}
		res, err := e.runTool(ctx, job.ID, runner.Request{
			Tool:         e.cfg.WgetBin,
			Args:         buildWgetArgs(target, e.cfg.MirrorsBase, job.Depth, job.IncludeExternal),
			TotalTimeout: remaining,
		})
		log = append(log, res.Log...)
		if err != nil {
			return archive.CrawlStats{}, log, err
		}
		if !wgetExitOK(res.ExitCode) {
			return archive.CrawlStats{}, log, &archive.ToolError{
				Tool:     e.cfg.WgetBin,
				ExitCode: res.ExitCode,
				Detail:   toolDetail(res.Log),
			}
		}
	}

	mirror := mirrorPath(e.cfg.MirrorsBase, job.URL)
	stats := mirrorStats(mirror, job.Kind)
	if stats.SizeBytes == 0 && stats.ItemCount == 0 {
		return stats, log, &archive.EmptyResultError{Path: mirror}
	}
	return stats, log, nil
}
