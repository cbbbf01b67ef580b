package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/speculum/speculum/internal/archive"
	"github.com/speculum/speculum/internal/runner"
)

// buildYtdlpArgs assembles the channel-download invocation: 1080p mp4,
// metadata sidecars and thumbnails per item, one directory per video.
func buildYtdlpArgs(rawURL, outputDir string) []string {
	return []string{
		"--format", "bestvideo[height<=1080]+bestaudio/best[height<=1080]/best",
		"--merge-output-format", "mp4",
		"--write-info-json",
		"--write-thumbnail",
		"--convert-thumbnails", "jpg",
		"--embed-thumbnail",
		"--add-metadata",
		"--output", filepath.Join(outputDir, "%(id)s/%(title)s [%(id)s].%(ext)s"),
		"--restrict-filenames",
		"--no-overwrites",
		"--ignore-errors",
		"--sleep-interval", "2",
		"--max-sleep-interval", "5",
		rawURL,
	}
}

// runVideoChannel downloads a channel with the video tool, then scans
// the per-item metadata sidecars into the catalog.
func (e *Engine) runVideoChannel(ctx context.Context, job archive.Job) (archive.CrawlStats, []string, error) {
	if job.ChannelID == "" {
		if id := e.probeChannelID(ctx, job); id != "" {
			job.ChannelID = id
		}
	}

	mirror := channelMirrorPath(e.cfg.MirrorsBase, job.URL, job.ChannelID)
	if err := os.MkdirAll(mirror, 0o755); err != nil {
		return archive.CrawlStats{}, nil, fmt.Errorf("create channel mirror %s: %w", mirror, err)
	}

	budget := e.timeouts.Budget(job.Kind, job.SizeBytes, job.URL)
	res, err := e.runTool(ctx, job.ID, runner.Request{
		Tool:         e.cfg.YtdlpBin,
		Args:         buildYtdlpArgs(job.URL, mirror),
		TotalTimeout: budget,
	})
	if err != nil {
		return archive.CrawlStats{}, res.Log, err
	}
	// The tool exits 1 when some items failed under --ignore-errors;
	// whatever did download is still worth cataloging.
	if res.ExitCode != 0 && res.ExitCode != 1 {
		return archive.CrawlStats{}, res.Log, &archive.ToolError{
			Tool:     e.cfg.YtdlpBin,
			ExitCode: res.ExitCode,
			Detail:   toolDetail(res.Log),
		}
	}

	e.catalogDownloads(ctx, job.ID, mirror)

	stats := mirrorStats(mirror, job.Kind)
	if stats.SizeBytes == 0 && stats.ItemCount == 0 {
		return stats, res.Log, &archive.EmptyResultError{Path: mirror}
	}
	return stats, res.Log, nil
}

// probeChannelID resolves the channel ID with a one-item metadata
// probe. Failure is non-fatal; the mirror falls back to the host path.
func (e *Engine) probeChannelID(ctx context.Context, job archive.Job) string {
	res, err := e.runTool(ctx, job.ID, runner.Request{
		Tool:         e.cfg.YtdlpBin,
		Args:         []string{"--print", "channel_id", "--playlist-items", "1", job.URL},
		TotalTimeout: e.cfg.ChannelProbeTimeout,
	})
	if err != nil || res.ExitCode != 0 || len(res.Log) == 0 {
		e.logger.Warn("channel id probe failed", zap.String("job_id", job.ID), zap.Error(err))
		return ""
	}
	id := strings.TrimSpace(res.Log[len(res.Log)-1])
	if id == "" {
		return ""
	}
	if err := e.jobs.SetChannelID(context.WithoutCancel(ctx), job.ID, id); err != nil {
		e.logger.Error("persist channel id failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	return id
}

// ytdlpInfo is the slice of the sidecar JSON the catalog needs.
type ytdlpInfo struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Duration    float64 `json:"duration"`
	UploadDate  string  `json:"upload_date"`
}

// catalogDownloads scans per-item .info.json sidecars and upserts one
// catalog row per item. Idempotent by (jobID, itemID), so re-running a
// channel crawl never duplicates rows.
func (e *Engine) catalogDownloads(ctx context.Context, jobID, mirror string) {
	entries, err := os.ReadDir(mirror)
	if err != nil {
		e.logger.Warn("scan channel mirror failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	for _, dir := range entries {
		if !dir.IsDir() {
			continue
		}
		itemDir := filepath.Join(mirror, dir.Name())
		item, ok := e.readCatalogItem(jobID, itemDir, dir.Name())
		if !ok {
			continue
		}
		if err := e.jobs.UpsertCatalogItem(ctx, item); err != nil {
			e.logger.Error("upsert catalog item failed", zap.String("item_id", item.ItemID), zap.Error(err))
		}
	}
}

func (e *Engine) readCatalogItem(jobID, itemDir, fallbackID string) (archive.CatalogItem, bool) {
	files, err := os.ReadDir(itemDir)
	if err != nil {
		return archive.CatalogItem{}, false
	}

	var info ytdlpInfo
	found := false
	item := archive.CatalogItem{JobID: jobID}
	for _, f := range files {
		name := f.Name()
		switch {
		case strings.HasSuffix(name, ".info.json"):
			data, err := os.ReadFile(filepath.Join(itemDir, name))
			if err != nil {
				continue
			}
			if err := json.Unmarshal(data, &info); err != nil {
				e.logger.Warn("parse video sidecar failed",
					zap.String("job_id", jobID),
					zap.String("file", name),
					zap.Error(err),
				)
				continue
			}
			found = true
		case hasAnySuffix(name, ".mp4", ".webm", ".mkv"):
			item.Filename = name
			if fi, err := f.Info(); err == nil {
				item.SizeBytes = fi.Size()
			}
		case hasAnySuffix(name, ".jpg", ".png", ".webp"):
			item.ThumbnailFilename = name
		}
	}
	if !found {
		return archive.CatalogItem{}, false
	}

	item.ItemID = info.ID
	if item.ItemID == "" {
		item.ItemID = fallbackID
	}
	item.Title = truncate(info.Title, 500)
	item.Description = info.Description
	item.DurationSeconds = int(info.Duration)
	if info.UploadDate != "" {
		if ts, err := time.Parse("20060102", info.UploadDate); err == nil {
			item.UploadDate = &ts
		}
	}
	return item, true
}

func hasAnySuffix(name string, suffixes ...string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
