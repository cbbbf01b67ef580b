// Package snapshot renders mirrored pages in headless Chrome and
// stores screenshots through the artifact store.
package snapshot

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/speculum/speculum/internal/archive"
)

// Viewport sizes for the full capture and the catalog thumbnail.
const (
	fullWidth  = 1280
	fullHeight = 800

	thumbWidth  = 400
	thumbHeight = 300
)

// Config controls the headless capture.
type Config struct {
	// NavigationTimeout bounds one render, zero means 45s.
	NavigationTimeout time.Duration
}

// Capturer renders a mirror's index page and uploads two screenshots,
// a full-size one and a thumbnail.
type Capturer struct {
	cfg         Config
	blobs       archive.BlobStore
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a Capturer with its own Chrome exec allocator.
func New(cfg Config, blobs archive.BlobStore, logger *zap.Logger) (*Capturer, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("allow-file-access-from-files", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Capturer{
		cfg:         cfg,
		blobs:       blobs,
		logger:      logger,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (c *Capturer) Close() {
	c.allocCancel()
}

// CaptureMirror renders the mirrored index page from disk and stores
// a full screenshot plus a thumbnail. A missing or broken page fails
// the capture, never the crawl that triggered it.
func (c *Capturer) CaptureMirror(ctx context.Context, jobID string, indexPath string) error {
	taskCtx, taskCancel := chromedp.NewContext(c.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, c.cfg.NavigationTimeout)
	defer cancel()

	pageURL := "file://" + indexPath

	var full, thumb []byte
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
		viewportAction(fullWidth, fullHeight),
		chromedp.CaptureScreenshot(&full),
		viewportAction(thumbWidth, thumbHeight),
		chromedp.CaptureScreenshot(&thumb),
	)
	if err != nil {
		return fmt.Errorf("render %s: %w", pageURL, err)
	}

	fullURI, err := c.blobs.PutObject(ctx, snapshotKey(jobID, "snapshot.png"), "image/png", full)
	if err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	thumbURI, err := c.blobs.PutObject(ctx, snapshotKey(jobID, "thumbnail.png"), "image/png", thumb)
	if err != nil {
		return fmt.Errorf("store thumbnail: %w", err)
	}

	c.logger.Info("mirror snapshot captured",
		zap.String("job_id", jobID),
		zap.String("snapshot_uri", fullURI),
		zap.String("thumbnail_uri", thumbURI),
	)
	return nil
}

func viewportAction(width, height int64) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		return emulation.SetDeviceMetricsOverride(width, height, 1, false).Do(ctx)
	})
}

func snapshotKey(jobID, name string) string {
	return path.Join("snapshots", jobID, name)
}
