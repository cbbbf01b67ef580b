package engine

import (
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/speculum/speculum/internal/archive"
)

var videoExtensions = map[string]bool{
	".mp4":  true,
	".webm": true,
	".mkv":  true,
	".avi":  true,
	".mov":  true,
}

// mirrorPath returns the on-disk mirror directory for a website URL:
// one directory per host under the mirrors base.
func mirrorPath(base, rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return filepath.Join(base, "unknown")
	}
	return filepath.Join(base, u.Host)
}

// channelMirrorPath returns the mirror directory for a video channel.
// Channels without a resolved ID fall back to the host directory.
func channelMirrorPath(base, rawURL, channelID string) string {
	if channelID != "" {
		return filepath.Join(base, "youtube", channelID)
	}
	return mirrorPath(base, rawURL)
}

// mirrorIndexPath points at the root page of a mirrored website.
func mirrorIndexPath(base, rawURL string) string {
	return filepath.Join(mirrorPath(base, rawURL), "index.html")
}

// mirrorStats walks the mirror directory once, summing file sizes and
// counting the items relevant to the job kind: HTML pages for mirrors,
// video files for channels, any file for snapshots.
func mirrorStats(path string, kind archive.JobKind) archive.CrawlStats {
	var stats archive.CrawlStats
	if _, err := os.Stat(path); err != nil {
		return stats
	}
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		stats.SizeBytes += info.Size()
		name := strings.ToLower(d.Name())
		switch kind {
		case archive.JobKindPageMirror:
			if strings.HasSuffix(name, ".html") || strings.HasSuffix(name, ".htm") {
				stats.ItemCount++
			}
		case archive.JobKindVideoChannel:
			if videoExtensions[filepath.Ext(name)] {
				stats.ItemCount++
			}
		default:
			stats.ItemCount++
		}
		return nil
	})
	return stats
}

// rootURL reduces a URL to its domain root so the homepage is always
// captured before the originally requested deep page.
func rootURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Scheme + "://" + u.Host + "/"
}
