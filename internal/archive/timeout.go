package archive

import (
	"net/url"
	"strings"
	"time"
)

// Timeout policy defaults. These bound worst-case resource hold time on
// a single job; they are heuristics, not SLAs.
const (
	DefaultShortBudget     = 1 * time.Hour
	DefaultLongBudget      = 4 * time.Hour
	DefaultVideoMultiplier = 3
	DefaultSnapshotBudget  = 5 * time.Minute
	DefaultLargeSizeBytes  = 100 << 20
)

// TimeoutPolicy chooses a wall-clock budget per job from its last known
// size and target domain.
type TimeoutPolicy struct {
	ShortBudget     time.Duration
	LongBudget      time.Duration
	VideoMultiplier int
	SnapshotBudget  time.Duration
	LargeSizeBytes  int64
	LargeDomains    []string
}

// NewTimeoutPolicy builds a policy with the default budgets and the
// given known-large domain list.
func NewTimeoutPolicy(largeDomains []string) *TimeoutPolicy {
	return &TimeoutPolicy{
		ShortBudget:     DefaultShortBudget,
		LongBudget:      DefaultLongBudget,
		VideoMultiplier: DefaultVideoMultiplier,
		SnapshotBudget:  DefaultSnapshotBudget,
		LargeSizeBytes:  DefaultLargeSizeBytes,
		LargeDomains:    largeDomains,
	}
}

// Budget returns the total wall-clock budget for one dispatch of a job.
// Channel downloads always get the multiplied long budget since one
// dispatch may fetch many videos; snapshots are a single page and get a
// short fixed budget.
func (p *TimeoutPolicy) Budget(kind JobKind, sizeHint int64, rawURL string) time.Duration {
	switch kind {
	case JobKindVideoChannel:
		mult := p.VideoMultiplier
		if mult <= 0 {
			mult = DefaultVideoMultiplier
		}
		return time.Duration(mult) * p.LongBudget
	case JobKindBrowserSnapshot:
		return p.SnapshotBudget
	case JobKindPageMirror:
	}
	if sizeHint > p.LargeSizeBytes || p.isLargeDomain(rawURL) {
		return p.LongBudget
	}
	return p.ShortBudget
}

func (p *TimeoutPolicy) isLargeDomain(rawURL string) bool {
	host := hostOf(rawURL)
	if host == "" {
		return false
	}
	for _, domain := range p.LargeDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
