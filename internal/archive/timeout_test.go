package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeoutPolicyBudget(t *testing.T) {
	t.Parallel()

	policy := NewTimeoutPolicy([]string{"big-archive.org", "Encyclopedia.example"})

	tests := []struct {
		name     string
		kind     JobKind
		sizeHint int64
		url      string
		want     time.Duration
	}{
		{"small mirror", JobKindPageMirror, 10 << 20, "https://example.com", DefaultShortBudget},
		{"zero size hint", JobKindPageMirror, 0, "https://example.com", DefaultShortBudget},
		{"large mirror by size", JobKindPageMirror, 200 << 20, "https://example.com", DefaultLongBudget},
		{"large mirror by domain", JobKindPageMirror, 0, "https://big-archive.org/wiki", DefaultLongBudget},
		{"large domain subdomain", JobKindPageMirror, 0, "https://www.big-archive.org/", DefaultLongBudget},
		{"large domain case folded", JobKindPageMirror, 0, "https://encyclopedia.example/a", DefaultLongBudget},
		{"unrelated suffix", JobKindPageMirror, 0, "https://notbig-archive.org/", DefaultShortBudget},
		{"video channel small", JobKindVideoChannel, 0, "https://youtube.com/@c", 3 * DefaultLongBudget},
		{"video channel large", JobKindVideoChannel, 500 << 20, "https://youtube.com/@c", 3 * DefaultLongBudget},
		{"snapshot", JobKindBrowserSnapshot, 500 << 20, "https://example.com", DefaultSnapshotBudget},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, policy.Budget(tc.kind, tc.sizeHint, tc.url))
		})
	}
}

func TestTimeoutPolicyIgnoresBadURLs(t *testing.T) {
	t.Parallel()

	policy := NewTimeoutPolicy([]string{"big-archive.org"})
	require.Equal(t, DefaultShortBudget, policy.Budget(JobKindPageMirror, 0, "::not-a-url"))
}
