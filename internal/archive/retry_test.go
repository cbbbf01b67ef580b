package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyLadder(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy()
	now := time.Unix(1700000000, 0).UTC()

	tests := []struct {
		priorCount int
		wantDelay  time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 15 * time.Minute},
	}
	for _, tc := range tests {
		dec := policy.Decide(now, tc.priorCount, "connection reset by peer")
		require.Equal(t, JobStatusRetryPending, dec.Status)
		require.Equal(t, tc.priorCount+1, dec.RetryCount)
		require.Equal(t, now.Add(tc.wantDelay), dec.NextAttempt)
		require.Equal(t, ClassificationRecoverable, dec.Classification)
	}
}

func TestRetryPolicyLastDelayRepeats(t *testing.T) {
	t.Parallel()

	policy := &RetryPolicy{MaxAttempts: 10, Ladder: DefaultBackoffLadder}
	now := time.Unix(1700000000, 0).UTC()

	for _, priorCount := range []int{2, 3, 7} {
		dec := policy.Decide(now, priorCount, "connection refused")
		require.Equal(t, JobStatusRetryPending, dec.Status)
		require.Equal(t, now.Add(45*time.Minute), dec.NextAttempt)
	}
}

func TestRetryPolicyExhaustionGoesToError(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy()
	now := time.Now().UTC()

	// Third consecutive recoverable failure: retry count reaches the
	// max and the job parks in error, not dead.
	dec := policy.Decide(now, 2, "Connection refused")
	require.Equal(t, JobStatusError, dec.Status)
	require.Equal(t, 3, dec.RetryCount)
	require.True(t, dec.NextAttempt.IsZero())
}

func TestRetryPolicyPermanentGoesToDead(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy()
	now := time.Now().UTC()

	// Permanent failures kill the job immediately, regardless of how
	// few attempts have happened.
	for _, priorCount := range []int{0, 1, 5} {
		dec := policy.Decide(now, priorCount, "ERROR 404: Not Found")
		require.Equal(t, JobStatusDead, dec.Status)
		require.Equal(t, priorCount+1, dec.RetryCount)
		require.Equal(t, ClassificationPermanent, dec.Classification)
	}
}

func TestRetryPolicyUnknownFailsOpen(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy()
	now := time.Now().UTC()

	dec := policy.Decide(now, 0, (&StallError{Quiet: 5 * time.Minute}).Error())
	require.Equal(t, ClassificationUnknown, dec.Classification)
	require.Equal(t, JobStatusRetryPending, dec.Status)
	require.Equal(t, now.Add(5*time.Minute), dec.NextAttempt)
}
