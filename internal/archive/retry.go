package archive

import "time"

// Retry defaults: a short fixed ladder, deliberately not jittered. The
// last delay repeats for any attempt beyond the ladder length.
const DefaultMaxAttempts = 3

// DefaultBackoffLadder is the delay before retry attempt N (1-indexed).
var DefaultBackoffLadder = []time.Duration{
	5 * time.Minute,
	15 * time.Minute,
	45 * time.Minute,
}

// RetryDecision is the outcome of routing one failed dispatch.
type RetryDecision struct {
	Status         JobStatus
	RetryCount     int
	NextAttempt    time.Time
	Classification Classification
}

// RetryPolicy decides the next status and attempt time for a failed job.
type RetryPolicy struct {
	MaxAttempts int
	Ladder      []time.Duration
}

// NewRetryPolicy builds a policy with the default ladder.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Ladder:      DefaultBackoffLadder,
	}
}

// Decide routes a failure. The retry count is incremented first; a
// permanent classification moves the job to dead immediately regardless
// of prior attempts, exhausting MaxAttempts moves it to error, and
// anything else schedules a retry on the backoff ladder. Unknown
// classifications fail open toward retrying.
func (p *RetryPolicy) Decide(now time.Time, retryCount int, errText string) RetryDecision {
	count := retryCount + 1
	class := Classify(errText)
	if class == ClassificationPermanent {
		return RetryDecision{
			Status:         JobStatusDead,
			RetryCount:     count,
			Classification: class,
		}
	}
	if count >= p.MaxAttempts {
		return RetryDecision{
			Status:         JobStatusError,
			RetryCount:     count,
			Classification: class,
		}
	}
	return RetryDecision{
		Status:         JobStatusRetryPending,
		RetryCount:     count,
		NextAttempt:    now.Add(p.delay(count)),
		Classification: class,
	}
}

func (p *RetryPolicy) delay(attempt int) time.Duration {
	ladder := p.Ladder
	if len(ladder) == 0 {
		ladder = DefaultBackoffLadder
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(ladder) {
		attempt = len(ladder)
	}
	return ladder[attempt-1]
}
