package outbox

import (
	"math"
	"time"
)

const (
	defaultMaxAttempts int           = 10
	defaultBaseDelay   time.Duration = time.Second * 2
	defaultMaxDelay    time.Duration = time.Minute * 10
	defaultMultiplier  float64       = 2
)

// RetryPolicy drives MarkFailed: how long a failed record waits before it
// becomes claimable again and when it is given up.
type RetryPolicy struct {
	MaxAttempts int           // attempts allowed before a record goes DEAD
	BaseDelay   time.Duration // delay after the first failure
	MaxDelay    time.Duration // upper bound of any delay
	Multiplier  float64       // growth factor between consecutive delays
}

// WithDefaults returns a copy of the policy with unset values defaulted.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	return p
}

// Delay returns the wait imposed after the given number of failed attempts.
// The sequence is non-decreasing and capped at MaxDelay.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts <= 1 {
		return p.BaseDelay
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempts-1))
	if d >= float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Failure is the delivery metadata computed for a failed attempt.
type Failure struct {
	Status      Status
	Attempts    int
	LastError   string
	NextRetryAt *time.Time
}

// Fail computes the outcome of one more failed attempt for a record that has
// already failed attempts times.
func (p RetryPolicy) Fail(attempts int, cause error, now time.Time) Failure {
	f := Failure{
		Status:   StatusPending,
		Attempts: attempts + 1,
	}
	if cause != nil {
		f.LastError = cause.Error()
	}
	if IsPermanent(cause) || f.Attempts > p.MaxAttempts {
		f.Status = StatusDead
		return f
	}
	next := now.Add(p.Delay(f.Attempts))
	f.NextRetryAt = &next
	return f
}

// Apply updates the record in place with the outcome of a failed attempt.
func (f Failure) Apply(r *OutboxRecord) {
	r.Status = f.Status
	r.Attempts = f.Attempts
	lastError := f.LastError
	r.LastError = &lastError
	r.NextRetryAt = f.NextRetryAt
	r.ClaimedBy = nil
	r.ClaimedUntil = nil
}
