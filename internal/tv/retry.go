package tv

import "time"

// RetryPolicy bounds how hard the client tries to reach the TV before
// giving up on a single action.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryPolicy is used for zero fields of a configured policy
var DefaultRetryPolicy = RetryPolicy{
	Attempts:       3,
	InitialBackoff: time.Second,
	MaxBackoff:     10 * time.Second,
	BackoffFactor:  2,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultRetryPolicy.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultRetryPolicy.MaxBackoff
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = DefaultRetryPolicy.BackoffFactor
	}
	return p
}

// Backoff returns the wait before retry number retryCount (0 based):
// InitialBackoff * BackoffFactor^retryCount, capped at MaxBackoff.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	p = p.withDefaults()
	if retryCount <= 0 {
		return p.InitialBackoff
	}

	backoff := float64(p.InitialBackoff)
	for i := 0; i < retryCount && backoff < float64(p.MaxBackoff); i++ {
		backoff *= p.BackoffFactor
	}

	if backoff > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(backoff)
}
