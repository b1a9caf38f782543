package ygggo_amysql

import (
	"math/rand"
	"time"
)

// RetryPolicy controls how a connect operation retries failed attempts. Attempts
// are also bounded by ConnectionOptions.ConnectAttempts and the connect deadline.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Jitter      bool
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = 10 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = p.BaseBackoff
	}
	return p
}

// backoff is the delay before attempt+1, after attempt failed.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.BaseBackoff * time.Duration(attempt)
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	if p.Jitter && d > 0 {
		d = time.Duration(rand.Int63n(int64(d)))
	}
	return d
}

// retryable reports whether a failed connect attempt may be retried.
func retryable(errno uint16) bool {
	switch ClassifyErrno(errno) {
	case ErrClassConnection, ErrClassRetryable:
		return true
	}
	return false
}
