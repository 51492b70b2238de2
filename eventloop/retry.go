package eventloop

import (
	"math"
	"math/rand"
	"time"
)

// retryConfig is the resolved backoff shape for one ErrorKind: how many
// attempts to allow, the starting delay, the ceiling, the exponential
// factor, whether the delay instead grows linearly (initialDelay * attempt),
// and whether to jitter the result. Grounded on the teacher's
// internal/retry/retry.go backoff math, folded directly into the loop's own
// ErrorKind classification rather than kept as a general-purpose package,
// since retryConfigForKind is the only caller this module has.
type retryConfig struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	factor       float64
	linear       bool
	jitter       bool
}

// delay computes the backoff duration before the given attempt (1-indexed),
// applying jitter when the config calls for it.
func (c retryConfig) delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	var d float64
	if c.linear {
		d = float64(c.initialDelay) * float64(attempt)
	} else {
		d = float64(c.initialDelay) * math.Pow(c.factor, float64(attempt-1))
	}
	if d > float64(c.maxDelay) {
		d = float64(c.maxDelay)
	}
	if c.jitter {
		// jitter: delay * [0.5, 1.5]
		jitterFactor := 0.5 + rand.Float64() // #nosec G404 -- jitter does not require cryptographic randomness
		d *= jitterFactor
	}
	return time.Duration(d)
}

// retryConfigForKind maps a provider error classification onto a backoff
// shape: exponential with jitter for throttling, linear for
// service-unavailable, and a narrower exponential backoff for other
// transient classes (timeout, generic transient, network).
func retryConfigForKind(kind ErrorKind) retryConfig {
	switch kind {
	case ErrorKindThrottled:
		return retryConfig{maxAttempts: 5, initialDelay: 2 * time.Second, maxDelay: 30 * time.Second, factor: 2.0, jitter: true}
	case ErrorKindServiceUnavailable:
		return retryConfig{maxAttempts: 3, initialDelay: 1 * time.Second, maxDelay: 5 * time.Second, linear: true, jitter: false}
	default: // Transient, Timeout, Network
		return retryConfig{maxAttempts: 3, initialDelay: 100 * time.Millisecond, maxDelay: 5 * time.Second, factor: 2.0, jitter: true}
	}
}
