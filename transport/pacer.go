package transport

import "time"

// Pacer retries a function while it reports "retry", modeled on
// lib/pacer's Call(func() (bool, error)) shape.
type Pacer struct {
	MaxAttempts int
	Backoff     time.Duration
}

// NewPacer returns a Pacer with the given bounded-retry policy
// (spec.md S4.2: "up to 5 attempts ... 1s backoff" for DNS failures;
// S4.6/S4.7: "up to retry_read_count+1 attempts ... 1s backoff" for
// reads).
func NewPacer(maxAttempts int, backoff time.Duration) *Pacer {
	return &Pacer{MaxAttempts: maxAttempts, Backoff: backoff}
}

// Call invokes fn until it stops requesting a retry or MaxAttempts is
// reached. fn returns (retry, err); the last error is returned.
func (p *Pacer) Call(fn func(attempt int) (retry bool, err error)) error {
	var err error
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		var retry bool
		retry, err = fn(attempt)
		if !retry || attempt == attempts {
			return err
		}
		log.WithField("attempt", attempt).WithError(err).Debug("retrying after transient failure")
		time.Sleep(p.Backoff)
	}
	return err
}
