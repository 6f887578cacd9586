package syncclient

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newReconnectBackOff yields min(initial*2^n, max) for n = 0..attempts-1 and
// then backoff.Stop. There is no jitter so the schedule is exact.
func newReconnectBackOff(initial, max time.Duration, attempts int) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = initial
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = max
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithMaxRetries(eb, uint64(attempts))
}
