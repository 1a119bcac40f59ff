package fetch

import (
	"math/rand"
	"time"
)

// Backoff is an exponential delay policy with symmetric jitter.
type Backoff struct {
	Base     time.Duration
	MaxDelay time.Duration
	Jitter   float64 // 0.2 = 20%
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = 500 * time.Millisecond
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = 15 * time.Second
	}
	if b.MaxDelay < b.Base {
		b.MaxDelay = b.Base
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	return b
}

// Delay returns the wait before retry number retry (1-based).
// A positive hint (e.g. Retry-After) replaces the exponential step but is
// still capped and jittered.
func (b Backoff) Delay(retry int, hint time.Duration, rng *rand.Rand) time.Duration {
	b = b.withDefaults()

	d := b.Base
	if hint > 0 {
		d = hint
	} else {
		for i := 1; i < retry; i++ {
			d *= 2
			if d >= b.MaxDelay {
				break
			}
		}
	}
	if d > b.MaxDelay {
		d = b.MaxDelay
	}
	if b.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * b.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d
}
