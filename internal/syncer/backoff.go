package syncer

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: exponential growth with randomized jitter,
// capped at Max. Jitter keeps a fleet of clients from retrying in lockstep
// after a shared outage.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // fraction of the base delay, 0..1
}

// DefaultBackoff returns the production retry curve.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    time.Second,
		Max:        2 * time.Minute,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// Base returns the undithered delay for the given retry number (0-based).
func (b Backoff) Base(retry int) time.Duration {
	d := float64(b.Initial)
	for i := 0; i < retry; i++ {
		d *= b.Multiplier
		if d >= float64(b.Max) {
			return b.Max
		}
	}
	if d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Delay returns the jittered delay for the given retry number. The result is
// always within [base*(1-Jitter), base*(1+Jitter)], capped at Max.
func (b Backoff) Delay(retry int) time.Duration {
	base := float64(b.Base(retry))
	if b.Jitter > 0 {
		// Uniform in [-Jitter, +Jitter].
		base += base * b.Jitter * (2*rand.Float64() - 1)
	}
	if base > float64(b.Max) {
		return b.Max
	}
	if base < 0 {
		return 0
	}
	return time.Duration(base)
}
