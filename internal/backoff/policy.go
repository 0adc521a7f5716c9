// Package backoff retries HTTP exchanges with exponential backoff and
// classifies failures as retryable or fatal.
package backoff

import (
	"math"
	"time"
)

const (
	// DefaultRetries bounds the total number of attempts, the first included.
	DefaultRetries = 5
	// NoRetries explicitly disables retrying: one attempt is made. A zero
	// Retries field means "default".
	NoRetries = -1

	defaultFactor     = 2.0
	defaultMinTimeout = time.Second
)

// Policy configures the retry loop. A zero Factor, MaxTimeout or Retries selects
// the default; MinTimeout is taken as given so that zero disables waiting.
type Policy struct {
	Factor     float64       `json:"factor"`      // Multiplier per retry (default 2)
	MinTimeout time.Duration `json:"min_timeout"` // Delay before the first retry (default 1s)
	MaxTimeout time.Duration `json:"max_timeout"` // Upper bound on a computed delay (default unbounded)
	Randomize  bool          `json:"randomize"`   // Jitter uniformly between MinTimeout and the computed delay
	Retries    int           `json:"retries"`     // Total attempts including the first (default 5, NoRetries for one)
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{MinTimeout: defaultMinTimeout}.normalized()
}

func (p Policy) normalized() Policy {
	if p.Factor <= 0 {
		p.Factor = defaultFactor
	}
	if p.MinTimeout < 0 {
		p.MinTimeout = 0
	}
	if p.MaxTimeout <= 0 {
		p.MaxTimeout = time.Duration(math.MaxInt64)
	}
	switch {
	case p.Retries == NoRetries:
		p.Retries = 1
	case p.Retries <= 0:
		p.Retries = DefaultRetries
	}
	return p
}

// Attempts returns the total number of attempts the policy allows, including
// the first. It is never below one.
func (p Policy) Attempts() int {
	return max(1, p.normalized().Retries)
}

// Delay computes the wait before retry number retryIndex (0 for the first retry).
// rnd must return a value in [0, 1); it is only consulted when Randomize is set.
func (p Policy) Delay(retryIndex int, rnd func() float64) time.Duration {
	p = p.normalized()

	delay := p.MaxTimeout
	if raw := float64(p.MinTimeout) * math.Pow(p.Factor, float64(retryIndex)); raw < float64(p.MaxTimeout) {
		delay = time.Duration(raw)
	}

	if p.Randomize && rnd != nil && delay > p.MinTimeout {
		delay = p.MinTimeout + time.Duration(rnd()*float64(delay-p.MinTimeout))
	}

	return delay
}
