// Package backoff computes retry delays and runs cancellable waits for the
// sync coordinator.
//
// Delays follow an exponential envelope up to MaxDelay and a linear tail
// after it. Jitter is bounded by the distance to neighbouring attempts, so
// the delay for attempt n+1 is always strictly greater than for attempt n.
package backoff

import (
	"math/rand/v2"
	"time"

	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
)

// Config holds backoff parameters.
type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
	// Jitter is the maximum relative jitter, e.g. 0.2 for ±20%.
	Jitter float64
	// TailStep is added per attempt once MaxDelay is reached.
	TailStep time.Duration
	// ServiceUnavailableFloor is added to every delay caused by a
	// SERVICE_UNAVAILABLE response.
	ServiceUnavailableFloor time.Duration
}

// DefaultConfig returns the production backoff settings.
func DefaultConfig() Config {
	return Config{
		BaseDelay:               time.Second,
		MaxDelay:                5 * time.Minute,
		Factor:                  2,
		Jitter:                  0.2,
		TailStep:                time.Second,
		ServiceUnavailableFloor: 30 * time.Second,
	}
}

// gapShare keeps each jitter band a little short of the midpoint between
// neighbouring envelope values, so nanosecond truncation cannot make two
// attempts collide.
const gapShare = 0.45

// Policy computes delays from a Config.
type Policy struct {
	cfg  Config
	rand func() float64
}

// NewPolicy creates a Policy, filling unset fields from DefaultConfig.
func NewPolicy(cfg Config) *Policy {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.Factor <= 1 {
		cfg.Factor = def.Factor
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.TailStep <= 0 {
		cfg.TailStep = cfg.BaseDelay
	}
	return &Policy{cfg: cfg, rand: rand.Float64}
}

// WithRand returns a copy of p drawing jitter from r, which must return
// values in [0, 1).
func (p *Policy) WithRand(r func() float64) *Policy {
	c := *p
	c.rand = r
	return &c
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// envelope returns the deterministic delay for attempt n in nanoseconds.
func (p *Policy) envelope(n int) float64 {
	if n <= 0 {
		return 0
	}
	max := float64(p.cfg.MaxDelay)

	// attempts before the cap grow geometrically
	v := float64(p.cfg.BaseDelay)
	i := 1
	for v < max {
		if i == n {
			return v
		}
		v *= p.cfg.Factor
		i++
	}
	return max + float64(n-i)*float64(p.cfg.TailStep)
}

// CalculateBackoff returns the delay before retry attempt n (1-based).
func (p *Policy) CalculateBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	e := p.envelope(attempt)
	width := p.cfg.Jitter * e
	if lower := gapShare * (e - p.envelope(attempt-1)); lower < width {
		width = lower
	}
	if upper := gapShare * (p.envelope(attempt+1) - e); upper < width {
		width = upper
	}
	offset := (2*p.rand() - 1) * width
	return time.Duration(e + offset)
}

// CalculateBackoffFor returns the delay before retry attempt n after err.
func (p *Policy) CalculateBackoffFor(attempt int, err error) time.Duration {
	d := p.CalculateBackoff(attempt)
	if apperrors.Is(err, apperrors.ErrServiceUnavailable) {
		d += p.cfg.ServiceUnavailableFloor
	}
	return d
}
