package gateway

import "time"

// BreakerConfig controls the consecutive failure breaker applied to remote
// calls. After Trip consecutive failures the next reservation is held back
// for a cooldown that starts at BaseDelay and doubles with every further
// failure up to MaxDelay. A failure streak older than ResetAfter is ignored.
//
// Trip < 0 disables the breaker; zero fields take defaults.
type BreakerConfig struct {
	Trip       int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	ResetAfter time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Trip == 0 {
		c.Trip = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

// breaker is owned by the loop goroutine.
type breaker struct {
	cfg         BreakerConfig
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg.withDefaults()}
}

func (b *breaker) enabled() bool { return b.cfg.Trip > 0 }

func (b *breaker) expire(now time.Time) {
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.ResetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
	}
}

// holdUntil returns the end of the current cooldown, zero if closed.
func (b *breaker) holdUntil(now time.Time) time.Time {
	if !b.enabled() {
		return time.Time{}
	}
	b.expire(now)
	if now.Before(b.openUntil) {
		return b.openUntil
	}
	return time.Time{}
}

func (b *breaker) record(now time.Time, err error) {
	if !b.enabled() {
		return
	}
	b.expire(now)
	if err == nil {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return
	}

	b.fails++
	b.lastFailure = now
	if b.fails < b.cfg.Trip {
		return
	}
	d := b.cfg.BaseDelay
	for i := 0; i < b.fails-b.cfg.Trip; i++ {
		d *= 2
		if d >= b.cfg.MaxDelay {
			break
		}
	}
	if d > b.cfg.MaxDelay {
		d = b.cfg.MaxDelay
	}
	b.openUntil = now.Add(d)
}
