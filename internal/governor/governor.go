// Package governor implements two-tier admission control for outbound
// provider calls: a global counting semaphore in series with a per-provider
// gate that bounds concurrency and enforces a minimum spacing between
// dispatch starts. The spacing adapts when a provider rate-limits us.
package governor

import (
	"context"
	"sync"
	"time"

	"github.com/marcus/roundtable/internal/providers"
)

// Defaults applied by New for unset Config fields.
const (
	DefaultGlobalLimit   = 6
	DefaultProviderLimit = 2
	DefaultMinInterval   = 500 * time.Millisecond
	DefaultMaxInterval   = 5 * time.Second
)

// Config bounds how aggressively providers are hit.
type Config struct {
	// GlobalLimit caps in-flight calls across all providers.
	GlobalLimit int
	// ProviderLimit caps in-flight calls per provider.
	ProviderLimit int
	// MinInterval is the minimum time between dispatch starts for the same
	// provider.
	MinInterval time.Duration
	// MaxInterval caps the adaptive spacing growth applied on rate limits.
	MaxInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.GlobalLimit <= 0 {
		c.GlobalLimit = DefaultGlobalLimit
	}
	if c.ProviderLimit <= 0 {
		c.ProviderLimit = DefaultProviderLimit
	}
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	return c
}

// Governor gates task dispatch. A task holds one global slot and one
// provider slot for the whole duration of its call; both come back in the
// release function, which is safe to call more than once.
type Governor struct {
	cfg    Config
	global chan struct{}

	mu    sync.Mutex
	gates map[providers.ID]*gate
}

// gate is the per-provider tier: a slot semaphore plus spacing state.
// interval is read on every dispatch and mutated by Penalize/Reset, so it
// sits behind the mutex together with the next-dispatch time.
type gate struct {
	slots chan struct{}

	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

// New builds a governor, filling unset config fields with the defaults.
func New(cfg Config) *Governor {
	cfg = cfg.withDefaults()
	return &Governor{
		cfg:    cfg,
		global: make(chan struct{}, cfg.GlobalLimit),
		gates:  make(map[providers.ID]*gate),
	}
}

// Acquire admits one call for the given provider: global slot first, then
// provider slot, then the spacing wait. Waiters queue FIFO on each
// semaphore (channel send order). On context cancellation everything
// already held is returned before the error surfaces.
func (g *Governor) Acquire(ctx context.Context, id providers.ID) (release func(), err error) {
	select {
	case g.global <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	gt := g.gate(id)
	select {
	case gt.slots <- struct{}{}:
	case <-ctx.Done():
		<-g.global
		return nil, ctx.Err()
	}

	if err := gt.waitTurn(ctx); err != nil {
		<-gt.slots
		<-g.global
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-gt.slots
			<-g.global
		})
	}, nil
}

// Penalize doubles the provider's dispatch spacing in response to a rate
// limit, capped at MaxInterval. Returns the interval now in effect.
func (g *Governor) Penalize(id providers.ID) time.Duration {
	gt := g.gate(id)
	gt.mu.Lock()
	defer gt.mu.Unlock()

	interval := gt.interval * 2
	if interval > g.cfg.MaxInterval {
		interval = g.cfg.MaxInterval
	}
	gt.interval = interval
	return interval
}

// Reset restores the provider's dispatch spacing to the configured minimum.
func (g *Governor) Reset(id providers.ID) {
	gt := g.gate(id)
	gt.mu.Lock()
	gt.interval = g.cfg.MinInterval
	gt.mu.Unlock()
}

// Interval reports the spacing currently in effect for a provider.
func (g *Governor) Interval(id providers.ID) time.Duration {
	gt := g.gate(id)
	gt.mu.Lock()
	defer gt.mu.Unlock()
	return gt.interval
}

func (g *Governor) gate(id providers.ID) *gate {
	g.mu.Lock()
	defer g.mu.Unlock()

	gt, ok := g.gates[id]
	if !ok {
		gt = &gate{
			slots:    make(chan struct{}, g.cfg.ProviderLimit),
			interval: g.cfg.MinInterval,
		}
		g.gates[id] = gt
	}
	return gt
}

// waitTurn blocks until this dispatch is at least the gate's interval after
// the previous one, then claims the next dispatch time. The loop re-checks
// after sleeping because a concurrent holder may have claimed the slot
// meanwhile.
func (gt *gate) waitTurn(ctx context.Context) error {
	for {
		gt.mu.Lock()
		now := time.Now()
		if !now.Before(gt.next) {
			gt.next = now.Add(gt.interval)
			gt.mu.Unlock()
			return nil
		}
		wait := gt.next.Sub(now)
		gt.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
