// Package budget enforces per-run spending limits on provider queries.
//
// A Guard is created once per research run and consulted before each
// paid API call. Estimated costs are reserved up front so concurrent
// tasks cannot collectively overshoot the cap between check and spend.
package budget

import (
	"errors"
	"fmt"
	"sync"

	"github.com/marcus/roundtable/internal/logging"
	"github.com/marcus/roundtable/internal/providers"
)

// Mode selects how a Guard reacts when estimated spend reaches the cap.
type Mode string

const (
	// ModeOff disables budget tracking entirely.
	ModeOff Mode = "off"
	// ModeSoft records spend and logs a warning once the cap is
	// exceeded, but never refuses a task.
	ModeSoft Mode = "soft"
	// ModeHard refuses any task whose estimated cost would push total
	// spend past the cap.
	ModeHard Mode = "hard"
)

// ErrUnknownMode is returned by ParseMode for unrecognized mode strings.
var ErrUnknownMode = errors.New("unknown budget mode")

// ParseMode converts a configuration string into a Mode. The empty
// string maps to ModeOff.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "off":
		return ModeOff, nil
	case "soft":
		return ModeSoft, nil
	case "hard":
		return ModeHard, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Guard tracks estimated USD spend for a single run and decides whether
// new provider calls may proceed.
type Guard struct {
	mu     sync.Mutex
	mode   Mode
	maxUSD float64
	spent  map[string]float64
	total  float64
	warned bool
	logger *logging.Logger
}

// New creates a Guard for one run. maxUSD is ignored when mode is
// ModeOff.
func New(mode Mode, maxUSD float64) *Guard {
	return &Guard{
		mode:   mode,
		maxUSD: maxUSD,
		spent:  make(map[string]float64),
		logger: logging.Component("budget"),
	}
}

// Mode reports the guard's configured mode.
func (g *Guard) Mode() Mode {
	return g.mode
}

// Reserve asks permission to spend estimatedUSD on a call to the given
// provider. When it returns true the amount is committed to the run
// total. In ModeHard a reservation that would push the total past the
// cap is refused and nothing is recorded; already-reserved spend is
// unaffected. In ModeSoft the reservation always succeeds, with a
// single warning logged the first time the cap is crossed.
func (g *Guard) Reserve(provider providers.ID, estimatedUSD float64) bool {
	if g.mode == ModeOff {
		g.commit(provider, estimatedUSD)
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	next := g.total + estimatedUSD
	if next > g.maxUSD {
		if g.mode == ModeHard {
			g.logger.WarnCtx("budget exhausted, refusing task", map[string]any{
				"provider":  string(provider),
				"estimated": estimatedUSD,
				"spent":     g.total,
				"max_usd":   g.maxUSD,
			})
			return false
		}
		if !g.warned {
			g.warned = true
			g.logger.WarnCtx("soft budget limit exceeded", map[string]any{
				"provider": string(provider),
				"spent":    next,
				"max_usd":  g.maxUSD,
			})
		}
	}
	g.spent[string(provider)] += estimatedUSD
	g.total = next
	return true
}

func (g *Guard) commit(provider providers.ID, usd float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.spent[string(provider)] += usd
	g.total += usd
}

// Spent returns the total estimated USD committed so far.
func (g *Guard) Spent() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

// SpentByProvider returns a copy of the per-provider spend map.
func (g *Guard) SpentByProvider() map[string]float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]float64, len(g.spent))
	for k, v := range g.spent {
		out[k] = v
	}
	return out
}

// Remaining returns the estimated USD left under the cap, floored at
// zero. It is only meaningful for ModeSoft and ModeHard.
func (g *Guard) Remaining() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.maxUSD <= 0 {
		return 0
	}
	left := g.maxUSD - g.total
	if left < 0 {
		return 0
	}
	return left
}
