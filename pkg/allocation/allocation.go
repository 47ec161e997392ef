// Package allocation converts portfolio equity and per-strategy weights
// into the maximum tradable notional per strategy. Recomputation publishes
// a complete snapshot via atomic swap; concurrent sizing calls never see a
// partially-updated weight set.
package allocation

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Constraints bound the computed notionals.
type Constraints struct {
	MinEquity       decimal.Decimal
	MaxPositionSize decimal.Decimal
	TargetDailyVol  float64
}

// Snapshot is one complete allocation: equity, weights and constraints as
// of a single recomputation. Weights need not sum to 1; unallocated
// capital stays in reserve.
type Snapshot struct {
	Equity      decimal.Decimal
	Weights     map[string]float64
	Constraints Constraints
	ComputedAt  time.Time
	Version     uint64
}

// Engine publishes allocation snapshots.
type Engine struct {
	ptr atomic.Pointer[Snapshot]
}

// New starts the engine with an initial allocation.
func New(equity decimal.Decimal, weights map[string]float64, c Constraints) *Engine {
	e := &Engine{}
	e.Recompute(equity, weights, c)
	return e
}

// Recompute swaps in a new complete snapshot. The weight map is copied so
// later caller mutations cannot leak into published state.
func (e *Engine) Recompute(equity decimal.Decimal, weights map[string]float64, c Constraints) Snapshot {
	copied := make(map[string]float64, len(weights))
	for k, v := range weights {
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		copied[k] = v
	}
	var version uint64 = 1
	if prev := e.ptr.Load(); prev != nil {
		version = prev.Version + 1
	}
	next := &Snapshot{
		Equity:      equity,
		Weights:     copied,
		Constraints: c,
		ComputedAt:  time.Now().UTC(),
		Version:     version,
	}
	e.ptr.Store(next)
	return *next
}

// Snapshot returns the current complete allocation.
func (e *Engine) Snapshot() Snapshot {
	return *e.ptr.Load()
}

// MaxNotional returns equity × weight for the strategy, clamped to
// MaxPositionSize. A zero or missing weight sizes the strategy to zero;
// that is a sizing constraint, not a governance block. Below MinEquity
// everything sizes to zero.
func (e *Engine) MaxNotional(source string) decimal.Decimal {
	snap := e.ptr.Load()
	if snap.Constraints.MinEquity.IsPositive() && snap.Equity.LessThan(snap.Constraints.MinEquity) {
		return decimal.Zero
	}
	weight, ok := snap.Weights[source]
	if !ok || weight <= 0 {
		return decimal.Zero
	}
	notional := snap.Equity.Mul(decimal.NewFromFloat(weight))
	if snap.Constraints.MaxPositionSize.IsPositive() && notional.GreaterThan(snap.Constraints.MaxPositionSize) {
		return snap.Constraints.MaxPositionSize
	}
	return notional
}
