// Package risk implements the pre-trade gate. Every signal is evaluated
// fresh against the live policy, governance posture, portfolio state and
// allocation snapshot; verdicts are never cached. Checks short-circuit in a
// fixed order so the recorded rejection reason is deterministic.
package risk

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"titan/pkg/allocation"
	"titan/pkg/governance"
	"titan/pkg/models"
	"titan/pkg/policy"
)

// Inputs is the portfolio state a single evaluation runs against. The
// caller assembles it from the reconciler so one evaluation sees one
// consistent view.
type Inputs struct {
	Equity           decimal.Decimal
	PeakEquity       decimal.Decimal
	DailyRealizedPnL decimal.Decimal
	OpenPositions    []models.Position
	SharpeBySource   map[string]float64
}

// Guardian applies the ordered risk checks.
type Guardian struct {
	policies *policy.Store
	gov      *governance.Engine
	alloc    *allocation.Engine
	log      zerolog.Logger
}

// NewGuardian wires the gate to its live state sources.
func NewGuardian(policies *policy.Store, gov *governance.Engine, alloc *allocation.Engine, log zerolog.Logger) *Guardian {
	return &Guardian{policies: policies, gov: gov, alloc: alloc, log: log}
}

func reject(reason string) models.RiskDecision {
	return models.RiskDecision{Approved: false, Reason: reason, AuthorizedSize: decimal.Zero}
}

// Evaluate runs the full gate. The governance check runs first so lockdown
// reasons are never masked by ordinary risk rejections. AuthorizedSize may
// be reduced below the requested size by the allocation cap but is never
// increased.
func (g *Guardian) Evaluate(sig models.Signal, in Inputs) models.RiskDecision {
	doc := g.policies.Doc()

	if ok, reason := g.gov.Permits(sig.Source, doc.DefensiveSource); !ok {
		g.logVerdict(sig, reason)
		return reject(reason)
	}

	if doc.MaxLeverage.IsPositive() && sig.Leverage.GreaterThan(doc.MaxLeverage) {
		g.logVerdict(sig, models.ReasonMaxLeverage)
		return reject(models.ReasonMaxLeverage)
	}

	if doc.MaxDrawdownPct.IsPositive() && in.PeakEquity.IsPositive() {
		drawdown := in.PeakEquity.Sub(in.Equity).Div(in.PeakEquity)
		if drawdown.GreaterThanOrEqual(doc.MaxDrawdownPct) {
			g.logVerdict(sig, models.ReasonMaxDrawdown)
			return reject(models.ReasonMaxDrawdown)
		}
	}

	// MaxDailyLoss is configured as a negative number; at or below it the
	// book is done trading for the day.
	if doc.MaxDailyLoss.IsNegative() && in.DailyRealizedPnL.LessThanOrEqual(doc.MaxDailyLoss) {
		g.logVerdict(sig, models.ReasonMaxDailyLoss)
		return reject(models.ReasonMaxDailyLoss)
	}

	cap := g.alloc.MaxNotional(sig.Source)
	if !cap.IsPositive() {
		g.logVerdict(sig, models.ReasonAllocationExhausted)
		return reject(models.ReasonAllocationExhausted)
	}
	authorized := sig.RequestedSize
	if authorized.GreaterThan(cap) {
		authorized = cap
	}

	side := models.SideFor(sig.Direction)
	for _, pos := range in.OpenPositions {
		if pos.Side != side || pos.Symbol == sig.Symbol {
			continue
		}
		if doc.Correlation(sig.Symbol, pos.Symbol) > doc.CorrelationLimit {
			g.logVerdict(sig, models.ReasonCorrelationLimit)
			return reject(models.ReasonCorrelationLimit)
		}
	}

	if doc.SharpeFloor != nil {
		if sharpe, ok := in.SharpeBySource[sig.Source]; ok && sharpe < *doc.SharpeFloor {
			g.logVerdict(sig, models.ReasonSharpeFloor)
			return reject(models.ReasonSharpeFloor)
		}
	}

	g.log.Debug().
		Str("signal_id", sig.SignalID).
		Str("source", sig.Source).
		Str("authorized_size", authorized.String()).
		Msg("signal approved")
	return models.RiskDecision{Approved: true, AuthorizedSize: authorized}
}

func (g *Guardian) logVerdict(sig models.Signal, reason string) {
	g.log.Info().
		Str("signal_id", sig.SignalID).
		Str("symbol", sig.Symbol).
		Str("source", sig.Source).
		Str("reason", reason).
		Msg("signal rejected")
}
