// Package reconcile maintains the decision side's view of the portfolio
// from the execution side's fill reports. Every fill is applied at most
// once per fill_id; shadow fills are recorded in a separate paper book and
// never move live equity.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"titan/pkg/exposure"
	"titan/pkg/models"
	"titan/pkg/signing"
	"titan/pkg/store"
)

var ErrFillAlreadyApplied = errors.New("fill already applied")

// State is one consistent view of the reconciled portfolio, suitable for a
// single risk evaluation.
type State struct {
	Equity           decimal.Decimal
	PeakEquity       decimal.Decimal
	DailyRealizedPnL decimal.Decimal
	OpenPositions    []models.Position
	LiveFills        uint64
	ShadowFills      uint64
}

// Source yields raw fill envelopes, typically from the bus consumer.
type Source interface {
	ReadMessage(ctx context.Context) ([]byte, error)
}

// Reconciler applies fills to the live book and equity ledger.
type Reconciler struct {
	mu          sync.Mutex
	equity      decimal.Decimal
	peak        decimal.Decimal
	dailyPnL    decimal.Decimal
	book        *exposure.Book
	shadowBook  *exposure.Book
	applied     map[string]struct{}
	liveFills   uint64
	shadowFills uint64

	cache     store.Cache
	retention time.Duration
	signer    *signing.Signer
	log       zerolog.Logger
}

// New starts the reconciler from the configured initial equity. The cache
// extends fill dedupe across restarts; signer verifies fill envelopes read
// from the bus.
func New(initialEquity decimal.Decimal, cache store.Cache, signer *signing.Signer, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		equity:     initialEquity,
		peak:       initialEquity,
		dailyPnL:   decimal.Zero,
		book:       exposure.NewBook(),
		shadowBook: exposure.NewBook(),
		applied:    map[string]struct{}{},
		cache:      cache,
		retention:  24 * time.Hour,
		signer:     signer,
		log:        log,
	}
}

// ApplyFill folds one fill report into the portfolio. Duplicate fill_ids
// return ErrFillAlreadyApplied without changing state.
func (r *Reconciler) ApplyFill(ctx context.Context, fill models.FillReport) error {
	r.mu.Lock()
	if _, ok := r.applied[fill.FillID]; ok {
		r.mu.Unlock()
		return ErrFillAlreadyApplied
	}
	r.applied[fill.FillID] = struct{}{}
	r.mu.Unlock()

	if r.cache != nil {
		ok, err := r.cache.SetNX(ctx, "fill:applied:"+fill.FillID, "1", r.retention)
		if err != nil {
			r.log.Warn().Err(err).Str("fill_id", fill.FillID).Msg("fill dedupe cache unavailable")
		} else if !ok {
			return ErrFillAlreadyApplied
		}
	}

	if fill.Shadow {
		r.applyShadow(fill)
		return nil
	}
	r.applyLive(fill)
	return nil
}

func (r *Reconciler) applyShadow(fill models.FillReport) {
	// The shadow book mirrors what paper mode would have held. Force the
	// flag off so the book accepts it; live equity is never touched here.
	mirrored := fill
	mirrored.Shadow = false
	r.shadowBook.ApplyFill(mirrored)
	r.mu.Lock()
	r.shadowFills++
	r.mu.Unlock()
	r.log.Debug().Str("fill_id", fill.FillID).Str("symbol", fill.Symbol).Msg("shadow fill recorded")
}

func (r *Reconciler) applyLive(fill models.FillReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.liveFills++

	var pnl decimal.Decimal
	if fill.Close {
		if open, ok := r.book.Get(fill.SignalID); ok {
			diff := fill.Price.Sub(open.EntryPrice)
			if open.Side == models.SideSell {
				diff = diff.Neg()
			}
			pnl = diff.Mul(fill.Quantity)
		}
	}
	delta := pnl.Sub(fill.Fee)
	r.equity = r.equity.Add(delta)
	r.dailyPnL = r.dailyPnL.Add(delta)
	if r.equity.GreaterThan(r.peak) {
		r.peak = r.equity
	}
	r.book.ApplyFill(fill)

	r.log.Info().
		Str("fill_id", fill.FillID).
		Str("symbol", fill.Symbol).
		Str("realized_pnl", pnl.String()).
		Str("equity", r.equity.String()).
		Msg("fill reconciled")
}

// Snapshot returns a consistent copy of the reconciled state.
func (r *Reconciler) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State{
		Equity:           r.equity,
		PeakEquity:       r.peak,
		DailyRealizedPnL: r.dailyPnL,
		OpenPositions:    r.book.Positions(),
		LiveFills:        r.liveFills,
		ShadowFills:      r.shadowFills,
	}
}

// ShadowPositions returns the paper book for inspection.
func (r *Reconciler) ShadowPositions() []models.Position {
	return r.shadowBook.Positions()
}

// ResetDaily zeroes the daily realized PnL ledger at the session boundary.
func (r *Reconciler) ResetDaily() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dailyPnL = decimal.Zero
}

// Apply decodes, verifies and applies one raw fill envelope.
func (r *Reconciler) Apply(ctx context.Context, raw []byte) error {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	if env.Type != models.TypeFill && env.Type != models.TypeShadowFill {
		return nil
	}
	if err := r.signer.Verify(env); err != nil {
		r.log.Warn().Err(err).Str("envelope_id", env.ID).Msg("rejected unsigned fill")
		return err
	}
	var fill models.FillReport
	if err := json.Unmarshal(env.Payload, &fill); err != nil {
		return err
	}
	err := r.ApplyFill(ctx, fill)
	if errors.Is(err, ErrFillAlreadyApplied) {
		return nil
	}
	return err
}

// Run consumes fill envelopes until the context ends. Malformed or
// unverifiable messages are logged and skipped.
func (r *Reconciler) Run(ctx context.Context, src Source) error {
	for {
		raw, err := src.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Warn().Err(err).Msg("fill stream read failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if err := r.Apply(ctx, raw); err != nil {
			r.log.Warn().Err(err).Msg("fill not applied")
		}
	}
}
