package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"titan/pkg/models"
	"titan/pkg/reserve"
)

// Venue executes confirmed reservations and closes open positions.
type Venue interface {
	Execute(ctx context.Context, res reserve.Reservation) (models.FillReport, error)
	ClosePosition(ctx context.Context, pos models.Position) (models.FillReport, error)
}

// PaperVenue simulates fills at the reservation's entry price (or a
// configured mark) and stamps the full latency chain. Shadow mode tags
// every fill so nothing downstream applies it to live equity.
type PaperVenue struct {
	mu      sync.Mutex
	marks   map[string]decimal.Decimal
	feeRate decimal.Decimal
	shadow  bool
	now     func() time.Time
}

func NewPaperVenue(feeRate decimal.Decimal, shadow bool) *PaperVenue {
	return &PaperVenue{
		marks:   map[string]decimal.Decimal{},
		feeRate: feeRate,
		shadow:  shadow,
		now:     time.Now,
	}
}

// SetMark updates the simulated mark price for a symbol.
func (v *PaperVenue) SetMark(symbol string, price decimal.Decimal) {
	v.mu.Lock()
	v.marks[symbol] = price
	v.mu.Unlock()
}

func (v *PaperVenue) markFor(symbol string, fallback decimal.Decimal) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	if mark, ok := v.marks[symbol]; ok && mark.IsPositive() {
		return mark
	}
	return fallback
}

func (v *PaperVenue) Execute(ctx context.Context, res reserve.Reservation) (models.FillReport, error) {
	_ = ctx
	price := v.markFor(res.Symbol, res.EntryPrice)
	if !price.IsPositive() {
		return models.FillReport{}, fmt.Errorf("no mark price for %s", res.Symbol)
	}
	qty := res.AuthorizedSize.DivRound(price, 8)
	now := v.now().UTC().UnixMilli()
	return models.FillReport{
		FillID:    uuid.NewString(),
		SignalID:  res.SignalID,
		Symbol:    res.Symbol,
		Side:      res.Side,
		Price:     price,
		Quantity:  qty,
		Fee:       res.AuthorizedSize.Mul(v.feeRate),
		Shadow:    v.shadow,
		TSignal:   res.TSignal,
		TIngress:  res.CreatedAt.UnixMilli(),
		TAck:      now,
		TExchange: now,
	}, nil
}

func (v *PaperVenue) ClosePosition(ctx context.Context, pos models.Position) (models.FillReport, error) {
	_ = ctx
	price := v.markFor(pos.Symbol, pos.EntryPrice)
	side := models.SideSell
	if pos.Side == models.SideSell {
		side = models.SideBuy
	}
	now := v.now().UTC().UnixMilli()
	return models.FillReport{
		FillID:    uuid.NewString(),
		SignalID:  pos.SignalID,
		Symbol:    pos.Symbol,
		Side:      side,
		Price:     price,
		Quantity:  pos.Size,
		Fee:       pos.Size.Mul(price).Mul(v.feeRate),
		Shadow:    v.shadow,
		Close:     true,
		TAck:      now,
		TExchange: now,
	}, nil
}
