// Package exposure tracks open positions on the execution side and derives
// notional exposure metrics from them.
package exposure

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"titan/pkg/models"
)

// Metrics summarizes the book's notional exposure. Net is long minus
// short; gross is their sum.
type Metrics struct {
	LongNotional  decimal.Decimal `json:"long_notional"`
	ShortNotional decimal.Decimal `json:"short_notional"`
	GrossNotional decimal.Decimal `json:"gross_notional"`
	NetNotional   decimal.Decimal `json:"net_notional"`
	PositionCount int             `json:"position_count"`
}

// Calculate derives exposure metrics from a set of positions.
func Calculate(positions []models.Position) Metrics {
	m := Metrics{
		LongNotional:  decimal.Zero,
		ShortNotional: decimal.Zero,
		GrossNotional: decimal.Zero,
		NetNotional:   decimal.Zero,
		PositionCount: len(positions),
	}
	for _, p := range positions {
		notional := p.Size.Mul(p.EntryPrice)
		if p.Side == models.SideSell {
			m.ShortNotional = m.ShortNotional.Add(notional)
		} else {
			m.LongNotional = m.LongNotional.Add(notional)
		}
	}
	m.GrossNotional = m.LongNotional.Add(m.ShortNotional)
	m.NetNotional = m.LongNotional.Sub(m.ShortNotional)
	return m
}

// Book is the execution side's live position set, keyed by signal_id.
type Book struct {
	mu        sync.Mutex
	positions map[string]models.Position
}

// NewBook returns an empty position book.
func NewBook() *Book {
	return &Book{positions: map[string]models.Position{}}
}

// ApplyFill mutates the book from a fill report: opening fills add a
// position, closing fills remove the position for the same signal_id.
// Shadow fills are ignored; the shadow book lives only in recorded reports.
func (b *Book) ApplyFill(fill models.FillReport) {
	if fill.Shadow {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if fill.Close {
		delete(b.positions, fill.SignalID)
		return
	}
	b.positions[fill.SignalID] = models.Position{
		Symbol:     fill.Symbol,
		Side:       fill.Side,
		Size:       fill.Quantity,
		EntryPrice: fill.Price,
		SignalID:   fill.SignalID,
		OpenedAt:   time.UnixMilli(fill.TExchange).UTC(),
	}
}

// Positions returns a copy of the open positions.
func (b *Book) Positions() []models.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	return out
}

// Get returns the open position for a signal_id, if any.
func (b *Book) Get(signalID string) (models.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[signalID]
	return p, ok
}

// OpenBySymbol counts open positions for a symbol.
func (b *Book) OpenBySymbol(symbol string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, p := range b.positions {
		if p.Symbol == symbol {
			count++
		}
	}
	return count
}

// Exposure computes metrics over the current book.
func (b *Book) Exposure() Metrics {
	return Calculate(b.Positions())
}
