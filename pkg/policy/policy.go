// Package policy holds the canonical risk-policy document and its content
// hash. Both services load the same document; the hash is compared at
// handshake and on an interval to detect configuration drift.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"titan/pkg/models"
)

// Document is the risk-policy document shared by decision and execution.
type Document struct {
	MaxLeverage            decimal.Decimal    `json:"max_leverage"`
	MaxDrawdownPct         decimal.Decimal    `json:"max_drawdown_pct"`
	MaxPositionNotional    decimal.Decimal    `json:"max_position_notional"`
	MaxDailyLoss           decimal.Decimal    `json:"max_daily_loss"`
	MinEquity              decimal.Decimal    `json:"min_equity"`
	CorrelationLimit       float64            `json:"correlation_limit"`
	SharpeFloor            *float64           `json:"sharpe_floor,omitempty"`
	TargetDailyVol         float64            `json:"target_daily_vol"`
	SymbolWhitelist        []string           `json:"symbol_whitelist"`
	MaxOpenOrdersPerSymbol int                `json:"max_open_orders_per_symbol"`
	DefensiveSource        string             `json:"defensive_source"`
	FreshnessThresholdMS   int64              `json:"freshness_threshold_ms"`
	Weights                map[string]float64 `json:"weights"`
	// Correlations holds pairwise symbol correlations used by the
	// correlation gate; missing pairs are treated as uncorrelated.
	Correlations map[string]map[string]float64 `json:"correlations,omitempty"`
}

// Default returns the conservative built-in document used when no policy
// file is configured.
func Default() Document {
	return Document{
		MaxLeverage:            decimal.NewFromInt(10),
		MaxDrawdownPct:         decimal.NewFromFloat(0.2),
		MaxPositionNotional:    decimal.NewFromInt(50000),
		MaxDailyLoss:           decimal.NewFromInt(-1000),
		MinEquity:              decimal.NewFromInt(1000),
		CorrelationLimit:       0.8,
		SymbolWhitelist:        []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
		MaxOpenOrdersPerSymbol: 5,
		DefensiveSource:        "hedge",
		FreshnessThresholdMS:   30000,
		Weights:                map[string]float64{},
	}
}

// Correlation returns the configured pairwise correlation, checking both
// orientations.
func (d Document) Correlation(a, b string) float64 {
	if m, ok := d.Correlations[a]; ok {
		if v, ok := m[b]; ok {
			return v
		}
	}
	if m, ok := d.Correlations[b]; ok {
		if v, ok := m[a]; ok {
			return v
		}
	}
	return 0
}

// SymbolAllowed reports whether a symbol is on the whitelist. An empty
// whitelist allows everything.
func (d Document) SymbolAllowed(symbol string) bool {
	if len(d.SymbolWhitelist) == 0 {
		return true
	}
	for _, s := range d.SymbolWhitelist {
		if s == symbol {
			return true
		}
	}
	return false
}

// Load reads a YAML policy document from disk. The YAML tree is re-encoded
// as JSON before decoding so decimal fields accept both quoted and bare
// numbers.
func Load(path string) (Document, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Document{}, fmt.Errorf("read policy: %w", err)
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return Document{}, fmt.Errorf("parse policy: %w", err)
	}
	bridge, err := json.Marshal(tree)
	if err != nil {
		return Document{}, fmt.Errorf("encode policy: %w", err)
	}
	doc := Default()
	if err := json.Unmarshal(bridge, &doc); err != nil {
		return Document{}, fmt.Errorf("decode policy: %w", err)
	}
	return doc, nil
}

// Hash computes the content hash over the canonical JSON encoding of the
// document. Both sides must produce the same digest for the same document
// regardless of YAML formatting.
func Hash(doc Document) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode policy: %w", err)
	}
	return models.ContentHash(raw)
}

// Snapshot is an immutable view of the loaded policy.
type Snapshot struct {
	Doc      Document
	Hash     string
	LoadedAt time.Time
}

// Store publishes policy snapshots via atomic swap; readers always see a
// complete document and its matching hash.
type Store struct {
	ptr atomic.Pointer[Snapshot]
}

// NewStore builds a store around an initial document.
func NewStore(doc Document) (*Store, error) {
	s := &Store{}
	if err := s.Swap(doc); err != nil {
		return nil, err
	}
	return s, nil
}

// Swap replaces the active snapshot atomically.
func (s *Store) Swap(doc Document) error {
	hash, err := Hash(doc)
	if err != nil {
		return err
	}
	s.ptr.Store(&Snapshot{Doc: doc, Hash: hash, LoadedAt: time.Now().UTC()})
	return nil
}

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() Snapshot {
	return *s.ptr.Load()
}

// Hash returns the current content hash.
func (s *Store) Hash() string {
	return s.ptr.Load().Hash
}

// Doc returns the current document.
func (s *Store) Doc() Document {
	return s.ptr.Load().Doc
}
