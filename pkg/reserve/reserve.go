// Package reserve owns the execution-side reservation table. PREPARE takes
// an exclusive, TTL-bounded reservation per signal_id; CONFIRM consumes it.
// Terminal reservations stay behind as tombstones so replays of the same
// signal_id are rejected as duplicates instead of re-reserving.
package reserve

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"titan/pkg/intent"
	"titan/pkg/models"
	"titan/pkg/store"
)

var (
	ErrDuplicate = errors.New("signal_id already reserved")
	ErrNotFound  = errors.New("no reservation for signal_id")
	ErrExpired   = errors.New("reservation window expired")
	ErrNotActive = errors.New("reservation is not confirmable")
)

const shardCount = 16

// Reservation is one signal_id's slot in the table.
type Reservation struct {
	SignalID       string
	Symbol         string
	Source         string
	Side           models.Side
	AuthorizedSize decimal.Decimal
	EntryPrice     decimal.Decimal
	Leverage       decimal.Decimal
	TSignal        int64
	State          string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*Reservation
}

// Table holds reservations sharded by signal_id. An optional shared cache
// extends duplicate detection across process restarts.
type Table struct {
	shards    [shardCount]*shard
	cache     store.Cache
	ttl       time.Duration
	retention time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

// NewTable builds a table. ttl bounds the PREPARE→CONFIRM window; retention
// bounds how long terminal tombstones are kept for duplicate detection.
func NewTable(cache store.Cache, ttl, retention time.Duration, log zerolog.Logger) *Table {
	t := &Table{cache: cache, ttl: ttl, retention: retention, log: log, now: time.Now}
	for i := range t.shards {
		t.shards[i] = &shard{entries: map[string]*Reservation{}}
	}
	return t
}

// WithClock overrides the table's clock for tests.
func (t *Table) WithClock(now func() time.Time) *Table {
	t.now = now
	return t
}

func (t *Table) shardFor(signalID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(signalID))
	return t.shards[h.Sum32()%shardCount]
}

// Reserve takes the exclusive slot for a signal_id. Any existing entry,
// active or tombstoned, makes the call a duplicate.
func (t *Table) Reserve(ctx context.Context, sig models.Signal, authorized decimal.Decimal) (Reservation, error) {
	now := t.now().UTC()
	s := t.shardFor(sig.SignalID)
	s.mu.Lock()
	if _, ok := s.entries[sig.SignalID]; ok {
		s.mu.Unlock()
		return Reservation{}, ErrDuplicate
	}
	var entry decimal.Decimal
	if len(sig.EntryZone) > 0 {
		entry = sig.EntryZone[0]
	}
	r := &Reservation{
		SignalID:       sig.SignalID,
		Symbol:         sig.Symbol,
		Source:         sig.Source,
		Side:           models.SideFor(sig.Direction),
		AuthorizedSize: authorized,
		EntryPrice:     entry,
		Leverage:       sig.Leverage,
		TSignal:        sig.TSignal,
		State:          intent.Prepared,
		CreatedAt:      now,
		ExpiresAt:      now.Add(t.ttl),
	}
	s.entries[sig.SignalID] = r
	s.mu.Unlock()

	if t.cache != nil {
		ok, err := t.cache.SetNX(ctx, "intent:seen:"+sig.SignalID, "1", t.retention)
		if err != nil {
			t.log.Warn().Err(err).Str("signal_id", sig.SignalID).Msg("dedupe cache unavailable")
		} else if !ok {
			// Seen by a previous process. Roll the local slot back.
			s.mu.Lock()
			delete(s.entries, sig.SignalID)
			s.mu.Unlock()
			return Reservation{}, ErrDuplicate
		}
	}
	return *r, nil
}

// Confirm consumes a prepared reservation. Expired reservations transition
// to EXPIRED here even if the sweeper has not run yet.
func (t *Table) Confirm(signalID string) (Reservation, error) {
	s := t.shardFor(signalID)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entries[signalID]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	if r.State != intent.Prepared {
		return *r, ErrNotActive
	}
	if intent.IsExpired(t.now(), r.ExpiresAt) {
		r.State = intent.Expired
		return *r, ErrExpired
	}
	r.State = intent.Executed
	return *r, nil
}

// Abort moves a prepared reservation to ABORTED, leaving the tombstone.
func (t *Table) Abort(signalID string) error {
	s := t.shardFor(signalID)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entries[signalID]
	if !ok {
		return ErrNotFound
	}
	if r.State != intent.Prepared {
		return ErrNotActive
	}
	r.State = intent.Aborted
	return nil
}

// Get returns a copy of the reservation, if any.
func (t *Table) Get(signalID string) (Reservation, bool) {
	s := t.shardFor(signalID)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entries[signalID]
	if !ok {
		return Reservation{}, false
	}
	return *r, true
}

// ActiveBySymbol counts prepared reservations for a symbol. Used by the
// per-symbol open-order cap together with the position book.
func (t *Table) ActiveBySymbol(symbol string) int {
	count := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for _, r := range s.entries {
			if r.State == intent.Prepared && r.Symbol == symbol {
				count++
			}
		}
		s.mu.Unlock()
	}
	return count
}

// ActiveCount counts prepared reservations across all symbols.
func (t *Table) ActiveCount() int {
	count := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for _, r := range s.entries {
			if r.State == intent.Prepared {
				count++
			}
		}
		s.mu.Unlock()
	}
	return count
}

// Sweep expires stale prepared reservations and drops tombstones past the
// retention window. Returns the number of newly expired reservations.
func (t *Table) Sweep() int {
	now := t.now().UTC()
	expired := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for id, r := range s.entries {
			if r.State == intent.Prepared && intent.IsExpired(now, r.ExpiresAt) {
				r.State = intent.Expired
				expired++
				t.log.Info().Str("signal_id", id).Msg("reservation expired")
				continue
			}
			if intent.IsTerminal(r.State) && now.Sub(r.CreatedAt) > t.retention {
				delete(s.entries, id)
			}
		}
		s.mu.Unlock()
	}
	return expired
}

// Run sweeps on an interval until the context ends.
func (t *Table) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}
