package policy

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Verifier compares the local policy hash against the peer service's hash
// at handshake and on a fixed interval. A mismatch is a hard-stop
// condition: the caller gates CONFIRM (execution side) or arming (decision
// side) on Matched().
type Verifier struct {
	local    func() string
	fetch    func(ctx context.Context) (string, error)
	interval time.Duration
	logger   zerolog.Logger

	matched  atomic.Bool
	peerHash atomic.Pointer[string]
}

// NewVerifier wires a verifier. fetch retrieves the peer hash; it must
// honor the context deadline. Until the first successful check the
// verifier reports unmatched (fail closed).
func NewVerifier(local func() string, fetch func(ctx context.Context) (string, error), interval time.Duration, logger zerolog.Logger) *Verifier {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	v := &Verifier{local: local, fetch: fetch, interval: interval, logger: logger}
	empty := ""
	v.peerHash.Store(&empty)
	return v
}

// Matched reports whether the last comparison found identical hashes.
func (v *Verifier) Matched() bool {
	return v.matched.Load()
}

// PeerHash returns the last hash reported by the peer.
func (v *Verifier) PeerHash() string {
	return *v.peerHash.Load()
}

// CheckOnce performs a single comparison. Fetch failures leave the
// verifier unmatched.
func (v *Verifier) CheckOnce(ctx context.Context) error {
	peer, err := v.fetch(ctx)
	if err != nil {
		v.matched.Store(false)
		v.logger.Warn().Err(err).Msg("policy hash fetch failed, treating as drift")
		return err
	}
	v.peerHash.Store(&peer)
	local := v.local()
	match := peer != "" && peer == local
	prev := v.matched.Swap(match)
	if !match {
		v.logger.Error().
			Str("local_hash", local).
			Str("peer_hash", peer).
			Msg("policy hash mismatch, confirms locked out")
	} else if !prev {
		v.logger.Info().Str("policy_hash", local).Msg("policy hashes in sync")
	}
	return nil
}

// Run repeats CheckOnce on the configured interval until ctx is done. It
// runs on its own timer and never blocks signal processing.
func (v *Verifier) Run(ctx context.Context) {
	_ = v.CheckOnce(ctx)
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = v.CheckOnce(ctx)
		}
	}
}
