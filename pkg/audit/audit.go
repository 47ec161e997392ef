// Package audit persists one immutable record per risk decision and per
// security event. Records are append-only; there is no update path.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends decision records to Postgres. With Redact set, actor
// identifiers and the raw payload are replaced by salted hashes before the
// record leaves the process.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is one audited decision or security event.
type Record struct {
	DecisionID     string
	SignalID       string
	Source         string
	Symbol         string
	Verdict        string
	Reason         string
	AuthorizedSize string
	PolicyHash     string
	ActorHash      string
	SecurityEvent  bool
	Payload        json.RawMessage
	CreatedAt      time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(decision_id, signal_id, source, symbol, verdict, reason, authorized_size, policy_hash, actor_hash, security_event, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.DecisionID, rec.SignalID, rec.Source, rec.Symbol, rec.Verdict, rec.Reason, rec.AuthorizedSize, rec.PolicyHash, rec.ActorHash, rec.SecurityEvent, rec.Payload, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, decisionID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT decision_id, signal_id, source, symbol, verdict, reason, authorized_size, policy_hash, actor_hash, security_event, payload, created_at
		FROM audit_records WHERE decision_id=$1
	`, decisionID)
	var payload json.RawMessage
	if err := row.Scan(&rec.DecisionID, &rec.SignalID, &rec.Source, &rec.Symbol, &rec.Verdict, &rec.Reason, &rec.AuthorizedSize, &rec.PolicyHash, &rec.ActorHash, &rec.SecurityEvent, &payload, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.Payload = payload
	return rec, nil
}

// GetBySignal returns the most recent record for a signal_id.
func (w *Writer) GetBySignal(ctx context.Context, signalID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT decision_id, signal_id, source, symbol, verdict, reason, authorized_size, policy_hash, actor_hash, security_event, payload, created_at
		FROM audit_records WHERE signal_id=$1 ORDER BY created_at DESC LIMIT 1
	`, signalID)
	var payload json.RawMessage
	if err := row.Scan(&rec.DecisionID, &rec.SignalID, &rec.Source, &rec.Symbol, &rec.Verdict, &rec.Reason, &rec.AuthorizedSize, &rec.PolicyHash, &rec.ActorHash, &rec.SecurityEvent, &payload, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.Payload = payload
	return rec, nil
}
