package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"titan/pkg/audit"
	"titan/pkg/bus"
	"titan/pkg/fastpath"
	"titan/pkg/intent"
	"titan/pkg/metrics"
	"titan/pkg/models"
	"titan/pkg/policy"
	"titan/pkg/reconcile"
	"titan/pkg/risk"
	"titan/pkg/stream"
)

// Outcome is the decision side's final word on one submitted signal.
type Outcome struct {
	DecisionID     string             `json:"decision_id"`
	SignalID       string             `json:"signal_id"`
	Verdict        string             `json:"verdict"`
	Reason         string             `json:"reason,omitempty"`
	AuthorizedSize decimal.Decimal    `json:"authorized_size"`
	Fill           *models.FillReport `json:"fill,omitempty"`
}

// Pipeline runs one signal through the full decision path: risk gate,
// PREPARE, CONFIRM, then local reconciliation of the returned fill.
type Pipeline struct {
	Guard      *risk.Guardian
	Exec       *fastpath.Client
	Reconciler *reconcile.Reconciler
	Policies   *policy.Store
	Verifier   *policy.Verifier
	Audit      *audit.Writer
	Publisher  *bus.SignedPublisher
	Metrics    *metrics.Registry
	Hub        *stream.Hub
	Log        zerolog.Logger
	// Sharpe supplies per-strategy trailing Sharpe ratios when available.
	Sharpe func() map[string]float64
}

func (p *Pipeline) inputs() risk.Inputs {
	state := p.Reconciler.Snapshot()
	in := risk.Inputs{
		Equity:           state.Equity,
		PeakEquity:       state.PeakEquity,
		DailyRealizedPnL: state.DailyRealizedPnL,
		OpenPositions:    state.OpenPositions,
	}
	if p.Sharpe != nil {
		in.SharpeBySource = p.Sharpe()
	}
	return in
}

// Submit evaluates and, if approved, executes one signal. Transport
// failures on the fast path return an error; business rejections return a
// rejected Outcome with a nil error.
func (p *Pipeline) Submit(ctx context.Context, sig models.Signal) (Outcome, error) {
	started := time.Now()
	out := Outcome{
		DecisionID:     uuid.NewString(),
		SignalID:       sig.SignalID,
		AuthorizedSize: decimal.Zero,
	}

	if err := models.ValidateSignal(sig); err != nil {
		p.Log.Info().Err(err).Str("signal_id", sig.SignalID).Msg("invalid signal")
		return p.finish(ctx, sig, out, intent.Rejected, models.ReasonInvalidPayload, started), nil
	}

	decision := p.Guard.Evaluate(sig, p.inputs())
	if !decision.Approved {
		return p.finish(ctx, sig, out, intent.Rejected, decision.Reason, started), nil
	}
	out.AuthorizedSize = decision.AuthorizedSize

	// A policy drift lockout refuses new intents before any reservation is
	// taken on the other side.
	if p.Verifier != nil && !p.Verifier.Matched() {
		p.Metrics.IncSecurityEvent(models.ReasonPolicyDrift)
		return p.finish(ctx, sig, out, intent.Rejected, models.ReasonPolicyDrift, started), nil
	}

	// Execution reserves exactly what risk authorized, never the raw
	// requested size.
	sized := sig
	sized.RequestedSize = decision.AuthorizedSize

	prep, err := p.Exec.Prepare(ctx, sized)
	if err != nil {
		p.Log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("prepare failed")
		p.record(ctx, sig, out, intent.Rejected, "EXECUTION_UNAVAILABLE", true)
		return out, err
	}
	if !prep.Prepared {
		return p.finish(ctx, sig, out, intent.Rejected, prep.Reason, started), nil
	}

	conf, err := p.Exec.Confirm(ctx, sig.SignalID)
	if err != nil {
		p.Log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("confirm failed")
		p.record(ctx, sig, out, intent.Aborted, "EXECUTION_UNAVAILABLE", true)
		return out, err
	}
	if !conf.Executed {
		return p.finish(ctx, sig, out, intent.Rejected, conf.Reason, started), nil
	}

	out.Fill = conf.Fill
	if conf.Fill != nil {
		if err := p.Reconciler.ApplyFill(ctx, *conf.Fill); err != nil && err != reconcile.ErrFillAlreadyApplied {
			p.Log.Warn().Err(err).Str("fill_id", conf.Fill.FillID).Msg("inline fill apply failed")
		}
		if p.Hub != nil {
			p.Hub.Publish(stream.FillEvent(*conf.Fill))
		}
	}
	if p.Publisher != nil {
		if err := p.Publisher.PublishIntent(ctx, sized, p.Policies.Hash()); err != nil {
			p.Log.Warn().Err(err).Str("signal_id", sig.SignalID).Msg("intent publish failed")
		}
	}
	return p.finish(ctx, sig, out, intent.Executed, "", started), nil
}

// CloseSignal flattens one position through the fast path and reconciles
// the closing fill inline.
func (p *Pipeline) CloseSignal(ctx context.Context, signalID, symbol string) (models.ConfirmResponse, error) {
	resp, err := p.Exec.Close(ctx, signalID, symbol)
	if err != nil {
		return resp, err
	}
	if resp.Executed && resp.Fill != nil {
		if err := p.Reconciler.ApplyFill(ctx, *resp.Fill); err != nil && err != reconcile.ErrFillAlreadyApplied {
			p.Log.Warn().Err(err).Str("fill_id", resp.Fill.FillID).Msg("inline close apply failed")
		}
		if p.Hub != nil {
			p.Hub.Publish(stream.FillEvent(*resp.Fill))
		}
	}
	return resp, nil
}

func (p *Pipeline) finish(ctx context.Context, sig models.Signal, out Outcome, verdict, reason string, started time.Time) Outcome {
	out.Verdict = verdict
	out.Reason = reason
	p.Metrics.IncOutcome(verdict, reason)
	p.Metrics.ObserveLatency("decision", time.Since(started))
	if p.Hub != nil {
		p.Hub.Publish(stream.DecisionEvent(sig.SignalID, sig.Symbol, verdict, reason))
		p.Metrics.SetGauge("stream_dropped_events", float64(p.Hub.Dropped()))
	}
	p.record(ctx, sig, out, verdict, reason, false)
	return out
}

func (p *Pipeline) record(ctx context.Context, sig models.Signal, out Outcome, verdict, reason string, securityEvent bool) {
	if p.Audit == nil {
		return
	}
	payload, err := json.Marshal(sig)
	if err != nil {
		payload = nil
	}
	rec := audit.Record{
		DecisionID:     out.DecisionID,
		SignalID:       sig.SignalID,
		Source:         sig.Source,
		Symbol:         sig.Symbol,
		Verdict:        verdict,
		Reason:         reason,
		AuthorizedSize: out.AuthorizedSize.String(),
		PolicyHash:     p.Policies.Hash(),
		ActorHash:      sig.Source,
		SecurityEvent:  securityEvent,
		Payload:        payload,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.Audit.Append(ctx, rec); err != nil {
		p.Log.Error().Err(err).Str("decision_id", out.DecisionID).Msg("audit append failed")
	}
}
