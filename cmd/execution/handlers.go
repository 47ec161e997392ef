package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"titan/pkg/bus"
	"titan/pkg/exposure"
	"titan/pkg/httpx"
	"titan/pkg/intent"
	"titan/pkg/metrics"
	"titan/pkg/models"
	"titan/pkg/policy"
	"titan/pkg/reserve"
	"titan/pkg/signing"
	"titan/pkg/telemetry"
)

type execDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Server is the execution side of the protocol: it owns the reservation
// table, the position book and the venue connection.
type Server struct {
	Signer              *signing.Signer
	Policies            *policy.Store
	Table               *reserve.Table
	Book                *exposure.Book
	Armed               *ArmedState
	Venue               Venue
	Publisher           *bus.SignedPublisher
	DB                  execDB
	Metrics             *metrics.Registry
	Log                 zerolog.Logger
	CORSAllowedOrigins  string
	MaxRequestBodyBytes int64
	now                 func() time.Time
}

func (s *Server) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func newRouter(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("execution"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Use(s.observeMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]interface{}{
			"status":  "ok",
			"service": "execution",
			"armed":   s.Armed.IsArmed(),
		})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prom", s.Metrics.PrometheusHandler())
	r.Post("/v1/intent/prepare", s.handlePrepare)
	r.Post("/v1/intent/confirm", s.handleConfirm)
	r.Post("/v1/intent/close", s.handleClose)
	r.Post("/v1/risk/command", s.handleRiskCommand)
	r.Get("/v1/policy/hash", s.handlePolicyHash)
	r.Get("/v1/positions", s.handlePositions)
	r.Get("/v1/exposure", s.handleExposure)
	return r
}

// decodeEnvelope reads and authenticates one request. Anything that fails
// here is a security event, not a business rejection.
func (s *Server) decodeEnvelope(w http.ResponseWriter, r *http.Request) (models.Envelope, bool) {
	var env models.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		httpx.Error(w, 400, "invalid json")
		return env, false
	}
	if err := s.Signer.Verify(env); err != nil {
		s.Metrics.IncSecurityEvent(models.ReasonInvalidSignature)
		s.Log.Warn().Err(err).Str("envelope_id", env.ID).Str("producer", env.Producer).Msg("rejected envelope")
		httpx.Error(w, 401, models.ReasonInvalidSignature)
		return env, false
	}
	return env, true
}

// policyMatches enforces the drift gate: a caller declaring a different
// policy hash, or declaring none at all, is refused before any state
// changes.
func (s *Server) policyMatches(w http.ResponseWriter, env models.Envelope, resp interface{}) bool {
	if env.PolicyHash == s.Policies.Hash() {
		return true
	}
	s.Metrics.IncSecurityEvent(models.ReasonPolicyDrift)
	s.Log.Warn().
		Str("envelope_id", env.ID).
		Str("local_hash", s.Policies.Hash()).
		Str("peer_hash", env.PolicyHash).
		Msg("policy hash mismatch")
	httpx.WriteJSON(w, 409, resp)
	return false
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	started := s.clock()
	env, ok := s.decodeEnvelope(w, r)
	if !ok {
		return
	}
	rejectWith := func(status int, reason string) {
		s.Metrics.IncOutcome(intent.Rejected, reason)
		httpx.WriteJSON(w, status, models.PrepareResponse{Prepared: false, Reason: reason})
	}
	if !s.policyMatches(w, env, models.PrepareResponse{Prepared: false, Reason: models.ReasonPolicyDrift}) {
		s.Metrics.IncOutcome(intent.Rejected, models.ReasonPolicyDrift)
		return
	}
	if !s.Armed.IsArmed() {
		rejectWith(403, models.ReasonNotArmed)
		return
	}

	var req models.PrepareRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		rejectWith(400, models.ReasonInvalidPayload)
		return
	}
	sig := req.Signal
	if err := models.ValidateSignal(sig); err != nil {
		s.Log.Info().Err(err).Str("signal_id", sig.SignalID).Msg("invalid signal")
		rejectWith(400, models.ReasonInvalidPayload)
		return
	}

	doc := s.Policies.Doc()
	if threshold := doc.FreshnessThresholdMS; threshold > 0 {
		if age := s.clock().UnixMilli() - sig.TSignal; age > threshold {
			rejectWith(409, models.ReasonStaleSignal)
			return
		}
	}
	if !doc.SymbolAllowed(sig.Symbol) {
		rejectWith(409, models.ReasonSymbolNotAllowed)
		return
	}
	if max := doc.MaxOpenOrdersPerSymbol; max > 0 {
		open := s.Book.OpenBySymbol(sig.Symbol) + s.Table.ActiveBySymbol(sig.Symbol)
		if open >= max {
			rejectWith(409, models.ReasonMaxOpenOrders)
			return
		}
	}

	res, err := s.Table.Reserve(r.Context(), sig, sig.RequestedSize)
	if err != nil {
		if errors.Is(err, reserve.ErrDuplicate) {
			rejectWith(409, models.ReasonDuplicate)
			return
		}
		s.Log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("reserve failed")
		httpx.Error(w, 500, "internal error")
		return
	}
	s.Metrics.SetGauge("reservations_active", float64(s.Table.ActiveCount()))
	s.Metrics.ObserveLatency("prepare", s.clock().Sub(started))
	s.Metrics.IncOutcome(intent.Prepared, "")
	httpx.WriteJSON(w, 200, models.PrepareResponse{
		Prepared:  true,
		ExpiresAt: res.ExpiresAt.UnixMilli(),
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	started := s.clock()
	env, ok := s.decodeEnvelope(w, r)
	if !ok {
		return
	}
	if !s.policyMatches(w, env, models.ConfirmResponse{Executed: false, Reason: models.ReasonPolicyDrift}) {
		s.Metrics.IncOutcome(intent.Rejected, models.ReasonPolicyDrift)
		return
	}
	var req models.ConfirmRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.SignalID == "" {
		httpx.WriteJSON(w, 400, models.ConfirmResponse{Executed: false, Reason: models.ReasonInvalidPayload})
		return
	}

	res, err := s.Table.Confirm(req.SignalID)
	if err != nil {
		switch {
		case errors.Is(err, reserve.ErrNotFound):
			httpx.WriteJSON(w, 404, models.ConfirmResponse{Executed: false, Reason: models.ReasonUnknownSignal})
		case errors.Is(err, reserve.ErrExpired):
			s.Metrics.IncOutcome(intent.Expired, "")
			httpx.WriteJSON(w, 410, models.ConfirmResponse{Executed: false, Reason: intent.Expired})
		default:
			httpx.WriteJSON(w, 409, models.ConfirmResponse{Executed: false, Reason: models.ReasonUnknownSignal})
		}
		return
	}

	fill, err := s.Venue.Execute(r.Context(), res)
	if err != nil {
		s.Log.Error().Err(err).Str("signal_id", res.SignalID).Msg("venue execute failed")
		_ = s.Table.Abort(res.SignalID)
		httpx.WriteJSON(w, 502, models.ConfirmResponse{Executed: false, Reason: "VENUE_ERROR"})
		return
	}
	s.Book.ApplyFill(fill)
	s.persistFill(r.Context(), fill)
	s.publishFill(r.Context(), fill)
	s.Metrics.IncFill(fill.Shadow)
	s.Metrics.SetGauge("reservations_active", float64(s.Table.ActiveCount()))
	s.Metrics.ObserveLatency("confirm", s.clock().Sub(started))
	s.Metrics.IncOutcome(intent.Executed, "")
	s.Log.Info().
		Str("signal_id", fill.SignalID).
		Str("fill_id", fill.FillID).
		Str("symbol", fill.Symbol).
		Bool("shadow", fill.Shadow).
		Msg("intent executed")
	httpx.WriteJSON(w, 200, models.ConfirmResponse{Executed: true, Fill: &fill})
}

// handleClose flattens one position. Closing reduces risk so it bypasses
// the armed interlock and every prepare-side gate; only authentication
// applies.
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	env, ok := s.decodeEnvelope(w, r)
	if !ok {
		return
	}
	var req models.CloseRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.SignalID == "" {
		httpx.WriteJSON(w, 400, models.ConfirmResponse{Executed: false, Reason: models.ReasonInvalidPayload})
		return
	}
	pos, found := s.Book.Get(req.SignalID)
	if !found {
		httpx.WriteJSON(w, 404, models.ConfirmResponse{Executed: false, Reason: models.ReasonUnknownSignal})
		return
	}
	fill, err := s.Venue.ClosePosition(r.Context(), pos)
	if err != nil {
		s.Log.Error().Err(err).Str("signal_id", pos.SignalID).Msg("venue close failed")
		httpx.WriteJSON(w, 502, models.ConfirmResponse{Executed: false, Reason: "VENUE_ERROR"})
		return
	}
	s.Book.ApplyFill(fill)
	s.persistFill(r.Context(), fill)
	s.publishFill(r.Context(), fill)
	s.Metrics.IncFill(fill.Shadow)
	s.Log.Info().Str("signal_id", fill.SignalID).Str("symbol", fill.Symbol).Msg("position closed")
	httpx.WriteJSON(w, 200, models.ConfirmResponse{Executed: true, Fill: &fill})
}

func (s *Server) handleRiskCommand(w http.ResponseWriter, r *http.Request) {
	env, ok := s.decodeEnvelope(w, r)
	if !ok {
		return
	}
	var cmd models.RiskCommand
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		httpx.Error(w, 400, models.ReasonInvalidPayload)
		return
	}
	if err := s.Signer.VerifyCommand(cmd); err != nil {
		s.Metrics.IncSecurityEvent(models.ReasonInvalidSignature)
		s.Log.Warn().Err(err).Str("command_id", cmd.CommandID).Str("action", cmd.Action).Msg("rejected risk command")
		httpx.Error(w, 401, models.ReasonInvalidSignature)
		return
	}

	s.Log.Info().
		Str("command_id", cmd.CommandID).
		Str("action", cmd.Action).
		Str("actor_id", cmd.ActorID).
		Str("reason", cmd.Reason).
		Msg("risk command accepted")

	switch cmd.Action {
	case models.CommandArm:
		if err := s.Armed.Arm(cmd.ActorID, cmd.Reason); err != nil {
			httpx.Error(w, 500, "arm failed")
			return
		}
	case models.CommandDisarm, models.CommandHalt, models.CommandFlatten:
		// FLATTEN only disarms here. The decision service drives the
		// closes through /v1/intent/close so every closing fill comes
		// back inline and lands in its reconciler exactly once.
		if err := s.Armed.Disarm(); err != nil {
			httpx.Error(w, 500, "disarm failed")
			return
		}
	default:
		httpx.Error(w, 400, "unknown action")
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"status": "ok",
		"action": cmd.Action,
		"armed":  s.Armed.IsArmed(),
	})
}

func (s *Server) handlePolicyHash(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]string{"policy_hash": s.Policies.Hash()})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]interface{}{"positions": s.Book.Positions()})
}

func (s *Server) handleExposure(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, s.Book.Exposure())
}

func (s *Server) publishFill(ctx context.Context, fill models.FillReport) {
	if s.Publisher == nil {
		return
	}
	if err := s.Publisher.PublishFill(ctx, fill, s.Policies.Hash()); err != nil {
		s.Log.Error().Err(err).Str("fill_id", fill.FillID).Msg("fill publish failed")
	}
}

func (s *Server) persistFill(ctx context.Context, fill models.FillReport) {
	if s.DB == nil {
		return
	}
	payload, err := json.Marshal(fill)
	if err != nil {
		return
	}
	if _, err := s.DB.Exec(ctx, `
		INSERT INTO fills (fill_id, signal_id, symbol, side, price, quantity, fee, shadow, closing, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (fill_id) DO NOTHING
	`, fill.FillID, fill.SignalID, fill.Symbol, string(fill.Side), fill.Price.String(), fill.Quantity.String(),
		fill.Fee.String(), fill.Shadow, fill.Close, payload, s.clock().UTC()); err != nil {
		s.Log.Error().Err(err).Str("fill_id", fill.FillID).Msg("fill persist failed")
	}
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := s.clock()
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.Method+" "+r.URL.Path, rec.status, s.clock().Sub(started))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
