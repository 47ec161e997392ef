package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"titan/pkg/allocation"
	"titan/pkg/audit"
	"titan/pkg/fastpath"
	"titan/pkg/governance"
	"titan/pkg/httpx"
	"titan/pkg/intent"
	"titan/pkg/metrics"
	"titan/pkg/models"
	"titan/pkg/policy"
	"titan/pkg/ratelimit"
	"titan/pkg/reconcile"
	"titan/pkg/signing"
	"titan/pkg/stream"
	"titan/pkg/telemetry"
)

// Server is the decision service: signal intake, the admin kill switch and
// the operator event stream.
type Server struct {
	Pipeline   *Pipeline
	Gov        *governance.Engine
	Alloc      *allocation.Engine
	Reconciler *reconcile.Reconciler
	Policies   *policy.Store
	Verifier   *policy.Verifier
	Exec       *fastpath.Client
	Signer     *signing.Signer
	Audit      *audit.Writer
	Metrics    *metrics.Registry
	Hub        *stream.Hub
	Log        zerolog.Logger

	AdminToken          string
	AdminRateLimit      int
	Limiter             ratelimit.Limiter
	CORSAllowedOrigins  string
	MaxRequestBodyBytes int64
}

func newRouter(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("decision"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]interface{}{
			"status":     "ok",
			"service":    "decision",
			"governance": s.Gov.Level(),
		})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prom", s.Metrics.PrometheusHandler())
	r.Post("/v1/signal", s.handleSignal)
	r.Post("/v1/close", s.handleClose)
	r.Get("/v1/portfolio", s.handlePortfolio)
	r.Get("/v1/portfolio/shadow", s.handleShadowPortfolio)

	admin := chi.NewRouter()
	admin.Use(s.adminAuthMiddleware)
	admin.Post("/arm", s.handleArm)
	admin.Post("/disarm", s.handleDisarm)
	admin.Post("/halt", s.handleHalt)
	admin.Post("/flatten", s.handleFlatten)
	admin.Get("/governance", s.handleGetGovernance)
	admin.Post("/governance", s.handleSetGovernance)
	admin.Get("/risk/policy-hash", s.handlePolicyHash)
	admin.Get("/audit/{signal_id}", s.handleAuditLookup)
	admin.Get("/events", s.handleEvents)
	r.Mount("/api", admin)
	return r
}

// handleSignal is the strategy intake: a signed envelope carrying one
// signal. Signature failures are security events; everything after that is
// the pipeline's call.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var env models.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if err := s.Signer.Verify(env); err != nil {
		s.Metrics.IncSecurityEvent(models.ReasonInvalidSignature)
		if s.Hub != nil {
			s.Hub.Publish(stream.SecurityEvent(models.ReasonInvalidSignature, err.Error()))
		}
		s.Log.Warn().Err(err).Str("envelope_id", env.ID).Str("producer", env.Producer).Msg("rejected signal envelope")
		httpx.Error(w, 401, models.ReasonInvalidSignature)
		return
	}
	var sig models.Signal
	if err := json.Unmarshal(env.Payload, &sig); err != nil {
		httpx.Error(w, 400, models.ReasonInvalidPayload)
		return
	}
	out, err := s.Pipeline.Submit(r.Context(), sig)
	if err != nil {
		if errors.Is(err, fastpath.ErrDeadlineExceeded) {
			httpx.WriteJSON(w, 504, out)
			return
		}
		httpx.WriteJSON(w, 502, out)
		return
	}
	status := 200
	if out.Verdict == intent.Rejected {
		status = 409
	}
	httpx.WriteJSON(w, status, out)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var env models.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if err := s.Signer.Verify(env); err != nil {
		s.Metrics.IncSecurityEvent(models.ReasonInvalidSignature)
		httpx.Error(w, 401, models.ReasonInvalidSignature)
		return
	}
	var req models.CloseRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.SignalID == "" {
		httpx.Error(w, 400, models.ReasonInvalidPayload)
		return
	}
	resp, err := s.Pipeline.CloseSignal(r.Context(), req.SignalID, req.Symbol)
	if err != nil {
		httpx.WriteJSON(w, 502, resp)
		return
	}
	status := 200
	if !resp.Executed {
		status = 409
	}
	httpx.WriteJSON(w, status, resp)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	state := s.Reconciler.Snapshot()
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"equity":             state.Equity,
		"peak_equity":        state.PeakEquity,
		"daily_realized_pnl": state.DailyRealizedPnL,
		"open_positions":     state.OpenPositions,
		"live_fills":         state.LiveFills,
		"shadow_fills":       state.ShadowFills,
	})
}

func (s *Server) handleShadowPortfolio(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"positions": s.Reconciler.ShadowPositions(),
	})
}

func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AdminToken == "" {
			httpx.Error(w, 503, "admin api disabled")
			return
		}
		token := r.Header.Get("X-Admin-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.AdminToken)) != 1 {
			s.Metrics.IncSecurityEvent("ADMIN_AUTH_FAILED")
			httpx.Error(w, 401, "unauthorized")
			return
		}
		if s.Limiter != nil {
			if d := s.Limiter.Allow("admin", s.AdminRateLimit); !d.Allowed {
				httpx.Error(w, 429, "rate limited")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// resolveActor prefers the initiator named in the request body, then the
// X-Actor-ID header older tooling sends.
func (s *Server) resolveActor(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if actor := r.Header.Get("X-Actor-ID"); actor != "" {
		return actor
	}
	return "admin"
}

// adminRequest reads the {reason, initiator_id} body shared by the admin
// commands. A missing or malformed body degrades to defaults rather than
// blocking a kill switch.
func (s *Server) adminRequest(r *http.Request) (actor, reason string) {
	var body struct {
		Reason      string `json:"reason"`
		InitiatorID string `json:"initiator_id"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	return s.resolveActor(r, body.InitiatorID), body.Reason
}

func (s *Server) sendCommand(ctx context.Context, action, actor, reason string) error {
	cmd := models.RiskCommand{
		CommandID: uuid.NewString(),
		Action:    action,
		ActorID:   actor,
		Reason:    reason,
		Timestamp: time.Now().UnixMilli(),
	}
	s.Signer.SignCommand(&cmd)
	return s.Exec.Command(ctx, cmd)
}

// handleArm re-enables execution. Arming is refused while the policy
// hashes of the two services disagree.
func (s *Server) handleArm(w http.ResponseWriter, r *http.Request) {
	if s.Verifier != nil && !s.Verifier.Matched() {
		s.Metrics.IncSecurityEvent(models.ReasonPolicyDrift)
		httpx.Error(w, 409, models.ReasonPolicyDrift)
		return
	}
	actor, reason := s.adminRequest(r)
	if err := s.sendCommand(r.Context(), models.CommandArm, actor, reason); err != nil {
		s.Log.Error().Err(err).Msg("arm command failed")
		httpx.Error(w, 502, "arm failed")
		return
	}
	state, err := s.Gov.SetOverride(governance.LevelNormal, "armed by operator", actor)
	if err != nil {
		httpx.Error(w, 500, "governance update failed")
		return
	}
	s.publishGovernance(state)
	httpx.WriteJSON(w, 200, state)
}

func (s *Server) handleDisarm(w http.ResponseWriter, r *http.Request) {
	actor, reason := s.adminRequest(r)
	if err := s.sendCommand(r.Context(), models.CommandDisarm, actor, reason); err != nil {
		s.Log.Error().Err(err).Msg("disarm command failed")
		httpx.Error(w, 502, "disarm failed")
		return
	}
	state, err := s.Gov.SetOverride(governance.LevelDefensive, "disarmed by operator", actor)
	if err != nil {
		httpx.Error(w, 500, "governance update failed")
		return
	}
	s.publishGovernance(state)
	httpx.WriteJSON(w, 200, state)
}

// handleHalt is the kill switch: lock down locally first, then tell
// execution to disarm. Local lockdown holds even if the remote call fails.
func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	actor, reason := s.adminRequest(r)
	state, err := s.Gov.SetOverride(governance.LevelEmergency, reason, actor)
	if err != nil {
		httpx.Error(w, 500, "governance update failed")
		return
	}
	s.publishGovernance(state)
	if err := s.sendCommand(r.Context(), models.CommandHalt, actor, reason); err != nil {
		s.Log.Error().Err(err).Msg("halt command failed, local lockdown still active")
		httpx.WriteJSON(w, 502, map[string]interface{}{
			"governance": state,
			"execution":  "unreachable",
		})
		return
	}
	httpx.WriteJSON(w, 200, state)
}

// handleFlatten halts and then closes every open position, concurrently,
// through the fast path. The forwarded FLATTEN command only disarms the
// execution side; the closes themselves run through /v1/intent/close so the
// returned fills reconcile here.
func (s *Server) handleFlatten(w http.ResponseWriter, r *http.Request) {
	actor, reason := s.adminRequest(r)
	state, err := s.Gov.SetOverride(governance.LevelEmergency, reason, actor)
	if err != nil {
		httpx.Error(w, 500, "governance update failed")
		return
	}
	s.publishGovernance(state)
	if err := s.sendCommand(r.Context(), models.CommandFlatten, actor, reason); err != nil {
		s.Log.Error().Err(err).Msg("flatten command failed")
		httpx.Error(w, 502, "flatten failed")
		return
	}

	positions := s.Reconciler.Snapshot().OpenPositions
	var wg sync.WaitGroup
	var mu sync.Mutex
	closed := 0
	for _, pos := range positions {
		wg.Add(1)
		go func(pos models.Position) {
			defer wg.Done()
			resp, err := s.Pipeline.CloseSignal(r.Context(), pos.SignalID, pos.Symbol)
			if err != nil || !resp.Executed {
				s.Log.Error().Err(err).Str("signal_id", pos.SignalID).Msg("flatten close failed")
				return
			}
			mu.Lock()
			closed++
			mu.Unlock()
		}(pos)
	}
	wg.Wait()
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"governance": state,
		"positions":  len(positions),
		"closed":     closed,
		"failed":     len(positions) - closed,
	})
}

func (s *Server) handleGetGovernance(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, s.Gov.State())
}

func (s *Server) handleSetGovernance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level       string `json:"level"`
		Reason      string `json:"reason"`
		InitiatorID string `json:"initiator_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	state, err := s.Gov.SetOverride(req.Level, req.Reason, s.resolveActor(r, req.InitiatorID))
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	s.publishGovernance(state)
	httpx.WriteJSON(w, 200, state)
}

func (s *Server) handlePolicyHash(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"local_hash": s.Policies.Hash(),
	}
	if s.Verifier != nil {
		resp["peer_hash"] = s.Verifier.PeerHash()
		resp["matched"] = s.Verifier.Matched()
	}
	httpx.WriteJSON(w, 200, resp)
}

func (s *Server) handleAuditLookup(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, 503, "audit store disabled")
		return
	}
	signalID := chi.URLParam(r, "signal_id")
	rec, err := s.Audit.GetBySignal(r.Context(), signalID)
	if err != nil {
		httpx.Error(w, 404, "not found")
		return
	}
	httpx.WriteJSON(w, 200, rec)
}

// handleEvents streams hub events to operator dashboards over websocket.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch := s.Hub.Subscribe(64)
	defer func() {
		if drops := s.Hub.DroppedFor(ch); drops > 0 {
			s.Log.Warn().Uint64("dropped_events", drops).Msg("slow event stream consumer")
		}
		s.Hub.Unsubscribe(ch)
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}

func (s *Server) publishGovernance(state governance.State) {
	if s.Hub != nil {
		s.Hub.Publish(stream.GovernanceEvent(state.Level, state.Reason, state.Initiator))
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
