package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"titan/pkg/bus"
	"titan/pkg/exposure"
	"titan/pkg/metrics"
	"titan/pkg/models"
	"titan/pkg/policy"
	"titan/pkg/reserve"
	"titan/pkg/signing"
	"titan/pkg/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	signer, err := signing.New(strings.Repeat("k", 32), 0)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	policies, err := policy.NewStore(policy.Default())
	if err != nil {
		t.Fatalf("policy store: %v", err)
	}
	armed, err := NewArmedState(filepath.Join(t.TempDir(), "armed"))
	if err != nil {
		t.Fatalf("armed state: %v", err)
	}
	if err := armed.Arm("test-operator", "setup"); err != nil {
		t.Fatalf("arm: %v", err)
	}
	table := reserve.NewTable(store.NewMemoryCache(), 5*time.Second, time.Hour, zerolog.Nop())
	return &Server{
		Signer:   signer,
		Policies: policies,
		Table:    table,
		Book:     exposure.NewBook(),
		Armed:    armed,
		Venue:    NewPaperVenue(decimal.NewFromFloat(0.001), false),
		Metrics:  metrics.NewRegistry(),
		Log:      zerolog.Nop(),
	}
}

func testSignal(id string) models.Signal {
	return models.Signal{
		SignalID:      id,
		Symbol:        "BTCUSDT",
		Direction:     1,
		EntryZone:     []decimal.Decimal{decimal.NewFromInt(50000)},
		StopLoss:      decimal.NewFromInt(48000),
		RequestedSize: decimal.NewFromInt(1000),
		Leverage:      decimal.NewFromInt(2),
		Confidence:    0.9,
		Source:        "alpha",
		TSignal:       time.Now().UnixMilli(),
	}
}

func signedEnvelope(t *testing.T, s *Server, msgType string, payload interface{}) models.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := models.Envelope{
		ID:         uuid.NewString(),
		Type:       msgType,
		Producer:   "decision",
		TS:         time.Now().UnixMilli(),
		Nonce:      uuid.NewString(),
		Payload:    raw,
		PolicyHash: s.Policies.Hash(),
	}
	if err := s.Signer.SignEnvelope(&env); err != nil {
		t.Fatalf("sign envelope: %v", err)
	}
	return env
}

func doPost(t *testing.T, h http.Handler, path string, env models.Envelope) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func prepareSignal(t *testing.T, s *Server, h http.Handler, sig models.Signal) models.PrepareResponse {
	t.Helper()
	env := signedEnvelope(t, s, models.TypePrepare, models.PrepareRequest{Signal: sig})
	rr := doPost(t, h, "/v1/intent/prepare", env)
	if rr.Code != 200 {
		t.Fatalf("prepare status=%d body=%s", rr.Code, rr.Body.String())
	}
	var resp models.PrepareResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode prepare response: %v", err)
	}
	return resp
}

func TestPrepareHappyPath(t *testing.T) {
	s := newTestServer(t)
	h := newRouter(s)
	resp := prepareSignal(t, s, h, testSignal("sig-1"))
	if !resp.Prepared {
		t.Fatalf("expected prepared, got reason %q", resp.Reason)
	}
	if resp.ExpiresAt <= time.Now().UnixMilli() {
		t.Fatalf("expected future expiry, got %d", resp.ExpiresAt)
	}
	if got := s.Table.ActiveCount(); got != 1 {
		t.Fatalf("expected 1 active reservation, got %d", got)
	}
}

func TestPrepareDuplicateRejected(t *testing.T) {
	s := newTestServer(t)
	h := newRouter(s)
	prepareSignal(t, s, h, testSignal("sig-dup"))

	env := signedEnvelope(t, s, models.TypePrepare, models.PrepareRequest{Signal: testSignal("sig-dup")})
	rr := doPost(t, h, "/v1/intent/prepare", env)
	if rr.Code != 409 {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	var resp models.PrepareResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Prepared || resp.Reason != models.ReasonDuplicate {
		t.Fatalf("expected duplicate rejection, got %+v", resp)
	}
}

func TestPrepareBadSignature(t *testing.T) {
	s := newTestServer(t)
	h := newRouter(s)
	env := signedEnvelope(t, s, models.TypePrepare, models.PrepareRequest{Signal: testSignal("sig-tamper")})
	env.Sig = strings.Repeat("0", 64)
	rr := doPost(t, h, "/v1/intent/prepare", env)
	if rr.Code != 401 {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	snap := s.Metrics.Snapshot()
	if snap.SecurityEvents[models.ReasonInvalidSignature] != 1 {
		t.Fatalf("expected security event counter, got %+v", snap.SecurityEvents)
	}
}

func TestPrepareNotArmed(t *testing.T) {
	s := newTestServer(t)
	if err := s.Armed.Disarm(); err != nil {
		t.Fatalf("disarm: %v", err)
	}
	h := newRouter(s)
	env := signedEnvelope(t, s, models.TypePrepare, models.PrepareRequest{Signal: testSignal("sig-cold")})
	rr := doPost(t, h, "/v1/intent/prepare", env)
	if rr.Code != 403 {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	var resp models.PrepareResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Reason != models.ReasonNotArmed {
		t.Fatalf("expected NOT_ARMED, got %q", resp.Reason)
	}
}

func TestPreparePolicyHashMismatch(t *testing.T) {
	s := newTestServer(t)
	h := newRouter(s)
	env := signedEnvelope(t, s, models.TypePrepare, models.PrepareRequest{Signal: testSignal("sig-drift")})
	env.PolicyHash = "deadbeef"
	if err := s.Signer.SignEnvelope(&env); err != nil {
		t.Fatalf("re-sign: %v", err)
	}
	rr := doPost(t, h, "/v1/intent/prepare", env)
	if rr.Code != 409 {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	var resp models.PrepareResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Reason != models.ReasonPolicyDrift {
		t.Fatalf("expected POLICY_HASH_MISMATCH, got %q", resp.Reason)
	}
	snap := s.Metrics.Snapshot()
	if snap.SecurityEvents[models.ReasonPolicyDrift] != 1 {
		t.Fatalf("expected drift security event, got %+v", snap.SecurityEvents)
	}
}

func TestPrepareMissingPolicyHashRejected(t *testing.T) {
	s := newTestServer(t)
	h := newRouter(s)
	env := signedEnvelope(t, s, models.TypePrepare, models.PrepareRequest{Signal: testSignal("sig-nohash")})
	env.PolicyHash = ""
	if err := s.Signer.SignEnvelope(&env); err != nil {
		t.Fatalf("re-sign: %v", err)
	}
	rr := doPost(t, h, "/v1/intent/prepare", env)
	if rr.Code != 409 {
		t.Fatalf("expected 409 for missing policy hash, got %d", rr.Code)
	}
	var resp models.PrepareResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Prepared || resp.Reason != models.ReasonPolicyDrift {
		t.Fatalf("expected POLICY_HASH_MISMATCH, got %+v", resp)
	}
	if got := s.Table.ActiveCount(); got != 0 {
		t.Fatalf("missing hash must not reserve, got %d active", got)
	}
}

func TestConfirmStrippedPolicyHashFailsSignature(t *testing.T) {
	s := newTestServer(t)
	h := newRouter(s)
	prepareSignal(t, s, h, testSignal("sig-strip"))

	env := signedEnvelope(t, s, models.TypeConfirm, models.ConfirmRequest{SignalID: "sig-strip"})
	env.PolicyHash = ""
	rr := doPost(t, h, "/v1/intent/confirm", env)
	if rr.Code != 401 {
		t.Fatalf("expected 401 when the hash is stripped after signing, got %d", rr.Code)
	}
	snap := s.Metrics.Snapshot()
	if snap.SecurityEvents[models.ReasonInvalidSignature] != 1 {
		t.Fatalf("expected signature security event, got %+v", snap.SecurityEvents)
	}
}

func TestPrepareStaleSignal(t *testing.T) {
	s := newTestServer(t)
	h := newRouter(s)
	sig := testSignal("sig-stale")
	sig.TSignal = time.Now().Add(-time.Minute).UnixMilli()
	env := signedEnvelope(t, s, models.TypePrepare, models.PrepareRequest{Signal: sig})
	rr := doPost(t, h, "/v1/intent/prepare", env)
	if rr.Code != 409 {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	var resp models.PrepareResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Reason != models.ReasonStaleSignal {
		t.Fatalf("expected STALE_SIGNAL, got %q", resp.Reason)
	}
}

func TestPrepareSymbolNotWhitelisted(t *testing.T) {
	s := newTestServer(t)
	h := newRouter(s)
	sig := testSignal("sig-exotic")
	sig.Symbol = "DOGEUSDT"
	env := signedEnvelope(t, s, models.TypePrepare, models.PrepareRequest{Signal: sig})
	rr := doPost(t, h, "/v1/intent/prepare", env)
	if rr.Code != 409 {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	var resp models.PrepareResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Reason != models.ReasonSymbolNotAllowed {
		t.Fatalf("expected SYMBOL_NOT_WHITELISTED, got %q", resp.Reason)
	}
}

func TestPrepareInvalidSignal(t *testing.T) {
	s := newTestServer(t)
	h := newRouter(s)
	sig := testSignal("sig-bad")
	sig.Direction = 3
	env := signedEnvelope(t, s, models.TypePrepare, models.PrepareRequest{Signal: sig})
	rr := doPost(t, h, "/v1/intent/prepare", env)
	if rr.Code != 400 {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var resp models.PrepareResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Reason != models.ReasonInvalidPayload {
		t.Fatalf("expected INVALID_PAYLOAD, got %q", resp.Reason)
	}
}

func TestPrepareMaxOpenOrders(t *testing.T) {
	s := newTestServer(t)
	doc := policy.Default()
	doc.MaxOpenOrdersPerSymbol = 2
	if err := s.Policies.Swap(doc); err != nil {
		t.Fatalf("swap policy: %v", err)
	}
	h := newRouter(s)
	prepareSignal(t, s, h, testSignal("sig-a"))
	prepareSignal(t, s, h, testSignal("sig-b"))

	env := signedEnvelope(t, s, models.TypePrepare, models.PrepareRequest{Signal: testSignal("sig-c")})
	rr := doPost(t, h, "/v1/intent/prepare", env)
	if rr.Code != 409 {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	var resp models.PrepareResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Reason != models.ReasonMaxOpenOrders {
		t.Fatalf("expected MAX_OPEN_ORDERS_EXCEEDED, got %q", resp.Reason)
	}
}

func TestConfirmExecutesFill(t *testing.T) {
	s := newTestServer(t)
	h := newRouter(s)
	prepareSignal(t, s, h, testSignal("sig-exec"))

	env := signedEnvelope(t, s, models.TypeConfirm, models.ConfirmRequest{SignalID: "sig-exec"})
	rr := doPost(t, h, "/v1/intent/confirm", env)
	if rr.Code != 200 {
		t.Fatalf("confirm status=%d body=%s", rr.Code, rr.Body.String())
	}
	var resp models.ConfirmResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode confirm response: %v", err)
	}
	if !resp.Executed || resp.Fill == nil {
		t.Fatalf("expected executed fill, got %+v", resp)
	}
	if resp.Fill.Symbol != "BTCUSDT" || resp.Fill.Side != models.SideBuy {
		t.Fatalf("unexpected fill %+v", resp.Fill)
	}
	if !resp.Fill.Price.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("expected entry price fill, got %s", resp.Fill.Price)
	}
	pos, ok := s.Book.Get("sig-exec")
	if !ok {
		t.Fatal("expected open position after confirm")
	}
	if pos.Side != models.SideBuy {
		t.Fatalf("unexpected position side %q", pos.Side)
	}
}

func TestConfirmUnknownSignal(t *testing.T) {
	s := newTestServer(t)
	h := newRouter(s)
	env := signedEnvelope(t, s, models.TypeConfirm, models.ConfirmRequest{SignalID: "sig-missing"})
	rr := doPost(t, h, "/v1/intent/confirm", env)
	if rr.Code != 404 {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	var resp models.ConfirmResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Reason != models.ReasonUnknownSignal {
		t.Fatalf("expected UNKNOWN_SIGNAL, got %q", resp.Reason)
	}
}

func TestConfirmExpiredReservation(t *testing.T) {
	s := newTestServer(t)
	base := time.Now()
	current := base
	s.Table.WithClock(func() time.Time { return current })
	h := newRouter(s)
	prepareSignal(t, s, h, testSignal("sig-slow"))

	current = base.Add(10 * time.Second)
	env := signedEnvelope(t, s, models.TypeConfirm, models.ConfirmRequest{SignalID: "sig-slow"})
	rr := doPost(t, h, "/v1/intent/confirm", env)
	if rr.Code != 410 {
		t.Fatalf("expected 410, got %d", rr.Code)
	}
	var resp models.ConfirmResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Executed || resp.Reason != "EXPIRED" {
		t.Fatalf("expected EXPIRED rejection, got %+v", resp)
	}
}

func TestCloseRemovesPosition(t *testing.T) {
	s := newTestServer(t)
	h := newRouter(s)
	prepareSignal(t, s, h, testSignal("sig-close"))
	doPost(t, h, "/v1/intent/confirm", signedEnvelope(t, s, models.TypeConfirm, models.ConfirmRequest{SignalID: "sig-close"}))

	env := signedEnvelope(t, s, models.TypeClose, models.CloseRequest{SignalID: "sig-close", Symbol: "BTCUSDT"})
	rr := doPost(t, h, "/v1/intent/close", env)
	if rr.Code != 200 {
		t.Fatalf("close status=%d body=%s", rr.Code, rr.Body.String())
	}
	var resp models.ConfirmResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode close response: %v", err)
	}
	if !resp.Executed || resp.Fill == nil || !resp.Fill.Close {
		t.Fatalf("expected closing fill, got %+v", resp)
	}
	if resp.Fill.Side != models.SideSell {
		t.Fatalf("expected SELL close for long position, got %q", resp.Fill.Side)
	}
	if _, ok := s.Book.Get("sig-close"); ok {
		t.Fatal("expected position removed after close")
	}
}

func TestCloseWorksWhileDisarmed(t *testing.T) {
	s := newTestServer(t)
	h := newRouter(s)
	prepareSignal(t, s, h, testSignal("sig-deRisk"))
	doPost(t, h, "/v1/intent/confirm", signedEnvelope(t, s, models.TypeConfirm, models.ConfirmRequest{SignalID: "sig-deRisk"}))
	if err := s.Armed.Disarm(); err != nil {
		t.Fatalf("disarm: %v", err)
	}

	env := signedEnvelope(t, s, models.TypeClose, models.CloseRequest{SignalID: "sig-deRisk"})
	rr := doPost(t, h, "/v1/intent/close", env)
	if rr.Code != 200 {
		t.Fatalf("expected close to bypass interlock, got %d", rr.Code)
	}
}

func TestCloseUnknownPosition(t *testing.T) {
	s := newTestServer(t)
	h := newRouter(s)
	env := signedEnvelope(t, s, models.TypeClose, models.CloseRequest{SignalID: "sig-ghost"})
	rr := doPost(t, h, "/v1/intent/close", env)
	if rr.Code != 404 {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func signedCommand(t *testing.T, s *Server, action string) models.Envelope {
	t.Helper()
	cmd := models.RiskCommand{
		CommandID: uuid.NewString(),
		Action:    action,
		ActorID:   "ops-1",
		Reason:    "test",
		Timestamp: time.Now().UnixMilli(),
	}
	s.Signer.SignCommand(&cmd)
	return signedEnvelope(t, s, models.TypeRiskCommand, cmd)
}

func TestRiskCommandHaltDisarms(t *testing.T) {
	s := newTestServer(t)
	h := newRouter(s)
	rr := doPost(t, h, "/v1/risk/command", signedCommand(t, s, models.CommandHalt))
	if rr.Code != 200 {
		t.Fatalf("halt status=%d body=%s", rr.Code, rr.Body.String())
	}
	if s.Armed.IsArmed() {
		t.Fatal("expected disarmed after HALT")
	}

	env := signedEnvelope(t, s, models.TypePrepare, models.PrepareRequest{Signal: testSignal("sig-post-halt")})
	if rr := doPost(t, h, "/v1/intent/prepare", env); rr.Code != 403 {
		t.Fatalf("expected prepare refused after HALT, got %d", rr.Code)
	}
}

func TestRiskCommandArmDisarmCycle(t *testing.T) {
	s := newTestServer(t)
	if err := s.Armed.Disarm(); err != nil {
		t.Fatalf("disarm: %v", err)
	}
	h := newRouter(s)
	if rr := doPost(t, h, "/v1/risk/command", signedCommand(t, s, models.CommandArm)); rr.Code != 200 {
		t.Fatalf("arm status=%d", rr.Code)
	}
	if !s.Armed.IsArmed() {
		t.Fatal("expected armed after ARM")
	}
	if rr := doPost(t, h, "/v1/risk/command", signedCommand(t, s, models.CommandDisarm)); rr.Code != 200 {
		t.Fatalf("disarm status=%d", rr.Code)
	}
	if s.Armed.IsArmed() {
		t.Fatal("expected disarmed after DISARM")
	}
}

// FLATTEN must not close anything here: the decision service issues the
// closes itself so the fills come back to its reconciler. A close request
// arriving after the command has to find the position still open.
func TestRiskCommandFlattenDisarmsWithoutClosing(t *testing.T) {
	s := newTestServer(t)
	h := newRouter(s)
	prepareSignal(t, s, h, testSignal("sig-flat-1"))
	doPost(t, h, "/v1/intent/confirm", signedEnvelope(t, s, models.TypeConfirm, models.ConfirmRequest{SignalID: "sig-flat-1"}))
	sig2 := testSignal("sig-flat-2")
	sig2.Symbol = "ETHUSDT"
	sig2.EntryZone = []decimal.Decimal{decimal.NewFromInt(3000)}
	prepareSignal(t, s, h, sig2)
	doPost(t, h, "/v1/intent/confirm", signedEnvelope(t, s, models.TypeConfirm, models.ConfirmRequest{SignalID: "sig-flat-2"}))
	if len(s.Book.Positions()) != 2 {
		t.Fatalf("expected 2 open positions, got %d", len(s.Book.Positions()))
	}

	rr := doPost(t, h, "/v1/risk/command", signedCommand(t, s, models.CommandFlatten))
	if rr.Code != 200 {
		t.Fatalf("flatten status=%d body=%s", rr.Code, rr.Body.String())
	}
	if s.Armed.IsArmed() {
		t.Fatal("expected disarmed after FLATTEN")
	}
	if got := len(s.Book.Positions()); got != 2 {
		t.Fatalf("FLATTEN must leave the book to the caller's closes, got %d positions", got)
	}

	for _, id := range []string{"sig-flat-1", "sig-flat-2"} {
		env := signedEnvelope(t, s, models.TypeClose, models.CloseRequest{SignalID: id})
		rr := doPost(t, h, "/v1/intent/close", env)
		if rr.Code != 200 {
			t.Fatalf("close %s after FLATTEN status=%d body=%s", id, rr.Code, rr.Body.String())
		}
		var resp models.ConfirmResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode close response: %v", err)
		}
		if !resp.Executed || resp.Fill == nil || !resp.Fill.Close {
			t.Fatalf("expected closing fill for %s, got %+v", id, resp)
		}
	}
	if got := len(s.Book.Positions()); got != 0 {
		t.Fatalf("expected empty book after closes, got %d positions", got)
	}
}

func TestRiskCommandBadSignature(t *testing.T) {
	s := newTestServer(t)
	h := newRouter(s)
	cmd := models.RiskCommand{
		CommandID: uuid.NewString(),
		Action:    models.CommandHalt,
		ActorID:   "ops-1",
		Timestamp: time.Now().UnixMilli(),
		Signature: strings.Repeat("0", 64),
	}
	rr := doPost(t, h, "/v1/risk/command", signedEnvelope(t, s, models.TypeRiskCommand, cmd))
	if rr.Code != 401 {
		t.Fatalf("expected 401 for forged command, got %d", rr.Code)
	}
	if s.Armed.IsArmed() != true {
		t.Fatal("forged HALT must not disarm")
	}
}

type capturePublisher struct {
	topics []string
	values [][]byte
}

func (p *capturePublisher) Publish(ctx context.Context, topic string, key, value []byte) error {
	_ = ctx
	_ = key
	p.topics = append(p.topics, topic)
	p.values = append(p.values, value)
	return nil
}

func TestShadowFillIsolated(t *testing.T) {
	s := newTestServer(t)
	s.Venue = NewPaperVenue(decimal.NewFromFloat(0.001), true)
	capture := &capturePublisher{}
	s.Publisher = bus.NewSignedPublisher(capture, s.Signer, "execution", func() int64 {
		return time.Now().UnixMilli()
	})
	h := newRouter(s)
	prepareSignal(t, s, h, testSignal("sig-shadow"))
	rr := doPost(t, h, "/v1/intent/confirm", signedEnvelope(t, s, models.TypeConfirm, models.ConfirmRequest{SignalID: "sig-shadow"}))
	if rr.Code != 200 {
		t.Fatalf("confirm status=%d body=%s", rr.Code, rr.Body.String())
	}
	var resp models.ConfirmResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Fill == nil || !resp.Fill.Shadow {
		t.Fatalf("expected shadow fill, got %+v", resp.Fill)
	}
	if _, ok := s.Book.Get("sig-shadow"); ok {
		t.Fatal("shadow fill must not open a live position")
	}
	if len(capture.topics) != 1 || capture.topics[0] != "shadow_fill.BTCUSDT" {
		t.Fatalf("expected shadow subject, got %v", capture.topics)
	}
	var env models.Envelope
	if err := json.Unmarshal(capture.values[0], &env); err != nil {
		t.Fatalf("decode published envelope: %v", err)
	}
	if env.Type != models.TypeShadowFill {
		t.Fatalf("expected shadow fill type, got %q", env.Type)
	}
	if err := s.Signer.Verify(env); err != nil {
		t.Fatalf("published envelope must verify: %v", err)
	}
}

func TestLiveFillPublished(t *testing.T) {
	s := newTestServer(t)
	capture := &capturePublisher{}
	s.Publisher = bus.NewSignedPublisher(capture, s.Signer, "execution", func() int64 {
		return time.Now().UnixMilli()
	})
	h := newRouter(s)
	prepareSignal(t, s, h, testSignal("sig-live"))
	doPost(t, h, "/v1/intent/confirm", signedEnvelope(t, s, models.TypeConfirm, models.ConfirmRequest{SignalID: "sig-live"}))
	if len(capture.topics) != 1 || capture.topics[0] != "fill.BTCUSDT" {
		t.Fatalf("expected live fill subject, got %v", capture.topics)
	}
	snap := s.Metrics.Snapshot()
	if snap.Fills != 1 || snap.ShadowFills != 0 {
		t.Fatalf("expected one live fill counted, got %+v", snap)
	}
}

func TestPolicyHashEndpoint(t *testing.T) {
	s := newTestServer(t)
	h := newRouter(s)
	req := httptest.NewRequest(http.MethodGet, "/v1/policy/hash", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("status=%d", rr.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["policy_hash"] != s.Policies.Hash() {
		t.Fatalf("hash mismatch: %q vs %q", resp["policy_hash"], s.Policies.Hash())
	}
}

func TestPositionsAndExposureEndpoints(t *testing.T) {
	s := newTestServer(t)
	h := newRouter(s)
	prepareSignal(t, s, h, testSignal("sig-view"))
	doPost(t, h, "/v1/intent/confirm", signedEnvelope(t, s, models.TypeConfirm, models.ConfirmRequest{SignalID: "sig-view"}))

	req := httptest.NewRequest(http.MethodGet, "/v1/positions", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("positions status=%d", rr.Code)
	}
	var posResp struct {
		Positions []models.Position `json:"positions"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &posResp); err != nil {
		t.Fatalf("decode positions: %v", err)
	}
	if len(posResp.Positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(posResp.Positions))
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/exposure", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("exposure status=%d", rr.Code)
	}
	var exp exposure.Metrics
	if err := json.Unmarshal(rr.Body.Bytes(), &exp); err != nil {
		t.Fatalf("decode exposure: %v", err)
	}
	if exp.PositionCount != 1 || !exp.LongNotional.IsPositive() {
		t.Fatalf("unexpected exposure %+v", exp)
	}
}

func TestHealthzReportsArmed(t *testing.T) {
	s := newTestServer(t)
	h := newRouter(s)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("status=%d", rr.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["armed"] != true {
		t.Fatalf("expected armed=true, got %v", resp["armed"])
	}
}
