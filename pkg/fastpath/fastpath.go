// Package fastpath is the synchronous leg of the two-phase protocol: the
// decision service calls the execution service's prepare/confirm endpoints
// over HTTP with a hard deadline and no retries. A request that cannot be
// answered in time is treated as not executed; the reservation expires on
// the execution side on its own.
package fastpath

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"titan/pkg/httpx"
	"titan/pkg/models"
	"titan/pkg/signing"
)

var (
	ErrDeadlineExceeded = errors.New("fast path deadline exceeded")
	ErrRejected         = errors.New("request rejected")
)

// DefaultTimeout bounds one prepare or confirm round trip.
const DefaultTimeout = 150 * time.Millisecond

// Client talks to one execution service.
type Client struct {
	baseURL    string
	http       *http.Client
	signer     *signing.Signer
	producer   string
	policyHash func() string
	timeout    time.Duration
}

// New builds a client. policyHash is sampled per request so envelope
// headers always carry the currently loaded policy.
func New(baseURL string, signer *signing.Signer, producer string, policyHash func() string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    baseURL,
		http:       &http.Client{Timeout: timeout},
		signer:     signer,
		producer:   producer,
		policyHash: policyHash,
		timeout:    timeout,
	}
}

func (c *Client) post(ctx context.Context, path, msgType, correlationID string, payload, out interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	env := models.Envelope{
		ID:            uuid.NewString(),
		Type:          msgType,
		Producer:      c.producer,
		TS:            time.Now().UnixMilli(),
		Nonce:         uuid.NewString(),
		Payload:       raw,
		PolicyHash:    c.policyHash(),
		CorrelationID: correlationID,
	}
	if err := c.signer.SignEnvelope(&env); err != nil {
		return fmt.Errorf("sign envelope: %w", err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	status, respBody, err := httpx.RequestJSON(ctx, c.http, http.MethodPost, c.baseURL+path, body, nil, 0, 0)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrDeadlineExceeded, err)
		}
		return err
	}
	if status >= 500 {
		return fmt.Errorf("%s: upstream status %d", path, status)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	if status >= 400 {
		return fmt.Errorf("%w: status %d", ErrRejected, status)
	}
	return nil
}

// Prepare asks execution to reserve the signal. A non-prepared response is
// returned without error; transport failure or timeout is an error.
func (c *Client) Prepare(ctx context.Context, sig models.Signal) (models.PrepareResponse, error) {
	var resp models.PrepareResponse
	err := c.post(ctx, "/v1/intent/prepare", models.TypePrepare, sig.SignalID, models.PrepareRequest{Signal: sig}, &resp)
	if err != nil && !errors.Is(err, ErrRejected) {
		return models.PrepareResponse{}, err
	}
	return resp, nil
}

// Confirm consumes a previously prepared reservation.
func (c *Client) Confirm(ctx context.Context, signalID string) (models.ConfirmResponse, error) {
	var resp models.ConfirmResponse
	err := c.post(ctx, "/v1/intent/confirm", models.TypeConfirm, signalID, models.ConfirmRequest{SignalID: signalID}, &resp)
	if err != nil && !errors.Is(err, ErrRejected) {
		return models.ConfirmResponse{}, err
	}
	return resp, nil
}

// Close asks execution to flatten one open position. Closes are always
// permitted so this shares no gate with prepare.
func (c *Client) Close(ctx context.Context, signalID, symbol string) (models.ConfirmResponse, error) {
	var resp models.ConfirmResponse
	err := c.post(ctx, "/v1/intent/close", models.TypeClose, signalID, models.CloseRequest{SignalID: signalID, Symbol: symbol}, &resp)
	if err != nil && !errors.Is(err, ErrRejected) {
		return models.ConfirmResponse{}, err
	}
	return resp, nil
}

// Command forwards a signed operator command (HALT, FLATTEN, ARM, DISARM).
func (c *Client) Command(ctx context.Context, cmd models.RiskCommand) error {
	return c.post(ctx, "/v1/risk/command", models.TypeRiskCommand, cmd.CommandID, cmd, nil)
}

// PolicyHash fetches the execution side's loaded policy hash; the drift
// verifier polls this.
func (c *Client) PolicyHash(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	status, body, err := httpx.RequestJSON(ctx, c.http, http.MethodGet, c.baseURL+"/v1/policy/hash", nil, nil, 0, 0)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("policy hash: status %d", status)
	}
	var resp struct {
		PolicyHash string `json:"policy_hash"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode policy hash: %w", err)
	}
	return resp.PolicyHash, nil
}
