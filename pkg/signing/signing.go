// Package signing implements the per-message authentication shared by the
// decision and execution services. Every envelope is signed with
// HMAC-SHA256 under the per-deployment secret; risk commands use a
// deterministic signature string so operators can sign them offline.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"titan/pkg/models"
)

var (
	ErrEmptySecret       = errors.New("shared secret is required")
	ErrMissingSignature  = errors.New("missing signature")
	ErrMissingNonce      = errors.New("missing nonce")
	ErrMissingTimestamp  = errors.New("missing timestamp")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrStaleTimestamp    = errors.New("timestamp out of tolerance")
)

const DefaultTolerance = 300 * time.Second

// Signer signs and verifies envelopes and risk commands.
type Signer struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// New returns a Signer. An empty secret is refused: there is no
// "empty secret = open" fallback anywhere in the protocol.
func New(secret string, tolerance time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Signer{secret: []byte(secret), tolerance: tolerance, now: time.Now}, nil
}

// WithClock overrides the time source; used by tests.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// canonicalString is "<ts>.<nonce>.<policy_hash>.<canonical payload>",
// matching the decision side byte for byte. The policy hash is inside the
// signed string so a relay cannot strip or rewrite it without breaking the
// signature.
func (s *Signer) canonicalString(ts int64, nonce, policyHash string, payload json.RawMessage) (string, error) {
	canon, err := models.CanonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	return fmt.Sprintf("%d.%s.%s.%s", ts, nonce, policyHash, canon), nil
}

// Sign computes the hex HMAC for an envelope payload.
func (s *Signer) Sign(ts int64, nonce, policyHash string, payload json.RawMessage) (string, error) {
	msg, err := s.canonicalString(ts, nonce, policyHash, payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// SignEnvelope fills in Sig on the envelope. PolicyHash must already be set
// when the message declares one; it is covered by the signature.
func (s *Signer) SignEnvelope(env *models.Envelope) error {
	sig, err := s.Sign(env.TS, env.Nonce, env.PolicyHash, env.Payload)
	if err != nil {
		return err
	}
	env.Sig = sig
	return nil
}

// Verify checks the envelope signature and timestamp tolerance. It must be
// called before any business-logic processing of the payload.
func (s *Signer) Verify(env models.Envelope) error {
	if env.Sig == "" {
		return ErrMissingSignature
	}
	if env.Nonce == "" {
		return ErrMissingNonce
	}
	if env.TS == 0 {
		return ErrMissingTimestamp
	}
	nowMS := s.now().UnixMilli()
	diff := nowMS - env.TS
	if diff < 0 {
		diff = -diff
	}
	if diff > s.tolerance.Milliseconds() {
		return fmt.Errorf("%w: diff %dms tolerance %dms", ErrStaleTimestamp, diff, s.tolerance.Milliseconds())
	}
	msg, err := s.canonicalString(env.TS, env.Nonce, env.PolicyHash, env.Payload)
	if err != nil {
		return err
	}
	got, err := hex.DecodeString(env.Sig)
	if err != nil {
		return fmt.Errorf("%w: invalid hex", ErrSignatureMismatch)
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(msg))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrSignatureMismatch
	}
	return nil
}

// commandString is "<ts>:<action>:<actor_id>:<command_id>".
func commandString(cmd models.RiskCommand) string {
	return fmt.Sprintf("%d:%s:%s:%s", cmd.Timestamp, cmd.Action, cmd.ActorID, cmd.CommandID)
}

// SignCommand fills in Signature on the risk command.
func (s *Signer) SignCommand(cmd *models.RiskCommand) {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(commandString(*cmd)))
	cmd.Signature = hex.EncodeToString(mac.Sum(nil))
}

// VerifyCommand checks a HALT/FLATTEN/ARM/DISARM command signature and
// timestamp tolerance.
func (s *Signer) VerifyCommand(cmd models.RiskCommand) error {
	if cmd.Signature == "" {
		return ErrMissingSignature
	}
	if cmd.Timestamp == 0 {
		return ErrMissingTimestamp
	}
	nowMS := s.now().UnixMilli()
	diff := nowMS - cmd.Timestamp
	if diff < 0 {
		diff = -diff
	}
	if diff > s.tolerance.Milliseconds() {
		return fmt.Errorf("%w: diff %dms tolerance %dms", ErrStaleTimestamp, diff, s.tolerance.Milliseconds())
	}
	got, err := hex.DecodeString(cmd.Signature)
	if err != nil {
		return fmt.Errorf("%w: invalid hex", ErrSignatureMismatch)
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(commandString(cmd)))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrSignatureMismatch
	}
	return nil
}
