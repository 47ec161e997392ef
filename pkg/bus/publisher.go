package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"titan/pkg/models"
	"titan/pkg/signing"
)

// Publisher is the raw topic writer SignedPublisher wraps.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// SignedPublisher wraps every payload in a signed envelope before it hits
// the bus. Consumers on the other side refuse anything unsigned.
type SignedPublisher struct {
	pub      Publisher
	signer   *signing.Signer
	producer string
	now      func() int64
}

// NewSignedPublisher builds a publisher identified as producer in the
// envelope header.
func NewSignedPublisher(pub Publisher, signer *signing.Signer, producer string, now func() int64) *SignedPublisher {
	return &SignedPublisher{pub: pub, signer: signer, producer: producer, now: now}
}

// Publish signs and sends one payload. The signal key keeps per-signal
// ordering on the topic; policyHash and correlationID ride along for
// consumers that audit them.
func (s *SignedPublisher) Publish(ctx context.Context, topic, msgType, key string, payload interface{}, policyHash, correlationID string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	env := models.Envelope{
		ID:            uuid.NewString(),
		Type:          msgType,
		Producer:      s.producer,
		TS:            s.now(),
		Nonce:         uuid.NewString(),
		Payload:       raw,
		PolicyHash:    policyHash,
		CorrelationID: correlationID,
	}
	if err := s.signer.SignEnvelope(&env); err != nil {
		return fmt.Errorf("sign envelope: %w", err)
	}
	out, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return s.pub.Publish(ctx, topic, []byte(key), out)
}

// PublishFill routes a fill report onto the live or shadow subject for its
// symbol.
func (s *SignedPublisher) PublishFill(ctx context.Context, fill models.FillReport, policyHash string) error {
	topic := FillSubject(fill.Symbol)
	msgType := models.TypeFill
	if fill.Shadow {
		topic = ShadowFillSubject(fill.Symbol)
		msgType = models.TypeShadowFill
	}
	return s.Publish(ctx, topic, msgType, fill.SignalID, fill, policyHash, fill.SignalID)
}

// PublishIntent mirrors an approved signal onto its symbol's intent
// subject for downstream observers.
func (s *SignedPublisher) PublishIntent(ctx context.Context, sig models.Signal, policyHash string) error {
	return s.Publish(ctx, IntentSubject(sig.Symbol), models.TypeIntent, sig.SignalID, sig, policyHash, sig.SignalID)
}
