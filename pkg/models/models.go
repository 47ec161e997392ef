package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Signal is a proposed trade produced by a strategy. It is immutable once
// created; lifecycle state is tracked separately per signal_id.
type Signal struct {
	SignalID      string            `json:"signal_id"`
	Symbol        string            `json:"symbol"`
	Direction     int               `json:"direction"` // 1 long, -1 short
	EntryZone     []decimal.Decimal `json:"entry_zone"`
	StopLoss      decimal.Decimal   `json:"stop_loss"`
	TakeProfits   []decimal.Decimal `json:"take_profits"`
	RequestedSize decimal.Decimal   `json:"requested_size"`
	Leverage      decimal.Decimal   `json:"leverage"`
	Confidence    float64           `json:"confidence"`
	Source        string            `json:"source"`
	TSignal       int64             `json:"t_signal"` // unix millis
	CreatedAt     time.Time         `json:"created_at,omitempty"`
}

// Side of an executed order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// SideFor maps a signal direction onto an order side.
func SideFor(direction int) Side {
	if direction < 0 {
		return SideSell
	}
	return SideBuy
}

// FillReport is emitted once per executed signal. Shadow reports come from
// paper mode and must never be applied to live equity.
type FillReport struct {
	FillID    string          `json:"fill_id"`
	SignalID  string          `json:"signal_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Fee       decimal.Decimal `json:"fee"`
	Shadow    bool            `json:"shadow"`
	Close     bool            `json:"close,omitempty"`
	TSignal   int64           `json:"t_signal"`
	TIngress  int64           `json:"t_ingress"`
	TAck      int64           `json:"t_ack"`
	TExchange int64           `json:"t_exchange"`
}

// Position is an open holding on the execution side.
type Position struct {
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	SignalID   string          `json:"signal_id"`
	Source     string          `json:"source,omitempty"`
	OpenedAt   time.Time       `json:"opened_at"`
}

// RiskDecision is computed fresh for every signal and never cached.
type RiskDecision struct {
	Approved       bool            `json:"approved"`
	Reason         string          `json:"reason,omitempty"`
	AuthorizedSize decimal.Decimal `json:"authorized_size"`
}

// Rejection reason codes. Lockdown codes are distinct from ordinary risk
// rejections so operators can tell "risk said no" from "we are halted".
const (
	ReasonDuplicate           = "duplicate"
	ReasonGovernanceLockdown  = "GOVERNANCE_LOCKDOWN"
	ReasonNotArmed            = "NOT_ARMED"
	ReasonPolicyDrift         = "POLICY_HASH_MISMATCH"
	ReasonInvalidSignature    = "INVALID_SIGNATURE"
	ReasonMaxLeverage         = "MAX_LEVERAGE_EXCEEDED"
	ReasonMaxDrawdown         = "MAX_DRAWDOWN_EXCEEDED"
	ReasonMaxDailyLoss        = "MAX_DAILY_LOSS_EXCEEDED"
	ReasonAllocationExhausted = "ALLOCATION_EXHAUSTED"
	ReasonCorrelationLimit    = "CORRELATION_LIMIT_EXCEEDED"
	ReasonSharpeFloor         = "SHARPE_FLOOR"
	ReasonStaleSignal         = "STALE_SIGNAL"
	ReasonSymbolNotAllowed    = "SYMBOL_NOT_WHITELISTED"
	ReasonMaxOpenOrders       = "MAX_OPEN_ORDERS_EXCEEDED"
	ReasonUnknownSignal       = "UNKNOWN_SIGNAL"
	ReasonInvalidPayload      = "INVALID_PAYLOAD"
)

// Envelope wraps every message exchanged between decision and execution,
// whether over the fast path or the bus. Sig covers
// "<ts>.<nonce>.<policy_hash>.<canonical payload>" keyed with the shared
// deployment secret, so the declared policy hash cannot be stripped in
// transit.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Producer      string          `json:"producer"`
	TS            int64           `json:"ts"` // unix millis
	Nonce         string          `json:"nonce"`
	Payload       json.RawMessage `json:"payload"`
	Sig           string          `json:"sig"`
	PolicyHash    string          `json:"policy_hash,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Envelope message types.
const (
	TypePrepare     = "intent.prepare"
	TypeConfirm     = "intent.confirm"
	TypeClose       = "intent.close"
	TypeIntent      = "intent.signal"
	TypeFill        = "execution.fill"
	TypeShadowFill  = "execution.shadow_fill"
	TypeRiskCommand = "risk.command"
)

// PrepareRequest is the payload of a TypePrepare envelope.
type PrepareRequest struct {
	Signal Signal `json:"signal"`
}

// PrepareResponse is returned by the execution side within the protocol
// timeout budget.
type PrepareResponse struct {
	Prepared  bool   `json:"prepared"`
	Reason    string `json:"reason,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"` // unix millis
}

// ConfirmRequest is the payload of a TypeConfirm envelope.
type ConfirmRequest struct {
	SignalID string `json:"signal_id"`
}

// ConfirmResponse reports the venue outcome.
type ConfirmResponse struct {
	Executed bool        `json:"executed"`
	Reason   string      `json:"reason,omitempty"`
	Fill     *FillReport `json:"fill,omitempty"`
}

// CloseRequest asks execution to close an open position. Closing is always
// permitted since it reduces risk.
type CloseRequest struct {
	SignalID string `json:"signal_id"`
	Symbol   string `json:"symbol"`
}

// RiskCommand is an operator/administrative command (HALT, FLATTEN, ARM,
// DISARM). Its signature covers "<ts>:<action>:<actor_id>:<command_id>".
type RiskCommand struct {
	CommandID string `json:"command_id"`
	Action    string `json:"action"`
	ActorID   string `json:"actor_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"` // unix millis
	Signature string `json:"signature"`
}

// Risk command actions.
const (
	CommandHalt    = "HALT"
	CommandFlatten = "FLATTEN"
	CommandArm     = "ARM"
	CommandDisarm  = "DISARM"
)

var (
	ErrMissingSignalID = errors.New("signal_id is required")
	ErrMissingSymbol   = errors.New("symbol is required")
	ErrBadDirection    = errors.New("direction must be 1 or -1")
	ErrBadSize         = errors.New("requested_size must be positive")
	ErrMissingTSignal  = errors.New("t_signal is required")
)

// ValidateSignal enforces the wire contract before any business logic runs.
func ValidateSignal(s Signal) error {
	if strings.TrimSpace(s.SignalID) == "" {
		return ErrMissingSignalID
	}
	if strings.TrimSpace(s.Symbol) == "" {
		return ErrMissingSymbol
	}
	if s.Direction != 1 && s.Direction != -1 {
		return ErrBadDirection
	}
	if !s.RequestedSize.IsPositive() {
		return ErrBadSize
	}
	if s.TSignal <= 0 {
		return ErrMissingTSignal
	}
	if s.Leverage.IsNegative() {
		return fmt.Errorf("leverage must not be negative")
	}
	return nil
}
