package stream

import "titan/pkg/models"

// Event types pushed to operator websocket clients.
const (
	TypeDecision   = "decision"
	TypeFill       = "fill"
	TypeShadowFill = "shadow_fill"
	TypeGovernance = "governance"
	TypeSecurity   = "security"
)

// DecisionEvent reports the outcome of one submitted signal.
func DecisionEvent(signalID, symbol, verdict, reason string) Event {
	return NewEvent(TypeDecision, map[string]string{
		"signal_id": signalID,
		"symbol":    symbol,
		"verdict":   verdict,
		"reason":    reason,
	})
}

// FillEvent mirrors a reconciled fill to observers.
func FillEvent(fill models.FillReport) Event {
	t := TypeFill
	if fill.Shadow {
		t = TypeShadowFill
	}
	return NewEvent(t, fill)
}

// GovernanceEvent announces a posture change.
func GovernanceEvent(level, reason, initiator string) Event {
	return NewEvent(TypeGovernance, map[string]string{
		"level":     level,
		"reason":    reason,
		"initiator": initiator,
	})
}

// SecurityEvent announces a rejected signature, stale message or policy
// drift so operators see attacks as they happen.
func SecurityEvent(kind, detail string) Event {
	return NewEvent(TypeSecurity, map[string]string{
		"kind":   kind,
		"detail": detail,
	})
}
