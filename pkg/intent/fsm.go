// Package intent tracks the lifecycle of a trade intent through the
// two-phase protocol. The state machine is pure; persistence and
// reservation bookkeeping live elsewhere.
package intent

import (
	"context"
	"errors"
	"time"
)

const (
	Pending  = "PENDING"
	Prepared = "PREPARED"
	Rejected = "REJECTED"
	Executed = "EXECUTED"
	Expired  = "EXPIRED"
	Aborted  = "ABORTED"
)

var ErrInvalidTransition = errors.New("invalid intent transition")

type Event string

const (
	EventPrepare Event = "PREPARE"
	EventReject  Event = "REJECT"
	EventConfirm Event = "CONFIRM"
	EventExpire  Event = "EXPIRE"
	EventAbort   Event = "ABORT"
)

func CanTransition(from, to string) bool {
	switch from {
	case Pending:
		return to == Prepared || to == Rejected
	case Prepared:
		return to == Executed || to == Expired || to == Aborted
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func Next(from string, event Event) (string, error) {
	switch event {
	case EventPrepare:
		return Transition(from, Prepared)
	case EventReject:
		return Transition(from, Rejected)
	case EventConfirm:
		return Transition(from, Executed)
	case EventExpire:
		return Transition(from, Expired)
	case EventAbort:
		return Transition(from, Aborted)
	default:
		return from, ErrInvalidTransition
	}
}

func IsTerminal(status string) bool {
	switch status {
	case Rejected, Executed, Expired, Aborted:
		return true
	default:
		return false
	}
}

// IsExpired reports whether a prepared intent's confirmation window has
// closed. A zero deadline means no window was set.
func IsExpired(now, expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.UTC().After(expiresAt.UTC())
}

// TwoPhase groups the prepare/confirm callbacks for one intent. Abort runs
// when confirm fails so the reservation is not stranded until the sweeper.
type TwoPhase struct {
	Prepare func(ctx context.Context) error
	Confirm func(ctx context.Context) error
	Abort   func(ctx context.Context) error
}

// Run executes prepare then confirm, aborting on confirm failure.
func Run(ctx context.Context, t TwoPhase) error {
	if t.Prepare != nil {
		if err := t.Prepare(ctx); err != nil {
			return err
		}
	}
	if t.Confirm == nil {
		return errors.New("confirm missing")
	}
	if err := t.Confirm(ctx); err != nil {
		if t.Abort != nil {
			_ = t.Abort(ctx)
		}
		return err
	}
	return nil
}
