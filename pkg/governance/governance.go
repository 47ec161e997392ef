// Package governance holds the process-wide operating posture for the
// decision service. The level is read by every risk evaluation and written
// only by explicit administrative action; reads and writes go through an
// atomic snapshot pointer so no reader ever observes a torn value.
package governance

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"titan/pkg/models"
)

// Override levels, from least to most restrictive.
const (
	LevelNormal    = "NORMAL"
	LevelDefensive = "DEFENSIVE"
	LevelEmergency = "EMERGENCY"
)

var ErrUnknownLevel = errors.New("unknown governance level")

// ParseLevel validates and normalizes a level string.
func ParseLevel(raw string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case LevelNormal:
		return LevelNormal, nil
	case LevelDefensive:
		return LevelDefensive, nil
	case LevelEmergency:
		return LevelEmergency, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownLevel, raw)
	}
}

// State is an immutable snapshot of the governance posture.
type State struct {
	Level     string    `json:"level"`
	Reason    string    `json:"reason,omitempty"`
	Initiator string    `json:"initiator,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
	Version   uint64    `json:"version"`
}

// Engine is the authority for the kill switch. There is no automatic
// promotion between levels here; HALT/FLATTEN call SetOverride explicitly.
type Engine struct {
	ptr atomic.Pointer[State]
}

// New starts the engine at the given level. On restart the caller passes
// the configured safe default, never silently NORMAL.
func New(initial string) (*Engine, error) {
	level, err := ParseLevel(initial)
	if err != nil {
		return nil, err
	}
	e := &Engine{}
	e.ptr.Store(&State{Level: level, Reason: "startup", ChangedAt: time.Now().UTC(), Version: 1})
	return e, nil
}

// State returns the current snapshot.
func (e *Engine) State() State {
	return *e.ptr.Load()
}

// Level returns the current override level.
func (e *Engine) Level() string {
	return e.ptr.Load().Level
}

// SetOverride publishes a new posture. It is idempotent: setting the
// current level again succeeds and returns the refreshed state.
func (e *Engine) SetOverride(level, reason, initiator string) (State, error) {
	parsed, err := ParseLevel(level)
	if err != nil {
		return e.State(), err
	}
	for {
		prev := e.ptr.Load()
		next := &State{
			Level:     parsed,
			Reason:    reason,
			Initiator: initiator,
			ChangedAt: time.Now().UTC(),
			Version:   prev.Version + 1,
		}
		if e.ptr.CompareAndSwap(prev, next) {
			return *next, nil
		}
	}
}

// Permits applies the governance gate to a signal source before any other
// risk check runs. The returned reason is a lockdown code, distinct from
// ordinary risk rejections.
func (e *Engine) Permits(source, defensiveSource string) (bool, string) {
	switch e.Level() {
	case LevelNormal:
		return true, ""
	case LevelDefensive:
		if defensiveSource != "" && source == defensiveSource {
			return true, ""
		}
		return false, models.ReasonGovernanceLockdown
	default: // EMERGENCY rejects everything unconditionally.
		return false, models.ReasonGovernanceLockdown
	}
}
