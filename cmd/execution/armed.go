package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// ArmedState is the physical interlock: the service only executes while
// armed, and the armed flag survives restarts via a lockfile so a crashed
// process comes back in whatever posture the operator left it.
type ArmedState struct {
	path  string
	armed atomic.Bool
}

// NewArmedState loads the interlock from disk. A missing file means
// disarmed; execution never starts armed by default.
func NewArmedState(path string) (*ArmedState, error) {
	a := &ArmedState{path: filepath.Clean(path)}
	if _, err := os.Stat(a.path); err == nil {
		a.armed.Store(true)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read armed state: %w", err)
	}
	return a, nil
}

func (a *ArmedState) IsArmed() bool {
	return a.armed.Load()
}

// Arm writes the lockfile before flipping the in-memory flag, so a crash
// between the two leaves the safer state.
func (a *ArmedState) Arm(actor, reason string) error {
	content := fmt.Sprintf("armed_at=%s\nactor=%s\nreason=%s\n",
		time.Now().UTC().Format(time.RFC3339), strings.TrimSpace(actor), strings.TrimSpace(reason))
	if err := os.WriteFile(a.path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write armed state: %w", err)
	}
	a.armed.Store(true)
	return nil
}

// Disarm flips the in-memory flag first so no new order slips through
// while the lockfile is being removed.
func (a *ArmedState) Disarm() error {
	a.armed.Store(false)
	if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove armed state: %w", err)
	}
	return nil
}
