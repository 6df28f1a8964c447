package inference

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Phase is the lifecycle of one conversational turn. It replaces the loose
// loading/streaming flag pair with a single value so call sites cannot
// desynchronize them.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseLoading    Phase = "loading"
	PhaseStreaming  Phase = "streaming"
	PhaseError      Phase = "error"
	PhaseFinalizing Phase = "finalizing"
)

var (
	// ErrTurnInProgress indicates a turn is already running; the engine
	// allows exactly one in-flight turn per client.
	ErrTurnInProgress = errors.New("turn already in progress")
)

// RunState guards the single-active-turn invariant and holds the cancel
// handle for the in-flight turn.
type RunState struct {
	mu     sync.Mutex
	phase  Phase
	cancel context.CancelFunc
}

func NewRunState() *RunState {
	return &RunState{phase: PhaseIdle}
}

// Start moves Idle to Loading. Any other phase means a turn is in flight.
func (rs *RunState) Start() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.phase != PhaseIdle {
		return ErrTurnInProgress
	}
	rs.phase = PhaseLoading
	return nil
}

// MarkStreaming records receipt of the first stream event.
func (rs *RunState) MarkStreaming() {
	rs.mu.Lock()
	rs.phase = PhaseStreaming
	rs.mu.Unlock()
}

// MarkError records a transport failure; finalization still follows.
func (rs *RunState) MarkError() {
	rs.mu.Lock()
	rs.phase = PhaseError
	rs.mu.Unlock()
}

// Finish runs finalization and returns to Idle. It is executed exactly once
// per turn, on every path including errors, so host-visible loading
// indicators always clear.
func (rs *RunState) Finish() {
	rs.mu.Lock()
	rs.phase = PhaseFinalizing
	rs.cancel = nil
	rs.phase = PhaseIdle
	rs.mu.Unlock()
}

func (rs *RunState) Phase() Phase {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.phase
}

// IsLoading reports whether a turn has started but no event arrived yet.
func (rs *RunState) IsLoading() bool {
	return rs.Phase() == PhaseLoading
}

// IsStreaming reports whether events are being applied.
func (rs *RunState) IsStreaming() bool {
	return rs.Phase() == PhaseStreaming
}

func (rs *RunState) SetCancel(cancel context.CancelFunc) {
	rs.mu.Lock()
	rs.cancel = cancel
	rs.mu.Unlock()
}

// Cancel aborts the in-flight turn's read loop. The turn still finalizes
// with whatever content was accumulated.
func (rs *RunState) Cancel() error {
	rs.mu.Lock()
	cancel := rs.cancel
	phase := rs.phase
	rs.mu.Unlock()
	if phase == PhaseIdle || cancel == nil {
		return errors.New("no turn in progress")
	}
	cancel()
	return nil
}
