package exporter

import (
	"sync"
	"time"

	"github.com/kubeadapt/nvidia-gpu-exporter/internal/errors"
)

// State is the outcome of the most recent collection.
type State string

// Collection states. Starting holds until the first gather completes.
const (
	StateStarting State = "starting"
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
)

// StateMachine remembers the last collection outcome for logging and the
// health endpoint. It never influences what a gather exports: every scrape
// is evaluated on its own.
type StateMachine struct {
	mu     sync.RWMutex
	state  State
	reason string
	since  time.Time
	clock  errors.Clock
}

// NewStateMachine creates a StateMachine in StateStarting.
func NewStateMachine(clock errors.Clock) *StateMachine {
	return &StateMachine{
		state: StateStarting,
		since: clock.Now(),
		clock: clock,
	}
}

// State returns the current state.
func (sm *StateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Reason returns the error code behind StateDegraded, or "".
func (sm *StateMachine) Reason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.reason
}

// Since returns when the current state was entered.
func (sm *StateMachine) Since() time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.since
}

// Observe records one collection result and returns the previous state.
// changed is true when the state differs from the previous one.
func (sm *StateMachine) Observe(err error) (prev State, changed bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	next, reason := StateHealthy, ""
	if err != nil {
		next = StateDegraded
		reason = string(errors.CodeOf(err))
		if reason == "" {
			reason = string(errors.ErrSourceUnavailable)
		}
	}

	prev = sm.state
	sm.reason = reason
	if next == prev {
		return prev, false
	}
	sm.state = next
	sm.since = sm.clock.Now()
	return prev, true
}
