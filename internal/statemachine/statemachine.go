package statemachine

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle stage of a consultation session.
type State string

const (
	Idle           State = "idle"
	Recording      State = "recording"
	Paused         State = "paused"
	Finalizing     State = "finalizing"
	Diarizing      State = "diarizing"
	SoapGeneration State = "soap_generation"
	Completed      State = "completed"
	Error          State = "error"
)

// ErrInvalidTransition is returned when a transition is not in the table.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions lists the allowed targets of every state. Error is reachable
// from every non-terminal state and only leads back into finalize.
var transitions = map[State][]State{
	Idle:           {Recording, Error},
	Recording:      {Paused, Finalizing, Error},
	Paused:         {Recording, Finalizing, Error},
	Finalizing:     {Diarizing, Error},
	Diarizing:      {SoapGeneration, Error},
	SoapGeneration: {Completed, Error},
	Error:          {Finalizing},
	Completed:      nil,
}

// TransitionFunc observes a completed transition.
type TransitionFunc func(from, to State)

// StateMachine tracks the session state and the timings derived from it.
type StateMachine struct {
	mu sync.Mutex

	state     State
	enteredAt time.Time

	recordingStart time.Time     // start of the current recording stretch
	recorded       time.Duration // closed recording stretches

	lastErr   error
	retryable bool

	hooks []TransitionFunc
	now   func() time.Time
}

// NewStateMachine creates a state machine in Idle.
func NewStateMachine() *StateMachine {
	sm := &StateMachine{state: Idle, now: time.Now}
	sm.enteredAt = sm.now()
	return sm
}

// OnTransition registers fn to run after every transition. Hooks run
// without the lock held.
func (sm *StateMachine) OnTransition(fn TransitionFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.hooks = append(sm.hooks, fn)
}

// Current returns the current state.
func (sm *StateMachine) Current() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// EnteredAt returns when the current state was entered.
func (sm *StateMachine) EnteredAt() time.Time {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.enteredAt
}

// Can reports whether a transition to the given state is allowed now.
func (sm *StateMachine) Can(to State) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return allowed(sm.state, to)
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves to the given state.
func (sm *StateMachine) Transition(to State) error {
	sm.mu.Lock()
	from := sm.state
	if !allowed(from, to) {
		sm.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	sm.enter(to)
	if to != Error {
		sm.lastErr = nil
		sm.retryable = false
	}
	hooks := append([]TransitionFunc(nil), sm.hooks...)
	sm.mu.Unlock()

	for _, fn := range hooks {
		fn(from, to)
	}
	return nil
}

// enter switches state and keeps the recording clock. Caller holds mu.
func (sm *StateMachine) enter(to State) {
	now := sm.now()
	if sm.state == Recording && to != Recording {
		sm.recorded += now.Sub(sm.recordingStart)
	}
	if to == Recording {
		sm.recordingStart = now
	}
	sm.state = to
	sm.enteredAt = now
}

// Fail moves to Error and records why. retryable marks failures the user
// can retry from the Error state.
func (sm *StateMachine) Fail(err error, retryable bool) error {
	sm.mu.Lock()
	from := sm.state
	if !allowed(from, Error) {
		sm.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, Error)
	}
	sm.enter(Error)
	sm.lastErr = err
	sm.retryable = retryable
	hooks := append([]TransitionFunc(nil), sm.hooks...)
	sm.mu.Unlock()

	for _, fn := range hooks {
		fn(from, Error)
	}
	return nil
}

// LastError returns the error that put the machine in Error, and whether
// it can be retried.
func (sm *StateMachine) LastError() (error, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.lastErr, sm.retryable
}

// Reset returns to Idle for a fresh session. Only allowed when no session
// is active.
func (sm *StateMachine) Reset() error {
	sm.mu.Lock()
	from := sm.state
	switch from {
	case Idle, Completed, Error:
	default:
		sm.mu.Unlock()
		return fmt.Errorf("cannot reset while %s", from)
	}
	sm.state = Idle
	sm.enteredAt = sm.now()
	sm.recorded = 0
	sm.recordingStart = time.Time{}
	sm.lastErr = nil
	sm.retryable = false
	hooks := append([]TransitionFunc(nil), sm.hooks...)
	sm.mu.Unlock()

	if from != Idle {
		for _, fn := range hooks {
			fn(from, Idle)
		}
	}
	return nil
}

// CanStart reports whether a new recording may begin.
func (sm *StateMachine) CanStart() bool { return sm.Current() == Idle }

// CanPause reports whether recording can be paused.
func (sm *StateMachine) CanPause() bool { return sm.Current() == Recording }

// CanResume reports whether a paused recording can continue.
func (sm *StateMachine) CanResume() bool { return sm.Current() == Paused }

// CanEnd reports whether the recording can be finalized.
func (sm *StateMachine) CanEnd() bool {
	s := sm.Current()
	return s == Recording || s == Paused
}

// IsTerminal reports whether the session has completed.
func (sm *StateMachine) IsTerminal() bool { return sm.Current() == Completed }

// IsActive reports whether audio is being captured or processed.
func (sm *StateMachine) IsActive() bool {
	switch sm.Current() {
	case Idle, Completed, Error:
		return false
	}
	return true
}

// RecordingDuration returns the total time spent in Recording, excluding
// paused stretches.
func (sm *StateMachine) RecordingDuration() time.Duration {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	d := sm.recorded
	if sm.state == Recording {
		d += sm.now().Sub(sm.recordingStart)
	}
	return d
}
