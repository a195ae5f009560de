// Package fsm is a small synchronous finite state machine. Transitions and
// their actions run on the caller's goroutine and are serialized, so a
// machine owned by a single message loop never interleaves transitions.
// The current state can be read from any goroutine without waiting for a
// running action.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// State represents a state identifier
type State string

// Event represents an event identifier
type Event string

// Action is a function executed during transitions
// Returns an error which stops the transition
type Action func(ctx context.Context, transition TransitionContext) error

// ErrNoTransition is returned by Fire when the current state does not
// accept the event.
var ErrNoTransition = errors.New("fsm: no transition")

// TransitionError carries the state and event of a failed Fire.
type TransitionError struct {
	Machine string
	State   State
	Event   Event
	Err     error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("fsm %s: event %s in state %s: %v", e.Machine, e.Event, e.State, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// TransitionContext holds context about the current transition
type TransitionContext struct {
	FSM   *StateMachine
	Event Event
	From  State
	To    State
	Data  any
}

// StateMachine implements a Finite State Machine
type StateMachine struct {
	id      string
	current atomic.Value // State

	// fireMu serializes Fire; cfgMu guards states and onTransition.
	fireMu sync.Mutex
	cfgMu  sync.RWMutex
	states map[State]*StateConfig

	onTransition []func(TransitionContext)
}

// StateConfig represents the configuration for a specific state
type StateConfig struct {
	state       State
	transitions map[Event]*Transition
}

// Transition represents a state transition definition
type Transition struct {
	trigger Event
	from    State
	to      State
	actions []Action
}

// New creates a new StateMachine with an initial state
func New(id string, initialState State) *StateMachine {
	sm := &StateMachine{
		id:     id,
		states: make(map[State]*StateConfig),
	}
	sm.current.Store(initialState)
	return sm
}

// ID returns the machine identifier used in errors.
func (sm *StateMachine) ID() string { return sm.id }

// CurrentState returns the current state. It never blocks on a transition in
// progress; during an action it reports the source state.
func (sm *StateMachine) CurrentState() State {
	return sm.current.Load().(State)
}

// Configure returns a StateConfigBuilder for the given state
// If the state config doesn't exist, it creates one
func (sm *StateMachine) Configure(state State) *StateConfigBuilder {
	sm.cfgMu.Lock()
	defer sm.cfgMu.Unlock()

	config, ok := sm.states[state]
	if !ok {
		config = &StateConfig{
			state:       state,
			transitions: make(map[Event]*Transition),
		}
		sm.states[state] = config
	}

	return &StateConfigBuilder{sm: sm, config: config}
}

// Can reports whether event is accepted in the current state.
func (sm *StateMachine) Can(event Event) bool {
	_, ok := sm.lookup(sm.CurrentState(), event)
	return ok
}

func (sm *StateMachine) lookup(state State, event Event) (*Transition, bool) {
	sm.cfgMu.RLock()
	defer sm.cfgMu.RUnlock()
	cfg, ok := sm.states[state]
	if !ok {
		return nil, false
	}
	t, ok := cfg.transitions[event]
	return t, ok
}

// Fire triggers an event and returns the resulting state. If an action fails
// the state is left unchanged and listeners are not notified.
func (sm *StateMachine) Fire(ctx context.Context, event Event, data any) (State, error) {
	sm.fireMu.Lock()
	defer sm.fireMu.Unlock()

	current := sm.CurrentState()
	transition, ok := sm.lookup(current, event)
	if !ok {
		return current, &TransitionError{Machine: sm.id, State: current, Event: event, Err: ErrNoTransition}
	}

	tCtx := TransitionContext{
		FSM:   sm,
		Event: event,
		From:  current,
		To:    transition.to,
		Data:  data,
	}

	for _, action := range transition.actions {
		if err := action(ctx, tCtx); err != nil {
			return current, &TransitionError{Machine: sm.id, State: current, Event: event, Err: fmt.Errorf("transition action: %w", err)}
		}
	}

	sm.current.Store(transition.to)

	sm.cfgMu.RLock()
	listeners := sm.onTransition
	sm.cfgMu.RUnlock()
	for _, listener := range listeners {
		listener(tCtx)
	}
	return transition.to, nil
}

// OnTransition registers a listener called after every successful Fire,
// internal transitions included.
func (sm *StateMachine) OnTransition(listener func(TransitionContext)) {
	sm.cfgMu.Lock()
	defer sm.cfgMu.Unlock()
	sm.onTransition = append(sm.onTransition, listener)
}
