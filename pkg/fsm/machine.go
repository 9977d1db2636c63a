package fsm

import (
	"fmt"
	"sync"
)

type State string
type Event string

// Handler is executed after a transition has been applied.
// It observes the new state via Current and may fire further events.
type Handler func(event Event, args ...interface{}) error

// Listener is notified of every applied transition.
type Listener func(from, to State, event Event)

type edge struct {
	to       State
	callback Handler
}

type StateMachine struct {
	mu        sync.RWMutex
	current   State
	terminal  map[State]bool
	edges     map[State]map[Event]edge
	listeners []Listener
}

func New(initial State) *StateMachine {
	return &StateMachine{
		current:  initial,
		terminal: make(map[State]bool),
		edges:    make(map[State]map[Event]edge),
	}
}

func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// AddTransition registers from --event--> to. A nil callback is allowed.
func (sm *StateMachine) AddTransition(from, to State, event Event, callback Handler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.edges[from]; !ok {
		sm.edges[from] = make(map[Event]edge)
	}
	sm.edges[from][event] = edge{to: to, callback: callback}
}

// MarkTerminal declares a state with no outgoing transitions.
// Registering an edge out of it afterwards is ignored by Fire.
func (sm *StateMachine) MarkTerminal(s State) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.terminal[s] = true
}

// OnTransition registers a listener called after every applied transition,
// outside the machine's lock.
func (sm *StateMachine) OnTransition(l Listener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, l)
}

// Can reports whether event is valid from the current state.
func (sm *StateMachine) Can(event Event) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.terminal[sm.current] {
		return false
	}
	_, ok := sm.edges[sm.current][event]
	return ok
}

// Fire triggers a state transition. It is thread-safe.
// The state is updated before the callback runs, so callbacks may re-enter
// Fire without deadlocking. A callback error is returned but does not roll
// the transition back.
func (sm *StateMachine) Fire(event Event, args ...interface{}) error {
	sm.mu.Lock()
	from := sm.current
	e, ok := sm.edges[from][event]
	if !ok || sm.terminal[from] {
		sm.mu.Unlock()
		return fmt.Errorf("invalid transition from %s via %s", from, event)
	}
	sm.current = e.to
	listeners := make([]Listener, len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	for _, l := range listeners {
		l(from, e.to, event)
	}

	if e.callback != nil {
		return e.callback(event, args...)
	}
	return nil
}

// Personal.AI order the ending
