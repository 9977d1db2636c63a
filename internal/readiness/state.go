// Package readiness holds the process-wide lifecycle phase and the last-known
// status of every upstream. Any transport (HTTP probes, the control socket,
// metrics) queries it through the same object or subscribes to transitions.
package readiness

import (
	"sort"
	"sync"
	"time"

	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/consts"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/fsm"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/logger"
)

const (
	evBound      fsm.Event = "bound"
	evInitialize fsm.Event = "initialize"
	evReady      fsm.Event = "ready"
	evCrash      fsm.Event = "crash"
	evRecover    fsm.Event = "recover"
	evShutdown   fsm.Event = "shutdown"
	evAbort      fsm.Event = "abort"
	evStopped    fsm.Event = "stopped"
)

const subscriberBuffer = 32

// UpstreamStatus is the externally visible state of one upstream.
type UpstreamStatus struct {
	Role     consts.Role          `json:"role"`
	State    consts.UpstreamState `json:"state"`
	Required bool                 `json:"required"`
	Crashed  bool                 `json:"crashed"`
	Pid      int                  `json:"pid,omitempty"`
	ExitCode *int                 `json:"exit_code,omitempty"`
	Restarts int                  `json:"restarts"`
	Since    time.Time            `json:"since"`
}

// unhealthy reports an upstream that must not receive traffic.
func (u UpstreamStatus) unhealthy() bool {
	return u.Crashed || u.State == consts.UpstreamFailed
}

// Event describes one phase transition.
type Event struct {
	From consts.Phase
	To   consts.Phase
	At   time.Time
}

// State is the ReadinessState of the supervisor.
type State struct {
	machine *fsm.StateMachine

	mu        sync.RWMutex
	upstreams map[consts.Role]UpstreamStatus

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

func New() *State {
	s := &State{
		machine:   fsm.New(fsm.State(consts.PhaseBinding)),
		upstreams: make(map[consts.Role]UpstreamStatus),
		subs:      make(map[int]chan Event),
	}
	s.setupFSM()
	return s
}

func (s *State) setupFSM() {
	p := func(ph consts.Phase) fsm.State { return fsm.State(ph) }
	m := s.machine

	m.AddTransition(p(consts.PhaseBinding), p(consts.PhaseSocketBound), evBound, nil)
	m.AddTransition(p(consts.PhaseBinding), p(consts.PhaseStopped), evAbort, nil)
	m.AddTransition(p(consts.PhaseSocketBound), p(consts.PhaseInitializing), evInitialize, nil)

	m.AddTransition(p(consts.PhaseInitializing), p(consts.PhaseReady), evReady, nil)
	m.AddTransition(p(consts.PhaseInitializing), p(consts.PhaseDegraded), evCrash, nil)
	m.AddTransition(p(consts.PhaseReady), p(consts.PhaseDegraded), evCrash, nil)
	m.AddTransition(p(consts.PhaseDegraded), p(consts.PhaseReady), evRecover, nil)

	for _, from := range []consts.Phase{consts.PhaseSocketBound, consts.PhaseInitializing, consts.PhaseReady, consts.PhaseDegraded} {
		m.AddTransition(p(from), p(consts.PhaseShuttingDown), evShutdown, nil)
	}
	m.AddTransition(p(consts.PhaseShuttingDown), p(consts.PhaseStopped), evStopped, nil)
	m.MarkTerminal(p(consts.PhaseStopped))

	m.OnTransition(func(from, to fsm.State, event fsm.Event) {
		logger.Log.Info("Lifecycle: phase changed", "from", from, "to", to, "event", event)
		s.publish(Event{From: consts.Phase(from), To: consts.Phase(to), At: time.Now()})
	})
}

// Phase returns the current phase without any I/O.
func (s *State) Phase() consts.Phase {
	return consts.Phase(s.machine.Current())
}

// Subscribe returns a channel receiving every later transition and a cancel
// function. A subscriber that falls behind loses events rather than
// blocking transitions.
func (s *State) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Event, subscriberBuffer)
	s.subs[id] = ch

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *State) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			logger.Log.Warn("Lifecycle: subscriber lagging, event dropped", "subscriber", id, "to", ev.To)
		}
	}
}

// MarkBound records that the listening socket is accepting.
func (s *State) MarkBound() error { return s.machine.Fire(evBound) }

// MarkBindFailed moves straight to STOPPED.
func (s *State) MarkBindFailed() error { return s.machine.Fire(evAbort) }

// BeginInit enters INITIALIZING and re-evaluates readiness, so a deployment
// without required upstreams becomes READY immediately.
func (s *State) BeginInit() error {
	if err := s.machine.Fire(evInitialize); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluateLocked()
	return nil
}

// Register declares an upstream before it is launched.
func (s *State) Register(role consts.Role, required bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstreams[role] = UpstreamStatus{
		Role:     role,
		State:    consts.UpstreamStarting,
		Required: required,
		Since:    time.Now(),
	}
}

// Update records a new upstream status and moves the phase accordingly.
func (s *State) Update(st UpstreamStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upstreams[st.Role] = st
	s.evaluateLocked()
}

func (s *State) evaluateLocked() {
	healthy, requiredRunning := true, true
	for _, u := range s.upstreams {
		if u.unhealthy() {
			healthy = false
		}
		if u.Required && u.State != consts.UpstreamRunning {
			requiredRunning = false
		}
	}

	switch s.Phase() {
	case consts.PhaseInitializing:
		if !healthy {
			_ = s.machine.Fire(evCrash)
		} else if requiredRunning {
			_ = s.machine.Fire(evReady)
		}
	case consts.PhaseReady:
		if !healthy {
			_ = s.machine.Fire(evCrash)
		}
	case consts.PhaseDegraded:
		if healthy && requiredRunning {
			_ = s.machine.Fire(evRecover)
		}
	}
}

// Unavailable reports whether traffic for role must be refused without
// dialing. Unmanaged roles are never unavailable.
func (s *State) Unavailable(role consts.Role) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.upstreams[role]
	return ok && u.unhealthy()
}

// Upstreams returns a copy of every upstream status, sorted by role.
func (s *State) Upstreams() []UpstreamStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UpstreamStatus, 0, len(s.upstreams))
	for _, u := range s.upstreams {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

// BeginShutdown enters SHUTTING_DOWN. It returns false when shutdown was
// already under way or the phase does not allow it.
func (s *State) BeginShutdown() bool {
	return s.machine.Fire(evShutdown) == nil
}

// MarkStopped enters the terminal phase.
func (s *State) MarkStopped() error { return s.machine.Fire(evStopped) }

// Personal.AI order the ending
