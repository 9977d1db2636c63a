package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/samiUK/hitchbuddy-connect-uk-sub002/internal/readiness"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/consts"
	gerrors "github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/errors"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/protocol"
)

var (
	ErrUnknownUpstream = errors.New("upstream not found")
	ErrAlreadyRunning  = errors.New("upstream already running")

	errRestartCancelled = errors.New("restart cancelled")
)

// outputWaitDelay bounds how long Wait keeps draining output after the
// child exits, in case a grandchild still holds the pipes open.
const outputWaitDelay = 2 * time.Second

// Observer receives upstream state changes. Calls are made without any
// supervisor lock held.
type Observer interface {
	UpstreamChanged(status readiness.UpstreamStatus)
	UpstreamRestarting(role consts.Role, attempt int, delay time.Duration)
	UpstreamFatal(role consts.Role, err error)
}

// Manager launches and supervises the frontend and backend child processes.
// Each child runs in its own process group so termination reaches any
// processes it forked (npm, node, shells).
type Manager struct {
	mu        sync.Mutex
	upstreams map[consts.Role]*Upstream
	observer  Observer
	wg        sync.WaitGroup
}

// New creates a Manager reporting to observer. A nil observer is allowed.
func New(observer Observer) *Manager {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Manager{
		upstreams: make(map[consts.Role]*Upstream),
		observer:  observer,
	}
}

// Launch starts the upstream described by spec. Launching a role that
// exited or failed relaunches it; launching a live one is an error.
// A spawn failure marks the upstream failed and returns an UpstreamLaunchError.
func (m *Manager) Launch(spec protocol.UpstreamSpec) (*Upstream, error) {
	var readyRe *regexp.Regexp
	if spec.ReadyPattern != "" {
		re, err := regexp.Compile(spec.ReadyPattern)
		if err != nil {
			return nil, gerrors.New(gerrors.ErrCodeUpstreamLaunch, "Launch", "invalid ready_pattern", err)
		}
		readyRe = re
	}

	m.mu.Lock()
	u, exists := m.upstreams[spec.Role]
	if exists {
		if u.alive() {
			m.mu.Unlock()
			return u, ErrAlreadyRunning
		}
		u.resetForManualLaunch(spec, readyRe)
	} else {
		u = newUpstream(spec, readyRe)
		m.upstreams[spec.Role] = u
	}
	m.mu.Unlock()

	if err := m.start(u, 0); err != nil {
		return u, err
	}
	return u, nil
}

// start spawns one run of u. A restart passes the generation it replaces and
// is abandoned if a stop was requested or a newer run exists by the time the
// upstream lock is held.
func (m *Manager) start(u *Upstream, restartOf int) error {
	u.mu.Lock()
	if restartOf != 0 && (u.stopRequested || u.gen != restartOf) {
		u.mu.Unlock()
		return errRestartCancelled
	}
	spec := u.spec

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = outputWaitDelay

	u.gen++
	gen := u.gen
	stdout := newLineSink(u.log.With("stream", "stdout"), false, func(line string) { u.matchReady(gen, line, m) })
	stderr := newLineSink(u.log.With("stream", "stderr"), true, func(line string) { u.matchReady(gen, line, m) })
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	u.log.Info("Supervisor: launching upstream", "cmd", spec.Command, "args", spec.Args, "dir", spec.WorkingDir)
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		u.state = consts.UpstreamFailed
		u.pid = 0
		u.since = time.Now()
		status := u.statusLocked()
		u.mu.Unlock()

		u.log.Error("Supervisor: upstream launch failed", "err", err)
		m.observer.UpstreamChanged(status)
		return gerrors.New(gerrors.ErrCodeUpstreamLaunch, "Launch",
			fmt.Sprintf("cannot start %s upstream %q", spec.Role, spec.Command), err)
	}

	u.cmd = cmd
	u.pid = cmd.Process.Pid
	u.state = consts.UpstreamStarting
	u.exitCode = nil
	u.crashed = false
	u.startedAt = time.Now()
	u.since = u.startedAt
	u.done = make(chan struct{})
	done := u.done

	// Without a ready pattern the startup delay decides; with one it is a fallback.
	if u.readyRe == nil || spec.StartupDelay > 0 {
		u.readyTimer = time.AfterFunc(spec.StartupDelay, func() { u.markRunning(gen, "startup delay elapsed", m) })
	}
	status := u.statusLocked()
	u.mu.Unlock()

	u.log.Info("Supervisor: upstream started", "pid", cmd.Process.Pid)
	m.observer.UpstreamChanged(status)

	m.wg.Add(1)
	go m.monitor(u, cmd, gen, done, stdout, stderr)
	return nil
}

// monitor waits for one run to exit, records the outcome and applies the
// restart policy.
func (m *Manager) monitor(u *Upstream, cmd *exec.Cmd, gen int, done chan struct{}, sinks ...*lineSink) {
	defer m.wg.Done()

	waitErr := cmd.Wait()
	for _, s := range sinks {
		s.Close()
	}

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}

	u.mu.Lock()
	if u.readyTimer != nil {
		u.readyTimer.Stop()
		u.readyTimer = nil
	}
	wasRunning := u.state == consts.UpstreamRunning
	u.state = consts.UpstreamExited
	if !wasRunning && code != 0 && !u.stopRequested {
		u.state = consts.UpstreamFailed
	}
	u.exitCode = &code
	u.pid = 0
	u.since = time.Now()
	u.crashed = !u.stopRequested
	crashed := u.crashed
	uptime := time.Since(u.startedAt)
	status := u.statusLocked()
	close(done)
	u.mu.Unlock()

	if crashed {
		u.log.Error("Supervisor: upstream crashed",
			"code", gerrors.ErrCodeUpstreamCrashed.String(), "exit_code", code, "was_running", wasRunning, "err", waitErr)
	} else {
		u.log.Info("Supervisor: upstream exited", "exit_code", code)
	}
	m.observer.UpstreamChanged(status)

	if crashed {
		m.maybeRestart(u, gen, uptime)
	}
}

func (m *Manager) maybeRestart(u *Upstream, gen int, uptime time.Duration) {
	u.mu.Lock()
	policy := u.spec.Restart
	if policy.MaxRestarts <= 0 || u.stopRequested || gen != u.gen {
		u.mu.Unlock()
		return
	}

	if u.restarts >= policy.MaxRestarts {
		u.state = consts.UpstreamFailed
		u.since = time.Now()
		status := u.statusLocked()
		u.mu.Unlock()

		err := gerrors.New(gerrors.ErrCodeMaxRestartsExceeded, "Restart",
			fmt.Sprintf("%s upstream exceeded %d restarts", u.spec.Role, policy.MaxRestarts), nil)
		u.log.Error("Supervisor: restart budget exhausted", "max_restarts", policy.MaxRestarts)
		m.observer.UpstreamChanged(status)
		m.observer.UpstreamFatal(u.spec.Role, err)
		return
	}

	// A run that stayed up well past the backoff ceiling starts a fresh sequence.
	if uptime > 2*policy.MaxInterval {
		u.backoff.Reset()
	}
	delay := u.backoff.NextBackOff()
	u.restarts++
	attempt := u.restarts
	stop := u.stopCh
	u.mu.Unlock()

	u.log.Warn("Supervisor: restarting upstream", "attempt", attempt, "max_restarts", policy.MaxRestarts, "delay", delay)
	m.observer.UpstreamRestarting(u.spec.Role, attempt, delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-stop:
		return
	}

	if err := m.start(u, gen); err != nil {
		if errors.Is(err, errRestartCancelled) {
			u.log.Info("Supervisor: pending restart cancelled")
			return
		}
		u.log.Error("Supervisor: relaunch failed", "err", err)
	}
}

// Terminate asks the upstream's process group to stop with SIGTERM, waits up
// to grace (or until ctx is done), then sends SIGKILL. Pending restarts are
// cancelled.
func (m *Manager) Terminate(ctx context.Context, u *Upstream, grace time.Duration) error {
	u.mu.Lock()
	if !u.stopRequested {
		u.stopRequested = true
		close(u.stopCh)
	}
	if u.cmd == nil || u.state == consts.UpstreamExited || u.state == consts.UpstreamFailed || u.pid == 0 {
		u.mu.Unlock()
		return nil
	}
	pid := u.pid
	done := u.done
	u.mu.Unlock()

	u.log.Info("Supervisor: sending SIGTERM", "pid", pid, "grace", grace)
	if err := signalGroup(pid, unix.SIGTERM); err != nil {
		u.log.Warn("Supervisor: SIGTERM failed", "pid", pid, "err", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	u.log.Warn("Supervisor: grace period expired, sending SIGKILL", "pid", pid)
	if err := signalGroup(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill %s upstream: %w", u.spec.Role, err)
	}
	<-done
	return nil
}

// TerminateAll terminates every upstream in parallel and waits for the
// monitors to finish.
func (m *Manager) TerminateAll(ctx context.Context, grace time.Duration) {
	m.mu.Lock()
	ups := make([]*Upstream, 0, len(m.upstreams))
	for _, u := range m.upstreams {
		ups = append(ups, u)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, u := range ups {
		wg.Add(1)
		go func(u *Upstream) {
			defer wg.Done()
			if err := m.Terminate(ctx, u, grace); err != nil {
				u.log.Error("Supervisor: terminate failed", "err", err)
			}
		}(u)
	}
	wg.Wait()
	m.wg.Wait()
}

// Get returns the upstream for role.
func (m *Manager) Get(role consts.Role) (*Upstream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.upstreams[role]
	if !ok {
		return nil, ErrUnknownUpstream
	}
	return u, nil
}

// Snapshot returns the status of every upstream, sorted by role.
func (m *Manager) Snapshot() []readiness.UpstreamStatus {
	m.mu.Lock()
	ups := make([]*Upstream, 0, len(m.upstreams))
	for _, u := range m.upstreams {
		ups = append(ups, u)
	}
	m.mu.Unlock()

	out := make([]readiness.UpstreamStatus, 0, len(ups))
	for _, u := range ups {
		out = append(out, u.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

func signalGroup(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err != nil {
		// Fall back to the leader alone if the group is already gone.
		if errors.Is(err, unix.ESRCH) {
			return unix.Kill(pid, sig)
		}
		return err
	}
	return nil
}

// mergeEnv overlays extra onto base. Later entries win in exec, and keys are
// appended in sorted order so the child environment is deterministic.
func mergeEnv(base []string, extra map[string]string) []string {
	env := make([]string, 0, len(base)+len(extra))
	env = append(env, base...)
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

type nopObserver struct{}

func (nopObserver) UpstreamChanged(readiness.UpstreamStatus)           {}
func (nopObserver) UpstreamRestarting(consts.Role, int, time.Duration) {}
func (nopObserver) UpstreamFatal(consts.Role, error)                   {}

// Personal.AI order the ending
