package supervisor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samiUK/hitchbuddy-connect-uk-sub002/internal/readiness"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/consts"
	gerrors "github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/errors"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/logger"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/protocol"
)

type recorder struct {
	mu       sync.Mutex
	changes  []readiness.UpstreamStatus
	restarts []int
	fatal    error
}

func (r *recorder) UpstreamChanged(st readiness.UpstreamStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, st)
}

func (r *recorder) UpstreamRestarting(_ consts.Role, attempt int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restarts = append(r.restarts, attempt)
}

func (r *recorder) UpstreamFatal(_ consts.Role, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fatal = err
}

func (r *recorder) fatalErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

func shellSpec(role consts.Role, script string) protocol.UpstreamSpec {
	return protocol.UpstreamSpec{
		Role:    role,
		Command: "sh",
		Args:    []string{"-c", script},
		Restart: protocol.RestartPolicy{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     20 * time.Millisecond,
		},
	}
}

func waitState(t *testing.T, u *Upstream, want consts.UpstreamState) readiness.UpstreamStatus {
	t.Helper()
	require.Eventually(t, func() bool { return u.Status().State == want }, 5*time.Second, 10*time.Millisecond,
		"upstream never reached %s", want)
	return u.Status()
}

func TestManager_LaunchAndTerminate(t *testing.T) {
	rec := &recorder{}
	m := New(rec)

	u, err := m.Launch(shellSpec(consts.RoleBackend, "sleep 30"))
	require.NoError(t, err)

	st := waitState(t, u, consts.UpstreamRunning)
	assert.NotZero(t, st.Pid)
	assert.True(t, st.Required)

	require.NoError(t, m.Terminate(context.Background(), u, 2*time.Second))
	st = waitState(t, u, consts.UpstreamExited)
	assert.False(t, st.Crashed, "a requested stop is not a crash")
	assert.Zero(t, st.Pid)
}

func TestManager_ReadyPatternMarksRunning(t *testing.T) {
	m := New(nil)
	spec := shellSpec(consts.RoleFrontend, "echo booting; sleep 0.2; echo 'listening on 5173'; sleep 30")
	spec.ReadyPattern = `listening on \d+`

	u, err := m.Launch(spec)
	require.NoError(t, err)
	assert.Equal(t, consts.UpstreamStarting, u.Status().State)

	waitState(t, u, consts.UpstreamRunning)
	m.TerminateAll(context.Background(), 2*time.Second)
}

func TestManager_EnvOverlayReachesChild(t *testing.T) {
	m := New(nil)
	spec := shellSpec(consts.RoleBackend, `echo "token=$HITCHGATE_TEST_TOKEN"; sleep 30`)
	spec.Env = map[string]string{"HITCHGATE_TEST_TOKEN": "xyz"}
	spec.ReadyPattern = "^token=xyz$"

	u, err := m.Launch(spec)
	require.NoError(t, err)
	waitState(t, u, consts.UpstreamRunning)
	m.TerminateAll(context.Background(), 2*time.Second)
}

func TestManager_UnexpectedExitIsCrash(t *testing.T) {
	rec := &recorder{}
	m := New(rec)

	u, err := m.Launch(shellSpec(consts.RoleBackend, "sleep 0.3; exit 3"))
	require.NoError(t, err)
	waitState(t, u, consts.UpstreamRunning)

	st := waitState(t, u, consts.UpstreamExited)
	assert.True(t, st.Crashed)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 3, *st.ExitCode)
	assert.NoError(t, rec.fatalErr(), "no restart policy means no fatal escalation")
}

func TestManager_ExitBeforeRunningIsFailed(t *testing.T) {
	m := New(nil)
	spec := shellSpec(consts.RoleBackend, "exit 4")
	spec.ReadyPattern = "never printed"

	u, err := m.Launch(spec)
	require.NoError(t, err)

	st := waitState(t, u, consts.UpstreamFailed)
	assert.True(t, st.Crashed)
	assert.Equal(t, 4, *st.ExitCode)
}

func TestManager_CleanExitWithoutStopIsCrash(t *testing.T) {
	m := New(nil)
	u, err := m.Launch(shellSpec(consts.RoleBackend, "sleep 0.3; exit 0"))
	require.NoError(t, err)
	waitState(t, u, consts.UpstreamRunning)

	st := waitState(t, u, consts.UpstreamExited)
	assert.True(t, st.Crashed)
	assert.Equal(t, 0, *st.ExitCode)
}

func TestManager_LaunchFailure(t *testing.T) {
	rec := &recorder{}
	m := New(rec)

	spec := shellSpec(consts.RoleBackend, "")
	spec.Command = "/nonexistent/hitchgate-test-binary"
	u, err := m.Launch(spec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gerrors.ErrUpstreamLaunch))
	require.NotNil(t, u)
	assert.Equal(t, consts.UpstreamFailed, u.Status().State)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.changes)
	assert.Equal(t, consts.UpstreamFailed, rec.changes[len(rec.changes)-1].State)
}

func TestManager_InvalidReadyPattern(t *testing.T) {
	m := New(nil)
	spec := shellSpec(consts.RoleBackend, "sleep 1")
	spec.ReadyPattern = "("
	_, err := m.Launch(spec)
	assert.Equal(t, gerrors.ErrCodeUpstreamLaunch, gerrors.CodeOf(err))
}

func TestManager_RestartBudgetExhausted(t *testing.T) {
	rec := &recorder{}
	m := New(rec)

	spec := shellSpec(consts.RoleBackend, "exit 1")
	spec.Restart.MaxRestarts = 2

	u, err := m.Launch(spec)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.fatalErr() != nil }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, errors.Is(rec.fatalErr(), gerrors.ErrMaxRestartsExceeded))

	st := u.Status()
	assert.Equal(t, consts.UpstreamFailed, st.State)
	assert.Equal(t, 2, st.Restarts)

	rec.mu.Lock()
	assert.Equal(t, []int{1, 2}, rec.restarts)
	rec.mu.Unlock()
}

func TestManager_RestartRecoversRunning(t *testing.T) {
	m := New(nil)
	dir := t.TempDir()

	// First run crashes, the second one stays up.
	spec := shellSpec(consts.RoleBackend,
		`if [ -f marker ]; then echo up; sleep 30; else touch marker; exit 1; fi`)
	spec.WorkingDir = dir
	spec.ReadyPattern = "^up$"
	spec.Restart.MaxRestarts = 3

	u, err := m.Launch(spec)
	require.NoError(t, err)

	st := waitState(t, u, consts.UpstreamRunning)
	assert.Equal(t, 1, st.Restarts)
	assert.False(t, st.Crashed)
	m.TerminateAll(context.Background(), 2*time.Second)
}

func generation(u *Upstream) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.gen
}

func TestManager_RestartAfterTerminateIsCancelled(t *testing.T) {
	m := New(nil)
	u, err := m.Launch(shellSpec(consts.RoleBackend, "exit 1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return u.Status().ExitCode != nil }, 5*time.Second, 10*time.Millisecond)

	// A restart that was already past its delay when Terminate ran.
	gen := generation(u)
	require.NoError(t, m.Terminate(context.Background(), u, time.Second))
	assert.ErrorIs(t, m.start(u, gen), errRestartCancelled)

	st := u.Status()
	assert.Zero(t, st.Pid)
	assert.NotEqual(t, consts.UpstreamStarting, st.State)

	done := make(chan struct{})
	go func() {
		m.TerminateAll(context.Background(), time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("TerminateAll blocked on an unsupervised child")
	}
}

func TestManager_StaleRestartIsCancelled(t *testing.T) {
	m := New(nil)
	u, err := m.Launch(shellSpec(consts.RoleBackend, "exit 1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return u.Status().ExitCode != nil }, 5*time.Second, 10*time.Millisecond)
	stale := generation(u)

	_, err = m.Launch(shellSpec(consts.RoleBackend, "sleep 30"))
	require.NoError(t, err)
	defer m.TerminateAll(context.Background(), 2*time.Second)
	pid := waitState(t, u, consts.UpstreamRunning).Pid

	assert.ErrorIs(t, m.start(u, stale), errRestartCancelled)
	assert.Equal(t, pid, u.Status().Pid)
}

func TestManager_TerminateEscalatesToKill(t *testing.T) {
	m := New(nil)
	spec := shellSpec(consts.RoleBackend, `trap "" TERM; echo armed; exec sleep 30`)
	spec.ReadyPattern = "armed"

	u, err := m.Launch(spec)
	require.NoError(t, err)
	waitState(t, u, consts.UpstreamRunning)

	start := time.Now()
	require.NoError(t, m.Terminate(context.Background(), u, 200*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	st := u.Status()
	assert.Equal(t, consts.UpstreamExited, st.State)
	assert.False(t, st.Crashed)
}

func TestManager_LaunchTwiceWhileAlive(t *testing.T) {
	m := New(nil)
	spec := shellSpec(consts.RoleBackend, "sleep 30")
	_, err := m.Launch(spec)
	require.NoError(t, err)
	defer m.TerminateAll(context.Background(), 2*time.Second)

	_, err = m.Launch(spec)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestManager_RelaunchAfterExit(t *testing.T) {
	m := New(nil)
	u, err := m.Launch(shellSpec(consts.RoleBackend, "sleep 0.3; exit 1"))
	require.NoError(t, err)
	waitState(t, u, consts.UpstreamRunning)
	waitState(t, u, consts.UpstreamExited)

	again, err := m.Launch(shellSpec(consts.RoleBackend, "sleep 30"))
	require.NoError(t, err)
	assert.Same(t, u, again)
	st := waitState(t, again, consts.UpstreamRunning)
	assert.False(t, st.Crashed)
	m.TerminateAll(context.Background(), 2*time.Second)
}

func TestManager_SnapshotAndGet(t *testing.T) {
	m := New(nil)
	_, err := m.Launch(shellSpec(consts.RoleFrontend, "sleep 30"))
	require.NoError(t, err)
	_, err = m.Launch(shellSpec(consts.RoleBackend, "sleep 30"))
	require.NoError(t, err)
	defer m.TerminateAll(context.Background(), 2*time.Second)

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, consts.RoleBackend, snap[0].Role)
	assert.Equal(t, consts.RoleFrontend, snap[1].Role)

	u, err := m.Get(consts.RoleFrontend)
	require.NoError(t, err)
	assert.Equal(t, consts.RoleFrontend, u.Role())

	_, err = m.Get("worker")
	assert.ErrorIs(t, err, ErrUnknownUpstream)
}

func TestMergeEnv(t *testing.T) {
	env := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"C": "3", "B": "9"})
	assert.Equal(t, []string{"A=1", "B=2", "B=9", "C=3"}, env)
}

func TestLineSink_OverlongLineKeepsScanning(t *testing.T) {
	var logs bytes.Buffer
	var lines []string
	sink := newLineSink(logger.New(&logs, "info", "json"), false, func(line string) {
		lines = append(lines, line)
	})

	_, err := sink.Write([]byte(strings.Repeat("x", maxLineSize+4096) + "\nserver ready\r\ntail"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	require.Len(t, lines, 3)
	assert.Len(t, lines[0], maxLineSize)
	assert.Equal(t, "server ready", lines[1])
	assert.Equal(t, "tail", lines[2])
	assert.Contains(t, logs.String(), "output line truncated")
}

func TestManager_ReadyPatternAfterOverlongLine(t *testing.T) {
	m := New(nil)
	spec := shellSpec(consts.RoleBackend, `head -c 1100000 /dev/zero | tr '\0' x; echo; echo listening; exec sleep 30`)
	spec.ReadyPattern = "^listening$"
	u, err := m.Launch(spec)
	require.NoError(t, err)
	defer m.TerminateAll(context.Background(), 2*time.Second)

	waitState(t, u, consts.UpstreamRunning)
}
