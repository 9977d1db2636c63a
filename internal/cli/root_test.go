package cli

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samiUK/hitchbuddy-connect-uk-sub002/internal/control"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/internal/readiness"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/consts"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile, socketPath, drainPID = "hitchgate.yaml", "", 0

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hitchgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestCommands(t *testing.T) {
	assert.Equal(t, "hitchgate", rootCmd.Name())

	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "routes", "status", "drain"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestRoutes(t *testing.T) {
	path := writeConfig(t, `
proxy:
  api_prefix: /api
  frontend_url: http://127.0.0.1:5173
`)
	out, err := execute(t, "routes", "--config", path)
	require.NoError(t, err)

	assert.Contains(t, out, "/health")
	assert.Contains(t, out, "/api")
	assert.Contains(t, out, "backend-proxy")
	assert.Contains(t, out, "frontend-proxy")
}

func TestRoutes_InvalidConfig(t *testing.T) {
	path := writeConfig(t, "proxy:\n  api_prefix: api\n")
	_, err := execute(t, "routes", "--config", path)
	assert.Error(t, err)
}

func TestRoutes_MissingExplicitConfig(t *testing.T) {
	_, err := execute(t, "routes", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

type stubHandler struct{}

func (stubHandler) Status() (consts.Phase, []readiness.UpstreamStatus) {
	return consts.PhaseReady, []readiness.UpstreamStatus{{Role: consts.RoleBackend, State: consts.UpstreamRunning, Required: true}}
}

func (stubHandler) Drain(string) {}

func startControl(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hg.sock")
	s := control.NewServer(path, stubHandler{})
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Close() })
	return path
}

func TestStatus(t *testing.T) {
	path := startControl(t)
	out, err := execute(t, "status", "--socket", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"phase": "READY"`)
	assert.Contains(t, out, `"role": "backend"`)
}

func TestStatus_SocketFromConfig(t *testing.T) {
	path := startControl(t)
	cfg := writeConfig(t, "control:\n  socket_path: "+path+"\n")
	out, err := execute(t, "status", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "READY")
}

func TestStatus_NoSocketConfigured(t *testing.T) {
	cfg := writeConfig(t, "server:\n  port: 5000\n")
	_, err := execute(t, "status", "--config", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no control socket")
}

func TestDrain_ControlSocket(t *testing.T) {
	path := startControl(t)
	out, err := execute(t, "drain", "--socket", path)
	require.NoError(t, err)
	assert.Contains(t, out, "drain started")
}

func TestDrain_PID(t *testing.T) {
	child := exec.Command("sleep", "30")
	require.NoError(t, child.Start())
	t.Cleanup(func() { child.Process.Kill() })

	out, err := execute(t, "drain", "--pid", strconv.Itoa(child.Process.Pid))
	require.NoError(t, err)
	assert.Contains(t, out, consts.DrainSignal)

	err = child.Wait()
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr))
	status := exitErr.Sys().(syscall.WaitStatus)
	assert.True(t, status.Signaled())
	assert.Equal(t, syscall.SIGUSR2, status.Signal())
}
