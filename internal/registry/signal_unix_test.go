//go:build !windows

package registry_test

import (
	"errors"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/courtyard-app/courtyard/internal/registry"
	"github.com/stretchr/testify/require"
)

func TestProcessSignalerGroup(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("sh not available: %v", err)
	}

	// the wrapper shell and its sleeping child share a new process group
	cmd := exec.Command(sh, "-c", "sleep 30 & wait")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())

	r := registry.New()
	tok := r.Register("job", cmd.Process.Pid, cmd.Process.Pid)
	require.NoError(t, r.Cancel("job"))
	require.True(t, r.StopRequested(tok))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		var exitErr *exec.ExitError
		require.True(t, errors.As(err, &exitErr))
		ws, ok := exitErr.Sys().(syscall.WaitStatus)
		require.True(t, ok)
		require.True(t, ws.Signaled())
		require.Equal(t, syscall.SIGTERM, ws.Signal())
	case <-time.After(10 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatal("process did not stop")
	}
	r.Deregister(tok)
}

func TestProcessSignalerInvalidPID(t *testing.T) {
	t.Parallel()
	require.Error(t, registry.ProcessSignaler{}.Terminate(0, 0))
}
