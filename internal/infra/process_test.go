package infra

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/chaosmon/internal/domain"
)

// startSleeper spawns a detached sleep and reaps it in the background.
func startSleeper(t *testing.T) (*exec.Cmd, <-chan struct{}) {
	t.Helper()
	cmd, err := StartDetached(domain.DaemonSpec{Name: "sleeper", Command: "sleep", Args: []string{"60"}}, nil, nil)
	require.NoError(t, err)

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	t.Cleanup(func() {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-exited
	})
	return cmd, exited
}

func waitExit(t *testing.T, exited <-chan struct{}) {
	t.Helper()
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestSysSignal(t *testing.T) {
	tests := []struct {
		kind domain.SignalKind
		want syscall.Signal
	}{
		{domain.SignalTerminate, syscall.SIGTERM},
		{domain.SignalKill, syscall.SIGKILL},
		{domain.SignalInterrupt, syscall.SIGINT},
		{domain.SignalHangup, syscall.SIGHUP},
		{domain.SignalQuit, syscall.SIGQUIT},
		{domain.SignalStop, syscall.SIGSTOP},
		{domain.SignalContinue, syscall.SIGCONT},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			got, err := SysSignal(tt.kind)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := SysSignal("usr9")
	assert.Error(t, err)
}

func TestStartDetached_NewSession(t *testing.T) {
	cmd, _ := startSleeper(t)
	pid := cmd.Process.Pid

	pgid, err := syscall.Getpgid(pid)
	require.NoError(t, err)
	assert.Equal(t, pid, pgid, "daemon should lead its own process group")

	sid, err := syscall.Getsid(pid)
	require.NoError(t, err)
	assert.Equal(t, pid, sid)
}

func TestStartDetached_SpawnError(t *testing.T) {
	_, err := StartDetached(domain.DaemonSpec{Name: "ghost", Command: "/nonexistent/chaosmon-binary"}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSpawn)

	var spawnErr *domain.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "ghost", spawnErr.Name)
}

func TestStartDetached_EnvDirAndOutput(t *testing.T) {
	dir := t.TempDir()
	out, err := os.Create(filepath.Join(dir, "out.log"))
	require.NoError(t, err)
	defer out.Close()

	cmd, err := StartDetached(domain.DaemonSpec{
		Name:    "printer",
		Command: "sh",
		Args:    []string{"-c", "echo $CHAOSMON_TEST_VAR; pwd"},
		Env:     []string{"CHAOSMON_TEST_VAR=hello"},
		Dir:     dir,
	}, out, out)
	require.NoError(t, err)
	require.NoError(t, cmd.Wait())

	data, err := os.ReadFile(out.Name())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "hello", lines[0])

	// Temp dirs may sit behind a symlink
	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(lines[1])
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestProcessManager_SignalTerminates(t *testing.T) {
	pm := NewProcessManager()
	cmd, exited := startSleeper(t)
	pid := cmd.Process.Pid

	assert.True(t, pm.IsRunning(pid))
	require.NoError(t, pm.Signal(pid, domain.SignalTerminate))
	waitExit(t, exited)

	assert.False(t, pm.IsRunning(pid))
	assert.ErrorIs(t, pm.Signal(pid, domain.SignalTerminate), domain.ErrProcessGone)
}

func TestProcessManager_SignalInvalidPID(t *testing.T) {
	pm := NewProcessManager()
	assert.ErrorIs(t, pm.Signal(0, domain.SignalKill), domain.ErrProcessGone)
	assert.ErrorIs(t, pm.Signal(-5, domain.SignalKill), domain.ErrProcessGone)
}

func TestProcessManager_StopAndContinue(t *testing.T) {
	pm := NewProcessManager()
	cmd, _ := startSleeper(t)
	pid := cmd.Process.Pid

	require.NoError(t, pm.Signal(pid, domain.SignalStop))
	assert.Eventually(t, func() bool { return procState(pid) == "T" }, 2*time.Second, 10*time.Millisecond)
	// A stopped process is still running as far as liveness goes
	assert.True(t, pm.IsRunning(pid))

	require.NoError(t, pm.Signal(pid, domain.SignalContinue))
	assert.Eventually(t, func() bool { return procState(pid) == "S" }, 2*time.Second, 10*time.Millisecond)
}

func TestProcessManager_IsRunningIgnoresZombies(t *testing.T) {
	pm := NewProcessManager()

	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	t.Cleanup(func() { _ = cmd.Wait() })

	// Not reaped yet, so the entry lingers as a zombie
	assert.Eventually(t, func() bool { return !pm.IsRunning(pid) }, 5*time.Second, 20*time.Millisecond)
	assert.False(t, pm.IsRunning(0))
}

func TestProcessManager_CreateTime(t *testing.T) {
	pm := NewProcessManager()
	cmd, _ := startSleeper(t)

	ct, err := pm.CreateTime(cmd.Process.Pid)
	require.NoError(t, err)
	assert.InDelta(t, time.Now().UnixMilli(), ct, float64(time.Minute.Milliseconds()))

	again, err := pm.CreateTime(cmd.Process.Pid)
	require.NoError(t, err)
	assert.Equal(t, ct, again)
}

func TestProcessManager_KillTree(t *testing.T) {
	pm := NewProcessManager()

	// The grandchild escapes into its own session, outside the daemon's group
	pidFile := filepath.Join(t.TempDir(), "grandchild.pid")
	cmd, err := StartDetached(domain.DaemonSpec{
		Name:    "tree",
		Command: "sh",
		Args:    []string{"-c", "setsid sleep 60 & echo $! > " + pidFile + "; wait"},
	}, nil, nil)
	require.NoError(t, err)
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	var grandchild int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		grandchild, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil && pm.IsRunning(grandchild)
	}, 5*time.Second, 20*time.Millisecond)
	t.Cleanup(func() { _ = syscall.Kill(grandchild, syscall.SIGKILL) })

	require.NoError(t, pm.KillTree(cmd.Process.Pid))
	waitExit(t, exited)

	assert.Eventually(t, func() bool { return !pm.IsRunning(grandchild) }, 5*time.Second, 20*time.Millisecond)
	assert.NoError(t, pm.KillTree(cmd.Process.Pid), "killing a dead tree is a no-op")
	assert.NoError(t, pm.KillTree(0))
}

func TestProcessManager_KillGroup(t *testing.T) {
	pm := NewProcessManager()

	// Leader exits at once, leaving its worker in the group
	pidFile := filepath.Join(t.TempDir(), "worker.pid")
	cmd, err := StartDetached(domain.DaemonSpec{
		Name:    "wrapper",
		Command: "sh",
		Args:    []string{"-c", "sleep 60 & echo $! > " + pidFile},
	}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, cmd.Wait())
	pgid := cmd.Process.Pid

	var worker int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		worker, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	t.Cleanup(func() { _ = syscall.Kill(worker, syscall.SIGKILL) })

	require.True(t, pm.IsRunning(worker))
	require.NoError(t, pm.KillGroup(pgid))
	assert.Eventually(t, func() bool { return !pm.IsRunning(worker) }, 5*time.Second, 20*time.Millisecond)

	assert.ErrorIs(t, pm.KillGroup(0), domain.ErrProcessGone)
}

func TestProcessManager_GetCurrentPID(t *testing.T) {
	assert.Equal(t, os.Getpid(), NewProcessManager().GetCurrentPID())
}

// procState reads the one-letter scheduler state from /proc.
func procState(pid int) string {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return ""
	}
	// Format: pid (comm) state ...
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return ""
	}
	return s[i+2 : i+3]
}
