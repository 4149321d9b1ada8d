package infra

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/eliteGoblin/focusd/chaosmon/internal/domain"
)

// StartDetached spawns a daemon in its own session.
// The new session makes the daemon a process group leader (pgid == pid) and
// keeps terminal signals aimed at the controller away from it.
// The caller owns the returned command and must Wait on it to reap the child.
func StartDetached(spec domain.DaemonSpec, stdout, stderr *os.File) (*exec.Cmd, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session (detach from terminal)
	}

	// No stdin - daemons never read from the controller
	cmd.Stdin = nil
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, &domain.SpawnError{Name: spec.Name, Err: err}
	}
	return cmd, nil
}
