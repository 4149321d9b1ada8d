// Package infra implements infrastructure concerns (process, spawn, journal, run state).
package infra

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/focusd/chaosmon/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{}
}

// SysSignal maps a SignalKind to the platform signal.
func SysSignal(sig domain.SignalKind) (syscall.Signal, error) {
	switch sig {
	case domain.SignalTerminate:
		return syscall.SIGTERM, nil
	case domain.SignalKill:
		return syscall.SIGKILL, nil
	case domain.SignalInterrupt:
		return syscall.SIGINT, nil
	case domain.SignalHangup:
		return syscall.SIGHUP, nil
	case domain.SignalQuit:
		return syscall.SIGQUIT, nil
	case domain.SignalStop:
		return syscall.SIGSTOP, nil
	case domain.SignalContinue:
		return syscall.SIGCONT, nil
	default:
		return 0, fmt.Errorf("unsupported signal: %q", sig)
	}
}

// Signal delivers sig to the process group led by pid.
// Daemons are spawned as session leaders, so pid is also their pgid.
func (pm *ProcessManagerImpl) Signal(pid int, sig domain.SignalKind) error {
	if pid <= 0 {
		return domain.ErrProcessGone
	}
	s, err := SysSignal(sig)
	if err != nil {
		return err
	}

	err = syscall.Kill(-pid, s)
	if errors.Is(err, syscall.ESRCH) {
		// Group gone; the leader may still be around if it changed its own pgid
		err = syscall.Kill(pid, s)
	}
	if errors.Is(err, syscall.ESRCH) {
		return domain.ErrProcessGone
	}
	return err
}

// IsRunning checks if a PID exists and is not a zombie.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}

	// Send signal 0 to check if process exists
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}

	// An exited child stays in the table until reaped
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		return true
	}
	for _, s := range status {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

// CreateTime returns the process create time in ms since epoch.
func (pm *ProcessManagerImpl) CreateTime(pid int) (int64, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	return p.CreateTime()
}

// KillTree terminates a process group with SIGKILL, then any descendants
// that moved to a different group.
func (pm *ProcessManagerImpl) KillTree(pid int) error {
	if pid <= 0 {
		return nil
	}

	// Collect descendants first; they get reparented once the leader dies
	var descendants []*process.Process
	if p, err := process.NewProcess(int32(pid)); err == nil {
		descendants = collectDescendants(p)
	}

	var lastErr error
	if err := pm.Signal(pid, domain.SignalKill); err != nil && !errors.Is(err, domain.ErrProcessGone) {
		lastErr = err
	}

	for _, d := range descendants {
		if err := d.Kill(); err != nil && !errors.Is(err, syscall.ESRCH) && !errors.Is(err, process.ErrorProcessNotRunning) {
			lastErr = err
		}
	}

	return lastErr
}

// KillGroup sends SIGKILL to every member of process group pgid.
// Unlike Signal it never falls back to the bare PID, which may have been reused.
func (pm *ProcessManagerImpl) KillGroup(pgid int) error {
	if pgid <= 0 {
		return domain.ErrProcessGone
	}
	err := syscall.Kill(-pgid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return domain.ErrProcessGone
	}
	return err
}

// collectDescendants walks the child tree depth-first.
func collectDescendants(p *process.Process) []*process.Process {
	children, err := p.Children()
	if err != nil {
		return nil
	}
	out := make([]*process.Process, 0, len(children))
	for _, c := range children {
		out = append(out, c)
		out = append(out, collectDescendants(c)...)
	}
	return out
}

// GetCurrentPID returns the current process PID.
func (pm *ProcessManagerImpl) GetCurrentPID() int {
	return os.Getpid()
}

// Ensure ProcessManagerImpl implements domain.ProcessManager.
var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)
