// Package supervisor owns the table of daemon processes under test.
// It is the only component that spawns or signals OS processes.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/chaosmon/internal/domain"
	"github.com/eliteGoblin/focusd/chaosmon/internal/infra"
)

// Observer is notified of daemon lifecycle changes.
// Callbacks run outside the supervisor lock and may call back into it.
type Observer interface {
	DaemonStarted(info domain.DaemonInfo)
	DaemonExited(info domain.DaemonInfo)
}

// Config holds supervisor tuning.
type Config struct {
	StatusGrace time.Duration // How long Status waits for the reaper of an exited process
	KillWait    time.Duration // How long KillAll waits for killed daemons to be reaped
	LogDir      string        // Daemon stdout/stderr go to <LogDir>/<name>.log when set
}

// DefaultConfig returns default supervisor configuration.
func DefaultConfig() Config {
	return Config{
		StatusGrace: 200 * time.Millisecond,
		KillWait:    5 * time.Second,
	}
}

// daemon is one row of the process table. Guarded by Supervisor.mu.
type daemon struct {
	spec       domain.DaemonSpec
	cmd        *exec.Cmd
	pid        int
	createTime int64
	state      domain.DaemonState
	gen        int // Incremented on every spawn; stale reapers and timers compare against it
	starts     int
	startedAt  time.Time
	exitedAt   time.Time
	exitCode   int
	exited     chan struct{} // Closed when the current generation has been reaped
	resume     *time.Timer
	logFile    *os.File
	groups     []int // Process groups of spawned generations that may still have members
}

func (d *daemon) info() domain.DaemonInfo {
	restarts := 0
	if d.starts > 1 {
		restarts = d.starts - 1
	}
	return domain.DaemonInfo{
		Name:       d.spec.Name,
		PID:        d.pid,
		State:      d.state,
		CreateTime: d.createTime,
		StartedAt:  d.startedAt,
		ExitedAt:   d.exitedAt,
		ExitCode:   d.exitCode,
		Restarts:   restarts,
	}
}

func (d *daemon) cancelResume() {
	if d.resume != nil {
		d.resume.Stop()
		d.resume = nil
	}
}

// Supervisor starts, signals, and tracks named daemons.
type Supervisor struct {
	config   Config
	pm       domain.ProcessManager
	logger   *zap.Logger
	observer Observer

	mu      sync.Mutex
	daemons map[string]*daemon
	order   []string
}

// New creates an empty supervisor.
func New(config Config, pm domain.ProcessManager, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		config:  config,
		pm:      pm,
		logger:  logger,
		daemons: make(map[string]*daemon),
	}
}

// SetObserver installs the lifecycle observer. Call before starting daemons.
func (s *Supervisor) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// Register records a start command under a unique name.
func (s *Supervisor) Register(spec domain.DaemonSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("daemon name must not be empty")
	}
	if spec.Command == "" {
		return fmt.Errorf("daemon %q: command must not be empty", spec.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.daemons[spec.Name]; exists {
		return &domain.DuplicateNameError{Name: spec.Name}
	}
	s.daemons[spec.Name] = &daemon{spec: spec, state: domain.StateNotStarted}
	s.order = append(s.order, spec.Name)
	return nil
}

// Names returns registered daemon names in registration order.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Start spawns the registered command of name as a detached process.
// Starting a daemon that is already alive is a no-op.
func (s *Supervisor) Start(name string) error {
	s.mu.Lock()
	d, ok := s.daemons[name]
	if !ok {
		s.mu.Unlock()
		return &domain.UnknownDaemonError{Name: name}
	}
	if d.state.Alive() {
		s.mu.Unlock()
		return nil
	}

	logFile, err := s.openLog(name)
	if err != nil {
		s.mu.Unlock()
		return &domain.SpawnError{Name: name, Err: err}
	}

	cmd, err := infra.StartDetached(d.spec, logFile, logFile)
	if err != nil {
		if logFile != nil {
			logFile.Close()
		}
		d.state = domain.StateFailed
		s.mu.Unlock()
		return err
	}

	if d.logFile != nil {
		// Previous generation was marked stopped before its reaper ran
		d.logFile.Close()
	}
	d.gen++
	d.starts++
	d.cmd = cmd
	d.pid = cmd.Process.Pid
	d.groups = append(d.groups, d.pid) // Setsid: pgid == pid
	d.state = domain.StateRunning
	d.startedAt = time.Now()
	d.exitedAt = time.Time{}
	d.exitCode = 0
	d.exited = make(chan struct{})
	d.logFile = logFile
	if ct, err := s.pm.CreateTime(d.pid); err == nil {
		d.createTime = ct
	}

	go s.reap(d, cmd, d.gen, d.exited)

	info := d.info()
	obs := s.observer
	s.mu.Unlock()

	s.logger.Info("daemon started",
		zap.String("daemon", name),
		zap.Int("pid", info.PID),
		zap.String("command", d.spec.Command))
	if obs != nil {
		obs.DaemonStarted(info)
	}
	return nil
}

func (s *Supervisor) openLog(name string) (*os.File, error) {
	if s.config.LogDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(s.config.LogDir, 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(s.config.LogDir, name+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// reap waits for one spawned generation to exit and records the outcome.
func (s *Supervisor) reap(d *daemon, cmd *exec.Cmd, gen int, exited chan struct{}) {
	waitErr := cmd.Wait()
	defer close(exited)

	state, code, how := classifyExit(cmd, waitErr)

	s.mu.Lock()
	if d.gen != gen {
		s.mu.Unlock()
		return
	}
	d.state = state
	d.exitCode = code
	d.exitedAt = time.Now()
	d.pid = 0
	d.cmd = nil
	d.cancelResume()
	if d.logFile != nil {
		d.logFile.Close()
		d.logFile = nil
	}
	info := d.info()
	obs := s.observer
	s.mu.Unlock()

	s.logger.Info("daemon exited",
		zap.String("daemon", info.Name),
		zap.String("state", state.String()),
		zap.String("how", how),
		zap.Int("exit_code", code))
	if obs != nil {
		obs.DaemonExited(info)
	}
}

// classifyExit maps a wait result to a lifecycle state.
// Death by signal counts as Stopped; a nonzero exit code counts as Failed.
func classifyExit(cmd *exec.Cmd, waitErr error) (domain.DaemonState, int, string) {
	ps := cmd.ProcessState
	if ps == nil {
		return domain.StateFailed, -1, fmt.Sprintf("wait failed: %v", waitErr)
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return domain.StateStopped, -1, "signal " + ws.Signal().String()
	}
	code := ps.ExitCode()
	if code != 0 {
		return domain.StateFailed, code, "exit"
	}
	return domain.StateStopped, 0, "exit"
}

// Signal delivers sig to every named daemon that has a live process.
// Unknown names and daemons that already exited are skipped silently.
// Returns the names actually signalled; the error joins real delivery failures.
func (s *Supervisor) Signal(names []string, sig domain.SignalKind) ([]string, error) {
	var (
		affected []string
		errs     []error
	)
	for _, name := range names {
		ok, err := s.signalOne(name, sig)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			affected = append(affected, name)
		}
	}
	return affected, errors.Join(errs...)
}

func (s *Supervisor) signalOne(name string, sig domain.SignalKind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.daemons[name]
	if !ok || !d.state.Alive() {
		s.logger.Debug("signal target not running", zap.String("daemon", name))
		return false, nil
	}

	if err := s.pm.Signal(d.pid, sig); err != nil {
		if errors.Is(err, domain.ErrProcessGone) {
			return false, nil
		}
		return false, fmt.Errorf("signal %s to %q: %w", sig, name, err)
	}

	switch {
	case sig == domain.SignalStop:
		d.state = domain.StatePaused
	case sig == domain.SignalContinue:
		d.cancelResume()
		d.state = domain.StateRunning
	case d.state == domain.StatePaused && sig.Terminating():
		// A stopped process only acts on the pending signal once continued
		d.cancelResume()
		if err := s.pm.Signal(d.pid, domain.SignalContinue); err != nil && !errors.Is(err, domain.ErrProcessGone) {
			return true, fmt.Errorf("continue %q after %s: %w", name, sig, err)
		}
		d.state = domain.StateRunning
	}
	return true, nil
}

// Pause suspends every named running daemon and schedules its resume after d.
// It returns immediately; resumes happen on their own timers.
func (s *Supervisor) Pause(names []string, d time.Duration) ([]string, error) {
	var (
		affected []string
		errs     []error
	)
	for _, name := range names {
		ok, err := s.pauseOne(name, d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			affected = append(affected, name)
		}
	}
	return affected, errors.Join(errs...)
}

func (s *Supervisor) pauseOne(name string, dur time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.daemons[name]
	if !ok || d.state != domain.StateRunning {
		s.logger.Debug("pause target not running", zap.String("daemon", name))
		return false, nil
	}

	if err := s.pm.Signal(d.pid, domain.SignalStop); err != nil {
		if errors.Is(err, domain.ErrProcessGone) {
			return false, nil
		}
		return false, fmt.Errorf("pause %q: %w", name, err)
	}

	d.state = domain.StatePaused
	d.cancelResume()
	gen := d.gen
	d.resume = time.AfterFunc(dur, func() { s.resumeOne(name, gen) })
	return true, nil
}

func (s *Supervisor) resumeOne(name string, gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.daemons[name]
	if !ok || d.gen != gen || d.state != domain.StatePaused {
		return
	}
	d.resume = nil

	if err := s.pm.Signal(d.pid, domain.SignalContinue); err != nil && !errors.Is(err, domain.ErrProcessGone) {
		s.logger.Warn("failed to resume daemon", zap.String("daemon", name), zap.Error(err))
		return
	}
	d.state = domain.StateRunning
	s.logger.Info("daemon resumed", zap.String("daemon", name))
}

// Status returns the lifecycle state of name, reconciled against the OS.
// A process that has exited is never reported as running.
func (s *Supervisor) Status(name string) (domain.DaemonState, error) {
	info, err := s.Info(name)
	if err != nil {
		return domain.StateNotStarted, err
	}
	return info.State, nil
}

// Info returns a reconciled snapshot of one daemon.
func (s *Supervisor) Info(name string) (domain.DaemonInfo, error) {
	s.mu.Lock()
	d, ok := s.daemons[name]
	if !ok {
		s.mu.Unlock()
		return domain.DaemonInfo{}, &domain.UnknownDaemonError{Name: name}
	}
	s.reconcileLocked(d)
	info := d.info()
	s.mu.Unlock()
	return info, nil
}

// reconcileLocked gives the reaper a short grace period when the OS no longer
// has a live process, then marks the row stopped itself. Called with s.mu held;
// the lock is released while waiting.
func (s *Supervisor) reconcileLocked(d *daemon) {
	if !d.state.Alive() || s.pm.IsRunning(d.pid) {
		return
	}

	exited := d.exited
	s.mu.Unlock()
	select {
	case <-exited:
	case <-time.After(s.config.StatusGrace):
	}
	s.mu.Lock()

	if d.exited == exited && d.state.Alive() {
		d.state = domain.StateStopped
		d.exitedAt = time.Now()
		d.cancelResume()
	}
}

// Snapshot returns reconciled info for every daemon in registration order.
func (s *Supervisor) Snapshot() []domain.DaemonInfo {
	names := s.Names()
	infos := make([]domain.DaemonInfo, 0, len(names))
	for _, name := range names {
		if info, err := s.Info(name); err == nil {
			infos = append(infos, info)
		}
	}
	return infos
}

// KillAll force-kills every tracked process and waits briefly for each to be
// reaped. Process groups whose leader already exited are killed too, so
// workers left behind by a wrapper script do not outlive the run.
// Best effort: failures are logged, never returned. Safe to repeat.
func (s *Supervisor) KillAll() {
	type victim struct {
		name   string
		exited chan struct{}
	}

	s.mu.Lock()
	var victims []victim
	for _, name := range s.order {
		d := s.daemons[name]
		// Workers outlive their leader in its group; sweep those first
		s.sweepGroupsLocked(d)
		if !d.state.Alive() {
			continue
		}
		d.cancelResume()
		if err := s.pm.KillTree(d.pid); err != nil {
			s.logger.Warn("failed to kill daemon",
				zap.String("daemon", name),
				zap.Int("pid", d.pid),
				zap.Error(err))
		}
		victims = append(victims, victim{name: name, exited: d.exited})
	}
	s.mu.Unlock()

	if len(victims) == 0 {
		return
	}

	deadline := time.NewTimer(s.config.KillWait)
	defer deadline.Stop()
	for _, v := range victims {
		select {
		case <-v.exited:
		case <-deadline.C:
			s.logger.Warn("daemons not reaped before kill deadline",
				zap.String("first_pending", v.name),
				zap.Duration("waited", s.config.KillWait))
			return
		}
	}
	s.logger.Info("killed all daemons", zap.Int("count", len(victims)))
}

// sweepGroupsLocked kills what is left of the process groups of d whose
// leader is no longer tracked as alive. Groups found empty are forgotten.
func (s *Supervisor) sweepGroupsLocked(d *daemon) {
	kept := d.groups[:0]
	for _, pgid := range d.groups {
		if d.state.Alive() && pgid == d.pid {
			// The live generation goes through KillTree
			kept = append(kept, pgid)
			continue
		}
		err := s.pm.KillGroup(pgid)
		switch {
		case errors.Is(err, domain.ErrProcessGone):
			continue
		case err != nil:
			s.logger.Warn("failed to kill leftover process group",
				zap.String("daemon", d.spec.Name),
				zap.Int("pgid", pgid),
				zap.Error(err))
		default:
			s.logger.Info("killed leftover process group",
				zap.String("daemon", d.spec.Name),
				zap.Int("pgid", pgid))
		}
		kept = append(kept, pgid)
	}
	d.groups = kept
}

// Ensure Supervisor implements domain.Supervisor.
var _ domain.Supervisor = (*Supervisor)(nil)
