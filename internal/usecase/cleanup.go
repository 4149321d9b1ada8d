package usecase

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/chaosmon/internal/domain"
)

// TrackedStatus is the liveness of one daemon recorded in the run state.
type TrackedStatus struct {
	Name    string
	PID     int
	Alive   bool
	Reused  bool // PID is alive but belongs to a different process
	Killed  bool
	KillErr error
}

// RunReport describes the run state file and its daemons.
type RunReport struct {
	State           *domain.RunState
	ControllerAlive bool
	Daemons         []TrackedStatus
}

// Inspect loads the run state and checks every tracked PID against the OS.
// Returns a nil report when no run state exists.
func Inspect(registry domain.RunRegistry, pm domain.ProcessManager) (*RunReport, error) {
	state, err := registry.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load run state: %w", err)
	}
	if state == nil {
		return nil, nil
	}

	report := &RunReport{
		State:           state,
		ControllerAlive: state.ControllerPID != pm.GetCurrentPID() && pm.IsRunning(state.ControllerPID),
	}

	names := make([]string, 0, len(state.Daemons))
	for name := range state.Daemons {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		tp := state.Daemons[name]
		st := TrackedStatus{Name: name, PID: tp.PID}
		if tp.PID > 0 && pm.IsRunning(tp.PID) {
			st.Alive = true
			if tp.CreateTime != 0 {
				if ct, err := pm.CreateTime(tp.PID); err == nil && ct != tp.CreateTime {
					st.Alive = false
					st.Reused = true
				}
			}
		}
		report.Daemons = append(report.Daemons, st)
	}
	return report, nil
}

// Cleanup kills daemons left behind by a controller that died without
// shutting down, then clears the run state. A live controller is left alone
// unless force is set.
func Cleanup(registry domain.RunRegistry, pm domain.ProcessManager, force bool, logger *zap.Logger) (*RunReport, error) {
	report, err := Inspect(registry, pm)
	if err != nil || report == nil {
		return report, err
	}

	if report.ControllerAlive && !force {
		return report, fmt.Errorf("controller pid %d of run %s is still running (use --force to kill its daemons anyway)",
			report.State.ControllerPID, report.State.RunID)
	}

	for i := range report.Daemons {
		st := &report.Daemons[i]
		if !st.Alive {
			continue
		}
		if err := pm.KillTree(st.PID); err != nil {
			st.KillErr = err
			logger.Warn("failed to kill leftover daemon",
				zap.String("daemon", st.Name),
				zap.Int("pid", st.PID),
				zap.Error(err))
			continue
		}
		st.Killed = true
		logger.Info("killed leftover daemon",
			zap.String("daemon", st.Name),
			zap.Int("pid", st.PID),
			zap.String("run_id", report.State.RunID))
	}

	if err := registry.Clear(); err != nil {
		return report, fmt.Errorf("failed to clear run state: %w", err)
	}
	return report, nil
}
