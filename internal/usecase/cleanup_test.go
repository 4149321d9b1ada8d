package usecase

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/chaosmon/internal/domain"
	"github.com/eliteGoblin/focusd/chaosmon/internal/infra"
)

// mockProcessManager is a test double for ProcessManager
type mockProcessManager struct {
	runningPIDs map[int]bool
	createTimes map[int]int64
	killedPIDs  []int
	killErr     error
}

func newMockProcessManager() *mockProcessManager {
	return &mockProcessManager{
		runningPIDs: make(map[int]bool),
		createTimes: make(map[int]int64),
	}
}

func (m *mockProcessManager) Signal(pid int, sig domain.SignalKind) error {
	if !m.runningPIDs[pid] {
		return domain.ErrProcessGone
	}
	return nil
}

func (m *mockProcessManager) IsRunning(pid int) bool {
	return m.runningPIDs[pid]
}

func (m *mockProcessManager) CreateTime(pid int) (int64, error) {
	ct, ok := m.createTimes[pid]
	if !ok {
		return 0, domain.ErrProcessGone
	}
	return ct, nil
}

func (m *mockProcessManager) KillTree(pid int) error {
	if m.killErr != nil {
		return m.killErr
	}
	m.killedPIDs = append(m.killedPIDs, pid)
	delete(m.runningPIDs, pid)
	return nil
}

func (m *mockProcessManager) KillGroup(pgid int) error {
	return domain.ErrProcessGone
}

func (m *mockProcessManager) GetCurrentPID() int {
	return os.Getpid()
}

func (m *mockProcessManager) SetRunning(pid int, createTime int64) {
	m.runningPIDs[pid] = true
	m.createTimes[pid] = createTime
}

func saveState(t *testing.T, registry domain.RunRegistry, controller int, daemons map[string]domain.TrackedProcess) {
	t.Helper()
	require.NoError(t, registry.Save(domain.RunState{
		RunID:         "run-1",
		Profile:       "p",
		ControllerPID: controller,
		Daemons:       daemons,
	}))
}

func TestInspect_NoState(t *testing.T) {
	report, err := Inspect(infra.NewFileRegistry(t.TempDir()), newMockProcessManager())
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestInspect_ClassifiesDaemons(t *testing.T) {
	registry := infra.NewFileRegistry(t.TempDir())
	pm := newMockProcessManager()
	pm.SetRunning(100, 1)
	pm.SetRunning(200, 999) // PID reused by another process
	pm.SetRunning(7, 0)     // controller

	saveState(t, registry, 7, map[string]domain.TrackedProcess{
		"alive":  {PID: 100, CreateTime: 1},
		"reused": {PID: 200, CreateTime: 2},
		"dead":   {PID: 300, CreateTime: 3},
	})

	report, err := Inspect(registry, pm)
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.True(t, report.ControllerAlive)
	require.Len(t, report.Daemons, 3)
	// Sorted by name
	assert.Equal(t, TrackedStatus{Name: "alive", PID: 100, Alive: true}, report.Daemons[0])
	assert.Equal(t, TrackedStatus{Name: "dead", PID: 300}, report.Daemons[1])
	assert.Equal(t, TrackedStatus{Name: "reused", PID: 200, Reused: true}, report.Daemons[2])
}

func TestCleanup_KillsLeftoversAndClearsState(t *testing.T) {
	registry := infra.NewFileRegistry(t.TempDir())
	pm := newMockProcessManager()
	pm.SetRunning(100, 1)

	saveState(t, registry, 424242, map[string]domain.TrackedProcess{
		"a": {PID: 100, CreateTime: 1},
		"b": {PID: 300, CreateTime: 3},
	})

	report, err := Cleanup(registry, pm, false, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, report.ControllerAlive)
	assert.Equal(t, []int{100}, pm.killedPIDs)
	assert.True(t, report.Daemons[0].Killed)

	state, err := registry.Load()
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestCleanup_RefusesLiveControllerUnlessForced(t *testing.T) {
	registry := infra.NewFileRegistry(t.TempDir())
	pm := newMockProcessManager()
	pm.SetRunning(7, 0)
	pm.SetRunning(100, 1)

	saveState(t, registry, 7, map[string]domain.TrackedProcess{"a": {PID: 100, CreateTime: 1}})

	_, err := Cleanup(registry, pm, false, zap.NewNop())
	require.Error(t, err)
	assert.Empty(t, pm.killedPIDs)

	_, err = Cleanup(registry, pm, true, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []int{100}, pm.killedPIDs)
}

func TestCleanup_OwnPIDIsNotALiveController(t *testing.T) {
	registry := infra.NewFileRegistry(t.TempDir())
	pm := newMockProcessManager()
	pm.SetRunning(os.Getpid(), 0)

	saveState(t, registry, os.Getpid(), nil)

	_, err := Cleanup(registry, pm, false, zap.NewNop())
	assert.NoError(t, err)
}

func TestCleanup_KillFailureIsReported(t *testing.T) {
	registry := infra.NewFileRegistry(t.TempDir())
	pm := newMockProcessManager()
	pm.SetRunning(100, 1)
	pm.killErr = errors.New("operation not permitted")

	saveState(t, registry, 424242, map[string]domain.TrackedProcess{"a": {PID: 100, CreateTime: 1}})

	report, err := Cleanup(registry, pm, false, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, report.Daemons[0].Killed)
	assert.Error(t, report.Daemons[0].KillErr)
}
