package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/chaosmon/internal/domain"
)

func TestRecordFault_SplitsAffectedAndSkipped(t *testing.T) {
	rec := domain.FaultRecord{
		Fault:    "metrics-test-kill",
		Kind:     domain.FaultKill,
		Targets:  []string{"a", "b"},
		Affected: []string{"a"},
	}

	RecordFault(rec)
	RecordFault(rec)

	assert.Equal(t, 2.0, testutil.ToFloat64(faultsInjected.WithLabelValues("metrics-test-kill", "kill")))
	assert.Equal(t, 2.0, testutil.ToFloat64(targetsAffected.WithLabelValues("metrics-test-kill", "a")))
	assert.Equal(t, 2.0, testutil.ToFloat64(targetsSkipped.WithLabelValues("metrics-test-kill", "b")))
	assert.Equal(t, 0.0, testutil.ToFloat64(targetsSkipped.WithLabelValues("metrics-test-kill", "a")))
}

func TestRecordDaemonLifecycle(t *testing.T) {
	before := testutil.ToFloat64(daemonsAlive)

	info := domain.DaemonInfo{Name: "metrics-test-daemon", State: domain.StateRunning}
	RecordDaemonStarted(info)
	assert.Equal(t, before+1, testutil.ToFloat64(daemonsAlive))

	info.State = domain.StateStopped
	RecordDaemonExited(info)
	assert.Equal(t, before, testutil.ToFloat64(daemonsAlive))
	assert.Equal(t, 1.0, testutil.ToFloat64(daemonExits.WithLabelValues("metrics-test-daemon", "stopped")))
}

func TestRecordTriggerFire(t *testing.T) {
	RecordTriggerFire("metrics-test-trigger")
	assert.Equal(t, 1.0, testutil.ToFloat64(triggerFires.WithLabelValues("metrics-test-trigger")))
}

func TestServe_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", zap.NewNop()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
