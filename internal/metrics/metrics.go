// Package metrics exposes chaos run counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/chaosmon/internal/domain"
)

var (
	// faultsInjected counts fault invocations by fault name and kind
	faultsInjected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chaosmon_faults_injected_total",
		Help: "Fault invocations by fault and kind",
	}, []string{"fault", "kind"})

	// targetsAffected counts daemons that actually received a fault
	targetsAffected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chaosmon_fault_targets_affected_total",
		Help: "Daemons with a live process that received a fault",
	}, []string{"fault", "daemon"})

	// targetsSkipped counts targets that had no live process at delivery time
	targetsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chaosmon_fault_targets_skipped_total",
		Help: "Fault targets skipped because the daemon was not alive",
	}, []string{"fault", "daemon"})

	// triggerFires counts trigger cycles
	triggerFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chaosmon_trigger_fires_total",
		Help: "Trigger invocations by trigger",
	}, []string{"trigger"})

	// daemonStarts counts spawned daemon processes
	daemonStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chaosmon_daemon_starts_total",
		Help: "Daemon process spawns by daemon",
	}, []string{"daemon"})

	// daemonExits counts reaped daemon processes by final state
	daemonExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chaosmon_daemon_exits_total",
		Help: "Daemon process exits by daemon and resulting state",
	}, []string{"daemon", "state"})

	// daemonsAlive tracks daemons with a live process
	daemonsAlive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chaosmon_daemons_alive",
		Help: "Daemons currently running or paused",
	})
)

// RecordFault counts one fault invocation and its per-target outcome.
func RecordFault(rec domain.FaultRecord) {
	faultsInjected.WithLabelValues(rec.Fault, string(rec.Kind)).Inc()

	affected := make(map[string]bool, len(rec.Affected))
	for _, name := range rec.Affected {
		affected[name] = true
		targetsAffected.WithLabelValues(rec.Fault, name).Inc()
	}
	for _, name := range rec.Targets {
		if !affected[name] {
			targetsSkipped.WithLabelValues(rec.Fault, name).Inc()
		}
	}
}

// RecordTriggerFire counts one trigger cycle.
func RecordTriggerFire(trigger string) {
	triggerFires.WithLabelValues(trigger).Inc()
}

// RecordDaemonStarted counts a spawn.
func RecordDaemonStarted(info domain.DaemonInfo) {
	daemonStarts.WithLabelValues(info.Name).Inc()
	daemonsAlive.Inc()
}

// RecordDaemonExited counts an exit.
func RecordDaemonExited(info domain.DaemonInfo) {
	daemonExits.WithLabelValues(info.Name, info.State.String()).Inc()
	daemonsAlive.Dec()
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listener started", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics listener shutdown failed", zap.Error(err))
		}
		return nil
	}
}
