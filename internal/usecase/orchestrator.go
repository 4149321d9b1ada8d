// Package usecase contains application business logic.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/chaosmon/internal/domain"
	"github.com/eliteGoblin/focusd/chaosmon/internal/fault"
	"github.com/eliteGoblin/focusd/chaosmon/internal/metrics"
	"github.com/eliteGoblin/focusd/chaosmon/internal/profile"
	"github.com/eliteGoblin/focusd/chaosmon/internal/supervisor"
	"github.com/eliteGoblin/focusd/chaosmon/internal/trigger"
)

// DefaultJoinTimeout bounds how long shutdown waits for each trigger.
const DefaultJoinTimeout = 30 * time.Second

// OrchestratorConfig holds shutdown tuning.
type OrchestratorConfig struct {
	JoinTimeout time.Duration
}

// Orchestrator runs one profile: it owns the triggers, drives the
// supervisor, and tears everything down exactly once.
type Orchestrator struct {
	profile  *profile.Profile
	sup      *supervisor.Supervisor
	runner   domain.CommandRunner
	journal  domain.Journal
	registry domain.RunRegistry
	config   OrchestratorConfig
	logger   *zap.Logger

	runID    string
	triggers []*trigger.Periodic

	actionsCtx    context.Context
	cancelActions context.CancelFunc

	running      atomic.Bool
	stopOnce     sync.Once
	stopCh       chan struct{} // Closed when shutdown is requested
	shutdownOnce sync.Once
	shuttingDown atomic.Bool

	stateMu     sync.Mutex
	state       domain.RunState
	stateClosed bool
}

// NewOrchestrator validates p and wires its daemons, faults, and triggers.
// Every configuration error is returned here, before anything is spawned.
func NewOrchestrator(
	p *profile.Profile,
	sup *supervisor.Supervisor,
	runner domain.CommandRunner,
	journal domain.Journal,
	registry domain.RunRegistry,
	config OrchestratorConfig,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = DefaultJoinTimeout
	}

	runID := uuid.NewString()
	o := &Orchestrator{
		profile:  p,
		sup:      sup,
		runner:   runner,
		journal:  journal,
		registry: registry,
		config:   config,
		logger:   logger.With(zap.String("run_id", runID)),
		runID:    runID,
		stopCh:   make(chan struct{}),
		state: domain.RunState{
			RunID:         runID,
			Profile:       p.Name,
			ControllerPID: os.Getpid(),
			Daemons:       make(map[string]domain.TrackedProcess),
		},
	}
	o.actionsCtx, o.cancelActions = context.WithCancel(context.Background())

	for _, d := range p.Daemons {
		if err := sup.Register(d.Spec()); err != nil {
			return nil, err
		}
	}

	actions, err := o.buildFaults()
	if err != nil {
		return nil, err
	}
	if err := o.buildTriggers(actions); err != nil {
		return nil, err
	}

	sup.SetObserver(o)
	return o, nil
}

func (o *Orchestrator) buildFaults() (map[string]fault.Action, error) {
	actions := make(map[string]fault.Action, len(o.profile.Faults))
	for _, f := range o.profile.Faults {
		opts := []fault.Option{
			fault.WithName(f.Name),
			fault.WithLogger(o.logger),
			fault.WithObserver(o.faultInjected),
		}

		switch domain.FaultKind(f.Kind) {
		case domain.FaultKill:
			sig, err := f.SignalKind()
			if err != nil {
				return nil, fmt.Errorf("fault %q: %w", f.Name, err)
			}
			actions[f.Name] = fault.KillDaemons(o.sup, f.Targets, sig, f.Delay.D(), opts...)
		case domain.FaultPause:
			actions[f.Name] = fault.PauseDaemons(o.sup, f.Targets, f.Duration.D(), opts...)
		default:
			return nil, fmt.Errorf("%w: fault %q has unknown kind %q", domain.ErrInvalidProfile, f.Name, f.Kind)
		}
	}
	return actions, nil
}

func (o *Orchestrator) buildTriggers(actions map[string]fault.Action) error {
	for _, t := range o.profile.Triggers {
		choices := make([]fault.Weighted, 0, len(t.Faults))
		for _, wf := range t.Faults {
			choices = append(choices, fault.Weighted{Weight: wf.Weight, Action: actions[wf.Fault]})
		}

		sel, err := fault.PickFault(choices,
			fault.WithSelectorName(t.Name),
			fault.WithSelectorLogger(o.logger))
		if err != nil {
			return fmt.Errorf("trigger %q: %w", t.Name, err)
		}

		p, err := trigger.NewPeriodic(t.Name, t.Interval.D(), sel,
			trigger.WithLogger(o.logger),
			trigger.WithFireHook(metrics.RecordTriggerFire))
		if err != nil {
			return err
		}
		o.triggers = append(o.triggers, p)
	}
	return nil
}

// RunID returns the identifier stamped on journal rows and the state file.
func (o *Orchestrator) RunID() string { return o.runID }

// Triggers returns the wired triggers in profile order.
func (o *Orchestrator) Triggers() []*trigger.Periodic {
	return append([]*trigger.Periodic(nil), o.triggers...)
}

// Run starts the autostart daemons, runs setup commands, starts every
// trigger, then blocks until ctx ends, the profile duration elapses, or
// shutdown is requested. It always finishes with Shutdown.
// Setup failures are returned; an interrupt is a clean exit.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("orchestrator already ran")
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		select {
		case <-o.stopCh:
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	o.stateMu.Lock()
	o.state.StartedAt = time.Now().Unix()
	o.stateMu.Unlock()
	o.saveState()
	o.record(domain.Event{Kind: domain.EventRunStarted, Subject: o.profile.Name})

	o.logger.Info("chaos run starting",
		zap.String("profile", o.profile.Name),
		zap.Int("daemons", len(o.profile.Daemons)),
		zap.Int("triggers", len(o.triggers)),
		zap.Duration("duration", o.profile.Duration.D()))

	if err := o.setup(runCtx); err != nil {
		interrupted := runCtx.Err() != nil
		o.Shutdown()
		if interrupted {
			o.logger.Info("run interrupted during setup", zap.Error(err))
			return nil
		}
		return err
	}

	for _, t := range o.triggers {
		if err := t.Start(o.actionsCtx); err != nil {
			o.Shutdown()
			return err
		}
	}

	var deadline <-chan time.Time
	if d := o.profile.Duration.D(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-runCtx.Done():
		o.logger.Info("run interrupted")
	case <-deadline:
		o.logger.Info("run duration elapsed")
	}

	o.Shutdown()
	return nil
}

func (o *Orchestrator) setup(ctx context.Context) error {
	for _, name := range o.profile.Autostarted() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.sup.Start(name); err != nil {
			return err
		}
	}

	for _, s := range o.profile.Setup {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.runner.Run(ctx, s.Name, s.Command, s.Args, s.Timeout.D()); err != nil {
			return err
		}
		o.record(domain.Event{Kind: domain.EventSetupFinished, Subject: s.Name})
	}
	return nil
}

// RequestShutdown asks a running Run to stop. Safe to call repeatedly.
func (o *Orchestrator) RequestShutdown() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}

func (o *Orchestrator) shutdownRequested() bool {
	select {
	case <-o.stopCh:
		return true
	default:
		return false
	}
}

// HandleSignals routes the given signals (SIGINT and SIGTERM by default) to
// RequestShutdown. Later signals only log. The returned func uninstalls.
func (o *Orchestrator) HandleSignals(sigs ...os.Signal) (stop func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, sigs...)
	quit := make(chan struct{})

	go func() {
		for {
			select {
			case sig := <-sigCh:
				if o.shutdownRequested() || o.shuttingDown.Load() {
					o.logger.Warn("shutdown already in progress", zap.String("signal", sig.String()))
					continue
				}
				o.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
				o.RequestShutdown()
			case <-quit:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(quit)
		})
	}
}

// Shutdown stops every trigger, waits up to JoinTimeout for each to drain,
// abandons pending delayed kills, and kills every tracked daemon. Runs once;
// concurrent callers block until the first call completes.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(o.shutdown)
}

func (o *Orchestrator) shutdown() {
	o.shuttingDown.Store(true)
	o.RequestShutdown()
	start := time.Now()
	o.logger.Info("shutting down", zap.Int("triggers", len(o.triggers)))

	for _, t := range o.triggers {
		t.Stop()
	}

	var g errgroup.Group
	for _, t := range o.triggers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), o.config.JoinTimeout)
			defer cancel()
			if err := t.Join(ctx); err != nil {
				o.logger.Warn("trigger did not stop in time, proceeding",
					zap.String("trigger", t.Name()),
					zap.Duration("join_timeout", o.config.JoinTimeout),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	o.cancelActions()
	o.sup.KillAll()

	o.record(domain.Event{Kind: domain.EventRunStopped, Subject: o.profile.Name})
	o.closeState()

	o.logger.Info("shutdown complete", zap.Duration("took", time.Since(start)))
}

// faultInjected receives every fault record.
func (o *Orchestrator) faultInjected(rec domain.FaultRecord) {
	metrics.RecordFault(rec)

	detail := fmt.Sprintf("kind=%s", rec.Kind)
	switch rec.Kind {
	case domain.FaultKill:
		detail += fmt.Sprintf(" signal=%s delay=%s", rec.Signal, rec.Delay)
	case domain.FaultPause:
		detail += fmt.Sprintf(" duration=%s", rec.Duration)
	}
	detail += fmt.Sprintf(" affected=%d/%d", len(rec.Affected), len(rec.Targets))

	o.record(domain.Event{
		Kind:    domain.EventFaultInjected,
		Subject: rec.Fault,
		Targets: rec.Affected,
		Detail:  detail,
		At:      rec.At,
	})
}

// DaemonStarted implements supervisor.Observer.
func (o *Orchestrator) DaemonStarted(info domain.DaemonInfo) {
	metrics.RecordDaemonStarted(info)
	o.record(domain.Event{
		Kind:    domain.EventDaemonStarted,
		Subject: info.Name,
		Detail:  fmt.Sprintf("pid=%d", info.PID),
		At:      info.StartedAt,
	})

	o.stateMu.Lock()
	o.state.Daemons[info.Name] = domain.TrackedProcess{PID: info.PID, CreateTime: info.CreateTime}
	o.stateMu.Unlock()
	o.saveState()
}

// DaemonExited implements supervisor.Observer.
func (o *Orchestrator) DaemonExited(info domain.DaemonInfo) {
	metrics.RecordDaemonExited(info)
	o.record(domain.Event{
		Kind:    domain.EventDaemonExited,
		Subject: info.Name,
		Detail:  fmt.Sprintf("state=%s exit_code=%d", info.State, info.ExitCode),
		At:      info.ExitedAt,
	})

	o.stateMu.Lock()
	delete(o.state.Daemons, info.Name)
	o.stateMu.Unlock()
	o.saveState()
}

func (o *Orchestrator) record(ev domain.Event) {
	ev.RunID = o.runID
	if err := o.journal.Record(ev); err != nil {
		o.logger.Warn("failed to record journal event",
			zap.String("kind", string(ev.Kind)),
			zap.String("subject", ev.Subject),
			zap.Error(err))
	}
}

func (o *Orchestrator) saveState() {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if o.stateClosed {
		return
	}
	if err := o.registry.Save(o.state); err != nil {
		o.logger.Warn("failed to save run state",
			zap.String("path", o.registry.GetRegistryPath()),
			zap.Error(err))
	}
}

// closeState removes the run-state file; later lifecycle events are not persisted.
func (o *Orchestrator) closeState() {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	o.stateClosed = true
	if err := o.registry.Clear(); err != nil {
		o.logger.Warn("failed to clear run state",
			zap.String("path", o.registry.GetRegistryPath()),
			zap.Error(err))
	}
}

// Ensure Orchestrator implements supervisor.Observer.
var _ supervisor.Observer = (*Orchestrator)(nil)
