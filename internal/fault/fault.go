// Package fault builds injectable failure actions against named daemons.
//
// A fault is an immutable description. Invoking it never returns an error:
// a target that is already dead is the expected steady state of a chaos run,
// and delivery failures are logged at this layer.
package fault

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/chaosmon/internal/domain"
)

// Action is one invokable fault. Kill, Pause, and Selector implement it.
type Action interface {
	// Name identifies the fault in logs, metrics, and the journal.
	Name() string

	// Invoke performs the fault once. Safe for concurrent use.
	Invoke(ctx context.Context)
}

// Observer receives a record of every completed invocation.
type Observer func(rec domain.FaultRecord)

type options struct {
	name     string
	logger   *zap.Logger
	observer Observer
}

// Option customizes a fault.
type Option func(*options)

// WithName overrides the generated fault name.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger sets the logger used for injection and swallowed errors.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithObserver registers a callback invoked after each injection.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

func buildOptions(defaultName string, opts []Option) options {
	o := options{name: defaultName, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Kill signals its targets, optionally after a delay.
type Kill struct {
	sup     domain.Supervisor
	targets []string
	signal  domain.SignalKind
	delay   time.Duration
	opts    options
}

// KillDaemons returns a fault that waits delay, then delivers sig to names.
// A zero delay delivers immediately without arming a timer.
func KillDaemons(sup domain.Supervisor, names []string, sig domain.SignalKind, delay time.Duration, opts ...Option) *Kill {
	return &Kill{
		sup:     sup,
		targets: append([]string(nil), names...),
		signal:  sig,
		delay:   delay,
		opts:    buildOptions("kill-"+string(sig), opts),
	}
}

func (k *Kill) Name() string { return k.opts.name }

// Targets returns a copy of the daemon names this fault acts on.
func (k *Kill) Targets() []string { return append([]string(nil), k.targets...) }

// Invoke waits out the delay on a timer owned by this invocation, then signals.
// If ctx ends first the kill is abandoned.
func (k *Kill) Invoke(ctx context.Context) {
	if k.delay > 0 {
		timer := time.NewTimer(k.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			k.opts.logger.Info("delayed kill abandoned",
				zap.String("fault", k.opts.name),
				zap.Error(ctx.Err()))
			return
		case <-timer.C:
		}
	}

	affected, err := k.sup.Signal(k.targets, k.signal)
	if err != nil {
		k.opts.logger.Warn("kill fault delivery failed",
			zap.String("fault", k.opts.name),
			zap.Error(err))
	}

	k.opts.logger.Info("fault injected",
		zap.String("fault", k.opts.name),
		zap.String("kind", string(domain.FaultKill)),
		zap.String("signal", string(k.signal)),
		zap.Strings("targets", k.targets),
		zap.Strings("affected", affected))

	if k.opts.observer != nil {
		k.opts.observer(domain.FaultRecord{
			Fault:    k.opts.name,
			Kind:     domain.FaultKill,
			Targets:  k.Targets(),
			Affected: affected,
			Signal:   k.signal,
			Delay:    k.delay,
			At:       time.Now(),
		})
	}
}

// Pause suspends its targets for a duration.
type Pause struct {
	sup      domain.Supervisor
	targets  []string
	duration time.Duration
	opts     options
}

// PauseDaemons returns a fault that suspends names for duration.
// The resume is scheduled by the supervisor; Invoke does not block for it.
func PauseDaemons(sup domain.Supervisor, names []string, duration time.Duration, opts ...Option) *Pause {
	return &Pause{
		sup:      sup,
		targets:  append([]string(nil), names...),
		duration: duration,
		opts:     buildOptions("pause", opts),
	}
}

func (p *Pause) Name() string { return p.opts.name }

// Targets returns a copy of the daemon names this fault acts on.
func (p *Pause) Targets() []string { return append([]string(nil), p.targets...) }

// Invoke pauses the targets immediately.
func (p *Pause) Invoke(_ context.Context) {
	affected, err := p.sup.Pause(p.targets, p.duration)
	if err != nil {
		p.opts.logger.Warn("pause fault delivery failed",
			zap.String("fault", p.opts.name),
			zap.Error(err))
	}

	p.opts.logger.Info("fault injected",
		zap.String("fault", p.opts.name),
		zap.String("kind", string(domain.FaultPause)),
		zap.Duration("duration", p.duration),
		zap.Strings("targets", p.targets),
		zap.Strings("affected", affected))

	if p.opts.observer != nil {
		p.opts.observer(domain.FaultRecord{
			Fault:    p.opts.name,
			Kind:     domain.FaultPause,
			Targets:  p.Targets(),
			Affected: affected,
			Duration: p.duration,
			At:       time.Now(),
		})
	}
}

// Ensure fault variants implement Action.
var (
	_ Action = (*Kill)(nil)
	_ Action = (*Pause)(nil)
)
