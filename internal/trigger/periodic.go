// Package trigger schedules repeated fault invocations in the background.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/chaosmon/internal/domain"
)

// ErrStopping is returned by Start while a previous loop is still draining.
var ErrStopping = errors.New("trigger is stopping")

// State is the lifecycle state of a Periodic trigger.
type State int

const (
	Stopped State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Action is the work a trigger repeats. fault.Action satisfies it.
type Action interface {
	Invoke(ctx context.Context)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context)

func (f ActionFunc) Invoke(ctx context.Context) { f(ctx) }

// Option customizes a Periodic trigger.
type Option func(*Periodic)

// WithLogger sets the trigger's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Periodic) { p.logger = logger }
}

// WithFireHook registers a callback run before each invocation.
func WithFireHook(hook func(name string)) Option {
	return func(p *Periodic) { p.onFire = hook }
}

// Periodic invokes an action every interval until stopped.
//
// At most one invocation is in flight at a time: the next sleep starts only
// after the previous invocation returns. Stop is cooperative and never
// interrupts a running invocation.
type Periodic struct {
	name     string
	interval time.Duration
	action   Action
	logger   *zap.Logger
	onFire   func(name string)

	mu     sync.Mutex
	state  State
	stopCh chan struct{}
	done   chan struct{}

	fires atomic.Int64
}

// NewPeriodic creates a stopped trigger.
func NewPeriodic(name string, interval time.Duration, action Action, opts ...Option) (*Periodic, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("trigger %q: interval must be positive, got %s", name, interval)
	}
	if action == nil {
		return nil, fmt.Errorf("trigger %q: action is required", name)
	}

	p := &Periodic{
		name:     name,
		interval: interval,
		action:   action,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Periodic) Name() string            { return p.name }
func (p *Periodic) Interval() time.Duration { return p.interval }

// Fires returns how many times the action has been invoked.
func (p *Periodic) Fires() int64 { return p.fires.Load() }

// State returns the current lifecycle state.
func (p *Periodic) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start launches the scheduling loop. ctx is handed to every invocation;
// cancelling it also ends the loop. Starting a running trigger is a no-op.
func (p *Periodic) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case Running:
		return nil
	case Stopping:
		return fmt.Errorf("%w: %q", ErrStopping, p.name)
	}

	p.state = Running
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(ctx, p.stopCh, p.done)

	p.logger.Info("trigger started",
		zap.String("trigger", p.name),
		zap.Duration("interval", p.interval))
	return nil
}

// Stop requests the loop to exit and returns immediately.
// A sleeping loop wakes at once; an in-flight invocation runs to completion.
func (p *Periodic) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Running {
		return
	}
	p.state = Stopping
	close(p.stopCh)
}

// Join blocks until the loop has exited, including any in-flight invocation.
// Joining a running trigger fails fast with NotStoppedError; joining one
// that was never started returns nil. ctx bounds the wait.
func (p *Periodic) Join(ctx context.Context) error {
	p.mu.Lock()
	if p.state == Running {
		p.mu.Unlock()
		return &domain.NotStoppedError{Trigger: p.name}
	}
	done := p.done
	p.mu.Unlock()

	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("join trigger %q: %w", p.name, ctx.Err())
	}
}

func (p *Periodic) loop(ctx context.Context, stopCh, done chan struct{}) {
	defer func() {
		p.mu.Lock()
		p.state = Stopped
		p.mu.Unlock()
		close(done)
		p.logger.Info("trigger stopped",
			zap.String("trigger", p.name),
			zap.Int64("fires", p.fires.Load()))
	}()

	for {
		if stopRequested(ctx, stopCh) {
			return
		}

		timer := time.NewTimer(p.interval)
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if stopRequested(ctx, stopCh) {
			return
		}
		p.invoke(ctx)
	}
}

// invoke runs one action. A panicking action is logged and the loop goes on.
func (p *Periodic) invoke(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("trigger action panicked",
				zap.String("trigger", p.name),
				zap.Any("panic", r))
		}
	}()

	n := p.fires.Add(1)
	if p.onFire != nil {
		p.onFire(p.name)
	}
	p.logger.Debug("trigger fired",
		zap.String("trigger", p.name),
		zap.Int64("fire", n))
	p.action.Invoke(ctx)
}

func stopRequested(ctx context.Context, stopCh <-chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
