// Package domain contains core chaos-run entities and interfaces.
// This is the innermost layer - no external dependencies.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// DaemonState is the lifecycle state of a supervised daemon.
type DaemonState int

const (
	StateNotStarted DaemonState = iota
	StateRunning
	StatePaused
	StateStopped
	StateFailed
)

func (s DaemonState) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Alive reports whether the state has an OS process behind it.
func (s DaemonState) Alive() bool {
	return s == StateRunning || s == StatePaused
}

// SignalKind names an OS signal independently of the platform.
type SignalKind string

const (
	SignalTerminate SignalKind = "term"
	SignalKill      SignalKind = "kill"
	SignalInterrupt SignalKind = "int"
	SignalHangup    SignalKind = "hup"
	SignalQuit      SignalKind = "quit"
	SignalStop      SignalKind = "stop"
	SignalContinue  SignalKind = "cont"
)

var signalAliases = map[string]SignalKind{
	"term":    SignalTerminate,
	"sigterm": SignalTerminate,
	"kill":    SignalKill,
	"sigkill": SignalKill,
	"int":     SignalInterrupt,
	"sigint":  SignalInterrupt,
	"hup":     SignalHangup,
	"sighup":  SignalHangup,
	"quit":    SignalQuit,
	"sigquit": SignalQuit,
	"stop":    SignalStop,
	"sigstop": SignalStop,
	"cont":    SignalContinue,
	"sigcont": SignalContinue,
}

// ParseSignalKind accepts short ("term") and long ("SIGTERM") names.
func ParseSignalKind(s string) (SignalKind, error) {
	if k, ok := signalAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown signal: %q", s)
}

// Terminating reports whether the signal ends the target process by default.
func (k SignalKind) Terminating() bool {
	switch k {
	case SignalStop, SignalContinue:
		return false
	default:
		return true
	}
}

// DaemonSpec is the start command for one named daemon.
type DaemonSpec struct {
	Name    string
	Command string   // Executable path or name resolved via PATH
	Args    []string // Ordered argument list
	Env     []string // Extra KEY=VALUE pairs appended to the controller's environment
	Dir     string   // Working directory (empty = controller's cwd)
}

// DaemonInfo is a point-in-time view of a supervised daemon.
type DaemonInfo struct {
	Name       string
	PID        int
	State      DaemonState
	CreateTime int64 // Process create time in ms since epoch, as reported by the OS
	StartedAt  time.Time
	ExitedAt   time.Time
	ExitCode   int
	Restarts   int
}

// FaultKind identifies a fault variant.
type FaultKind string

const (
	FaultKill  FaultKind = "kill"
	FaultPause FaultKind = "pause"
)

// FaultRecord captures one fault invocation.
type FaultRecord struct {
	Fault    string
	Kind     FaultKind
	Targets  []string
	Affected []string // Targets that actually had a live process
	Signal   SignalKind
	Delay    time.Duration
	Duration time.Duration
	At       time.Time
}

// EventKind classifies journal entries.
type EventKind string

const (
	EventRunStarted    EventKind = "run_started"
	EventRunStopped    EventKind = "run_stopped"
	EventDaemonStarted EventKind = "daemon_started"
	EventDaemonExited  EventKind = "daemon_exited"
	EventFaultInjected EventKind = "fault_injected"
	EventSetupFinished EventKind = "setup_finished"
)

// Event is a single persisted journal entry.
type Event struct {
	RunID   string
	Kind    EventKind
	Subject string   // Daemon, fault, or profile name
	Targets []string // Fault targets (fault events only)
	Detail  string
	At      time.Time
}

// RunSummary aggregates journal events for one run.
type RunSummary struct {
	RunID     string
	StartedAt time.Time
	LastEvent time.Time
	Faults    int
	Exits     int
}

// TrackedProcess identifies a daemon process across controller restarts.
// CreateTime guards against PID reuse.
type TrackedProcess struct {
	PID        int   `json:"pid"`
	CreateTime int64 `json:"create_time"`
}

// RunState is persisted so a later invocation can find daemons of a run
// whose controller died without cleaning up.
type RunState struct {
	Version       int                       `json:"version"`
	RunID         string                    `json:"run_id"`
	Profile       string                    `json:"profile"`
	ControllerPID int                       `json:"controller_pid"`
	StartedAt     int64                     `json:"started_at"`
	UpdatedAt     int64                     `json:"updated_at"`
	Daemons       map[string]TrackedProcess `json:"daemons"`
}
