package domain

import (
	"context"
	"time"
)

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil plus raw signals to process groups.
type ProcessManager interface {
	// Signal delivers sig to the process group led by pid.
	// Returns ErrProcessGone if nothing is left to signal.
	Signal(pid int, sig SignalKind) error

	// IsRunning checks if a PID exists and is not a zombie.
	IsRunning(pid int) bool

	// CreateTime returns the process create time in ms since epoch.
	CreateTime(pid int) (int64, error)

	// KillTree sends SIGKILL to the process group and any escaped descendants.
	KillTree(pid int) error

	// KillGroup sends SIGKILL to process group pgid only, never to a lone PID.
	// Returns ErrProcessGone if the group has no members left.
	KillGroup(pgid int) error

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// Supervisor is the view of the process table that faults act through.
// Faults reference daemons by name only.
type Supervisor interface {
	// Signal delivers sig to every named daemon that is alive.
	// Returns the names that were actually signalled.
	Signal(names []string, sig SignalKind) ([]string, error)

	// Pause suspends every named running daemon and resumes it after d.
	// Does not block for d.
	Pause(names []string, d time.Duration) ([]string, error)
}

// CommandRunner runs one-shot setup commands to completion.
type CommandRunner interface {
	// Run fails if the command cannot start, exits nonzero, or exceeds timeout.
	Run(ctx context.Context, name, command string, args []string, timeout time.Duration) error
}

// Journal persists run events for later inspection.
// Implementation: SQLCipher database (plain SQLite when no key is configured).
type Journal interface {
	// Record appends an event.
	Record(ev Event) error

	// Events returns all events of a run in insertion order.
	Events(runID string) ([]Event, error)

	// Runs summarizes all recorded runs, oldest first.
	Runs() ([]RunSummary, error)

	// Close releases resources.
	Close() error
}

// RunRegistry stores the state of the active run on disk.
// Implementation: hidden JSON file guarded by flock.
type RunRegistry interface {
	// Save replaces the stored run state.
	Save(state RunState) error

	// Load returns the stored state, or nil if there is none.
	Load() (*RunState, error)

	// Clear removes the stored state.
	Clear() error

	// GetRegistryPath returns the state file path.
	GetRegistryPath() string
}

// KeyProvider abstracts the source of the journal encryption key.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}
