package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/eliteGoblin/focusd/chaosmon/internal/domain"
)

const stateFileName = ".chaosmon.state.json"

// FileRegistry implements domain.RunRegistry using a hidden JSON file.
type FileRegistry struct {
	path string
}

// NewFileRegistry creates a run registry inside stateDir.
func NewFileRegistry(stateDir string) domain.RunRegistry {
	return &FileRegistry{path: filepath.Join(stateDir, stateFileName)}
}

// NewFileRegistryWithPath creates a registry at a specific path (for testing).
func NewFileRegistryWithPath(path string) domain.RunRegistry {
	return &FileRegistry{path: path}
}

// GetRegistryPath returns the state file path.
func (r *FileRegistry) GetRegistryPath() string {
	return r.path
}

// Save replaces the stored run state.
func (r *FileRegistry) Save(state domain.RunState) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Use file lock so a concurrent status/cleanup never sees a torn write
	unlock, err := r.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if state.Version == 0 {
		state.Version = 1
	}
	state.UpdatedAt = time.Now().Unix()

	return r.atomicWrite(&state)
}

// Load returns the stored state, or nil if there is none.
func (r *FileRegistry) Load() (*domain.RunState, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var state domain.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt state file %s: %w", r.path, err)
	}
	if state.Daemons == nil {
		state.Daemons = make(map[string]domain.TrackedProcess)
	}

	return &state, nil
}

// Clear removes the state file. A missing file is not an error.
func (r *FileRegistry) Clear() error {
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	_ = os.Remove(r.path + ".lock")
	return nil
}

func (r *FileRegistry) lock() (func(), error) {
	lockFile, err := os.OpenFile(r.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	// Acquire exclusive lock
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	return func() {
		_ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
		lockFile.Close()
	}, nil
}

// atomicWrite writes state to file atomically (write + rename).
func (r *FileRegistry) atomicWrite(state *domain.RunState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first (unique per process to avoid race)
	tmpPath := fmt.Sprintf("%s.%d.tmp", r.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	// Atomic rename
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath) // Clean up on failure
		return err
	}
	return nil
}

// Ensure FileRegistry implements domain.RunRegistry.
var _ domain.RunRegistry = (*FileRegistry)(nil)
