// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FakeCluster lays out shell daemons and a chaos profile that drives them.
type FakeCluster struct {
	Dir string
}

// NewFakeCluster creates a new fake cluster generator rooted at dir.
func NewFakeCluster(dir string) *FakeCluster {
	return &FakeCluster{Dir: dir}
}

// Scripts written by Create.
const (
	// Stubborn ignores SIGTERM; only SIGKILL ends it
	StubbornScript = "stubborn.sh"
	// Forker starts a child and records its PID, then waits on it
	ForkerScript = "forker.sh"
	// Steady sleeps until killed
	SteadyScript = "steady.sh"
)

var scripts = map[string]string{
	StubbornScript: `#!/bin/sh
trap '' TERM
while :; do sleep 1; done
`,
	ForkerScript: `#!/bin/sh
sleep 3600 &
echo $! > "$1"
wait
`,
	SteadyScript: `#!/bin/sh
exec sleep 3600
`,
}

// Create writes the daemon scripts and the profile file.
func (f *FakeCluster) Create() error {
	if err := os.MkdirAll(f.Dir, 0755); err != nil {
		return err
	}
	for name, body := range scripts {
		if err := os.WriteFile(filepath.Join(f.Dir, name), []byte(body), 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(f.ProfilePath(), []byte(f.profile()), 0644)
}

// ProfilePath returns the path of the generated profile.
func (f *FakeCluster) ProfilePath() string {
	return filepath.Join(f.Dir, "cluster.yaml")
}

// ChildPIDFile is where the forker daemon records its child.
func (f *FakeCluster) ChildPIDFile() string {
	return filepath.Join(f.Dir, "forker.child.pid")
}

// ChildPID reads the PID written by the forker daemon.
func (f *FakeCluster) ChildPID() (int, error) {
	data, err := os.ReadFile(f.ChildPIDFile())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// LogDir is where daemon output is captured.
func (f *FakeCluster) LogDir() string {
	return filepath.Join(f.Dir, "logs")
}

// StateDir holds the run state file.
func (f *FakeCluster) StateDir() string {
	return filepath.Join(f.Dir, "state")
}

// JournalPath is the journal database location.
func (f *FakeCluster) JournalPath() string {
	return filepath.Join(f.Dir, "journal.db")
}

func (f *FakeCluster) profile() string {
	return fmt.Sprintf(`name: fake-cluster
duration: 4s
daemons:
  - name: stubborn
    command: %[1]s/%[2]s
  - name: forker
    command: %[1]s/%[3]s
    args: [%[4]q]
  - name: steady
    command: %[1]s/%[5]s
setup:
  - name: wait-for-forker
    command: sh
    args: ["-c", "while [ ! -s %[4]s ]; do sleep 0.05; done"]
    timeout: 5s
faults:
  - name: term-stubborn
    kind: kill
    targets: [stubborn]
    signal: term
  - name: kill-steady
    kind: kill
    targets: [steady]
    signal: kill
    delay: 200ms
  - name: pause-forker
    kind: pause
    targets: [forker]
    duration: 300ms
triggers:
  - name: stubborn
    interval: 500ms
    faults:
      - {weight: 1, fault: term-stubborn}
  - name: mixed
    interval: 1s
    faults:
      - {weight: 1, fault: kill-steady}
      - {weight: 1, fault: pause-forker}
`, f.Dir, StubbornScript, ForkerScript, f.ChildPIDFile(), SteadyScript)
}

// Cleanup removes everything Create wrote.
func (f *FakeCluster) Cleanup() error {
	return os.RemoveAll(f.Dir)
}
