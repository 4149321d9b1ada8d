// Package profile describes a chaos run: which daemons to supervise, the
// setup commands to run first, the faults to inject, and the triggers that
// schedule them.
package profile

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/chaosmon/internal/domain"
)

// Duration accepts Go duration strings ("1500ms", "2s") or plain numbers,
// which are read as seconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(secs * float64(time.Second)), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return Duration(v), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	v, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(v * float64(time.Second))
		return nil
	case string:
		parsed, err := parseDuration(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	case nil:
		*d = 0
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Profile is one complete chaos run description.
type Profile struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Duration    Duration       `yaml:"duration,omitempty" json:"duration,omitempty"` // 0 runs until interrupted
	Daemons     []Daemon       `yaml:"daemons" json:"daemons"`
	Setup       []SetupCommand `yaml:"setup,omitempty" json:"setup,omitempty"`
	Faults      []Fault        `yaml:"faults" json:"faults"`
	Triggers    []Trigger      `yaml:"triggers" json:"triggers"`
}

// Daemon declares a supervised long-running process.
type Daemon struct {
	Name      string   `yaml:"name" json:"name"`
	Command   string   `yaml:"command" json:"command"`
	Args      []string `yaml:"args,omitempty" json:"args,omitempty"`
	Env       []string `yaml:"env,omitempty" json:"env,omitempty"`
	Dir       string   `yaml:"dir,omitempty" json:"dir,omitempty"`
	Autostart *bool    `yaml:"autostart,omitempty" json:"autostart,omitempty"`
}

// StartsAutomatically reports whether the daemon starts with the run.
// Defaults to true.
func (d Daemon) StartsAutomatically() bool {
	return d.Autostart == nil || *d.Autostart
}

// Spec converts the declaration for the supervisor.
func (d Daemon) Spec() domain.DaemonSpec {
	return domain.DaemonSpec{
		Name:    d.Name,
		Command: d.Command,
		Args:    append([]string(nil), d.Args...),
		Env:     append([]string(nil), d.Env...),
		Dir:     d.Dir,
	}
}

// SetupCommand runs to completion before any trigger starts.
type SetupCommand struct {
	Name    string   `yaml:"name" json:"name"`
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"` // 0 = no timeout
}

// Fault declares one kill or pause action.
type Fault struct {
	Name     string   `yaml:"name" json:"name"`
	Kind     string   `yaml:"kind" json:"kind"`
	Targets  []string `yaml:"targets" json:"targets"`
	Signal   string   `yaml:"signal,omitempty" json:"signal,omitempty"`     // kill only; default term
	Delay    Duration `yaml:"delay,omitempty" json:"delay,omitempty"`       // kill only
	Duration Duration `yaml:"duration,omitempty" json:"duration,omitempty"` // pause only
}

// SignalKind returns the parsed signal, defaulting to term.
func (f Fault) SignalKind() (domain.SignalKind, error) {
	if f.Signal == "" {
		return domain.SignalTerminate, nil
	}
	return domain.ParseSignalKind(f.Signal)
}

// Trigger periodically invokes a weighted choice among faults.
type Trigger struct {
	Name     string          `yaml:"name" json:"name"`
	Interval Duration        `yaml:"interval" json:"interval"`
	Faults   []WeightedFault `yaml:"faults" json:"faults"`
}

// WeightedFault references a declared fault by name.
type WeightedFault struct {
	Weight int    `yaml:"weight" json:"weight"`
	Fault  string `yaml:"fault" json:"fault"`
}

// Autostarted returns the names of daemons that start with the run.
func (p *Profile) Autostarted() []string {
	var names []string
	for _, d := range p.Daemons {
		if d.StartsAutomatically() {
			names = append(names, d.Name)
		}
	}
	return names
}

// FaultByName looks up a fault declaration.
func (p *Profile) FaultByName(name string) (Fault, bool) {
	for _, f := range p.Faults {
		if f.Name == name {
			return f, true
		}
	}
	return Fault{}, false
}
