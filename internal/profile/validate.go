package profile

import (
	"fmt"
	"strings"

	"github.com/eliteGoblin/focusd/chaosmon/internal/domain"
)

// Validate checks every cross reference and bound. All problems are
// reported at once, wrapped in domain.ErrInvalidProfile.
func (p *Profile) Validate() error {
	var problems []string
	addf := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if p.Duration < 0 {
		addf("duration must not be negative")
	}
	if len(p.Daemons) == 0 {
		addf("at least one daemon is required")
	}

	daemons := make(map[string]bool, len(p.Daemons))
	for i, d := range p.Daemons {
		switch {
		case d.Name == "":
			addf("daemons[%d]: name is required", i)
		case daemons[d.Name]:
			addf("daemons[%d]: duplicate name %q", i, d.Name)
		}
		if d.Command == "" {
			addf("daemon %q: command is required", d.Name)
		}
		daemons[d.Name] = true
	}

	for i, s := range p.Setup {
		if s.Command == "" {
			addf("setup[%d] %q: command is required", i, s.Name)
		}
		if s.Timeout < 0 {
			addf("setup[%d] %q: timeout must not be negative", i, s.Name)
		}
	}

	faults := make(map[string]bool, len(p.Faults))
	for i, f := range p.Faults {
		switch {
		case f.Name == "":
			addf("faults[%d]: name is required", i)
		case faults[f.Name]:
			addf("faults[%d]: duplicate name %q", i, f.Name)
		}
		faults[f.Name] = true

		if len(f.Targets) == 0 {
			addf("fault %q: at least one target is required", f.Name)
		}
		for _, t := range f.Targets {
			if !daemons[t] {
				addf("fault %q: unknown daemon %q", f.Name, t)
			}
		}

		switch domain.FaultKind(f.Kind) {
		case domain.FaultKill:
			sig, err := f.SignalKind()
			if err != nil {
				addf("fault %q: %v", f.Name, err)
			} else if !sig.Terminating() {
				// A bare stop has no resume timer and would freeze the daemon for good
				addf("fault %q: signal %q does not terminate, use a pause fault", f.Name, f.Signal)
			}
			if f.Delay < 0 {
				addf("fault %q: delay must not be negative", f.Name)
			}
		case domain.FaultPause:
			if f.Duration <= 0 {
				addf("fault %q: pause duration must be positive", f.Name)
			}
		default:
			addf("fault %q: unknown kind %q (want kill or pause)", f.Name, f.Kind)
		}
	}

	if len(p.Triggers) == 0 {
		addf("at least one trigger is required")
	}
	triggers := make(map[string]bool, len(p.Triggers))
	for i, t := range p.Triggers {
		switch {
		case t.Name == "":
			addf("triggers[%d]: name is required", i)
		case triggers[t.Name]:
			addf("triggers[%d]: duplicate name %q", i, t.Name)
		}
		triggers[t.Name] = true

		if t.Interval <= 0 {
			addf("trigger %q: interval must be positive", t.Name)
		}
		if len(t.Faults) == 0 {
			addf("trigger %q: at least one fault is required", t.Name)
		}
		for _, wf := range t.Faults {
			if !faults[wf.Fault] {
				addf("trigger %q: unknown fault %q", t.Name, wf.Fault)
			}
			if wf.Weight <= 0 {
				addf("trigger %q: fault %q weight must be positive, got %d", t.Name, wf.Fault, wf.Weight)
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidProfile, strings.Join(problems, "; "))
	}
	return nil
}
