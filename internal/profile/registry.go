package profile

import (
	"fmt"
	"os"
	"sort"
)

// Preset is a built-in profile that can be run by name.
type Preset interface {
	// ID returns the unique preset name (e.g., "sleepers").
	ID() string

	// Description returns a one-line summary for listings.
	Description() string

	// Profile builds a fresh, validated-ready profile.
	Profile() *Profile
}

// Registry holds the built-in presets.
type Registry struct {
	presets map[string]Preset
}

// NewRegistry creates a registry with all default presets.
func NewRegistry() *Registry {
	r := &Registry{
		presets: make(map[string]Preset),
	}

	r.Register(NewSleepersPreset())
	r.Register(NewD2EchoPreset(D2EchoOptionsFromEnv()))

	return r
}

// NewRegistryWithPresets creates a registry with custom presets (for testing).
func NewRegistryWithPresets(presets ...Preset) *Registry {
	r := &Registry{
		presets: make(map[string]Preset),
	}
	for _, p := range presets {
		r.Register(p)
	}
	return r
}

// Register adds a preset, replacing any preset with the same ID.
func (r *Registry) Register(p Preset) {
	r.presets[p.ID()] = p
}

// Get returns a preset by ID.
func (r *Registry) Get(id string) (Preset, bool) {
	p, ok := r.presets[id]
	return p, ok
}

// GetAll returns all presets sorted by ID.
func (r *Registry) GetAll() []Preset {
	result := make([]Preset, 0, len(r.presets))
	for _, id := range r.List() {
		result = append(result, r.presets[id])
	}
	return result
}

// List returns all preset IDs, sorted.
func (r *Registry) List() []string {
	ids := make([]string, 0, len(r.presets))
	for id := range r.presets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve loads ref as a profile file if one exists at that path,
// otherwise looks it up as a preset. The result is validated.
func (r *Registry) Resolve(ref string) (*Profile, error) {
	if _, err := os.Stat(ref); err == nil {
		return Load(ref)
	}

	preset, ok := r.Get(ref)
	if !ok {
		return nil, fmt.Errorf("no profile file or preset named %q (presets: %v)", ref, r.List())
	}

	p := preset.Profile()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("preset %q: %w", ref, err)
	}
	return p, nil
}
