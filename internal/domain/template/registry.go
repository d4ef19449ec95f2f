package template

import (
	"fmt"
	"sort"
	"sync"

	"github.com/crankshaft-ci/crankshaft/internal/domain"
	"github.com/crankshaft-ci/crankshaft/internal/domain/run"
)

// Registry holds the known templates by name. Lookups on unknown names
// surface domain.ErrUnknownTemplate rather than guessing a sequence.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewRegistry creates a registry seeded with the given templates.
// Later templates override earlier ones with the same name, so custom
// templates can shadow builtins.
func NewRegistry(templates ...Template) *Registry {
	r := &Registry{templates: make(map[string]Template, len(templates))}
	for _, t := range templates {
		r.templates[t.Name] = t
	}
	return r
}

// Register validates and adds a template, replacing any previous entry.
func (r *Registry) Register(t Template) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("register template %q: %w", t.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Name] = t
	return nil
}

// Get returns the named template.
func (r *Registry) Get(name string) (Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	if !ok {
		return Template{}, fmt.Errorf("template %q: %w", name, domain.ErrUnknownTemplate)
	}
	return t, nil
}

// List returns all templates sorted by name.
func (r *Registry) List() []Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NextPhase applies the sequencer for the named template. ok is false when
// the run must not auto-continue (failure outcome, terminal phase, or end
// of the order).
func (r *Registry) NextPhase(name, current string, outcome run.Outcome) (next string, ok bool, err error) {
	t, err := r.Get(name)
	if err != nil {
		return "", false, err
	}
	return t.Next(current, outcome)
}

// FirstPhase returns the initial phase of the named template.
func (r *Registry) FirstPhase(name string) (string, error) {
	t, err := r.Get(name)
	if err != nil {
		return "", err
	}
	return t.FirstPhase(), nil
}
