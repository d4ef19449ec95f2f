// Package template defines declarative phase-sequence templates and the
// sequencer that maps (template, phase, outcome) to the next phase. A
// template is a total order of phase names plus a terminal set; phases in
// the terminal set never auto-continue.
package template

import (
	"errors"
	"fmt"

	"github.com/crankshaft-ci/crankshaft/internal/domain"
	"github.com/crankshaft-ci/crankshaft/internal/domain/run"
)

var (
	ErrNameRequired    = errors.New("template name is required")
	ErrNoPhases        = errors.New("template must have at least one phase")
	ErrDuplicatePhase  = errors.New("duplicate phase name")
	ErrUnknownTerminal = errors.New("terminal phase not in phase list")
)

// Template defines one workflow shape: an ordered phase list and the set of
// phases after which auto-continuation stops. Templates are loaded from YAML
// files or built in.
type Template struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Builtin     bool     `json:"builtin" yaml:"-"`
	Phases      []string `json:"phases" yaml:"phases"`
	Terminal    []string `json:"terminal" yaml:"terminal"`
}

// Validate checks the template for structural correctness.
func (t *Template) Validate() error {
	if t.Name == "" {
		return ErrNameRequired
	}
	if len(t.Phases) == 0 {
		return ErrNoPhases
	}

	seen := make(map[string]bool, len(t.Phases))
	for i, p := range t.Phases {
		if p == "" {
			return fmt.Errorf("phase %d: name is required", i)
		}
		if seen[p] {
			return fmt.Errorf("phase %q: %w", p, ErrDuplicatePhase)
		}
		seen[p] = true
	}

	for _, term := range t.Terminal {
		if !seen[term] {
			return fmt.Errorf("terminal %q: %w", term, ErrUnknownTerminal)
		}
	}
	return nil
}

// FirstPhase returns the initial phase of the template.
func (t *Template) FirstPhase() string {
	return t.Phases[0]
}

// IsTerminal reports whether the phase belongs to the template's terminal set.
// The last phase of the order is always terminal.
func (t *Template) IsTerminal(phase string) bool {
	if len(t.Phases) > 0 && t.Phases[len(t.Phases)-1] == phase {
		return true
	}
	for _, term := range t.Terminal {
		if term == phase {
			return true
		}
	}
	return false
}

// indexOf returns the position of phase in the order, or -1.
func (t *Template) indexOf(phase string) int {
	for i, p := range t.Phases {
		if p == phase {
			return i
		}
	}
	return -1
}

// Next is the sequencer for a single template: pure, deterministic, no I/O.
// It returns ("", false) when the run must not auto-continue: any failure
// outcome, a terminal current phase, or the end of the order. An unknown
// current phase is an error (configuration defect).
func (t *Template) Next(current string, outcome run.Outcome) (string, bool, error) {
	idx := t.indexOf(current)
	if idx < 0 {
		return "", false, fmt.Errorf("template %q phase %q: %w", t.Name, current, domain.ErrUnknownPhase)
	}
	if outcome != run.OutcomeSuccess {
		return "", false, nil
	}
	if t.IsTerminal(current) || idx == len(t.Phases)-1 {
		return "", false, nil
	}
	return t.Phases[idx+1], true, nil
}
