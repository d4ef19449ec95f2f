package run_test

import (
	"testing"
	"time"

	"github.com/crankshaft-ci/crankshaft/internal/domain/run"
)

func TestRunValidate_Valid(t *testing.T) {
	r := &run.Run{
		SubjectRef: "issue:123",
		Template:   "standard-delivery",
		Status:     run.StatusRunning,
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("expected valid, got: %v", err)
	}
}

func TestRunValidate_MissingSubject(t *testing.T) {
	r := &run.Run{Template: "standard-delivery"}
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for missing subject_ref")
	}
}

func TestRunValidate_MissingTemplate(t *testing.T) {
	r := &run.Run{SubjectRef: "issue:123"}
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for missing template")
	}
}

func TestRunValidate_InvalidStatus(t *testing.T) {
	r := &run.Run{SubjectRef: "issue:123", Template: "standard-delivery", Status: "invalid"}
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for invalid status")
	}
}

func TestRunValidate_NegativePriority(t *testing.T) {
	r := &run.Run{SubjectRef: "issue:123", Template: "standard-delivery", Priority: -1}
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for negative priority")
	}
}

func TestCreateRequestValidate_MissingFields(t *testing.T) {
	tests := []struct {
		name string
		req  run.CreateRequest
	}{
		{"missing subject_ref", run.CreateRequest{Template: "standard-delivery"}},
		{"missing template", run.CreateRequest{SubjectRef: "issue:123"}},
		{"negative priority", run.CreateRequest{SubjectRef: "issue:123", Template: "t", Priority: -5}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.req.Validate(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestAllStatuses(t *testing.T) {
	statuses := []run.Status{
		run.StatusPending,
		run.StatusRunning,
		run.StatusCompleted,
		run.StatusFailed,
		run.StatusCancelled,
	}
	for _, s := range statuses {
		r := &run.Run{SubjectRef: "issue:1", Template: "t", Status: s}
		if err := r.Validate(); err != nil {
			t.Errorf("status %q should be valid: %v", s, err)
		}
	}
}

func TestStatusIsTerminal(t *testing.T) {
	if run.StatusRunning.IsTerminal() || run.StatusPending.IsTerminal() {
		t.Fatal("pending/running must not be terminal")
	}
	for _, s := range []run.Status{run.StatusCompleted, run.StatusFailed, run.StatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("status %q should be terminal", s)
		}
	}
}

func TestPhaseResultOutcome(t *testing.T) {
	if (run.PhaseResult{Success: true}).Outcome() != run.OutcomeSuccess {
		t.Fatal("success result should map to OutcomeSuccess")
	}
	if (run.PhaseResult{Success: false}).Outcome() != run.OutcomeFailure {
		t.Fatal("failed result should map to OutcomeFailure")
	}
}

func TestRunClone_Independent(t *testing.T) {
	r := &run.Run{
		SubjectRef: "issue:1",
		Template:   "t",
		PhaseResults: map[string]run.PhaseResult{
			"build": {
				Phase:     "build",
				Success:   false,
				Errors:    []run.Issue{{Message: "compile error", File: "main.go", Line: 10}},
				StartedAt: time.Now(),
			},
		},
	}

	c := r.Clone()
	c.PhaseResults["test"] = run.PhaseResult{Phase: "test", Success: true}
	res := c.PhaseResults["build"]
	res.Errors[0].Message = "mutated"
	c.PhaseResults["build"] = res

	if len(r.PhaseResults) != 1 {
		t.Fatalf("clone mutation leaked into original: %d results", len(r.PhaseResults))
	}
	if r.PhaseResults["build"].Errors[0].Message != "compile error" {
		t.Fatal("clone shares error slice with original")
	}
}
