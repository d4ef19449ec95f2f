package run

import (
	"errors"
	"fmt"
)

var (
	ErrMissingSubject  = errors.New("subject_ref is required")
	ErrMissingTemplate = errors.New("template is required")
	ErrInvalidStatus   = errors.New("invalid status")
	ErrInvalidPriority = errors.New("priority must be >= 0")
)

// validStatuses is the closed set of run statuses.
var validStatuses = map[Status]bool{
	StatusPending:   true,
	StatusRunning:   true,
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// Validate checks the run for structural correctness.
func (r *Run) Validate() error {
	if r.SubjectRef == "" {
		return ErrMissingSubject
	}
	if r.Template == "" {
		return ErrMissingTemplate
	}
	if r.Status != "" && !validStatuses[r.Status] {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, r.Status)
	}
	if r.Priority < 0 {
		return ErrInvalidPriority
	}
	return nil
}

// Validate checks a create request before a run is built from it.
func (req *CreateRequest) Validate() error {
	if req.SubjectRef == "" {
		return ErrMissingSubject
	}
	if req.Template == "" {
		return ErrMissingTemplate
	}
	if req.Priority < 0 {
		return ErrInvalidPriority
	}
	return nil
}
