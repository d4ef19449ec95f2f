// Package statestore defines the run state store port (interface).
package statestore

import (
	"context"

	"github.com/crankshaft-ci/crankshaft/internal/domain/run"
)

// Store is the port interface for durable run state. Save is merge-safe by
// contract: the implementation re-reads the persisted run, unions
// phase_results keyed by phase name (the persisted value wins for every key
// except writerPhase, whose value is taken from the caller), and writes the
// union atomically. A merge conflict is retried internally a bounded number
// of times before surfacing domain.ErrStaleWrite.
type Store interface {
	// CreateRun persists a new run and fills in its generated fields
	// (ID, timestamps, version).
	CreateRun(ctx context.Context, r *run.Run) error

	// GetRun loads a run by id. Returns domain.ErrNotFound if absent.
	GetRun(ctx context.Context, id string) (*run.Run, error)

	// ListRuns returns all runs, newest first.
	ListRuns(ctx context.Context) ([]run.Run, error)

	// Save writes the run with the merge contract applied for writerPhase.
	// writerPhase must name the phase whose result the caller owns.
	Save(ctx context.Context, r *run.Run, writerPhase string) error

	// UpdateRunStatus updates only the status, current phase, and error
	// fields, leaving phase results untouched.
	UpdateRunStatus(ctx context.Context, id string, status run.Status, currentPhase, errMsg string) error
}
