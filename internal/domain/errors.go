// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrStaleWrite indicates a merge-safe save exhausted its bounded retries.
// The caller recovers by re-running the logical operation, never by
// discarding another writer's data.
var ErrStaleWrite = errors.New("stale write: merge retries exhausted")

// ErrLockBusy indicates a live lease exists for a different holder.
var ErrLockBusy = errors.New("lock busy: held by another holder")

// ErrNotHolder indicates a release or renew attempt by a caller that does
// not hold the lease.
var ErrNotHolder = errors.New("not lease holder")

// ErrUnknownTemplate indicates a run references a template that is not
// registered. Configuration defect, fatal to the run.
var ErrUnknownTemplate = errors.New("unknown template")

// ErrUnknownPhase indicates a phase name that does not appear in the
// referenced template.
var ErrUnknownPhase = errors.New("unknown phase")
