// Package memory implements the state store port with an in-process map.
// It carries the full merge contract and backs tests and single-node
// deployments without PostgreSQL.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crankshaft-ci/crankshaft/internal/domain"
	"github.com/crankshaft-ci/crankshaft/internal/domain/run"
)

// Store implements statestore.Store in memory. Saves for one run are
// serialized by a per-run mutex; the merge union is computed under that
// mutex so concurrent writers cannot clobber each other's phase results.
type Store struct {
	mu   sync.RWMutex
	runs map[string]*run.Run

	runMu sync.Mutex
	locks map[string]*sync.Mutex // per-run save serialization

	now func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		runs:  make(map[string]*run.Run),
		locks: make(map[string]*sync.Mutex),
		now:   time.Now,
	}
}

func (s *Store) lockFor(runID string) *sync.Mutex {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	l, ok := s.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[runID] = l
	}
	return l
}

// CreateRun persists a new run and fills in generated fields.
func (s *Store) CreateRun(_ context.Context, r *run.Run) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = run.StatusPending
	}
	if r.PhaseResults == nil {
		r.PhaseResults = make(map[string]run.PhaseResult)
	}
	now := s.now()
	r.CreatedAt = now
	r.UpdatedAt = now
	r.Version = 1

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[r.ID]; exists {
		return fmt.Errorf("create run %s: %w", r.ID, domain.ErrConflict)
	}
	s.runs[r.ID] = r.Clone()
	return nil
}

// GetRun loads a deep copy of the run.
func (s *Store) GetRun(_ context.Context, id string) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("get run %s: %w", id, domain.ErrNotFound)
	}
	return r.Clone(), nil
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(_ context.Context) ([]run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]run.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, *r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Save applies the merge contract: re-read the persisted run under the
// per-run mutex, take the persisted value for every phase result except
// writerPhase (whose value comes from the caller, even if absent on disk),
// and write the union atomically. The caller's stale view of other phases
// is discarded by construction, so a long-lived in-memory Run can never
// clobber a result a subprocess persisted after the caller's read.
func (s *Store) Save(_ context.Context, r *run.Run, writerPhase string) error {
	if writerPhase == "" {
		return fmt.Errorf("save run %s: writer phase is required", r.ID)
	}

	l := s.lockFor(r.ID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	persisted, ok := s.runs[r.ID]
	if !ok {
		return fmt.Errorf("save run %s: %w", r.ID, domain.ErrNotFound)
	}

	merged := r.Clone()
	merged.PhaseResults = make(map[string]run.PhaseResult, len(persisted.PhaseResults)+1)
	for name, res := range persisted.Clone().PhaseResults {
		merged.PhaseResults[name] = res
	}
	if res, exists := r.PhaseResults[writerPhase]; exists {
		merged.PhaseResults[writerPhase] = res
	} else {
		delete(merged.PhaseResults, writerPhase)
	}

	merged.Version = persisted.Version + 1
	merged.CreatedAt = persisted.CreatedAt
	merged.UpdatedAt = s.now()
	s.runs[r.ID] = merged

	r.PhaseResults = merged.Clone().PhaseResults
	r.Version = merged.Version
	r.UpdatedAt = merged.UpdatedAt
	return nil
}

// UpdateRunStatus updates status, current phase, and error, leaving phase
// results untouched.
func (s *Store) UpdateRunStatus(_ context.Context, id string, status run.Status, currentPhase, errMsg string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("update run %s: %w", id, domain.ErrNotFound)
	}
	r.Status = status
	r.CurrentPhase = currentPhase
	r.Error = errMsg
	r.Version++
	r.UpdatedAt = s.now()
	return nil
}
