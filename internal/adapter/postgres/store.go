package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crankshaft-ci/crankshaft/internal/domain"
	"github.com/crankshaft-ci/crankshaft/internal/domain/run"
)

const defaultMergeRetries = 3

// Store implements statestore.Store using PostgreSQL. Save applies the
// merge contract inside a transaction: the persisted phase_results row is
// re-read under FOR UPDATE, the writer phase's result is taken from the
// caller, every other phase keeps its persisted value, and the union is
// written back guarded by the version column.
type Store struct {
	pool         *pgxpool.Pool
	mergeRetries int
}

// NewStore creates a new Store backed by the given connection pool.
// mergeRetries bounds how often Save retries on a version conflict; zero
// or negative falls back to the default.
func NewStore(pool *pgxpool.Pool, mergeRetries int) *Store {
	if mergeRetries <= 0 {
		mergeRetries = defaultMergeRetries
	}
	return &Store{pool: pool, mergeRetries: mergeRetries}
}

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (run.Run, error) {
	var (
		r           run.Run
		resultsJSON []byte
	)
	err := row.Scan(&r.ID, &r.SubjectRef, &r.Template, &r.Status, &r.CurrentPhase,
		&r.Priority, &resultsJSON, &r.Error, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return run.Run{}, err
	}
	if err := json.Unmarshal(resultsJSON, &r.PhaseResults); err != nil {
		return run.Run{}, fmt.Errorf("unmarshal phase results: %w", err)
	}
	if r.PhaseResults == nil {
		r.PhaseResults = make(map[string]run.PhaseResult)
	}
	return r, nil
}

const runColumns = `id, subject_ref, template, status, current_phase, priority, phase_results, error, version, created_at, updated_at`

// CreateRun inserts a new run and fills in generated fields on r.
func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	if r.Status == "" {
		r.Status = run.StatusPending
	}
	if r.PhaseResults == nil {
		r.PhaseResults = make(map[string]run.PhaseResult)
	}
	resultsJSON, err := json.Marshal(r.PhaseResults)
	if err != nil {
		return fmt.Errorf("marshal phase results: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO runs (subject_ref, template, status, current_phase, priority, phase_results)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+runColumns,
		r.SubjectRef, r.Template, r.Status, r.CurrentPhase, r.Priority, resultsJSON)

	created, err := scanRun(row)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	*r = created
	return nil
}

// GetRun loads a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id)

	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get run %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &r, nil
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]run.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Save persists r's result for writerPhase without disturbing results other
// writers persisted since the caller's read. Version conflicts with writers
// that bypass the row lock are retried up to mergeRetries times before
// domain.ErrStaleWrite is returned.
func (s *Store) Save(ctx context.Context, r *run.Run, writerPhase string) error {
	if writerPhase == "" {
		return fmt.Errorf("save run %s: writer phase is required", r.ID)
	}

	for attempt := 0; attempt < s.mergeRetries; attempt++ {
		ok, err := s.trySave(ctx, r, writerPhase)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("save run %s phase %s: %w", r.ID, writerPhase, domain.ErrStaleWrite)
}

// trySave runs one merge attempt. It returns (false, nil) when the
// version-guarded UPDATE hit a concurrent writer and the caller should retry.
func (s *Store) trySave(ctx context.Context, r *run.Run, writerPhase string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("save run %s: begin: %w", r.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		persistedJSON []byte
		version       int
	)
	err = tx.QueryRow(ctx,
		`SELECT phase_results, version FROM runs WHERE id = $1 FOR UPDATE`,
		r.ID).Scan(&persistedJSON, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("save run %s: %w", r.ID, domain.ErrNotFound)
		}
		return false, fmt.Errorf("save run %s: read persisted state: %w", r.ID, err)
	}

	merged := make(map[string]run.PhaseResult)
	if err := json.Unmarshal(persistedJSON, &merged); err != nil {
		return false, fmt.Errorf("save run %s: unmarshal persisted results: %w", r.ID, err)
	}
	if res, exists := r.PhaseResults[writerPhase]; exists {
		merged[writerPhase] = res
	} else {
		delete(merged, writerPhase)
	}

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return false, fmt.Errorf("save run %s: marshal merged results: %w", r.ID, err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE runs
		 SET phase_results = $2, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $3`,
		r.ID, mergedJSON, version)
	if err != nil {
		return false, fmt.Errorf("save run %s: update: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("save run %s: commit: %w", r.ID, err)
	}

	r.PhaseResults = merged
	r.Version = version + 1
	return true, nil
}

// UpdateRunStatus updates status, current phase, and error, leaving phase
// results untouched.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status run.Status, currentPhase, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = $2, current_phase = $3, error = $4, version = version + 1, updated_at = now()
		 WHERE id = $1`,
		id, status, currentPhase, errMsg)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update run %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
