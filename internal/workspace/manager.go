// Package workspace manages per-run working directories for phase runners.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/semaphore"
)

// Manager creates and removes run workspaces under a single root directory.
// Preparation and cleanup touch the filesystem heavily, so a weighted
// semaphore caps how many run concurrently.
type Manager struct {
	root string
	sem  *semaphore.Weighted
}

// NewManager creates a Manager rooted at root, allowing at most maxOps
// concurrent filesystem operations.
func NewManager(root string, maxOps int64) *Manager {
	if maxOps < 1 {
		maxOps = 1
	}
	return &Manager{root: root, sem: semaphore.NewWeighted(maxOps)}
}

// Path returns the workspace directory for a run without creating it.
func (m *Manager) Path(runID string) string {
	return filepath.Join(m.root, runID)
}

// Prepare creates the workspace directory for a run and returns its path.
// Preparing an existing workspace is a no-op, so phase retries reuse the
// directory the previous attempt left behind.
func (m *Manager) Prepare(ctx context.Context, runID string) (string, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("prepare workspace %s: %w", runID, err)
	}
	defer m.sem.Release(1)

	dir := m.Path(runID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("prepare workspace %s: %w", runID, err)
	}
	return dir, nil
}

// Cleanup removes a run's workspace directory and everything in it.
// A missing workspace is not an error.
func (m *Manager) Cleanup(ctx context.Context, runID string) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("cleanup workspace %s: %w", runID, err)
	}
	defer m.sem.Release(1)

	if err := os.RemoveAll(m.Path(runID)); err != nil {
		return fmt.Errorf("cleanup workspace %s: %w", runID, err)
	}
	return nil
}
