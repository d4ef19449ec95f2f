package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crankshaft-ci/crankshaft/internal/adapter/memory"
	"github.com/crankshaft-ci/crankshaft/internal/domain"
	"github.com/crankshaft-ci/crankshaft/internal/domain/run"
)

func createRun(t *testing.T, s *memory.Store) *run.Run {
	t.Helper()
	r := &run.Run{SubjectRef: "issue:123", Template: "standard-delivery"}
	if err := s.CreateRun(context.Background(), r); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return r
}

func result(phase string, success bool) run.PhaseResult {
	return run.PhaseResult{
		Phase:     phase,
		Success:   success,
		Attempt:   1,
		StartedAt: time.Now().Add(-time.Second),
		EndedAt:   time.Now(),
		Duration:  time.Second,
	}
}

func TestCreateRun_GeneratesFields(t *testing.T) {
	s := memory.NewStore()
	r := createRun(t, s)

	if r.ID == "" {
		t.Fatal("expected generated id")
	}
	if r.Status != run.StatusPending {
		t.Fatalf("expected pending, got %s", r.Status)
	}
	if r.Version != 1 {
		t.Fatalf("expected version 1, got %d", r.Version)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := memory.NewStore()
	_, err := s.GetRun(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func TestGetRun_ReturnsCopy(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()
	r := createRun(t, s)

	loaded, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	loaded.PhaseResults["rogue"] = result("rogue", true)

	again, _ := s.GetRun(ctx, r.ID)
	if len(again.PhaseResults) != 0 {
		t.Fatal("mutating a loaded run leaked into the store")
	}
}

func TestSave_WriterPhaseRequired(t *testing.T) {
	s := memory.NewStore()
	r := createRun(t, s)
	if err := s.Save(context.Background(), r, ""); err == nil {
		t.Fatal("expected error for empty writer phase")
	}
}

func TestSave_WritesWriterResult(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()
	r := createRun(t, s)

	r.PhaseResults["plan"] = result("plan", true)
	if err := s.Save(ctx, r, "plan"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, _ := s.GetRun(ctx, r.ID)
	if _, ok := loaded.PhaseResults["plan"]; !ok {
		t.Fatal("plan result missing after save")
	}
}

// Stale-read scenario: a run loaded at T0 is saved at T2 by an unrelated
// writer after phase A persisted its result at T1. A's result must survive.
func TestSave_NoOverwriteViaStaleRead(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()
	r := createRun(t, s)

	// T0: unrelated caller stages a long-lived copy.
	stale, _ := s.GetRun(ctx, r.ID)

	// T1: phase A completes and saves.
	a, _ := s.GetRun(ctx, r.ID)
	a.PhaseResults["build"] = result("build", true)
	if err := s.Save(ctx, a, "build"); err != nil {
		t.Fatalf("build save failed: %v", err)
	}

	// T2: the T0 copy is saved for a different phase.
	stale.PhaseResults["plan"] = result("plan", true)
	if err := s.Save(ctx, stale, "plan"); err != nil {
		t.Fatalf("plan save failed: %v", err)
	}

	loaded, _ := s.GetRun(ctx, r.ID)
	if _, ok := loaded.PhaseResults["build"]; !ok {
		t.Fatal("stale save clobbered build result")
	}
	if _, ok := loaded.PhaseResults["plan"]; !ok {
		t.Fatal("plan result missing")
	}
}

// A caller's stale view of phases other than its own is discarded in favor
// of the freshly re-read persisted values.
func TestSave_CallerStaleViewOfOtherPhasesDiscarded(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()
	r := createRun(t, s)

	a, _ := s.GetRun(ctx, r.ID)
	a.PhaseResults["build"] = result("build", true)
	if err := s.Save(ctx, a, "build"); err != nil {
		t.Fatalf("build save failed: %v", err)
	}

	// Unrelated writer holds a doctored copy claiming build failed.
	b, _ := s.GetRun(ctx, r.ID)
	doctored := b.PhaseResults["build"]
	doctored.Success = false
	b.PhaseResults["build"] = doctored
	b.PhaseResults["test"] = result("test", true)
	if err := s.Save(ctx, b, "test"); err != nil {
		t.Fatalf("test save failed: %v", err)
	}

	loaded, _ := s.GetRun(ctx, r.ID)
	if !loaded.PhaseResults["build"].Success {
		t.Fatal("non-writer phase was overwritten by a stale caller copy")
	}
}

func TestSave_ConcurrentWritersBothSurvive(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()
	r := createRun(t, s)

	phases := []string{"plan", "build", "test", "ship", "verify", "audit"}
	var wg sync.WaitGroup
	for _, phase := range phases {
		wg.Add(1)
		go func(phase string) {
			defer wg.Done()
			cp, err := s.GetRun(ctx, r.ID)
			if err != nil {
				t.Errorf("load for %s: %v", phase, err)
				return
			}
			cp.PhaseResults[phase] = result(phase, true)
			if err := s.Save(ctx, cp, phase); err != nil {
				t.Errorf("save for %s: %v", phase, err)
			}
		}(phase)
	}
	wg.Wait()

	loaded, _ := s.GetRun(ctx, r.ID)
	for _, phase := range phases {
		if _, ok := loaded.PhaseResults[phase]; !ok {
			t.Errorf("result for %s lost in concurrent merge", phase)
		}
	}
}

func TestSave_RetryBumpsAttempt(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()
	r := createRun(t, s)

	first := result("build", false)
	r.PhaseResults["build"] = first
	if err := s.Save(ctx, r, "build"); err != nil {
		t.Fatalf("first save failed: %v", err)
	}

	retry := result("build", true)
	retry.Attempt = 2
	r.PhaseResults["build"] = retry
	if err := s.Save(ctx, r, "build"); err != nil {
		t.Fatalf("retry save failed: %v", err)
	}

	loaded, _ := s.GetRun(ctx, r.ID)
	got := loaded.PhaseResults["build"]
	if got.Attempt != 2 || !got.Success {
		t.Fatalf("expected attempt 2 success, got attempt %d success %v", got.Attempt, got.Success)
	}
}

func TestUpdateRunStatus_LeavesResultsUntouched(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()
	r := createRun(t, s)

	r.PhaseResults["plan"] = result("plan", true)
	if err := s.Save(ctx, r, "plan"); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if err := s.UpdateRunStatus(ctx, r.ID, run.StatusRunning, "build", ""); err != nil {
		t.Fatalf("UpdateRunStatus failed: %v", err)
	}

	loaded, _ := s.GetRun(ctx, r.ID)
	if loaded.Status != run.StatusRunning || loaded.CurrentPhase != "build" {
		t.Fatalf("status not updated: %s / %s", loaded.Status, loaded.CurrentPhase)
	}
	if _, ok := loaded.PhaseResults["plan"]; !ok {
		t.Fatal("status update dropped phase results")
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()

	first := &run.Run{SubjectRef: "issue:1", Template: "t"}
	if err := s.CreateRun(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second := &run.Run{SubjectRef: "issue:2", Template: "t"}
	if err := s.CreateRun(ctx, second); err != nil {
		t.Fatalf("create: %v", err)
	}

	runs, err := s.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != second.ID {
		t.Fatalf("expected newest first, got %+v", runs)
	}
}
