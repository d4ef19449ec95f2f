package http

import (
	"net/http"
	"strings"

	"github.com/crankshaft-ci/crankshaft/internal/domain/run"
	"github.com/crankshaft-ci/crankshaft/internal/lock"
	"github.com/crankshaft-ci/crankshaft/internal/port/messagequeue"
	"github.com/crankshaft-ci/crankshaft/internal/service"
	"github.com/crankshaft-ci/crankshaft/internal/slot"
)

// Handlers bundles the services the HTTP surface exposes.
type Handlers struct {
	runs        *service.RunService
	completions *service.Continuation
	locks       *lock.Manager
	slots       *slot.Pool
	queue       *service.PhaseQueue
}

// NewHandlers creates the handler set.
func NewHandlers(runs *service.RunService, completions *service.Continuation,
	locks *lock.Manager, slots *slot.Pool, queue *service.PhaseQueue) *Handlers {
	return &Handlers{
		runs:        runs,
		completions: completions,
		locks:       locks,
		slots:       slots,
		queue:       queue,
	}
}

// CreateRun starts a new delivery run.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[run.CreateRequest](w, r)
	if !ok {
		return
	}

	created, err := h.runs.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListRuns returns all runs, newest first.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.List(r.Context())
	if err != nil {
		writeDomainError(w, err, "runs not found")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun returns one run with its phase results.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	loaded, err := h.runs.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, loaded)
}

// CancelRun stops a run: queued phases are dropped and any live phase
// subprocess is terminated.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.runs.Cancel(r.Context(), id); err != nil {
		if strings.Contains(err.Error(), "already") {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ReportPhase accepts a phase completion from a runner that cannot reach the
// message queue. The body is the same payload the queue carries.
func (h *Handlers) ReportPhase(w http.ResponseWriter, r *http.Request) {
	payload, ok := readJSON[messagequeue.PhaseCompletePayload](w, r)
	if !ok {
		return
	}
	payload.RunID = urlParam(r, "id")
	payload.Phase = urlParam(r, "phase")

	if err := h.completions.HandleCompletion(r.Context(), payload); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ListTemplates returns the registered delivery templates.
func (h *Handlers) ListTemplates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.runs.Templates())
}

// QueueStatus returns the pending entries in dispatch order.
func (h *Handlers) QueueStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"depth":   h.queue.Depth(),
		"entries": h.queue.Snapshot(),
	})
}

// SlotStatus returns the execution slot table.
func (h *Handlers) SlotStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"size":     h.slots.Size(),
		"occupied": h.slots.Occupied(),
		"slots":    h.slots.Snapshot(),
	})
}

// LockStatus returns the live leases.
func (h *Handlers) LockStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.locks.Snapshot())
}
