// handler/httpapi/orchestrate.handler.http.go

// Package httpapi is the synchronous HTTP surface: event ingest plus the
// investigator read endpoints. Reads go straight to the store and never
// touch the serializer.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/TuringDynamics3000/TuringMachines/internal/dispatch"
	"github.com/TuringDynamics3000/TuringMachines/internal/envelope"
	"github.com/TuringDynamics3000/TuringMachines/internal/models"
	"github.com/TuringDynamics3000/TuringMachines/shared/contracts"
	"github.com/TuringDynamics3000/TuringMachines/store"
)

// Handler wires the routes.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	store      store.WorkflowStore
}

func New(d *dispatch.Dispatcher, st store.WorkflowStore) *Handler {
	return &Handler{dispatcher: d, store: st}
}

// Mux builds the route table.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", h.postEvent)
	mux.HandleFunc("GET /workflows/{workflow_id}/current", h.getCurrent)
	mux.HandleFunc("GET /workflows/{workflow_id}/decisions", h.getTimeline)
	mux.HandleFunc("GET /workflows", h.listWorkflows)
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /ready", h.ready)
	return mux
}

func (h *Handler) postEvent(w http.ResponseWriter, r *http.Request) {
	var wire envelope.WireEvent
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeJSON(w, http.StatusBadRequest, dispatch.Ack{
			Status: dispatch.AckInvalid,
			Reason: "body is not a valid event envelope",
		})
		return
	}

	ack, err := h.dispatcher.Ingest(r.Context(), wire)
	if err != nil {
		log.Printf("ingest failed for event %s: %v", wire.EventID, err)
		http.Error(w, "ingest failed, retry later", http.StatusServiceUnavailable)
		return
	}

	status := http.StatusAccepted
	switch ack.Status {
	case dispatch.AckInvalid:
		status = http.StatusBadRequest
	case dispatch.AckBackpressure:
		// Retriable: the caller backs off and resubmits the same event_id.
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, ack)
}

// timelineEntry annotates a decision for investigators.
type timelineEntry struct {
	contracts.DecisionFinalised
	IsCurrent  bool   `json:"is_current"`
	Supersedes string `json:"supersedes,omitempty"`
}

func (h *Handler) getCurrent(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow_id")
	wf, decisions, err := h.store.Load(r.Context(), workflowID)
	if err != nil {
		h.loadError(w, workflowID, err)
		return
	}
	if wf.CurrentDecisionID == "" {
		http.Error(w, "no decision yet", http.StatusNotFound)
		return
	}
	for _, d := range decisions {
		if d.DecisionID == wf.CurrentDecisionID {
			writeJSON(w, http.StatusOK, contracts.FromDecision(d))
			return
		}
	}
	// A current_decision_id pointing nowhere means the log and the
	// projection disagree. That should be impossible.
	log.Printf("🚨 invariant violation: workflow %s current decision %s missing from log", workflowID, wf.CurrentDecisionID)
	http.Error(w, "decision log inconsistent", http.StatusInternalServerError)
}

func (h *Handler) getTimeline(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow_id")
	wf, decisions, err := h.store.Load(r.Context(), workflowID)
	if err != nil {
		h.loadError(w, workflowID, err)
		return
	}

	entries := make([]timelineEntry, 0, len(decisions))
	for _, d := range decisions {
		entries = append(entries, timelineEntry{
			DecisionFinalised: contracts.FromDecision(d),
			IsCurrent:         d.DecisionID == wf.CurrentDecisionID,
			Supersedes:        d.SupersedesDecisionID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": workflowID,
		"state":       wf.State,
		"count":       len(entries),
		"decisions":   entries,
	})
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	workflows, err := h.store.ListWorkflows(r.Context(), store.ListFilter{
		TenantID: r.URL.Query().Get("tenant_id"),
		State:    models.State(r.URL.Query().Get("state")),
		Limit:    limit,
	})
	if err != nil {
		http.Error(w, "listing failed", http.StatusServiceUnavailable)
		return
	}

	type row struct {
		WorkflowID        string       `json:"workflow_id"`
		TenantID          string       `json:"tenant_id"`
		State             models.State `json:"state"`
		CurrentDecisionID string       `json:"current_decision_id,omitempty"`
		Version           int64        `json:"version"`
	}
	rows := make([]row, 0, len(workflows))
	for _, wf := range workflows {
		rows = append(rows, row{
			WorkflowID:        wf.WorkflowID,
			TenantID:          wf.TenantID,
			State:             wf.State,
			CurrentDecisionID: wf.CurrentDecisionID,
			Version:           wf.Version,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(rows), "workflows": rows})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) loadError(w http.ResponseWriter, workflowID string, err error) {
	if errors.Is(err, store.ErrWorkflowNotFound) {
		http.Error(w, "workflow not found: "+workflowID, http.StatusNotFound)
		return
	}
	http.Error(w, "load failed", http.StatusServiceUnavailable)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}
