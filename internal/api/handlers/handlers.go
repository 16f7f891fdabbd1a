// Package handlers implements the HTTP handlers for the Inquest engine. All
// handlers use the Store interface; workflow progress goes through the
// coordinator so the API and the queue consumers share one code path.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/opskit/inquest/internal/coordinator"
	"github.com/opskit/inquest/internal/queue"
	"github.com/opskit/inquest/internal/store"
	"github.com/opskit/inquest/internal/worker"
	"github.com/opskit/inquest/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store       store.Store
	Coordinator *coordinator.Coordinator
	Queue       queue.Publisher
	Workers     *worker.Registry
}

// New creates a new Handlers instance.
func New(s store.Store, c *coordinator.Coordinator, q queue.Publisher, w *worker.Registry) *Handlers {
	return &Handlers{Store: s, Coordinator: c, Queue: q, Workers: w}
}

// ── Message ingestion ────────────────────────────────────────

// PostMessage enqueues one coordinator message. The caller gets an
// acknowledgement, not the processing outcome; progress is observable
// through the investigation endpoints.
func (h *Handlers) PostMessage(w http.ResponseWriter, r *http.Request) {
	var msg models.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if _, err := queue.SubjectFor(msg.Type); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg.Type == models.MessageAlarm && msg.Alarm == "" && msg.Prompt == "" {
		respondError(w, http.StatusBadRequest, "alarm message requires alarm text")
		return
	}
	if msg.Type != models.MessageAlarm && msg.InvestigationID == "" {
		respondError(w, http.StatusBadRequest, "message requires investigation_id")
		return
	}

	if err := h.Queue.Publish(r.Context(), &msg); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("type", string(msg.Type)).Str("investigation_id", msg.InvestigationID).Msg("message enqueued")
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "enqueued"})
}

// ── Investigation handlers ───────────────────────────────────

func (h *Handlers) ListInvestigations(w http.ResponseWriter, r *http.Request) {
	status := models.InvestigationStatus(r.URL.Query().Get("status"))
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	invs, err := h.Store.ListInvestigations(r.Context(), status, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if invs == nil {
		invs = []models.Investigation{}
	}
	respondJSON(w, http.StatusOK, invs)
}

func (h *Handlers) GetInvestigation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "investigationId")
	inv, err := h.Store.GetInvestigation(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inv)
}

func (h *Handlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "investigationId")
	plan, err := h.Store.PlanState(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

func (h *Handlers) GetContext(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "investigationId")
	snap, err := h.Store.GetContext(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (h *Handlers) GetResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "investigationId")
	if _, err := h.Store.GetInvestigation(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	results, err := h.Store.ResultLog(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if results == nil {
		results = []models.ExecutionResult{}
	}
	respondJSON(w, http.StatusOK, results)
}

func (h *Handlers) CancelInvestigation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "investigationId")
	out := h.Coordinator.Cancel(r.Context(), id)
	switch out.Status {
	case coordinator.StatusCancelled:
		respondJSON(w, http.StatusOK, out)
	case coordinator.StatusTerminal:
		respondJSON(w, http.StatusConflict, out)
	default:
		respondError(w, http.StatusNotFound, out.Error)
	}
}

// ── Worker handlers ──────────────────────────────────────────

func (h *Handlers) ListWorkers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Workers.Describe())
}

// ── Helpers ──────────────────────────────────────────────────

func respondStoreError(w http.ResponseWriter, err error) {
	var notFound *store.ErrNotFound
	if errors.As(err, &notFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
