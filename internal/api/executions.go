package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/rendis/hireflow/internal/store"
	"github.com/rendis/hireflow/pkg/schema"
)

type ingestEventRequest struct {
	ID          string              `json:"id" validate:"required,max=200"`
	CandidateID string              `json:"candidateId" validate:"required,max=200"`
	Type        schema.EventType    `json:"type" validate:"required,oneof=status_changed tag_added score_updated"`
	Payload     schema.EventPayload `json:"payload"`
	OccurredAt  *time.Time          `json:"occurredAt"`
}

type actionResultRequest struct {
	Status    schema.ActionStatus `json:"status" validate:"required,oneof=success failed"`
	Error     string              `json:"error" validate:"required_if=Status failed"`
	ErrorCode string              `json:"errorCode"`
	Output    json.RawMessage     `json:"output"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestEventRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	ev := schema.CandidateEvent{
		ID:          req.ID,
		CandidateID: req.CandidateID,
		Type:        req.Type,
		Payload:     req.Payload,
	}
	if req.OccurredAt != nil {
		ev.OccurredAt = req.OccurredAt.UTC()
	}
	if err := s.deps.Engine.Ingest(r.Context(), ev); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "eventId": ev.ID})
}

func (s *Server) handleWorkflowExecutions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	if _, err := s.deps.Engine.Workflows().Get(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	recs, err := s.deps.Ledger.ListExecutions(ctx, store.ExecutionFilter{
		WorkflowID:  id,
		CandidateID: q.Get("candidate_id"),
		Status:      schema.ExecutionStatus(q.Get("status")),
		Limit:       queryInt(r, "limit", 100),
		Offset:      queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*store.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": recs, "count": len(recs)})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := s.deps.Ledger.GetExecution(ctx, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	tl, err := store.NewEventLog(s.deps.Ledger).Replay(ctx, rec.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	events := tl.Events
	if events == nil {
		events = []*store.LedgerEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution": rec,
		"events":    events,
		"timeline": map[string]any{
			"status":      tl.Status,
			"reservedAt":  tl.ReservedAt,
			"completedAt": tl.CompletedAt,
			"retries":     tl.Retries,
		},
	})
}

func (s *Server) handleActionResult(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	index, err := strconv.Atoi(vars["index"])
	if err != nil {
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "invalid action index %q", vars["index"]))
		return
	}
	var req actionResultRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.deps.Engine.CompleteAsyncAction(r.Context(), vars["id"], index, store.ActionResult{
		Status:    req.Status,
		Error:     req.Error,
		ErrorCode: req.ErrorCode,
		Output:    req.Output,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
