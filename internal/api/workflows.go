package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/rendis/hireflow/internal/store"
	"github.com/rendis/hireflow/pkg/schema"
)

// workflowView adds the derived lifecycle state to a stored workflow.
type workflowView struct {
	*store.Workflow
	State schema.WorkflowState `json:"state"`
}

func viewOf(wf *store.Workflow) workflowView {
	return workflowView{Workflow: wf, State: wf.State()}
}

type createWorkflowRequest struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=2000"`
	IsActive    bool   `json:"isActive"`
	TestMode    bool   `json:"testMode"`
	Priority    int    `json:"priority"`

	schema.WorkflowDefinition
}

type updateWorkflowRequest struct {
	Name        *string                    `json:"name" validate:"omitempty,max=200"`
	Description *string                    `json:"description" validate:"omitempty,max=2000"`
	Definition  *schema.WorkflowDefinition `json:"definition"`
	IsActive    *bool                      `json:"isActive"`
	TestMode    *bool                      `json:"testMode"`
	Priority    *int                       `json:"priority"`
	Version     int64                      `json:"version" validate:"gte=0"`
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := store.WorkflowFilter{
		Active: queryBool(r, "active"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if inc := queryBool(r, "include_archived"); inc != nil {
		filter.IncludeArchived = *inc
	}
	if t := r.URL.Query().Get("trigger"); t != "" {
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				filter.TriggerTypes = append(filter.TriggerTypes, schema.TriggerType(strings.ToUpper(part)))
			}
		}
	}

	wfs, err := s.deps.Engine.Workflows().List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]workflowView, 0, len(wfs))
	for _, wf := range wfs {
		views = append(views, viewOf(wf))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": views, "count": len(views)})
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	wf, err := s.deps.Engine.Workflows().Create(r.Context(), &store.Workflow{
		Name:               req.Name,
		Description:        req.Description,
		WorkflowDefinition: req.WorkflowDefinition,
		IsActive:           req.IsActive,
		TestMode:           req.TestMode,
		Priority:           req.Priority,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(wf))
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Engine.Workflows().Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(wf))
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req updateWorkflowRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	wf, err := s.deps.Engine.Workflows().Update(r.Context(), mux.Vars(r)["id"], store.WorkflowUpdate{
		Name:            req.Name,
		Description:     req.Description,
		Definition:      req.Definition,
		IsActive:        req.IsActive,
		TestMode:        req.TestMode,
		Priority:        req.Priority,
		ExpectedVersion: req.Version,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(wf))
}

// handleArchiveWorkflow archives; workflows are never hard-deleted.
func (s *Server) handleArchiveWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Engine.Workflows().Archive(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(wf))
}
