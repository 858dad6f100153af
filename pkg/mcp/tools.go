package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/hireflow/internal/diagram"
	"github.com/rendis/hireflow/internal/store"
	"github.com/rendis/hireflow/pkg/schema"
)

const defaultLimit = 50

// handleIngest queues a candidate event.
func (s *HireflowServer) handleIngest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id is required"), nil
	}
	candidateID, err := req.RequireString("candidate_id")
	if err != nil {
		return mcp.NewToolResultError("candidate_id is required"), nil
	}
	eventType, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}

	ev := schema.CandidateEvent{
		ID:          id,
		CandidateID: candidateID,
		Type:        schema.EventType(eventType),
	}
	if raw := mcp.ParseStringMap(req, "payload", nil); raw != nil {
		data, _ := json.Marshal(raw)
		if err := json.Unmarshal(data, &ev.Payload); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid payload: %v", err)), nil
		}
	}
	if at := req.GetString("occurred_at", ""); at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("occurred_at must be RFC 3339: %v", err)), nil
		}
		ev.OccurredAt = t.UTC()
	}

	if err := s.ingester.Ingest(ctx, ev); err != nil {
		return toolError("ingest failed", err), nil
	}
	return marshalResult(map[string]any{
		"accepted": true,
		"event_id": ev.ID,
	})
}

// handleWorkflows returns one workflow or a filtered list.
func (s *HireflowServer) handleWorkflows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if id := req.GetString("workflow_id", ""); id != "" {
		wf, err := s.workflows.Get(ctx, id)
		if err != nil {
			return toolError("workflow lookup failed", err), nil
		}
		return marshalResult(summarize(wf))
	}

	args := req.GetArguments()
	filter := store.WorkflowFilter{
		Limit:           extractInt(args, "limit", defaultLimit),
		IncludeArchived: req.GetBool("include_archived", false),
	}
	if active, ok := args["active"].(bool); ok {
		filter.Active = &active
	}
	if trigger := req.GetString("trigger", ""); trigger != "" {
		filter.TriggerTypes = []schema.TriggerType{schema.TriggerType(strings.ToUpper(trigger))}
	}

	wfs, err := s.workflows.List(ctx, filter)
	if err != nil {
		return toolError("workflow query failed", err), nil
	}
	out := make([]map[string]any, 0, len(wfs))
	for _, wf := range wfs {
		out = append(out, summarize(wf))
	}
	return marshalResult(map[string]any{"workflows": out})
}

// handleExecutions returns one execution with its audit trail, or a filtered list.
func (s *HireflowServer) handleExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if id := req.GetString("execution_id", ""); id != "" {
		rec, err := s.executions.GetExecution(ctx, id)
		if err != nil {
			return toolError("execution lookup failed", err), nil
		}
		events, err := s.executions.GetLedgerEvents(ctx, id, 0)
		if err != nil {
			return toolError("audit lookup failed", err), nil
		}
		return marshalResult(map[string]any{"execution": rec, "events": events})
	}

	recs, err := s.executions.ListExecutions(ctx, store.ExecutionFilter{
		WorkflowID:  req.GetString("workflow_id", ""),
		CandidateID: req.GetString("candidate_id", ""),
		Status:      schema.ExecutionStatus(req.GetString("status", "")),
		Limit:       extractInt(req.GetArguments(), "limit", defaultLimit),
	})
	if err != nil {
		return toolError("execution query failed", err), nil
	}
	if recs == nil {
		recs = []*store.ExecutionRecord{}
	}
	return marshalResult(map[string]any{"executions": recs})
}

// handleSetActive activates or pauses a workflow.
func (s *HireflowServer) handleSetActive(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	active, err := req.RequireBool("active")
	if err != nil {
		return mcp.NewToolResultError("active is required"), nil
	}

	wf, err := s.workflows.SetActive(ctx, id, active)
	if err != nil {
		return toolError("update failed", err), nil
	}
	return marshalResult(summarize(wf))
}

// handleDiagram draws a workflow, optionally with one execution's results.
func (s *HireflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	wf, err := s.workflows.Get(ctx, id)
	if err != nil {
		return toolError("workflow lookup failed", err), nil
	}
	var rec *store.ExecutionRecord
	if execID := req.GetString("execution_id", ""); execID != "" {
		if rec, err = s.executions.GetExecution(ctx, execID); err != nil {
			return toolError("execution lookup failed", err), nil
		}
	}

	model, err := diagram.Build(wf, rec)
	if err != nil {
		return toolError("diagram build failed", err), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, err := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// --- Helpers ---

// summarize is the compact workflow shape returned to agents.
func summarize(wf *store.Workflow) map[string]any {
	return map[string]any{
		"id":              wf.ID,
		"name":            wf.Name,
		"state":           wf.State(),
		"trigger":         wf.Trigger.Type,
		"actions":         len(wf.Actions),
		"priority":        wf.Priority,
		"test_mode":       wf.TestMode,
		"execution_count": wf.ExecutionCount,
		"success_count":   wf.SuccessCount,
		"failure_count":   wf.FailureCount,
		"version":         wf.Version,
	}
}

// toolError reports err with its code so agents can branch on it.
func toolError(prefix string, err error) *mcp.CallToolResult {
	if code := schema.CodeOf(err); code != "" {
		return mcp.NewToolResultError(fmt.Sprintf("%s (%s): %v", prefix, code, err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// extractInt safely extracts an integer from a map.
func extractInt(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
