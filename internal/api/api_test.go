package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hireflow/internal/actions"
	"github.com/rendis/hireflow/internal/engine"
	"github.com/rendis/hireflow/internal/scheduler"
	"github.com/rendis/hireflow/internal/store"
	"github.com/rendis/hireflow/internal/streaming"
	"github.com/rendis/hireflow/pkg/schema"
)

type apiEnv struct {
	srv        *httptest.Server
	engine     *engine.Engine
	store      *store.LibSQLStore
	hub        *streaming.MemoryHub
	candidates *actions.MemoryCandidates
}

func newAPIEnv(t *testing.T, queueSize int) *apiEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	hub := streaming.NewMemoryHub()
	t.Cleanup(hub.Close)
	candidates := actions.NewMemoryCandidates()

	eng, err := engine.New(engine.Config{Workers: 2, QueueSize: queueSize}, engine.Deps{
		Store:         s,
		Collaborators: actions.Collaborators{Candidates: candidates, Directory: candidates},
		Hub:           hub,
		Logger:        logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })

	api := NewServer(":0", Deps{
		Engine: eng,
		Ledger: s,
		Hub:    hub,
		Jobs: func() []scheduler.JobStatus {
			return []scheduler.JobStatus{{Name: scheduler.JobRedrive, Spec: "@every 1m"}}
		},
		Logger: logger,
	})
	srv := httptest.NewServer(api.Handler)
	t.Cleanup(srv.Close)

	return &apiEnv{srv: srv, engine: eng, store: s, hub: hub, candidates: candidates}
}

func (env *apiEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rdr = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			rdr = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequest(method, env.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func workflowBody(name string) map[string]any {
	return map[string]any{
		"name":     name,
		"isActive": true,
		"priority": 5,
		"trigger": map[string]any{
			"type":   "STATUS_CHANGED",
			"config": map[string]any{"toStatus": "INTERVIEW"},
		},
		"actions": []any{
			map[string]any{"type": "ADD_TAG", "config": map[string]any{"tag": "interviewing"}},
		},
	}
}

func TestWorkflowCRUD(t *testing.T) {
	env := newAPIEnv(t, 16)

	status, created := env.do(t, http.MethodPost, "/api/v1/workflows", workflowBody("interview follow-up"))
	require.Equal(t, http.StatusCreated, status, created)
	id := created["id"].(string)
	assert.Equal(t, "active", created["state"])
	assert.Equal(t, float64(1), created["version"])
	assert.Equal(t, "STATUS_CHANGED", created["trigger"].(map[string]any)["type"])

	status, list := env.do(t, http.MethodGet, "/api/v1/workflows?active=true&trigger=status_changed", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), list["count"])

	status, list = env.do(t, http.MethodGet, "/api/v1/workflows?trigger=TAG_ADDED", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), list["count"])

	status, got := env.do(t, http.MethodGet, "/api/v1/workflows/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "interview follow-up", got["name"])
	assert.Equal(t, float64(0), got["executionCount"])

	status, updated := env.do(t, http.MethodPut, "/api/v1/workflows/"+id, map[string]any{
		"name": "renamed", "priority": 9, "version": 1,
	})
	require.Equal(t, http.StatusOK, status, updated)
	assert.Equal(t, "renamed", updated["name"])
	assert.Equal(t, float64(9), updated["priority"])
	assert.Equal(t, float64(2), updated["version"])

	status, body := env.do(t, http.MethodPut, "/api/v1/workflows/"+id, map[string]any{"name": "stale", "version": 1})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, schema.ErrCodeConflict, errorCode(body))

	status, paused := env.do(t, http.MethodPut, "/api/v1/workflows/"+id, map[string]any{"isActive": false})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, paused["isActive"])
	assert.Equal(t, "draft", paused["state"], "never executed, so pausing returns it to draft")

	status, archived := env.do(t, http.MethodDelete, "/api/v1/workflows/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "archived", archived["state"])

	status, body = env.do(t, http.MethodPut, "/api/v1/workflows/"+id, map[string]any{"isActive": true})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, schema.ErrCodeInvalidTransition, errorCode(body))

	status, list = env.do(t, http.MethodGet, "/api/v1/workflows", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), list["count"], "archived workflows are hidden by default")

	status, list = env.do(t, http.MethodGet, "/api/v1/workflows?include_archived=true", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), list["count"])
}

func TestWorkflowValidationErrors(t *testing.T) {
	env := newAPIEnv(t, 16)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"malformed json", http.MethodPost, "/api/v1/workflows", `{"name":`, http.StatusBadRequest},
		{"missing name", http.MethodPost, "/api/v1/workflows", map[string]any{"trigger": map[string]any{"type": "STATUS_CHANGED"}}, http.StatusBadRequest},
		{"unknown trigger", http.MethodPost, "/api/v1/workflows", map[string]any{"name": "x", "trigger": map[string]any{"type": "OFFER_SENT"}}, http.StatusBadRequest},
		{"name too long", http.MethodPost, "/api/v1/workflows", map[string]any{"name": strings.Repeat("n", 201)}, http.StatusBadRequest},
		{"negative version", http.MethodPut, "/api/v1/workflows/any", map[string]any{"version": -1}, http.StatusBadRequest},
		{"unknown workflow", http.MethodGet, "/api/v1/workflows/missing", nil, http.StatusNotFound},
		{"unknown workflow executions", http.MethodGet, "/api/v1/workflows/missing/executions", nil, http.StatusNotFound},
		{"unknown execution", http.MethodGet, "/api/v1/executions/missing", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, status, body)
			if tt.status == http.StatusBadRequest {
				assert.Equal(t, schema.ErrCodeValidation, errorCode(body))
			}
		})
	}
}

func TestIngestAndInspectExecution(t *testing.T) {
	env := newAPIEnv(t, 16)
	status, created := env.do(t, http.MethodPost, "/api/v1/workflows", workflowBody("interview follow-up"))
	require.Equal(t, http.StatusCreated, status)
	wfID := created["id"].(string)

	env.engine.Start(context.Background())

	status, body := env.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"id":          "evt-1",
		"candidateId": "cand-1",
		"type":        "status_changed",
		"payload":     map[string]any{"fromStatus": "SCREENING", "toStatus": "INTERVIEW"},
	})
	require.Equal(t, http.StatusAccepted, status, body)
	assert.Equal(t, "evt-1", body["eventId"])

	var executions []any
	require.Eventually(t, func() bool {
		_, list := env.do(t, http.MethodGet, "/api/v1/workflows/"+wfID+"/executions", nil)
		executions, _ = list["executions"].([]any)
		if len(executions) != 1 {
			return false
		}
		return executions[0].(map[string]any)["status"] == string(schema.ExecutionCompleted)
	}, 5*time.Second, 20*time.Millisecond)

	execID := executions[0].(map[string]any)["id"].(string)
	status, detail := env.do(t, http.MethodGet, "/api/v1/executions/"+execID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "cand-1", detail["execution"].(map[string]any)["candidateId"])
	events := detail["events"].([]any)
	require.NotEmpty(t, events)
	assert.Equal(t, schema.LedgerExecutionReserved, events[0].(map[string]any)["eventType"])
	timeline := detail["timeline"].(map[string]any)
	assert.Equal(t, string(schema.ExecutionCompleted), timeline["status"])
	assert.NotNil(t, timeline["completedAt"])

	cand, ok := env.candidates.Get("cand-1")
	require.True(t, ok)
	assert.Contains(t, cand.Tags, "interviewing")

	status, _ = env.do(t, http.MethodGet, "/api/v1/workflows/"+wfID+"/executions?status=failed", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestIngestRejections(t *testing.T) {
	env := newAPIEnv(t, 1)

	status, body := env.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"id": "evt-1", "candidateId": "cand-1", "type": "offer_sent",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(body))

	status, _ = env.do(t, http.MethodPost, "/api/v1/events", map[string]any{"type": "tag_added"})
	assert.Equal(t, http.StatusBadRequest, status)

	// Stage ticks are produced by the scheduler only.
	status, body = env.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"id": "evt-tick", "candidateId": "cand-1", "type": "stage_tick",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(body))

	// The engine is not started, so the single queue slot stays taken.
	ev := map[string]any{"id": "evt-2", "candidateId": "cand-1", "type": "tag_added", "payload": map[string]any{"tag": "x"}}
	status, _ = env.do(t, http.MethodPost, "/api/v1/events", ev)
	require.Equal(t, http.StatusAccepted, status)

	ev["id"] = "evt-3"
	status, body = env.do(t, http.MethodPost, "/api/v1/events", ev)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, schema.ErrCodeQueueFull, errorCode(body))
}

func TestActionResultErrors(t *testing.T) {
	env := newAPIEnv(t, 16)

	status, body := env.do(t, http.MethodPost, "/api/v1/executions/missing/actions/0/result", map[string]any{"status": "success"})
	assert.Equal(t, http.StatusNotFound, status, body)

	status, body = env.do(t, http.MethodPost, "/api/v1/executions/missing/actions/0/result", map[string]any{"status": "pending"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(body))

	status, _ = env.do(t, http.MethodPost, "/api/v1/executions/missing/actions/0/result", map[string]any{"status": "failed"})
	assert.Equal(t, http.StatusBadRequest, status, "a failed result needs an error message")

	status, _ = env.do(t, http.MethodPost, "/api/v1/executions/missing/actions/x/result", map[string]any{"status": "success"})
	assert.Equal(t, http.StatusNotFound, status, "non-numeric index does not match the route")
}

func TestHealthAndMetrics(t *testing.T) {
	env := newAPIEnv(t, 16)

	status, health := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(0), health["queueDepth"])
	jobs := health["jobs"].([]any)
	require.Len(t, jobs, 1)
	assert.Equal(t, scheduler.JobRedrive, jobs[0].(map[string]any)["name"])

	resp, err := env.srv.Client().Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), `hireflow_http_requests_total{code="200",method="GET",route="/healthz"}`)
}

func TestStream(t *testing.T) {
	env := newAPIEnv(t, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/v1/stream?workflow_id=wf-1", nil)
	require.NoError(t, err)
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, env.hub.Publish(ctx, streaming.StreamEvent{WorkflowID: "wf-2", EventType: "skipped"}))
	require.NoError(t, env.hub.Publish(ctx, streaming.StreamEvent{
		WorkflowID: "wf-1", ExecutionID: "exec-1", EventType: schema.LedgerExecutionCompleted,
	}))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "event:") || strings.HasPrefix(line, "data:") {
			lines = append(lines, line)
		}
	}
	assert.Equal(t, "event: "+schema.LedgerExecutionCompleted, lines[0])
	assert.Contains(t, lines[1], `"executionId":"exec-1"`)
}

func TestWorkflowDiagram(t *testing.T) {
	env := newAPIEnv(t, 16)
	_, created := env.do(t, http.MethodPost, "/api/v1/workflows", workflowBody("diagrammed"))
	id := created["id"].(string)

	get := func(query string) (*http.Response, string) {
		resp, err := env.srv.Client().Get(env.srv.URL + "/api/v1/workflows/" + id + "/diagram" + query)
		require.NoError(t, err)
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(raw)
	}

	resp, body := get("")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "mermaid")
	assert.Contains(t, body, `trigger(["STATUS_CHANGED: to INTERVIEW"])`)
	assert.Contains(t, body, `action_0["1. ADD_TAG"]`)

	resp, body = get("?format=ascii")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "=== diagrammed ===")

	resp, body = get("?format=svg")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	assert.Contains(t, body, "<svg")

	resp, _ = get("?format=gif")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = get("?execution_id=missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	status, _ := env.do(t, http.MethodGet, "/api/v1/workflows/nope/diagram", nil)
	assert.Equal(t, http.StatusNotFound, status)
}
