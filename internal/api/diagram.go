package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rendis/hireflow/internal/diagram"
	"github.com/rendis/hireflow/pkg/schema"
)

// handleWorkflowDiagram renders a workflow rule. format is mermaid (default),
// ascii, svg or png; execution_id overlays that execution's action results.
func (s *Server) handleWorkflowDiagram(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wf, err := s.deps.Engine.Workflows().Get(ctx, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	var model *diagram.DiagramModel
	if execID := q.Get("execution_id"); execID != "" {
		rec, err := s.deps.Ledger.GetExecution(ctx, execID)
		if err != nil {
			writeError(w, err)
			return
		}
		model, err = diagram.Build(wf, rec)
		if err != nil {
			writeError(w, err)
			return
		}
	} else if model, err = diagram.Build(wf, nil); err != nil {
		writeError(w, err)
		return
	}

	format := q.Get("format")
	switch format {
	case "", "mermaid":
		writeText(w, "text/vnd.mermaid; charset=utf-8", diagram.RenderMermaid(model))
	case "ascii":
		writeText(w, "text/plain; charset=utf-8", diagram.RenderASCII(model))
	case string(diagram.FormatSVG), string(diagram.FormatPNG):
		img, err := diagram.RenderImage(ctx, model, diagram.ImageFormat(format))
		if err != nil {
			writeError(w, err)
			return
		}
		contentType := "image/png"
		if format == string(diagram.FormatSVG) {
			contentType = "image/svg+xml"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(img)
	default:
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation,
			"format must be mermaid, ascii, svg or png, got %q", format))
	}
}

func writeText(w http.ResponseWriter, contentType, body string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
