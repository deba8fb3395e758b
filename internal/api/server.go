// Package api exposes the template and execution surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/maestro/internal/engine"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/internal/templates"
	"github.com/rendis/maestro/pkg/schema"
)

// Server serves the HTTP API.
type Server struct {
	coord  *engine.Coordinator
	tpls   *templates.Service
	logger *slog.Logger
	http   *http.Server
}

// NewServer creates a Server bound to addr.
func NewServer(addr string, coord *engine.Coordinator, tpls *templates.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{coord: coord, tpls: tpls, logger: logger}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/templates", s.handleRegisterTemplate)
	mux.HandleFunc("GET /api/templates", s.handleListTemplates)
	mux.HandleFunc("GET /api/templates/{name}", s.handleGetTemplate)
	mux.HandleFunc("GET /api/templates/{name}/versions", s.handleListTemplateVersions)
	mux.HandleFunc("POST /api/templates/{name}/{version}/activate", s.handleActivateTemplate)
	mux.HandleFunc("POST /api/templates/{name}/{version}/deprecate", s.handleDeprecateTemplate)
	mux.HandleFunc("POST /api/templates/validate", s.handleValidateTemplate)

	mux.HandleFunc("POST /api/executions", s.handleSubmit)
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /api/executions/{id}/log", s.handleExecutionLog)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.controlHandler(s.coord.Cancel))
	mux.HandleFunc("POST /api/executions/{id}/pause", s.controlHandler(s.coord.Pause))
	mux.HandleFunc("POST /api/executions/{id}/resume", s.controlHandler(s.coord.Resume))

	return mux
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Info("http api listening", slog.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegisterTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl schema.WorkflowTemplate
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "invalid template payload").WithCause(err))
		return
	}

	result, err := s.tpls.Register(r.Context(), &tpl)
	if err != nil {
		if result != nil && !result.Valid() {
			writeJSON(w, http.StatusUnprocessableEntity, result)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"name":       tpl.Name,
		"version":    tpl.Version,
		"status":     tpl.Status,
		"validation": result,
	})
}

func (s *Server) handleValidateTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl schema.WorkflowTemplate
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "invalid template payload").WithCause(err))
		return
	}
	writeJSON(w, http.StatusOK, s.tpls.Validate(&tpl))
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	filter := store.TemplateFilter{Name: r.URL.Query().Get("name")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := schema.TemplateStatus(raw)
		filter.Status = &status
	}
	list, err := s.tpls.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": list})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	version := r.URL.Query().Get("version")
	tpl, err := s.tpls.Get(r.Context(), name, version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleListTemplateVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.tpls.ListVersions(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleActivateTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.tpls.Activate(r.Context(), r.PathValue("name"), r.PathValue("version")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(schema.TemplateStatusActive)})
}

func (s *Server) handleDeprecateTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.tpls.Deprecate(r.Context(), r.PathValue("name"), r.PathValue("version")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(schema.TemplateStatusDeprecated)})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req engine.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "invalid submission payload").WithCause(err))
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "api"
	}

	exec, err := s.coord.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"execution_id": exec.ID,
		"status":       exec.Status,
	})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := store.ExecutionFilter{TemplateName: r.URL.Query().Get("template")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := schema.ExecutionStatus(raw)
		filter.Status = &status
	}
	list, err := s.coord.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": list})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	view, err := s.coord.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleExecutionLog(w http.ResponseWriter, r *http.Request) {
	view, err := s.coord.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"log": view.Log})
}

func (s *Server) controlHandler(op func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := op(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": id})
	}
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := map[string]any{"error": err.Error()}

	var ee *schema.EngineError
	if errors.As(err, &ee) {
		body["code"] = ee.Code
		switch ee.Code {
		case schema.ErrCodeNotFound:
			status = http.StatusNotFound
		case schema.ErrCodeValidation, schema.ErrCodeMissingStepReference,
			schema.ErrCodeCircularReference, schema.ErrCodeParameterResolution:
			status = http.StatusBadRequest
		case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
			status = http.StatusConflict
		}
	}
	writeJSON(w, status, body)
}
