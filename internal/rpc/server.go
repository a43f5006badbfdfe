// Copyright 2025 Ron Keiser
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/ronkeiser/wonder/internal/coordinator"
	"github.com/ronkeiser/wonder/internal/def"
	"github.com/ronkeiser/wonder/internal/dispatch"
	wondererr "github.com/ronkeiser/wonder/pkg/errors"
)

// Server is the daemon's HTTP API.
type Server struct {
	registry *coordinator.Registry
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	tracer   trace.Tracer
}

// NewServer creates the API server. gatherer may be nil to disable the
// metrics endpoint; tracer may be nil to skip span creation.
func NewServer(registry *coordinator.Registry, logger *slog.Logger, gatherer prometheus.Gatherer, tracer trace.Tracer) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{registry: registry, logger: logger, gatherer: gatherer, tracer: tracer}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/runs", s.handleCreateRun)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("POST /v1/runs/{id}/resume", s.handleResumeRun)

	mux.HandleFunc("POST /v1/callbacks/executor", s.handleExecutorCallback)
	mux.HandleFunc("POST /v1/callbacks/ack", s.handleExecutorAck)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// handleCreateRun handles POST /v1/runs.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "rpc.create_run")
		defer span.End()
	}

	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.WorkflowID == "" {
		writeError(w, http.StatusBadRequest, "workflow_id is required")
		return
	}

	runID, err := s.registry.StartRun(ctx,
		def.Ref{ID: req.WorkflowID, Version: req.WorkflowVersion},
		req.WorkspaceID, req.ProjectID, req.Input,
	)
	if err != nil {
		writeError(w, statusFor(err), fmt.Sprintf("failed to start run: %v", err))
		return
	}

	writeJSON(w, http.StatusAccepted, CreateRunResponse{RunID: runID})
}

// handleGetRun handles GET /v1/runs/{id}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	coord, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	status, err := coord.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read run status: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleCancelRun handles POST /v1/runs/{id}/cancel.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	coord, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	if err := coord.Cancel(); err != nil {
		if errors.Is(err, coordinator.ErrRunFinished) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleResumeRun handles POST /v1/runs/{id}/resume.
func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	coord, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	var req ResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if err := coord.Resume(req.TokenID, req.Output); err != nil {
		if errors.Is(err, coordinator.ErrRunFinished) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleExecutorCallback handles POST /v1/callbacks/executor: the task
// result report. Accepted means queued; the outcome lands asynchronously.
func (s *Server) handleExecutorCallback(w http.ResponseWriter, r *http.Request) {
	var res dispatch.TaskResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid callback body: %v", err))
		return
	}
	if res.RunID == "" || res.TokenID == "" {
		writeError(w, http.StatusBadRequest, "run_id and token_id are required")
		return
	}

	if err := s.registry.HandleTaskResult(res); err != nil {
		if errors.Is(err, coordinator.ErrRunFinished) {
			// The run ended while the executor was working; nothing to do.
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleExecutorAck handles POST /v1/callbacks/ack.
func (s *Server) handleExecutorAck(w http.ResponseWriter, r *http.Request) {
	var req AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid ack body: %v", err))
		return
	}

	coord, err := s.registry.Get(req.RunID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if err := coord.HandleTaskAck(req.TokenID); err != nil && !errors.Is(err, coordinator.ErrRunFinished) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusFor(err error) int {
	var nf *wondererr.NotFoundError
	if errors.As(err, &nf) {
		return http.StatusNotFound
	}
	if wondererr.IsValidation(err) || wondererr.IsDefinition(err) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
