package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/orbitmesh/orbitmesh/pkg/domain"
	"github.com/orbitmesh/orbitmesh/pkg/workflow"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.logger.Error("encode response", "error", err)
		}
	}
}

// writeError maps domain sentinels onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrDefinitionNotFound),
		errors.Is(err, domain.ErrInstanceNotFound),
		errors.Is(err, domain.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidDefinition),
		errors.Is(err, domain.ErrExpressionParse),
		errors.Is(err, domain.ErrExpressionType):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrStoreConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrAuthFailed):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrAgentUnavailable),
		errors.Is(err, domain.ErrAgentBusy):
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"agents_online": s.hub.OnlineCount(),
	})
}

func (s *Server) handleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	var def workflow.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := s.registry.Register(r.Context(), &def); err != nil {
		s.writeError(w, err)
		return
	}
	if s.scheduler != nil {
		if err := s.scheduler.Refresh(r.Context()); err != nil {
			s.logger.Error("scheduler refresh", "error", err)
		}
	}
	s.writeJSON(w, http.StatusCreated, &def)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs, err := s.registry.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if defs == nil {
		defs = []*workflow.Definition{}
	}
	s.writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid version"})
			return
		}
		version = n
	}
	def, err := s.registry.Get(r.Context(), id, version)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, def)
}

type startRequest struct {
	Version int            `json:"version,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req startRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	in, err := s.engine.StartWorkflow(r.Context(), id, req.Version, req.Input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, in)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	// The documented spelling is workflowId; the snake_case form used in
	// JSON bodies is accepted as an alias.
	wf := q.Get("workflowId")
	if wf == "" {
		wf = q.Get("workflow_id")
	}
	f := workflow.InstanceFilter{
		WorkflowID: wf,
		Status:     workflow.InstanceStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid since"})
			return
		}
		f.Since = t
	}
	list, err := s.engine.ListInstances(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []*workflow.Instance{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	in, err := s.engine.GetInstance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, in)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelInstance(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength > 0 {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := s.engine.CancelInstance(r.Context(), mux.Vars(r)["id"], req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type signalRequest struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (s *Server) handleSignalEvent(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "signal requires a name"})
		return
	}
	if err := s.engine.SignalEvent(r.Context(), mux.Vars(r)["id"], req.Name, req.Payload); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

type approveRequest struct {
	Approver string `json:"approver"`
	Approve  bool   `json:"approve"`
}

func (s *Server) handleApproveStep(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Approver == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "approval requires an approver"})
		return
	}
	if err := s.engine.ApproveStep(r.Context(), vars["id"], vars["stepId"], req.Approver, req.Approve); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if agents == nil {
		agents = []*workflow.Agent{}
	}
	// Fingerprints never leave the server.
	for _, a := range agents {
		a.TokenFingerprint = ""
	}
	s.writeJSON(w, http.StatusOK, agents)
}
