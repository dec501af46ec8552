package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/skylift/skylift/pkg/deployment"
	"github.com/skylift/skylift/pkg/events"
	"github.com/skylift/skylift/pkg/pipeline"
	"github.com/skylift/skylift/pkg/stores"
)

type createResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// handleCreateDeployment accepts a deployment request and starts the
// pipeline in the background. The response carries the id to poll.
func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req pipeline.DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Repo == "" {
		writeError(w, http.StatusBadRequest, "repo is required")
		return
	}
	if req.ID != "" && !deployment.ValidID(req.ID) {
		writeError(w, http.StatusBadRequest, "invalid deployment id %q", req.ID)
		return
	}
	if req.ID == "" {
		req.ID = deployment.NewID()
	}

	go func() {
		// The request context dies with the response; the deployment
		// must not.
		if _, err := s.orch.Deploy(context.Background(), req); err != nil {
			s.log.WithDeploymentID(req.ID).WithError(err).Error("deployment failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, createResponse{ID: req.ID, Status: string(events.StatusQueued)})
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	rows, err := s.store.ListDeployments(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list deployments: %v", err)
		return
	}
	if rows == nil {
		rows = []*stores.Deployment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": rows})
}

// handleStatus derives the deployment's status from its event log.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.exists(r.Context(), id) {
		writeError(w, http.StatusNotFound, "deployment %s not found", id)
		return
	}

	records, err := s.events.Read(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read events: %v", err)
		return
	}
	outputs, err := s.workspace.ReadOutputs(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read outputs: %v", err)
		return
	}

	info := events.DeriveStatus(records, outputs)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"status": info,
	})
}

// handleDestroy starts teardown in the background.
func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.exists(r.Context(), id) {
		writeError(w, http.StatusNotFound, "deployment %s not found", id)
		return
	}

	force := r.URL.Query().Get("force") == "true"
	go func() {
		if err := s.orch.DestroyWithForce(context.Background(), id, force); err != nil {
			s.log.WithDeploymentID(id).WithError(err).Error("destroy failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": string(events.StatusDestroying),
	})
}

type scheduleTTLRequest struct {
	DeploymentID string `json:"deployment_id"`
	TTLHours     int    `json:"ttl_hours"`
}

func (s *Server) handleListTTL(w http.ResponseWriter, r *http.Request) {
	entries, err := s.orch.TTL().List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list TTLs: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ttls": entries})
}

func (s *Server) handleScheduleTTL(w http.ResponseWriter, r *http.Request) {
	var req scheduleTTLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if !s.exists(r.Context(), req.DeploymentID) {
		writeError(w, http.StatusNotFound, "deployment %s not found", req.DeploymentID)
		return
	}
	schedule, err := s.orch.TTL().Schedule(r.Context(), req.DeploymentID, req.TTLHours)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to schedule TTL: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) handleCancelTTL(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.TTL().Cancel(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel TTL: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deployment_id": id, "ttl": "cancelled"})
}

// handleSweep destroys every deployment whose TTL has expired.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	result, err := s.orch.TTL().Sweep(r.Context(), s.orch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sweep failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// exists reports whether the deployment is known to the registry or has
// a workspace directory. Either is enough; the registry can lag behind
// a deployment created moments ago.
func (s *Server) exists(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	if _, err := s.store.GetDeployment(ctx, id); err == nil {
		return true
	} else if !errors.Is(err, stores.ErrNotFound) {
		return false
	}
	return s.workspace.Exists(id)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
