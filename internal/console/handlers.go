package console

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	apierrors "github.com/narvanalabs/topology-console/internal/api/errors"
	"github.com/narvanalabs/topology-console/internal/models"
	"github.com/narvanalabs/topology-console/internal/rollout"
	"github.com/narvanalabs/topology-console/internal/statussync"
)

// TreeResponse is the body of GET /groups/{group}/tree.
type TreeResponse struct {
	Snapshot *statussync.Snapshot `json:"snapshot"`
	Status   *SyncStatus          `json:"status,omitempty"`
}

// SyncStatus is the JSON view of a running sync's health.
type SyncStatus struct {
	Ticks               uint64    `json:"ticks"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastSuccess         time.Time `json:"last_success"`
	Viewers             int       `json:"viewers"`
}

// GroupsResponse is the body of GET /groups.
type GroupsResponse struct {
	Groups   []string `json:"groups"`
	Watching []string `json:"watching"`
	Active   string   `json:"active,omitempty"`
}

// SelectionRequest is the body of PUT /groups/{group}/selection.
type SelectionRequest struct {
	NodeIDs []models.NodeID `json:"node_ids"`
}

// SelectionResponse is the body of the selection endpoints.
type SelectionResponse struct {
	GroupKey string          `json:"group_key"`
	NodeIDs  []models.NodeID `json:"node_ids"`
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.deps.Backend.ListGroups(r.Context())
	if err != nil {
		s.requestLogger(r).Warn("listing groups failed", "error", err)
		s.writeError(w, r, apierrors.NewUnavailableError("topology API unavailable"))
		return
	}
	if groups == nil {
		groups = []string{}
	}

	resp := GroupsResponse{Groups: groups, Watching: s.deps.Monitor.Groups()}
	if active, ok := s.deps.Monitor.ActiveGroup(); ok {
		resp.Active = active
	}
	apierrors.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")

	ctx, cancel := context.WithTimeout(r.Context(), s.snapshotWait)
	defer cancel()

	snap, err := s.deps.Monitor.Snapshot(ctx, group)
	if err != nil {
		s.writeSyncError(w, r, group, err)
		return
	}

	resp := TreeResponse{Snapshot: snap}
	if st, ok := s.deps.Monitor.Status(group); ok {
		resp.Status = toSyncStatus(st, s.deps.Monitor.Viewers(group))
	}
	apierrors.WriteJSON(w, http.StatusOK, resp)
}

// handleGetSelection reports group's selection without switching to it.
func (s *Server) handleGetSelection(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	ids := s.deps.Monitor.Selection(group)
	if ids == nil {
		ids = []models.NodeID{}
	}
	apierrors.WriteJSON(w, http.StatusOK, SelectionResponse{GroupKey: group, NodeIDs: ids})
}

func (s *Server) handlePutSelection(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")

	var req SelectionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, apierrors.NewValidationError("invalid request body: "+err.Error()))
		return
	}

	var verrs apierrors.ValidationErrors
	seen := make(map[models.NodeID]bool, len(req.NodeIDs))
	ids := make([]models.NodeID, 0, len(req.NodeIDs))
	for _, id := range req.NodeIDs {
		if id < 0 {
			verrs.Add("node_ids", "node id "+id.String()+" is negative")
			continue
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if verrs.HasErrors() {
		s.writeError(w, r, verrs.ToAPIError())
		return
	}

	s.deps.Monitor.SetSelection(group, ids)
	s.requestLogger(r).Info("selection replaced", "nodes", len(ids))
	apierrors.WriteJSON(w, http.StatusOK, SelectionResponse{GroupKey: group, NodeIDs: ids})
}

// handleActivate switches the operator to group and returns the selection
// restored for it.
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	ids := s.deps.Monitor.Activate(group)
	if ids == nil {
		ids = []models.NodeID{}
	}
	s.requestLogger(r).Info("group activated", "nodes", len(ids))
	apierrors.WriteJSON(w, http.StatusOK, SelectionResponse{GroupKey: group, NodeIDs: ids})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.deps.Topology != nil {
		s.deps.Topology.Invalidate()
	}
	s.requestLogger(r).Info("topology cache invalidated")
	w.WriteHeader(http.StatusNoContent)
}

// writeSyncError maps a failure to obtain a snapshot onto an API error.
func (s *Server) writeSyncError(w http.ResponseWriter, r *http.Request, group string, err error) {
	switch {
	case errors.Is(err, rollout.ErrMonitorClosed):
		s.writeError(w, r, apierrors.NewUnavailableError("console is shutting down"))
	case errors.Is(err, rollout.ErrTopologyUnavailable):
		s.requestLogger(r).Warn("topology unavailable", "error", err)
		s.writeError(w, r, apierrors.NewUnavailableError("topology API unavailable"))
	case errors.Is(err, statussync.ErrFetchFailure), errors.Is(err, context.DeadlineExceeded):
		s.requestLogger(r).Warn("no snapshot available", "error", err)
		s.writeError(w, r, apierrors.NewUnavailableError("no snapshot available for group "+group).
			WithDetails(map[string]any{"error": err.Error()}))
	default:
		apiErr := apierrors.FromError(err, "failed to start status sync")
		if apiErr.HTTPStatusCode() >= http.StatusInternalServerError {
			s.requestLogger(r).Error("status sync failed", "error", err)
		}
		s.writeError(w, r, apiErr)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err *apierrors.APIError) {
	apierrors.WriteErrorWithRequestID(w, err, chimiddleware.GetReqID(r.Context()))
}

func toSyncStatus(st statussync.Status, viewers int) *SyncStatus {
	out := &SyncStatus{
		Ticks:               st.Ticks,
		ConsecutiveFailures: st.ConsecutiveFailures,
		LastSuccess:         st.LastSuccess,
		Viewers:             viewers,
	}
	if st.LastError != nil {
		out.LastError = st.LastError.Error()
	}
	return out
}
