package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	apierrors "github.com/narvanalabs/topology-console/internal/api/errors"
	"github.com/narvanalabs/topology-console/internal/models"
	"github.com/narvanalabs/topology-console/internal/store"
	"github.com/narvanalabs/topology-console/internal/topology"
)

// NodeHandler handles node registry and topology requests.
type NodeHandler struct {
	store  store.Store
	logger *slog.Logger
}

// NewNodeHandler creates a new node handler.
func NewNodeHandler(st store.Store, logger *slog.Logger) *NodeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeHandler{
		store:  st,
		logger: logger,
	}
}

// RegisterNodeRequest is the body of POST /v1/nodes.
type RegisterNodeRequest struct {
	ID       *models.NodeID `json:"id"`
	ParentID *models.NodeID `json:"parent_id"`
	Hostname string         `json:"hostname"`
	Address  string         `json:"address"`
}

// Validate checks the request fields.
func (req *RegisterNodeRequest) Validate() *apierrors.APIError {
	var v apierrors.ValidationErrors
	if req.ID == nil {
		v.Add("id", "id is required")
	} else if !req.ID.Valid() {
		v.Add("id", "id must be non-negative")
	}
	if req.ParentID == nil {
		v.Add("parent_id", "parent_id is required (use -1 for the root)")
	} else if *req.ParentID != models.RootParent && !req.ParentID.Valid() {
		v.Add("parent_id", "parent_id must be a node id or -1")
	}
	if v.HasErrors() {
		return v.ToAPIError()
	}
	return nil
}

// List handles GET /v1/nodes - lists all registered nodes by ascending id.
func (h *NodeHandler) List(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.store.Nodes().List(r.Context())
	if err != nil {
		writeFailure(w, r, h.logger, err, "Failed to list nodes")
		return
	}
	WriteJSON(w, http.StatusOK, nodes)
}

// Get handles GET /v1/nodes/{nodeID}.
func (h *NodeHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, apiErr := nodeIDParam(r)
	if apiErr != nil {
		WriteError(w, r, apiErr)
		return
	}
	node, err := h.store.Nodes().Get(r.Context(), id)
	if err != nil {
		writeFailure(w, r, h.logger, err, "Node not found")
		return
	}
	WriteJSON(w, http.StatusOK, node)
}

// Register handles POST /v1/nodes. The node is stored only if the registry
// still forms a single rooted tree afterwards.
func (h *NodeHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterNodeRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		WriteError(w, r, apiErr)
		return
	}
	if apiErr := req.Validate(); apiErr != nil {
		WriteError(w, r, apiErr)
		return
	}

	node := &models.NodeRecord{
		ID:       *req.ID,
		ParentID: *req.ParentID,
		Hostname: req.Hostname,
		Address:  req.Address,
	}

	err := h.store.WithTx(r.Context(), func(tx store.Store) error {
		if err := tx.Nodes().LockRegistry(r.Context()); err != nil {
			return err
		}
		nodes, err := tx.Nodes().List(r.Context())
		if err != nil {
			return err
		}
		if _, err := topology.Validate(withNode(nodes, *node)); err != nil {
			return err
		}
		return tx.Nodes().Register(r.Context(), node)
	})
	if err != nil {
		writeFailure(w, r, h.logger, err, "Failed to register node")
		return
	}

	h.logger.Info("node registered", "node_id", node.ID, "parent_id", node.ParentID)
	WriteJSON(w, http.StatusCreated, node)
}

// Delete handles DELETE /v1/nodes/{nodeID}. Only leaves, or the root when it
// is the last node, can be removed.
func (h *NodeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, apiErr := nodeIDParam(r)
	if apiErr != nil {
		WriteError(w, r, apiErr)
		return
	}

	err := h.store.WithTx(r.Context(), func(tx store.Store) error {
		if err := tx.Nodes().LockRegistry(r.Context()); err != nil {
			return err
		}
		nodes, err := tx.Nodes().List(r.Context())
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if n.ParentID == id && n.ID != id {
				return apierrors.NewConflictError("node " + id.String() + " still has children")
			}
		}
		return tx.Nodes().Delete(r.Context(), id)
	})
	if err != nil {
		writeFailure(w, r, h.logger, err, "Node not found")
		return
	}

	h.logger.Info("node removed", "node_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// Tree handles GET /v1/nodes/tree - the registry as a rooted tree. Children
// are ordered by ascending id.
func (h *NodeHandler) Tree(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.store.Nodes().List(r.Context())
	if err != nil {
		writeFailure(w, r, h.logger, err, "Failed to list nodes")
		return
	}

	tree, err := topology.BuildTree(topology.SortByID(nodes))
	if err != nil {
		var topoErr *topology.MalformedTopologyError
		if errors.As(err, &topoErr) {
			h.logger.Warn("registry does not form a tree", "reason", topoErr.Reason, "node_id", topoErr.NodeID)
		}
		writeFailure(w, r, h.logger, err, "Failed to build topology")
		return
	}
	WriteJSON(w, http.StatusOK, tree)
}

func nodeIDParam(r *http.Request) (models.NodeID, *apierrors.APIError) {
	raw := chi.URLParam(r, "nodeID")
	id, err := models.ParseNodeID(raw)
	if err != nil || !id.Valid() {
		return 0, apierrors.NewValidationError("invalid node id " + raw)
	}
	return id, nil
}

// withNode returns nodes with node added, replacing any record with the same
// id.
func withNode(nodes []models.NodeRecord, node models.NodeRecord) []models.NodeRecord {
	out := make([]models.NodeRecord, 0, len(nodes)+1)
	for _, n := range nodes {
		if n.ID != node.ID {
			out = append(out, n)
		}
	}
	return append(out, node)
}
