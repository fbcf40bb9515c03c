package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	apierrors "github.com/narvanalabs/topology-console/internal/api/errors"
	"github.com/narvanalabs/topology-console/internal/models"
	"github.com/narvanalabs/topology-console/internal/store"
)

// EventHandler handles install event log requests.
type EventHandler struct {
	store  store.Store
	logger *slog.Logger
}

// NewEventHandler creates a new event handler.
func NewEventHandler(st store.Store, logger *slog.Logger) *EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHandler{
		store:  st,
		logger: logger,
	}
}

// AppendEventRequest is the body of POST /v1/events.
type AppendEventRequest struct {
	NodeID   *models.NodeID     `json:"node_id"`
	GroupKey string             `json:"group_key"`
	Status   models.StatusLabel `json:"status"`
}

// Validate checks the request fields.
func (req *AppendEventRequest) Validate() *apierrors.APIError {
	var v apierrors.ValidationErrors
	if req.NodeID == nil {
		v.Add("node_id", "node_id is required")
	} else if !req.NodeID.Valid() {
		v.Add("node_id", "node_id must be non-negative")
	}
	if strings.TrimSpace(req.GroupKey) == "" {
		v.Add("group_key", "group_key is required")
	}
	if strings.TrimSpace(string(req.Status)) == "" {
		v.Add("status", "status is required")
	}
	if v.HasErrors() {
		return v.ToAPIError()
	}
	return nil
}

// List handles GET /v1/events?group=a&group=b - the event log in append
// order, restricted to the given groups when any are present.
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	var groups []string
	for _, g := range r.URL.Query()["group"] {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}

	events, err := h.store.Events().List(r.Context(), groups...)
	if err != nil {
		writeFailure(w, r, h.logger, err, "Failed to list events")
		return
	}
	WriteJSON(w, http.StatusOK, events)
}

// Append handles POST /v1/events.
func (h *EventHandler) Append(w http.ResponseWriter, r *http.Request) {
	var req AppendEventRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		WriteError(w, r, apiErr)
		return
	}
	if apiErr := req.Validate(); apiErr != nil {
		WriteError(w, r, apiErr)
		return
	}

	event := &models.EventRecord{
		NodeID:   *req.NodeID,
		GroupKey: strings.TrimSpace(req.GroupKey),
		Status:   models.StatusLabel(strings.TrimSpace(string(req.Status))),
	}
	if err := h.store.Events().Append(r.Context(), event); err != nil {
		writeFailure(w, r, h.logger, err, "Failed to append event")
		return
	}

	h.logger.Debug("event appended",
		"event_id", event.ID,
		"node_id", event.NodeID,
		"group_key", event.GroupKey,
		"status", event.Status,
	)
	WriteJSON(w, http.StatusCreated, event)
}

// Groups handles GET /v1/groups - the distinct group keys of the log.
func (h *EventHandler) Groups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.store.Events().Groups(r.Context())
	if err != nil {
		writeFailure(w, r, h.logger, err, "Failed to list groups")
		return
	}
	WriteJSON(w, http.StatusOK, groups)
}
