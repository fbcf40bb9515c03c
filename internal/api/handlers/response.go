// Package handlers provides the HTTP handlers of the topology API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	apierrors "github.com/narvanalabs/topology-console/internal/api/errors"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	apierrors.WriteJSON(w, status, data)
}

// WriteError writes err tagged with the request's ID.
func WriteError(w http.ResponseWriter, r *http.Request, err *apierrors.APIError) {
	apierrors.WriteErrorWithRequestID(w, err, middleware.GetReqID(r.Context()))
}

// writeFailure maps err onto an API error, logging it when it is not a client
// error.
func writeFailure(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, message string) {
	apiErr := apierrors.FromError(err, message)
	if apiErr.HTTPStatusCode() >= http.StatusInternalServerError {
		logger.Error(message, "error", err, "request_id", middleware.GetReqID(r.Context()))
	}
	WriteError(w, r, apiErr)
}

// decodeJSON decodes a single JSON object from the request body, rejecting
// unknown fields.
func decodeJSON(r *http.Request, v any) *apierrors.APIError {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apierrors.NewValidationError("request body is empty")
		}
		return apierrors.NewValidationError("invalid request body: " + err.Error())
	}
	return nil
}
