package api

import (
	"errors"
	"net/http"

	"github.com/chis/portwatch/internal/output"
	"github.com/chis/portwatch/internal/portainer"
	"github.com/chis/portwatch/internal/registry"
	"github.com/chis/portwatch/internal/upgrade"
)

// RespondError writes an error response with the specified HTTP status code.
func RespondError(w http.ResponseWriter, statusCode int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	output.WriteJSONError(w, err)
}

// RespondBadRequest writes a 400 Bad Request error response.
func RespondBadRequest(w http.ResponseWriter, err error) {
	RespondError(w, http.StatusBadRequest, err)
}

// RespondNotFound writes a 404 Not Found error response.
func RespondNotFound(w http.ResponseWriter, err error) {
	RespondError(w, http.StatusNotFound, err)
}

// RespondInternalError writes a 500 Internal Server Error response.
func RespondInternalError(w http.ResponseWriter, err error) {
	RespondError(w, http.StatusInternalServerError, err)
}

// RespondSuccess writes a 200 OK response with data.
func RespondSuccess(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	output.WriteJSONData(w, data)
}

// RespondPipelineError maps pipeline errors to HTTP status codes.
func RespondPipelineError(w http.ResponseWriter, err error) {
	var apiErr *portainer.APIError
	switch {
	case errors.Is(err, upgrade.ErrUpgradeInProgress):
		RespondError(w, http.StatusConflict, err)
	case registry.IsRateLimit(err):
		RespondError(w, http.StatusTooManyRequests, err)
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
		RespondNotFound(w, err)
	default:
		RespondInternalError(w, err)
	}
}
