// Package handlers implements the HTTP handlers of the build API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/narvanalabs/buildengine/internal/api/errors"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	apierrors.WriteJSON(w, status, data)
}

// WriteBadRequest writes a 400 response with a VALIDATION_ERROR code.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	apierrors.WriteErrorWithRequestID(w, apierrors.NewValidationError(message), middleware.GetReqID(r.Context()))
}

// WriteErr maps err to a structured response. Internal errors are logged
// with the request ID the client receives.
func WriteErr(w http.ResponseWriter, r *http.Request, logger *slog.Logger, msg string, err error) {
	apiErr := apierrors.FromError(err)
	requestID := middleware.GetReqID(r.Context())
	if apiErr.HTTPStatusCode() >= http.StatusInternalServerError {
		logger.Error(msg, "error", err, "request_id", requestID)
	} else {
		logger.Debug(msg, "error", err, "request_id", requestID)
	}
	apierrors.WriteErrorWithRequestID(w, apiErr, requestID)
}

// decodeJSON reads a JSON body into v. Unknown fields are rejected so that
// misspelled overrides do not pass silently.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}

// intQuery parses an optional non-negative integer query parameter.
func intQuery(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
