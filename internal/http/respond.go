package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/tableside/floor-core/internal/apperr"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Warn("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, r *http.Request, log *logrus.Logger, err error) {
	ae := apperr.Destruct(err)
	status := ae.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.WithContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	respondJSON(w, status, ErrorResponse{
		Error:     ae.Message,
		Code:      ae.Code,
		Field:     ae.Field,
		Retryable: ae.Retryable(),
	})
}

var errInvalidJSON = apperr.Validation("invalid_request", "", "invalid JSON body")

// decodeJSON reads the body into dst, answering the request itself on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, log *logrus.Logger, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, r, log, apperr.Validation("body_too_large", "", "request body is too large"))
			return false
		}
		respondError(w, r, log, errInvalidJSON.Wrap(err))
		return false
	}
	return true
}
