package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/lenslog/lenslog/internal/blob"
	"github.com/lenslog/lenslog/internal/ingest"
	"github.com/lenslog/lenslog/internal/query"
	"github.com/lenslog/lenslog/internal/storage"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// domainError maps pipeline errors onto HTTP statuses.
func domainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingest.ErrInvalidInput):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, query.ErrProjectNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, blob.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, query.ErrNotReady):
		httpError(w, http.StatusTooEarly, "not_ready", "%v", err)
	case errors.Is(err, query.ErrConflict):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		httpError(w, http.StatusBadGateway, "upstream_unavailable", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}
