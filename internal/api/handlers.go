// Package api exposes the ingestion and query pipeline over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lenslog/lenslog/internal/ingest"
	"github.com/lenslog/lenslog/internal/query"
	"github.com/lenslog/lenslog/internal/vector"
)

// Uploader accepts validated image uploads.
type Uploader interface {
	Upload(ctx context.Context, up ingest.Upload) (*ingest.Receipt, error)
}

// Querier answers questions over a project's images.
type Querier interface {
	Query(ctx context.Context, req query.Request) (*query.Result, error)
}

// Deps holds the handler dependencies.
type Deps struct {
	Ingest         Uploader
	Query          Querier
	Records        vector.Store
	Token          string // empty disables auth
	MaxUploadBytes int64
}

// NewHandler builds the HTTP router. The health endpoint is always open;
// everything else sits behind bearer auth when a token is configured.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/upload", handleUpload(deps))
		r.Post("/query", handleQuery(deps))
		r.Post("/compare", handleCompare(deps))
		r.Get("/projects/{projectID}/images", handleListImages(deps))
		r.Get("/projects/{projectID}/images/{sequence}", handleGetImage(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleUpload accepts a multipart form with project_id and file fields and
// answers 202 with a processing receipt.
func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Leave headroom for the multipart framing around the image itself.
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadBytes+(1<<20))
		defer r.Body.Close()

		if err := r.ParseMultipartForm(deps.MaxUploadBytes); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}

		projectID := r.FormValue("project_id")

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file field is required: %v", err)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading file: %v", err)
			return
		}

		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}

		receipt, err := deps.Ingest.Upload(r.Context(), ingest.Upload{
			ProjectID:   projectID,
			Filename:    header.Filename,
			ContentType: contentType,
			Data:        data,
		})
		if err != nil {
			domainError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(receipt)
	}
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		defer r.Body.Close()

		var req query.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ProjectID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project_id is required")
			return
		}
		if req.Question == "" && len(req.ComparisonSequences) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		res, err := deps.Query.Query(r.Context(), req)
		if err != nil {
			domainError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res)
	}
}

// compareRequest is the dedicated comparison body; it maps onto a query
// request with two comparison sequences.
type compareRequest struct {
	ProjectID string `json:"project_id"`
	Question  string `json:"question"`
	Sequence1 int64  `json:"sequence_1"`
	Sequence2 int64  `json:"sequence_2"`
}

func handleCompare(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		defer r.Body.Close()

		var req compareRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ProjectID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project_id is required")
			return
		}

		res, err := deps.Query.Query(r.Context(), query.Request{
			ProjectID:           req.ProjectID,
			Question:            req.Question,
			ComparisonSequences: []int64{req.Sequence1, req.Sequence2},
		})
		if err != nil {
			domainError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res)
	}
}

func handleListImages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "projectID")
		limit := parseIntParam(r, "limit", 20, 100)

		records, err := deps.Records.ListByProject(r.Context(), projectID, limit)
		if err != nil {
			domainError(w, err)
			return
		}
		if records == nil {
			records = []vector.ImageRecord{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records)
	}
}

func handleGetImage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "projectID")
		seq, err := strconv.ParseInt(chi.URLParam(r, "sequence"), 10, 64)
		if err != nil || seq < 1 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "sequence must be a positive integer")
			return
		}

		rec, err := deps.Records.GetByProjectAndSequence(r.Context(), projectID, seq)
		if err != nil {
			domainError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rec)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
