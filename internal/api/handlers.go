package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/datagrid/internal/cache"
	"github.com/ignite/datagrid/internal/filestore"
	"github.com/ignite/datagrid/internal/jobs"
	"github.com/ignite/datagrid/internal/pkg/logger"
	"github.com/ignite/datagrid/internal/query"
	"github.com/ignite/datagrid/internal/store"
)

// Handlers provides the HTTP handlers for the CSV upload API.
type Handlers struct {
	store       store.Store
	cache       *cache.Gateway
	files       filestore.Store
	engine      *query.Engine
	queue       *jobs.Queue
	maxFileSize int64
}

// NewHandlers creates the handler set.
func NewHandlers(st store.Store, cg *cache.Gateway, fs filestore.Store, eng *query.Engine, q *jobs.Queue, maxFileSize int64) *Handlers {
	return &Handlers{
		store:       st,
		cache:       cg,
		files:       fs,
		engine:      eng,
		queue:       q,
		maxFileSize: maxFileSize,
	}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleCreateUpload accepts a multipart CSV file, stores it and queues
// ingestion.
// POST /api/csv/uploads
func (h *Handlers) HandleCreateUpload(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds the %dMB limit", h.maxFileSize/(1024*1024)))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".csv") {
		writeError(w, http.StatusBadRequest, "only .csv files are accepted")
		return
	}

	path, err := h.files.Save(r.Context(), header.Filename, file)
	if err != nil {
		logger.Error("failed to store upload file", "filename", header.Filename, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "could not store uploaded file")
		return
	}

	upload := &store.Upload{
		UserID:           userID,
		OriginalFilename: header.Filename,
		FilePath:         path,
		Status:           store.StatusPending,
	}
	if err := h.store.CreateUpload(r.Context(), upload); err != nil {
		logger.Error("failed to create upload record", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "could not register upload")
		return
	}

	job := jobs.IngestJob{UploadID: upload.ID}
	jobID, err := h.queue.Enqueue(r.Context(), job)
	if err != nil {
		logger.Error("failed to enqueue ingestion", "upload_id", upload.ID.String(), "error", err.Error())
		writeError(w, http.StatusInternalServerError, "could not queue ingestion")
		return
	}
	job.JobID = jobID
	jobs.PublishQueued(r.Context(), h.cache, job)

	logger.Info("upload accepted",
		"upload_id", upload.ID.String(), "job_id", jobID, "filename", header.Filename)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"upload": uploadPayload(upload),
		"job_id": jobID,
	})
}

// HandleListUploads lists the caller's uploads, newest first.
// GET /api/csv/uploads
func (h *Handlers) HandleListUploads(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	uploads, err := h.store.ListUploads(r.Context(), userID)
	if err != nil {
		logger.Error("failed to list uploads", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "could not list uploads")
		return
	}

	payloads := make([]map[string]interface{}, 0, len(uploads))
	for _, u := range uploads {
		payloads = append(payloads, uploadPayload(u))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uploads": payloads,
		"count":   len(payloads),
	})
}

// HandleGetUpload returns one upload's metadata and lifecycle state.
// GET /api/csv/uploads/{uploadID}
func (h *Handlers) HandleGetUpload(w http.ResponseWriter, r *http.Request) {
	upload, ok := h.ownedUpload(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, uploadPayload(upload))
}

// HandleGetProgress answers progress polls during ingestion. The cached
// percentage is preferred, falling back to the persisted counters.
// GET /api/csv/uploads/{uploadID}/progress
func (h *Handlers) HandleGetProgress(w http.ResponseWriter, r *http.Request) {
	upload, ok := h.ownedUpload(w, r)
	if !ok {
		return
	}

	percent := upload.Progress()
	var cached float64
	if h.cache.Get(r.Context(), cache.PrefixProgress+upload.ID.String(), &cached) {
		percent = cached
	}

	resp := map[string]interface{}{
		"upload_id":      upload.ID,
		"status":         upload.Status,
		"progress":       percent,
		"processed_rows": upload.ProcessedRows,
		"total_rows":     upload.TotalRows,
	}
	if jobID := upload.Metadata["job_id"]; jobID != "" {
		var state jobs.JobState
		if h.cache.Get(r.Context(), cache.PrefixJobState+jobID, &state) {
			resp["job"] = state
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleQueryRows runs a row query against a completed upload.
// GET /api/csv/uploads/{uploadID}/data
func (h *Handlers) HandleQueryRows(w http.ResponseWriter, r *http.Request) {
	upload, ok := h.ownedUpload(w, r)
	if !ok {
		return
	}

	params, err := parseQueryParams(r, upload.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	env, err := h.engine.Query(r.Context(), params)
	if err != nil {
		var notReady *query.NotReadyError
		switch {
		case errors.Is(err, query.ErrBadFilters):
			writeError(w, http.StatusBadRequest, "filters must be a JSON object of column to value or value list")
		case errors.As(err, &notReady):
			writeError(w, http.StatusBadRequest, notReady.Error())
		case errors.Is(err, store.ErrUploadNotFound):
			writeError(w, http.StatusNotFound, "upload not found")
		default:
			logger.Error("row query failed", "upload_id", upload.ID.String(), "error", err.Error())
			writeError(w, http.StatusInternalServerError, "query failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, env)
}

// HandleDeleteUpload removes the upload, its rows, its source file and
// every cache entry derived from it.
// DELETE /api/csv/uploads/{uploadID}
func (h *Handlers) HandleDeleteUpload(w http.ResponseWriter, r *http.Request) {
	upload, ok := h.ownedUpload(w, r)
	if !ok {
		return
	}

	// Source file removal is best effort, the row data is authoritative.
	if upload.FilePath != "" {
		if err := h.files.Remove(r.Context(), upload.FilePath); err != nil {
			logger.Warn("failed to remove upload file", "upload_id", upload.ID.String(), "error", err.Error())
		}
	}

	if err := h.store.DeleteUpload(r.Context(), upload.ID); err != nil {
		logger.Error("failed to delete upload", "upload_id", upload.ID.String(), "error", err.Error())
		writeError(w, http.StatusInternalServerError, "could not delete upload")
		return
	}

	id := upload.ID.String()
	h.cache.InvalidatePrefix(r.Context(), cache.PrefixPage+id)
	h.cache.InvalidatePrefix(r.Context(), cache.PrefixCount+id)
	h.cache.Delete(r.Context(), cache.PrefixColumns+id)
	h.cache.Delete(r.Context(), cache.PrefixProgress+id)

	logger.Info("upload deleted", "upload_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// ownedUpload resolves the path upload and enforces that the caller
// owns it. Foreign uploads read as not found.
func (h *Handlers) ownedUpload(w http.ResponseWriter, r *http.Request) (*store.Upload, bool) {
	userID, ok := requireUser(w, r)
	if !ok {
		return nil, false
	}

	id, err := uuid.Parse(chi.URLParam(r, "uploadID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload id")
		return nil, false
	}

	upload, err := h.store.GetUpload(r.Context(), id)
	if errors.Is(err, store.ErrUploadNotFound) {
		writeError(w, http.StatusNotFound, "upload not found")
		return nil, false
	}
	if err != nil {
		logger.Error("failed to load upload", "upload_id", id.String(), "error", err.Error())
		writeError(w, http.StatusInternalServerError, "could not load upload")
		return nil, false
	}
	if upload.UserID != userID {
		writeError(w, http.StatusNotFound, "upload not found")
		return nil, false
	}
	return upload, true
}

// parseQueryParams maps the request's query string onto engine params.
func parseQueryParams(r *http.Request, uploadID uuid.UUID) (query.Params, error) {
	q := r.URL.Query()
	p := query.Params{
		UploadID:    uploadID,
		SortBy:      q.Get("sort_by"),
		Search:      q.Get("search"),
		FiltersJSON: q.Get("filters"),
	}

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("page must be an integer")
		}
		p.Page = n
	}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("page_size must be an integer")
		}
		p.PageSize = n
	}
	if v := q.Get("cursor"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return p, fmt.Errorf("cursor must be an integer")
		}
		p.Cursor = n
	}

	switch strings.ToLower(q.Get("pagination")) {
	case "", "offset":
		p.Strategy = query.StrategyOffset
	case "streaming":
		p.Strategy = query.StrategyStreaming
	case "cursor":
		p.Strategy = query.StrategyCursor
	default:
		return p, fmt.Errorf("pagination must be offset, streaming or cursor")
	}

	switch strings.ToLower(q.Get("sort_order")) {
	case "", "asc":
		p.SortOrder = store.OrderAsc
	case "desc":
		p.SortOrder = store.OrderDesc
	default:
		return p, fmt.Errorf("sort_order must be asc or desc")
	}

	if cols := q.Get("columns"); cols != "" {
		for _, c := range strings.Split(cols, ",") {
			if c = strings.TrimSpace(c); c != "" {
				p.Columns = append(p.Columns, c)
			}
		}
	}

	switch strings.ToLower(q.Get("nocache")) {
	case "true", "1", "yes":
		p.NoCache = true
	}

	return p, nil
}

// requireUser extracts the calling user's id. The gateway in front of
// this service authenticates and injects the header.
func requireUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "X-User-ID header is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "X-User-ID must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// uploadPayload serializes an upload for API responses.
func uploadPayload(u *store.Upload) map[string]interface{} {
	payload := map[string]interface{}{
		"id":                u.ID,
		"original_filename": u.OriginalFilename,
		"status":            u.Status,
		"total_rows":        u.TotalRows,
		"processed_rows":    u.ProcessedRows,
		"progress":          u.Progress(),
		"errors":            u.Errors,
		"created_at":        u.CreatedAt,
		"started_at":        u.StartedAt,
		"completed_at":      u.CompletedAt,
	}
	if d := u.Duration(); d != nil {
		payload["duration_seconds"] = *d
	}
	return payload
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
