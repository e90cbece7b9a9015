package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
	"github.com/cobaltvault/storage-orchestration-backend/metadata"
	"github.com/cobaltvault/storage-orchestration-backend/orchestrator"
	"github.com/cobaltvault/storage-orchestration-backend/placement"
)

// callerHeader identifies the requesting principal. Authentication itself is
// handled upstream; this layer only threads the identity through.
const callerHeader = "X-Caller-Id"

// maxUploadMemory bounds the in-memory portion of multipart parsing; larger
// parts spill to disk.
const maxUploadMemory = 16 << 20

// Handler implements the file API endpoints.
type Handler struct {
	orch    *orchestrator.Orchestrator
	monitor *placement.HealthMonitor
	log     *slog.Logger
}

// NewHandler creates a request handler around the orchestrator.
func NewHandler(orch *orchestrator.Orchestrator, monitor *placement.HealthMonitor, log *slog.Logger) *Handler {
	return &Handler{orch: orch, monitor: monitor, log: log}
}

func caller(r *http.Request) string {
	if id := r.Header.Get(callerHeader); id != "" {
		return id
	}
	return "anonymous"
}

// HandleUpload accepts one or more files as multipart form data under the
// "file" field. Each file is processed independently; the response reports
// per-file outcomes.
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		h.writeError(w, r, &interfaces.ValidationError{Reasons: []string{"invalid multipart request: " + err.Error()}})
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		h.writeError(w, r, &interfaces.ValidationError{Reasons: []string{"no file field in request"}})
		return
	}

	flags := interfaces.UploadFlags{
		Permanent:     formBool(r, "permanent"),
		Critical:      formBool(r, "critical"),
		DisableDedup:  formBool(r, "disable_dedup"),
		DisableBackup: formBool(r, "disable_backup"),
		Encrypt:       formBool(r, "encrypt"),
		StrictType:    formBool(r, "strict_type"),
	}

	var tags []string
	if raw := r.FormValue("tags"); raw != "" {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}

	type fileResult struct {
		Name    string                      `json:"name"`
		Outcome *orchestrator.UploadOutcome `json:"outcome,omitempty"`
		Error   string                      `json:"error,omitempty"`
	}

	results := make([]fileResult, 0, len(files))
	var firstErr error
	anyOK := false
	for _, fh := range files {
		f, err := fh.Open()
		if err == nil {
			var outcome *orchestrator.UploadOutcome
			outcome, err = h.orch.ProcessUpload(r.Context(), caller(r), f, orchestrator.UploadMetadata{
				Name:         fh.Filename,
				DeclaredType: fh.Header.Get("Content-Type"),
				SizeHint:     fh.Size,
				Owner:        caller(r),
				AccessLevel:  r.FormValue("access_level"),
				Category:     r.FormValue("category"),
				Description:  r.FormValue("description"),
				Tags:         tags,
			}, flags)
			f.Close()
			if err == nil {
				anyOK = true
				results = append(results, fileResult{Name: fh.Filename, Outcome: outcome})
				continue
			}
		}

		// A failing file never aborts its siblings.
		if firstErr == nil {
			firstErr = err
		}
		results = append(results, fileResult{Name: fh.Filename, Error: err.Error()})
	}

	if len(files) == 1 && !anyOK {
		// Single-file uploads surface the typed error directly.
		h.writeError(w, r, firstErr)
		return
	}

	status := http.StatusCreated
	if !anyOK {
		status = http.StatusBadRequest
	}
	h.writeJSON(w, status, map[string]any{"files": results})
}

// HandleDownload streams the file's restored bytes.
func (h *Handler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "file_id")

	stream, record, err := h.orch.RetrieveFile(r.Context(), caller(r), fileID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer stream.Close()

	contentType := record.DetectedType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": record.OriginalName}))
	w.Header().Set("Content-Length", strconv.FormatInt(record.SizeBytes, 10))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, stream); err != nil {
		h.log.Warn("Download stream interrupted",
			slog.String("file_id", fileID), "err", err)
	}
}

// HandleRecord returns one file record. Secrets are included only for the
// file's owner when include_secrets=true.
func (h *Handler) HandleRecord(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "file_id")

	record, err := h.orch.GetFileRecord(r.Context(), caller(r), fileID, true)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	includeSecrets := queryBool(r, "include_secrets") && record.Access.Owner == caller(r)
	if !includeSecrets {
		record = record.Redacted()
	}
	h.writeJSON(w, http.StatusOK, record)
}

// HandleQuery searches file records.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := metadata.SearchFilter{
		Owner:      q.Get("owner"),
		Category:   q.Get("category"),
		TypePrefix: q.Get("type"),
		Text:       q.Get("text"),
		SortBy:     q.Get("sort"),
		Descending: queryBool(r, "desc"),
	}
	filter.MinSize, _ = strconv.ParseInt(q.Get("min_size"), 10, 64)
	filter.MaxSize, _ = strconv.ParseInt(q.Get("max_size"), 10, 64)
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if after := q.Get("created_after"); after != "" {
		filter.CreatedAfter, _ = time.Parse(time.RFC3339, after)
	}
	if before := q.Get("created_before"); before != "" {
		filter.CreatedBefore, _ = time.Parse(time.RFC3339, before)
	}

	result, err := h.orch.QueryFiles(r.Context(), caller(r), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"total": result.Total,
		"files": result.Records,
	})
}

// HandleRemove deletes a file's placements and record. Partial failures
// return the report with the record retained.
func (h *Handler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "file_id")

	report, err := h.orch.RemoveFile(r.Context(), caller(r), fileID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if !report.RecordDeleted {
		status = http.StatusMultiStatus
	}
	h.writeJSON(w, status, report)
}

type shareRequest struct {
	GranteeID   string     `json:"granteeId"`
	Permissions []string   `json:"permissions"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// HandleShare appends a grant to the file's share ledger.
func (h *Handler) HandleShare(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "file_id")

	var req shareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, &interfaces.ValidationError{Reasons: []string{"invalid request body"}})
		return
	}
	if req.GranteeID == "" {
		h.writeError(w, r, &interfaces.ValidationError{Reasons: []string{"granteeId is required"}})
		return
	}

	grant, err := h.orch.ShareFile(r.Context(), caller(r), fileID, req.GranteeID, req.Permissions, req.ExpiresAt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, grant)
}

// HandleRevokeShare deactivates a grant.
func (h *Handler) HandleRevokeShare(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "file_id")
	shareID := chi.URLParam(r, "share_id")

	if err := h.orch.RevokeShare(r.Context(), caller(r), fileID, shareID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// HandleBackendHealth reports the last probe result per backend.
func (h *Handler) HandleBackendHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.monitor.Snapshot())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("Failed to encode response", "err", err)
	}
}

// writeError maps the error taxonomy onto HTTP statuses. Responses carry
// human-readable reasons but never secrets or stack detail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *interfaces.ValidationError
		transformErr  *interfaces.TransformError
		unavailable   *interfaces.BackendUnavailableError
		uploadFailed  *interfaces.UploadFailedError
		retrieval     *interfaces.RetrievalFailedError
		notFound      *interfaces.NotFoundError
		rateLimited   *interfaces.RateLimitError
	)

	switch {
	case errors.As(err, &validationErr):
		h.writeErrorMessage(w, r, validationErr.Error(), http.StatusBadRequest)
	case errors.As(err, &notFound):
		h.writeErrorMessage(w, r, notFound.Error(), http.StatusNotFound)
	case errors.As(err, &rateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(int(rateLimited.RetryAfter.Seconds())))
		h.writeErrorMessage(w, r, rateLimited.Error(), http.StatusTooManyRequests)
	case errors.As(err, &unavailable):
		h.writeErrorMessage(w, r, unavailable.Error(), http.StatusServiceUnavailable)
	case errors.As(err, &uploadFailed):
		h.writeErrorMessage(w, r, uploadFailed.Error(), http.StatusBadGateway)
	case errors.As(err, &retrieval):
		h.writeErrorMessage(w, r, retrieval.Error(), http.StatusBadGateway)
	case errors.As(err, &transformErr):
		h.writeErrorMessage(w, r, transformErr.Error(), http.StatusUnprocessableEntity)
	default:
		h.log.Error("Request failed", slog.String("path", r.URL.Path), "err", err)
		h.writeErrorMessage(w, r, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeErrorMessage(w http.ResponseWriter, r *http.Request, msg string, status int) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func formBool(r *http.Request, name string) bool {
	v := strings.ToLower(r.FormValue(name))
	return v == "true" || v == "1" || v == "yes"
}

func queryBool(r *http.Request, name string) bool {
	v := strings.ToLower(r.URL.Query().Get(name))
	return v == "true" || v == "1" || v == "yes"
}
