package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	openapi_types "github.com/oapi-codegen/runtime/types"

	"github.com/routeops-platform/api/internal/audit"
	"github.com/routeops-platform/api/internal/httpx"
	"github.com/routeops-platform/api/internal/importer"
	"github.com/routeops-platform/api/internal/middleware"
)

// Browsers are sloppy about the part content type for .csv files, so the
// octet-stream fallback is accepted alongside the real CSV types.
var supportedCSVContentTypes = map[string]struct{}{
	"text/csv":                 {},
	"application/csv":          {},
	"application/vnd.ms-excel": {},
	"application/octet-stream": {},
}

type importOptionsPayload struct {
	Mapping importer.ColumnMapping `json:"mapping"`
}

type parsedUpload struct {
	fileName   string
	fileSHA256 string
	headers    []string
	rows       [][]string
	overrides  importer.ColumnMapping
}

type appError struct {
	Status  int
	Code    string
	Message string
	Details any
}

// EntityPreview is one entity's share of the preview: the count the operator
// will see confirmed at write time, plus the first few rows as a sample.
type EntityPreview[T any] struct {
	Count  int `json:"count"`
	Sample []T `json:"sample"`
}

type PreviewStats struct {
	Branches        EntityPreview[importer.Branch]   `json:"branches"`
	Routes          EntityPreview[importer.Route]    `json:"routes"`
	Customers       EntityPreview[importer.Customer] `json:"customers"`
	Visits          EntityPreview[importer.Visit]    `json:"visits"`
	RecordCount     int                              `json:"recordCount"`
	MissingGpsCount int                              `json:"missingGpsCount"`
}

type PreviewResponse struct {
	Mapping    importer.ColumnMapping    `json:"mapping"`
	Validation importer.ValidationResult `json:"validation"`
	Stats      *PreviewStats             `json:"stats,omitempty"`
	FileSHA256 string                    `json:"fileSha256"`
	RequestID  string                    `json:"requestId"`
}

const previewSampleSize = 5

func sample[T any](items []T, n int) []T {
	if len(items) < n {
		n = len(items)
	}
	out := make([]T, n)
	copy(out, items[:n])
	return out
}

func buildPreviewStats(set *importer.EntitySet) *PreviewStats {
	counts := set.Counts()
	return &PreviewStats{
		Branches:        EntityPreview[importer.Branch]{Count: counts.Branches, Sample: sample(set.Branches, previewSampleSize)},
		Routes:          EntityPreview[importer.Route]{Count: counts.Routes, Sample: sample(set.Routes, previewSampleSize)},
		Customers:       EntityPreview[importer.Customer]{Count: counts.Customers, Sample: sample(set.Customers, previewSampleSize)},
		Visits:          EntityPreview[importer.Visit]{Count: counts.Visits, Sample: sample(set.Visits, previewSampleSize)},
		RecordCount:     set.Stats.RecordCount,
		MissingGpsCount: set.Stats.MissingGpsCount,
	}
}

// PostImportsPreview detects a mapping (operator overrides applied on top),
// validates it, and computes preview stats through the exact extractor code
// path used at write time, so preview counts never diverge from the write.
func (s *Server) PostImportsPreview(w http.ResponseWriter, r *http.Request) {
	_, _, _, ok := requireActorIDs(w, r)
	if !ok {
		return
	}

	parsed, appErr := parseImportUpload(r, s.Config.ImportMaxRows)
	if appErr != nil {
		httpx.WriteError(w, r, appErr.Status, appErr.Code, appErr.Message, appErr.Details)
		return
	}

	mapping := importer.DetectMapping(parsed.headers).Merge(parsed.overrides)
	validation := mapping.Validate()

	response := PreviewResponse{
		Mapping:    mapping,
		Validation: validation,
		FileSHA256: parsed.fileSHA256,
		RequestID:  middleware.RequestIDFromContext(r.Context()),
	}

	if validation.IsValid {
		records, err := importer.Transform(r.Context(), parsed.headers, parsed.rows, mapping)
		if err != nil {
			writePipelineError(w, r, err)
			return
		}
		set, err := importer.Extract(r.Context(), records)
		if err != nil {
			writePipelineError(w, r, err)
			return
		}
		response.Stats = buildPreviewStats(set)
	}

	httpx.WriteJSON(w, http.StatusOK, response)
}

type ImportAccepted struct {
	ImportBatchID uuid.UUID            `json:"importBatchId"`
	Status        importer.BatchStatus `json:"status"`
	Expected      *PreviewStats        `json:"expected"`
	RequestID     string               `json:"requestId"`
}

// PostImports confirms a mapping and starts the asynchronous import. One
// batch may be in flight per tenant; a concurrent submission is rejected.
func (s *Server) PostImports(w http.ResponseWriter, r *http.Request) {
	actor, tenantID, userID, ok := requireActorIDs(w, r)
	if !ok {
		return
	}

	parsed, appErr := parseImportUpload(r, s.Config.ImportMaxRows)
	if appErr != nil {
		httpx.WriteError(w, r, appErr.Status, appErr.Code, appErr.Message, appErr.Details)
		return
	}

	mapping := importer.DetectMapping(parsed.headers).Merge(parsed.overrides)
	if validation := mapping.Validate(); !validation.IsValid {
		httpx.WriteError(w, r, http.StatusBadRequest, "mapping_incomplete",
			"Required fields have no source column",
			map[string]any{"missingRequiredFields": validation.MissingRequiredFields})
		return
	}

	records, err := importer.Transform(r.Context(), parsed.headers, parsed.rows, mapping)
	if err != nil {
		writePipelineError(w, r, err)
		return
	}
	set, err := importer.Extract(r.Context(), records)
	if err != nil {
		writePipelineError(w, r, err)
		return
	}

	if active, err := s.Store.HasActiveImport(r.Context(), tenantID); err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to check import state", nil)
		return
	} else if active {
		httpx.WriteError(w, r, http.StatusConflict, "import_in_progress", "Another import is already processing for this tenant", nil)
		return
	}

	batch := &importer.ImportBatch{
		ID:          uuid.New(),
		TenantID:    tenantID,
		FileName:    parsed.fileName,
		RawRowCount: len(parsed.rows),
		Status:      importer.BatchPending,
		Uploader:    actor.FullName,
		CreatedBy:   &userID,
	}

	if !s.Imports.Start(tenantID, batch.ID) {
		httpx.WriteError(w, r, http.StatusConflict, "import_in_progress", "Another import is already processing for this tenant", nil)
		return
	}

	if err := s.Store.CreateImportBatch(r.Context(), batch); err != nil {
		s.Imports.Finish(tenantID, batch.ID)
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to create import batch", nil)
		return
	}

	requestID := middleware.RequestIDFromContext(r.Context())
	_ = s.Audit.Log(r.Context(), audit.Entry{
		TenantID:   tenantID,
		UserID:     &userID,
		Action:     "imports.started",
		EntityType: "import_batch",
		EntityID:   &batch.ID,
		RequestID:  requestID,
		Metadata: map[string]any{
			"fileName":   parsed.fileName,
			"fileSha256": parsed.fileSHA256,
			"rawRows":    len(parsed.rows),
		},
	})

	upload := importer.RawUpload{FileName: parsed.fileName, Headers: parsed.headers, Rows: parsed.rows}
	go s.runImport(batch, upload, set, userID, requestID)

	httpx.WriteJSON(w, http.StatusAccepted, ImportAccepted{
		ImportBatchID: batch.ID,
		Status:        batch.Status,
		Expected:      buildPreviewStats(set),
		RequestID:     requestID,
	})
}

// runImport drives the orchestrator off the request goroutine. The batch
// outlives the HTTP request, so it runs on a fresh context; shutdown safety
// inside the orchestrator handles the final status writes.
func (s *Server) runImport(batch *importer.ImportBatch, upload importer.RawUpload, set *importer.EntitySet, userID uuid.UUID, requestID string) {
	ctx := context.Background()
	defer s.Imports.Finish(batch.TenantID, batch.ID)

	counts, err := s.Importer.Run(ctx, batch, upload, set, s.Imports.Sink(batch.ID), s.Imports.Cancelled(batch.ID))

	action := "imports.completed"
	metadata := map[string]any{"fileName": batch.FileName, "counts": counts}
	switch {
	case errors.Is(err, importer.ErrCancelled):
		action = "imports.cancelled"
		s.Logger.Info("import cancelled", "batch_id", batch.ID, "tenant_id", batch.TenantID)
	case err != nil:
		action = "imports.failed"
		metadata["error"] = err.Error()
		s.Logger.Error("import failed", "batch_id", batch.ID, "tenant_id", batch.TenantID, "error", err)
	default:
		s.Logger.Info("import complete", "batch_id", batch.ID, "tenant_id", batch.TenantID,
			"branches", counts.Branches, "routes", counts.Routes, "customers", counts.Customers, "visits", counts.Visits)
	}

	_ = s.Audit.Log(ctx, audit.Entry{
		TenantID:   batch.TenantID,
		UserID:     &userID,
		Action:     action,
		EntityType: "import_batch",
		EntityID:   &batch.ID,
		RequestID:  requestID,
		Metadata:   metadata,
	})
}

type ImportResult struct {
	Success         bool                     `json:"success"`
	PerEntityCounts importer.PerEntityCounts `json:"perEntityCounts"`
	Error           string                   `json:"error,omitempty"`
}

type ImportStatusResponse struct {
	Batch     importer.ImportBatch     `json:"batch"`
	Progress  []importer.ProgressEvent `json:"progress"`
	Result    *ImportResult            `json:"result,omitempty"`
	RequestID string                   `json:"requestId"`
}

func (s *Server) GetImportsImportBatchId(w http.ResponseWriter, r *http.Request, importBatchId openapi_types.UUID) {
	_, tenantID, _, ok := requireActorIDs(w, r)
	if !ok {
		return
	}

	batch, err := s.Store.GetImportBatch(r.Context(), tenantID, uuid.UUID(importBatchId))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.WriteError(w, r, http.StatusNotFound, "import_batch_not_found", "Import batch not found", nil)
			return
		}
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to load import batch", nil)
		return
	}

	response := ImportStatusResponse{
		Batch:     batch,
		Progress:  s.Imports.Snapshot(batch.ID),
		RequestID: middleware.RequestIDFromContext(r.Context()),
	}
	switch batch.Status {
	case importer.BatchComplete:
		response.Result = &ImportResult{Success: true, PerEntityCounts: batch.Counts}
	case importer.BatchError, importer.BatchCancelled:
		response.Result = &ImportResult{Success: false, PerEntityCounts: batch.Counts, Error: batch.Error}
	}

	httpx.WriteJSON(w, http.StatusOK, response)
}

func (s *Server) PostImportsImportBatchIdCancel(w http.ResponseWriter, r *http.Request, importBatchId openapi_types.UUID) {
	_, tenantID, userID, ok := requireActorIDs(w, r)
	if !ok {
		return
	}

	batchID := uuid.UUID(importBatchId)
	batch, err := s.Store.GetImportBatch(r.Context(), tenantID, batchID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.WriteError(w, r, http.StatusNotFound, "import_batch_not_found", "Import batch not found", nil)
			return
		}
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to load import batch", nil)
		return
	}

	if batch.Status != importer.BatchPending && batch.Status != importer.BatchProcessing {
		httpx.WriteError(w, r, http.StatusConflict, "import_not_running", "Import batch is not running", map[string]any{"status": batch.Status})
		return
	}
	if !s.Imports.Cancel(batchID) {
		httpx.WriteError(w, r, http.StatusConflict, "import_not_running", "Import batch is not running", nil)
		return
	}

	_ = s.Audit.Log(r.Context(), audit.Entry{
		TenantID:   tenantID,
		UserID:     &userID,
		Action:     "imports.cancel_requested",
		EntityType: "import_batch",
		EntityID:   &batchID,
		RequestID:  middleware.RequestIDFromContext(r.Context()),
	})

	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) GetImportsHistory(w http.ResponseWriter, r *http.Request) {
	_, tenantID, _, ok := requireActorIDs(w, r)
	if !ok {
		return
	}

	entries, err := s.Store.ListHistory(r.Context(), tenantID, 50)
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to load import history", nil)
		return
	}
	if entries == nil {
		entries = []importer.HistoryEntry{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"entries":   entries,
		"requestId": middleware.RequestIDFromContext(r.Context()),
	})
}

func writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	var parseErr *importer.ParseError
	if errors.As(err, &parseErr) {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid_mapping", parseErr.Error(), nil)
		return
	}
	httpx.WriteError(w, r, http.StatusInternalServerError, "internal_error", "Failed to process upload", nil)
}

func parseImportUpload(r *http.Request, maxRows int) (parsedUpload, *appError) {
	if !strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "multipart/form-data") {
		return parsedUpload{}, &appError{
			Status:  http.StatusBadRequest,
			Code:    "invalid_content_type",
			Message: "Content-Type must be multipart/form-data",
		}
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return parsedUpload{}, &appError{
			Status:  http.StatusBadRequest,
			Code:    "invalid_multipart",
			Message: "Failed to parse multipart form",
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return parsedUpload{}, &appError{
			Status:  http.StatusBadRequest,
			Code:    "missing_file",
			Message: "file is required",
		}
	}
	defer file.Close()

	var overrides importer.ColumnMapping
	if optionsRaw := strings.TrimSpace(r.FormValue("options")); optionsRaw != "" {
		var options importOptionsPayload
		if err := json.Unmarshal([]byte(optionsRaw), &options); err != nil {
			return parsedUpload{}, &appError{
				Status:  http.StatusBadRequest,
				Code:    "invalid_options",
				Message: "options must be valid JSON",
			}
		}
		overrides = options.Mapping
	}

	fileName := header.Filename
	ext := strings.ToLower(filepath.Ext(fileName))
	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))

	switch ext {
	case ".csv":
		if contentType != "" {
			if _, ok := supportedCSVContentTypes[contentType]; !ok {
				return parsedUpload{}, &appError{
					Status:  http.StatusBadRequest,
					Code:    "invalid_content_type",
					Message: "Unsupported CSV content type",
					Details: map[string]any{"contentType": contentType},
				}
			}
		}
	default:
		return parsedUpload{}, &appError{
			Status:  http.StatusBadRequest,
			Code:    "invalid_file_type",
			Message: "Only .csv uploads are supported",
		}
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return parsedUpload{}, &appError{
			Status:  http.StatusBadRequest,
			Code:    "invalid_file",
			Message: "Failed to read uploaded file",
		}
	}
	digest := sha256.Sum256(data)

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows := make([][]string, 0, 1024)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return parsedUpload{}, &appError{
				Status:  http.StatusBadRequest,
				Code:    "invalid_csv",
				Message: "CSV parsing failed",
			}
		}
		rows = append(rows, record)
	}
	if len(rows) < 2 {
		return parsedUpload{}, &appError{
			Status:  http.StatusBadRequest,
			Code:    "empty_file",
			Message: "Uploaded CSV must have a header row and at least one data row",
		}
	}

	headers := normalizeHeaderRow(rows[0])
	dataRows := rows[1:]

	if maxRows > 0 && len(dataRows) > maxRows {
		return parsedUpload{}, &appError{
			Status:  http.StatusBadRequest,
			Code:    "row_limit_exceeded",
			Message: "CSV row limit exceeded",
			Details: map[string]any{"maxRows": maxRows},
		}
	}

	return parsedUpload{
		fileName:   fileName,
		fileSHA256: hex.EncodeToString(digest[:]),
		headers:    headers,
		rows:       dataRows,
		overrides:  overrides,
	}, nil
}

func normalizeHeaderRow(row []string) []string {
	headers := make([]string, len(row))
	for i, col := range row {
		headers[i] = strings.TrimPrefix(strings.TrimSpace(col), "\uFEFF")
	}
	return headers
}
