package receipt

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/zombor/receipt-scanner/internal/category"
	"github.com/zombor/receipt-scanner/internal/imagestore"
	"github.com/zombor/receipt-scanner/pkg/logger"
)

const (
	multipartMemory = 32 << 20
	maxScanBody     = imagestore.MaxFileSize + 1<<20
	maxBatchBody    = 200 << 20
	maxUpdateBody   = 1 << 20
)

type errorBody struct {
	Error  string       `json:"error"`
	Errors []FieldError `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError maps err to a status and client-safe body. Server errors are
// logged with the full chain.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := classify(err)
	body := errorBody{Error: msg}
	var verr *ValidationError
	if errors.As(err, &verr) {
		body.Errors = verr.Fields
	}
	if status >= http.StatusInternalServerError {
		logger.From(r.Context()).Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

// parseForm reads a multipart body capped at limit bytes.
func parseForm(w http.ResponseWriter, r *http.Request, limit int64) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, imagestore.ErrTooLarge)
			return false
		}
		logger.From(r.Context()).Warn("Error parsing multipart form", "error", err)
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Error parsing form"})
		return false
	}
	return true
}

// errReader fails every read; it stands in for a part that could not be opened.
type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

func openUpload(fh *multipart.FileHeader) (Upload, func()) {
	up := Upload{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
	}
	f, err := fh.Open()
	if err != nil {
		up.Body = errReader{err}
		return up, func() {}
	}
	up.Body = f
	return up, func() { f.Close() }
}

// handleScan scans a single uploaded receipt image
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r, maxScanBody) {
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		writeError(w, r, fieldError("file", "is required"))
		return
	}

	up, closeFn := openUpload(headers[0])
	defer closeFn()

	receipt, err := s.service.ProcessReceipt(r.Context(), up)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// handleScanBatch scans every uploaded file in order
func (s *Server) handleScanBatch(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r, maxBatchBody) {
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, r, fieldError("files", "at least one file is required"))
		return
	}

	uploads := make([]Upload, 0, len(headers))
	for _, fh := range headers {
		up, closeFn := openUpload(fh)
		defer closeFn()
		uploads = append(uploads, up)
	}

	writeJSON(w, http.StatusCreated, s.service.ProcessBatch(r.Context(), uploads))
}

type listResponse struct {
	Items []*Receipt `json:"items"`
	Total int64      `json:"total"`
}

// handleListReceipts returns one page of receipts
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	filter, sort, page, err := parseListQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}

	receipts, total, err := s.service.ListReceipts(r.Context(), filter, sort, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: receipts, Total: total})
}

// handleExport returns matching receipts as a CSV attachment
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	filter, sort, _, err := parseListQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := s.service.ExportCSV(r.Context(), &buf, filter, sort); err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="receipts.csv"`)
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		logger.From(r.Context()).Error("Error writing export", "error", err)
	}
}

// handleGetReceipt returns a single receipt
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	receipt, err := s.service.GetReceipt(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleUpdateReceipt replaces a receipt's fields and items
func (s *Server) handleUpdateReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUpdateBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid request body"})
		return
	}
	req, err := decodeUpdate(body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	receipt, err := s.service.UpdateReceipt(r.Context(), id, req.fields(), req.Items)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleDeleteReceipt deletes a receipt
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.service.DeleteReceipt(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMonthlySummary returns category totals for one month
func (s *Server) handleMonthlySummary(w http.ResponseWriter, r *http.Request) {
	year, month, err := parseSummaryQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	summary, err := s.service.MonthlySummary(r.Context(), year, month)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleMonthlyList returns the months that have receipts
func (s *Server) handleMonthlyList(w http.ResponseWriter, r *http.Request) {
	months, err := s.service.AvailableMonths(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"months": months})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"categories": category.All()})
}

// handleRecentScans returns the latest scan attempts
func (s *Server) handleRecentScans(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimitQuery(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := s.service.RecentScans(limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Healthy(r.Context()); err != nil {
		logger.From(r.Context()).Error("Health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
