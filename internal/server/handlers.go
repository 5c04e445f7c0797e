package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/zombor/receipt-matcher/internal/progress"
	"github.com/zombor/receipt-matcher/internal/receipt"
	"github.com/zombor/receipt-matcher/internal/report"
	"github.com/zombor/receipt-matcher/internal/scanning"
)

// maxUploadSize bounds uploads; high-resolution phone photos run large
const maxUploadSize = int64(50 << 20)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// corsError writes a plain text error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// jsonError writes {"error": message} with CORS headers set
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// flushWriter pushes every progress line to the client as soon as it is written
type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}

// startStream switches the response to newline-delimited JSON events
func startStream(w http.ResponseWriter) *progress.Writer {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	return progress.NewWriter(flushWriter{w: w, f: flusher})
}

// handleListReceipts returns a list of all receipts
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.service.ListReceipts()
	if err != nil {
		slog.Error("Error listing receipts", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

// handleUploadReceipt extracts an uploaded receipt, streaming progress
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorMsg = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a file to upload."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return
	}
	defer f.Close()

	if !scanning.Supported(header.Filename) {
		jsonError(w, fmt.Sprintf("Unsupported file type %q", header.Filename), http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = scanning.ContentTypeFor(header.Filename)
	}

	sink := startStream(w)
	progress.Emit(sink, progress.StageInit, 0, fmt.Sprintf("Processing %s", header.Filename), nil)

	rec, err := s.service.ProcessReceipt(r.Context(), header.Filename, data, contentType, sink)
	if err != nil {
		slog.Error("Error processing receipt", "filename", header.Filename, "error", err)
		progress.Emit(sink, progress.StageError, 0, err.Error(), nil)
		return
	}
	progress.Emit(sink, progress.StageComplete, 100, "Analysis complete", rec)
}

// handleGetReceipt returns a single receipt
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Receipt ID required", http.StatusBadRequest)
		return
	}
	rec, err := s.service.GetReceipt(id)
	if err != nil {
		notFoundOrError(w, "Receipt not found", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleGetReceiptFile returns the source document of a receipt
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Receipt ID required", http.StatusBadRequest)
		return
	}
	data, filename, err := s.service.GetReceiptFile(id)
	if err != nil {
		corsError(w, "File not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", scanning.ContentTypeFor(filename))
	w.Write(data)
}

// handleDeleteReceipt deletes a receipt
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Receipt ID required", http.StatusBadRequest)
		return
	}
	if err := s.service.DeleteReceipt(id); err != nil {
		notFoundOrError(w, "Error deleting receipt", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// matchRequest is the body of a match run. Receipts are optional; without
// them the stored receipts are matched.
type matchRequest struct {
	Receipts     []receipt.Receipt     `json:"receipts"`
	Transactions []receipt.Transaction `json:"transactions"`
}

// handleCreateReport matches receipts against transactions, streaming progress
func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Transactions) == 0 {
		jsonError(w, ErrNoTransactions.Error(), http.StatusBadRequest)
		return
	}

	sink := startStream(w)
	rep, err := s.service.CreateReport(req.Receipts, req.Transactions, sink)
	if err != nil {
		slog.Error("Error creating report", "error", err)
		progress.Emit(sink, progress.StageError, 0, err.Error(), nil)
		return
	}
	progress.Emit(sink, progress.StageReport, 100, "Report saved", map[string]string{"id": rep.ID})
}

// handleListReports returns all match reports
func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.service.ListReports()
	if err != nil {
		slog.Error("Error listing reports", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

// handleGetReport returns a stored match report
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.service.GetReport(r.PathValue("id"))
	if err != nil {
		notFoundOrError(w, "Report not found", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleExportReport returns a stored match report as a spreadsheet
func (s *Server) handleExportReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.service.GetReport(r.PathValue("id"))
	if err != nil {
		notFoundOrError(w, "Report not found", err)
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="matches-%s.xlsx"`, rep.ID))
	if err := report.Write(w, rep); err != nil {
		slog.Error("Error writing spreadsheet", "report", rep.ID, "error", err)
	}
}

func notFoundOrError(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, receipt.ErrNotFound) {
		corsError(w, message, http.StatusNotFound)
		return
	}
	slog.Error(message, "error", err)
	corsError(w, "Internal server error", http.StatusInternalServerError)
}
