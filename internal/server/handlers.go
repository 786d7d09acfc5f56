package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/zombor/invoice-poster/internal/intake"
	"github.com/zombor/invoice-poster/internal/report"
	"github.com/zombor/invoice-poster/internal/store"
)

const maxUploadSize = int64(50 << 20)

type scanRequest struct {
	Name    string `json:"name"`
	Payload string `json:"payload"`
}

type runResponse struct {
	RunID       string              `json:"run_id"`
	Posted      int                 `json:"posted"`
	Skipped     int                 `json:"skipped"`
	Attachments []*store.Attachment `json:"attachments"`
	Error       string              `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// handleCreateScan accepts either a JSON raw payload or a multipart attachment
func (s *Server) handleCreateScan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	var (
		attachment *store.Attachment
		err        error
	)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		attachment, err = s.createFromUpload(r)
	} else {
		var req scanRequest
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			writeError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		attachment, err = s.intake.ProcessPayload(r.Context(), req.Name, req.Payload)
	}

	if err != nil {
		var (
			tooLarge *http.MaxBytesError
			inputErr *intake.InputError
		)
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, "File is too large. Maximum size is 50MB.", http.StatusRequestEntityTooLarge)
		case errors.As(err, &inputErr):
			writeError(w, err.Error(), http.StatusBadRequest)
		default:
			slog.Error("Error processing scan", "error", err)
			writeError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, attachment)
}

func (s *Server) createFromUpload(r *http.Request) (*store.Attachment, error) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return nil, &intake.InputError{Err: err}
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		return nil, &intake.InputError{Err: errors.New("no file provided")}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	return s.intake.ProcessUpload(r.Context(), header.Filename, data, header.Header.Get("Content-Type"))
}

// handleRunInbox processes the inbox once
func (s *Server) handleRunInbox(w http.ResponseWriter, r *http.Request) {
	if s.inbox == nil {
		writeError(w, "No inbox configured", http.StatusNotFound)
		return
	}

	batch, err := s.inbox.RunInbox(r.Context())
	resp := runResponse{
		RunID:       batch.Outcome.RunID,
		Posted:      batch.Outcome.Posted(),
		Skipped:     batch.Skipped,
		Attachments: batch.Attachments,
	}
	if resp.Attachments == nil {
		resp.Attachments = []*store.Attachment{}
	}
	if err != nil {
		slog.Error("Error processing inbox", "error", err)
		resp.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	attachments, err := s.intake.ListAttachments()
	if err != nil {
		slog.Error("Error listing attachments", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if attachments == nil {
		attachments = []*store.Attachment{}
	}
	writeJSON(w, http.StatusOK, attachments)
}

func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	attachment, err := s.intake.GetAttachment(r.PathValue("id"))
	if err != nil {
		writeError(w, "Attachment not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, attachment)
}

func (s *Server) handleGetAttachmentFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.intake.GetAttachmentFile(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "File not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

func (s *Server) handleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	err := s.intake.DeleteAttachment(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "Attachment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Error deleting attachment", "error", err)
		writeError(w, "Error deleting attachment", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReport returns the audit summary of the trailing ?days=N window.
// ?format=text renders the plain text report.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	days := s.reportDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "days must be a positive number", http.StatusBadRequest)
			return
		}
		days = n
	}

	summary, err := report.Generate(s.report, s.timeSource.Now(), days)
	if err != nil {
		slog.Error("Error generating report", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := summary.WriteText(w); err != nil {
			slog.Error("Error writing report", "error", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
