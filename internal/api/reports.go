package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ahrav/reportflow/internal/app/requester"
	"github.com/ahrav/reportflow/internal/domain/reporting"
)

const maxBodyBytes = 1 << 20

type submitRequest struct {
	ReportType  string            `json:"reportType"`
	SubjectID   string            `json:"subjectId"`
	Parameters  map[string]string `json:"parameters"`
	RequestedBy string            `json:"requestedBy"`
}

type submitResponse struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

type reportResponse struct {
	RequestID   string            `json:"requestId"`
	ReportType  string            `json:"reportType"`
	SubjectID   string            `json:"subjectId,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	RequestedBy string            `json:"requestedBy"`
	Status      string            `json:"status"`
	Progress    int               `json:"progress"`
	Message     string            `json:"message,omitempty"`
	ResultRef   string            `json:"resultRef,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

type errorResponse struct {
	Error  string                 `json:"error"`
	Fields []requester.FieldError `json:"fields,omitempty"`
}

func newReportResponse(rec *reporting.ReportRecord) reportResponse {
	return reportResponse{
		RequestID:   rec.RequestID().String(),
		ReportType:  rec.ReportType().String(),
		SubjectID:   rec.SubjectID(),
		Parameters:  rec.Parameters(),
		RequestedBy: rec.RequestedBy(),
		Status:      rec.Status().String(),
		Progress:    rec.Progress(),
		Message:     rec.Message(),
		ResultRef:   rec.ResultRef(),
		Error:       rec.Error(),
		CreatedAt:   rec.CreatedAt(),
		UpdatedAt:   rec.UpdatedAt(),
	}
}

func (s *Server) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req submitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	id, err := s.cfg.Service.Submit(ctx, requester.SubmitCommand{
		ReportType:  req.ReportType,
		SubjectID:   req.SubjectID,
		Parameters:  req.Parameters,
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		var verr *requester.ValidationError
		if errors.As(err, &verr) {
			s.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid report request", Fields: verr.Fields})
			return
		}
		s.logger.Error(ctx, "failed to submit report", "error", err)
		s.writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	w.Header().Set("Location", "/v1/reports/"+id.String())
	s.writeJSON(w, r, http.StatusAccepted, submitResponse{
		RequestID: id.String(),
		Status:    reporting.ReportStatusPending.String(),
	})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "report id must be a UUID"})
		return
	}

	rec, err := s.cfg.Service.Get(ctx, id)
	switch {
	case errors.Is(err, reporting.ErrReportNotFound):
		s.writeJSON(w, r, http.StatusNotFound, errorResponse{Error: "report not found"})
		return
	case err != nil:
		s.logger.Error(ctx, "failed to load report", "request_id", id.String(), "error", err)
		s.writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	s.writeJSON(w, r, http.StatusOK, newReportResponse(rec))
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		s.logger.Error(r.Context(), "failed to encode response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
