package serialization

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ahrav/reportflow/internal/domain/reporting"
)

func init() {
	RegisterReportingSerializers()
}

// RegisterReportingSerializers registers codecs for every reporting event.
func RegisterReportingSerializers() {
	Register(reporting.EventTypeReportRequested, reporting.ReportRequestedSchemaVersion,
		serializeReportRequested, deserializeReportRequested)
	Register(reporting.EventTypeProcessingStatus, reporting.ProcessingStatusSchemaVersion,
		serializeProcessingStatus, deserializeProcessingStatus)
	Register(reporting.EventTypeReportCompleted, reporting.ReportCompletedSchemaVersion,
		serializeReportCompleted, deserializeReportCompleted)
}

type reportRequestedV1 struct {
	RequestID   string            `json:"requestId"`
	ReportType  string            `json:"reportType"`
	SubjectID   string            `json:"subjectId,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	RequestedBy string            `json:"requestedBy"`
	CreatedAt   time.Time         `json:"createdAt"`
	OccurredAt  time.Time         `json:"occurredAt"`
}

func serializeReportRequested(payload any) ([]byte, error) {
	evt, ok := payload.(reporting.ReportRequestedEvent)
	if !ok {
		return nil, fmt.Errorf("%w: expected ReportRequestedEvent, got %T", ErrInvalidPayloadType, payload)
	}
	req := evt.Request()
	return json.Marshal(reportRequestedV1{
		RequestID:   req.RequestID().String(),
		ReportType:  req.ReportType().String(),
		SubjectID:   req.SubjectID(),
		Parameters:  req.Parameters(),
		RequestedBy: req.RequestedBy(),
		CreatedAt:   req.CreatedAt().UTC(),
		OccurredAt:  evt.OccurredAt().UTC(),
	})
}

func deserializeReportRequested(data []byte) (any, error) {
	var dto reportRequestedV1
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(dto.RequestID)
	if err != nil {
		return nil, fmt.Errorf("requestId: %w", err)
	}
	rt, err := reporting.ParseReportType(dto.ReportType)
	if err != nil {
		return nil, err
	}
	if dto.RequestedBy == "" {
		return nil, fmt.Errorf("requestedBy is required")
	}
	req := reporting.NewReportRequest(id, rt, dto.SubjectID, dto.Parameters, dto.RequestedBy, dto.CreatedAt)
	return reporting.NewReportRequestedEvent(req, dto.OccurredAt), nil
}

type processingStatusV1 struct {
	RequestID string `json:"requestId"`
	Sequence  int64  `json:"sequence"`
	Status    string `json:"status"`
	// Progress is a pointer so an absent value is distinguishable from 0.
	Progress  *int      `json:"progress,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message,omitempty"`
	EmittedAt time.Time `json:"emittedAt"`
}

func serializeProcessingStatus(payload any) ([]byte, error) {
	evt, ok := payload.(reporting.ProcessingStatusEvent)
	if !ok {
		return nil, fmt.Errorf("%w: expected ProcessingStatusEvent, got %T", ErrInvalidPayloadType, payload)
	}
	dto := processingStatusV1{
		RequestID: evt.RequestID().String(),
		Sequence:  evt.Sequence(),
		Status:    evt.Status().String(),
		Stage:     evt.Stage(),
		Message:   evt.Message(),
		EmittedAt: evt.OccurredAt().UTC(),
	}
	if p, ok := evt.Progress(); ok {
		dto.Progress = &p
	}
	return json.Marshal(dto)
}

func deserializeProcessingStatus(data []byte) (any, error) {
	var dto processingStatusV1
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(dto.RequestID)
	if err != nil {
		return nil, fmt.Errorf("requestId: %w", err)
	}
	status, err := reporting.ParseReportStatus(dto.Status)
	if err != nil {
		return nil, err
	}

	opts := []reporting.StatusOption{reporting.WithStage(dto.Stage), reporting.WithMessage(dto.Message)}
	if dto.Progress != nil {
		opts = append(opts, reporting.WithProgress(*dto.Progress))
	}
	return reporting.NewProcessingStatusEvent(id, dto.Sequence, status, dto.EmittedAt, opts...)
}

type reportCompletedV1 struct {
	RequestID string    `json:"requestId"`
	Status    string    `json:"status"`
	ResultRef string    `json:"resultRef,omitempty"`
	Error     string    `json:"error,omitempty"`
	EmittedAt time.Time `json:"emittedAt"`
}

func serializeReportCompleted(payload any) ([]byte, error) {
	evt, ok := payload.(reporting.ReportCompletedEvent)
	if !ok {
		return nil, fmt.Errorf("%w: expected ReportCompletedEvent, got %T", ErrInvalidPayloadType, payload)
	}
	return json.Marshal(reportCompletedV1{
		RequestID: evt.RequestID().String(),
		Status:    evt.Status().String(),
		ResultRef: evt.ResultRef(),
		Error:     evt.ErrorMessage(),
		EmittedAt: evt.OccurredAt().UTC(),
	})
}

func deserializeReportCompleted(data []byte) (any, error) {
	var dto reportCompletedV1
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(dto.RequestID)
	if err != nil {
		return nil, fmt.Errorf("requestId: %w", err)
	}
	status, err := reporting.ParseReportStatus(dto.Status)
	if err != nil {
		return nil, err
	}
	return reporting.ReconstructReportCompletedEvent(id, status, dto.ResultRef, dto.Error, dto.EmittedAt)
}
