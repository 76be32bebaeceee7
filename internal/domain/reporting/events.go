package reporting

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/reportflow/internal/domain/events"
)

// Event types exchanged between the requester and the worker.
const (
	EventTypeReportRequested  events.EventType = "ReportRequested"
	EventTypeProcessingStatus events.EventType = "ProcessingStatus"
	EventTypeReportCompleted  events.EventType = "ReportCompleted"
)

// Current schema versions of the event payloads.
const (
	ReportRequestedSchemaVersion  = 1
	ProcessingStatusSchemaVersion = 1
	ReportCompletedSchemaVersion  = 1
)

// DefaultTopicMap routes each reporting event to its logical topic.
func DefaultTopicMap() events.TopicMap {
	return events.TopicMap{
		EventTypeReportRequested:  events.TopicReportRequests,   // requester -> worker
		EventTypeProcessingStatus: events.TopicProcessingStatus, // worker -> requester
		EventTypeReportCompleted:  events.TopicReportCompleted,  // worker -> requester
	}
}

// ReportRequestedEvent announces a newly accepted request.
type ReportRequestedEvent struct {
	request    ReportRequest
	occurredAt time.Time
}

var _ events.DomainEvent = ReportRequestedEvent{}

// NewReportRequestedEvent wraps req in a request event.
func NewReportRequestedEvent(req ReportRequest, occurredAt time.Time) ReportRequestedEvent {
	return ReportRequestedEvent{request: req, occurredAt: occurredAt}
}

func (e ReportRequestedEvent) EventType() events.EventType { return EventTypeReportRequested }
func (e ReportRequestedEvent) SchemaVersion() int          { return ReportRequestedSchemaVersion }
func (e ReportRequestedEvent) CorrelationID() string       { return e.request.RequestID().String() }
func (e ReportRequestedEvent) OccurredAt() time.Time       { return e.occurredAt }

// Request returns the immutable request carried by the event.
func (e ReportRequestedEvent) Request() ReportRequest { return e.request }

// Processing stages reported by the worker.
const (
	StageFetching   = "fetching"
	StageGenerating = "generating"
	StagePublishing = "publishing"
)

// ProcessingStatusEvent is a non-authoritative progress notification. The
// sequence is assigned by the worker per request, starting at 0.
type ProcessingStatusEvent struct {
	requestID   uuid.UUID
	sequence    int64
	status      ReportStatus
	progress    int
	hasProgress bool
	stage       string
	message     string
	emittedAt   time.Time
}

var _ events.DomainEvent = ProcessingStatusEvent{}

// StatusOption customises a ProcessingStatusEvent.
type StatusOption func(*ProcessingStatusEvent)

// WithProgress sets the completion percentage.
func WithProgress(p int) StatusOption {
	return func(e *ProcessingStatusEvent) {
		e.progress = p
		e.hasProgress = true
	}
}

// WithStage records the worker stage that produced the event.
func WithStage(stage string) StatusOption {
	return func(e *ProcessingStatusEvent) { e.stage = stage }
}

// WithMessage attaches a human readable message.
func WithMessage(msg string) StatusOption {
	return func(e *ProcessingStatusEvent) { e.message = msg }
}

// ErrInvalidProgress is returned when progress is outside 0..100.
var ErrInvalidProgress = errors.New("progress must be between 0 and 100")

// NewProcessingStatusEvent validates and builds a status event.
func NewProcessingStatusEvent(
	requestID uuid.UUID,
	sequence int64,
	status ReportStatus,
	emittedAt time.Time,
	opts ...StatusOption,
) (ProcessingStatusEvent, error) {
	evt := ProcessingStatusEvent{
		requestID: requestID,
		sequence:  sequence,
		status:    status,
		emittedAt: emittedAt,
	}
	for _, opt := range opts {
		opt(&evt)
	}

	if sequence < 0 {
		return ProcessingStatusEvent{}, fmt.Errorf("sequence must be non-negative, got %d", sequence)
	}
	switch status {
	case ReportStatusStarted, ReportStatusProcessing, ReportStatusCompleted, ReportStatusFailed:
	default:
		return ProcessingStatusEvent{}, fmt.Errorf("%w: %q is not a processing status", ErrUnknownStatus, status)
	}
	if evt.hasProgress && (evt.progress < 0 || evt.progress > 100) {
		return ProcessingStatusEvent{}, ErrInvalidProgress
	}
	return evt, nil
}

func (e ProcessingStatusEvent) EventType() events.EventType { return EventTypeProcessingStatus }
func (e ProcessingStatusEvent) SchemaVersion() int          { return ProcessingStatusSchemaVersion }
func (e ProcessingStatusEvent) CorrelationID() string       { return e.requestID.String() }
func (e ProcessingStatusEvent) OccurredAt() time.Time       { return e.emittedAt }

func (e ProcessingStatusEvent) RequestID() uuid.UUID  { return e.requestID }
func (e ProcessingStatusEvent) Sequence() int64       { return e.sequence }
func (e ProcessingStatusEvent) Status() ReportStatus  { return e.status }
func (e ProcessingStatusEvent) Stage() string         { return e.stage }
func (e ProcessingStatusEvent) Message() string       { return e.message }
func (e ProcessingStatusEvent) Progress() (int, bool) { return e.progress, e.hasProgress }

// ToUpdate converts the event into the merge input of a ReportRecord.
func (e ProcessingStatusEvent) ToUpdate() StatusUpdate {
	return StatusUpdate{
		Sequence:    e.sequence,
		Status:      e.status,
		Progress:    e.progress,
		HasProgress: e.hasProgress,
		Message:     e.message,
		EmittedAt:   e.emittedAt,
	}
}

// ReportCompletedEvent is the single logically terminal event of a request.
type ReportCompletedEvent struct {
	requestID uuid.UUID
	status    ReportStatus
	resultRef string
	errMsg    string
	emittedAt time.Time
}

var _ events.DomainEvent = ReportCompletedEvent{}

// Errors returned when a completion is malformed.
var (
	ErrMissingResultRef = errors.New("completed report requires a result reference")
	ErrMissingError     = errors.New("failed report requires an error message")
	ErrNotTerminal      = errors.New("completion status must be terminal")
)

// NewReportSucceededEvent builds a completed event pointing at resultRef.
func NewReportSucceededEvent(requestID uuid.UUID, resultRef string, emittedAt time.Time) (ReportCompletedEvent, error) {
	return ReconstructReportCompletedEvent(requestID, ReportStatusCompleted, resultRef, "", emittedAt)
}

// NewReportFailedEvent builds a failed event carrying errMsg.
func NewReportFailedEvent(requestID uuid.UUID, errMsg string, emittedAt time.Time) (ReportCompletedEvent, error) {
	return ReconstructReportCompletedEvent(requestID, ReportStatusFailed, "", errMsg, emittedAt)
}

// ReconstructReportCompletedEvent rebuilds a completion from its fields,
// enforcing that completed carries a resultRef and failed carries an error.
func ReconstructReportCompletedEvent(
	requestID uuid.UUID,
	status ReportStatus,
	resultRef string,
	errMsg string,
	emittedAt time.Time,
) (ReportCompletedEvent, error) {
	switch status {
	case ReportStatusCompleted:
		if resultRef == "" {
			return ReportCompletedEvent{}, ErrMissingResultRef
		}
		errMsg = ""
	case ReportStatusFailed:
		if errMsg == "" {
			return ReportCompletedEvent{}, ErrMissingError
		}
		resultRef = ""
	default:
		return ReportCompletedEvent{}, fmt.Errorf("%w: %q", ErrNotTerminal, status)
	}
	return ReportCompletedEvent{
		requestID: requestID,
		status:    status,
		resultRef: resultRef,
		errMsg:    errMsg,
		emittedAt: emittedAt,
	}, nil
}

func (e ReportCompletedEvent) EventType() events.EventType { return EventTypeReportCompleted }
func (e ReportCompletedEvent) SchemaVersion() int          { return ReportCompletedSchemaVersion }
func (e ReportCompletedEvent) CorrelationID() string       { return e.requestID.String() }
func (e ReportCompletedEvent) OccurredAt() time.Time       { return e.emittedAt }

func (e ReportCompletedEvent) RequestID() uuid.UUID { return e.requestID }
func (e ReportCompletedEvent) Status() ReportStatus { return e.status }
func (e ReportCompletedEvent) ResultRef() string    { return e.resultRef }
func (e ReportCompletedEvent) ErrorMessage() string { return e.errMsg }

// ToCompletion converts the event into the merge input of a ReportRecord.
func (e ReportCompletedEvent) ToCompletion() Completion {
	return Completion{
		Status:    e.status,
		ResultRef: e.resultRef,
		Error:     e.errMsg,
		EmittedAt: e.emittedAt,
	}
}
