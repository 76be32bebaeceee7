package reporting

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// ErrTerminalState is returned when an event targets a record that has already
// reached completed or failed. Callers treat it as a duplicate.
var ErrTerminalState = errors.New("report already in terminal state")

// OutOfOrderStatusError indicates a status event whose sequence is not newer
// than the last applied one. It should be acknowledged and ignored.
type OutOfOrderStatusError struct {
	requestID    uuid.UUID
	sequence     int64
	lastSequence int64
}

// NewOutOfOrderStatusError creates a new OutOfOrderStatusError.
func NewOutOfOrderStatusError(requestID uuid.UUID, sequence, lastSequence int64) *OutOfOrderStatusError {
	return &OutOfOrderStatusError{requestID: requestID, sequence: sequence, lastSequence: lastSequence}
}

// Error returns a string representation of the error.
func (e *OutOfOrderStatusError) Error() string {
	return fmt.Sprintf("out of order status for report %s: sequence %d is not greater than last applied %d",
		e.requestID, e.sequence, e.lastSequence)
}

// InvalidTransitionError indicates a status event that would not move the
// record forward.
type InvalidTransitionError struct {
	From ReportStatus
	To   ReportStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid report status transition from %s to %s", e.From, e.To)
}

// IsIgnorable reports whether err means the event was a harmless duplicate or
// stale update that must be acknowledged without effect.
func IsIgnorable(err error) bool {
	var ooo *OutOfOrderStatusError
	var inv *InvalidTransitionError
	return errors.Is(err, ErrTerminalState) || errors.As(err, &ooo) || errors.As(err, &inv)
}

// StatusUpdate is the merge input derived from a ProcessingStatusEvent.
type StatusUpdate struct {
	Sequence    int64
	Status      ReportStatus
	Progress    int
	HasProgress bool
	Message     string
	EmittedAt   time.Time
}

// Completion is the merge input derived from a ReportCompletedEvent.
type Completion struct {
	Status    ReportStatus
	ResultRef string
	Error     string
	EmittedAt time.Time
}

// noSequence marks a record that has not applied any status event yet.
const noSequence int64 = -1

// ReportRecord is the requester's persisted view of a report. It is mutated
// only through ApplyStatus and ApplyCompletion.
type ReportRecord struct {
	requestID   uuid.UUID
	reportType  ReportType
	subjectID   string
	requestedBy string
	parameters  map[string]string

	status       ReportStatus
	progress     int
	message      string
	resultRef    string
	errMsg       string
	lastSequence int64
	lastEventAt  time.Time

	createdAt   time.Time
	updatedAt   time.Time
	publishedAt time.Time
}

// NewPendingRecord creates the record persisted at ingestion.
func NewPendingRecord(req ReportRequest) *ReportRecord {
	return &ReportRecord{
		requestID:    req.RequestID(),
		reportType:   req.ReportType(),
		subjectID:    req.SubjectID(),
		requestedBy:  req.RequestedBy(),
		parameters:   req.Parameters(),
		status:       ReportStatusPending,
		lastSequence: noSequence,
		createdAt:    req.CreatedAt(),
		updatedAt:    req.CreatedAt(),
	}
}

// RecordSnapshot is the flat, storage-facing representation of a ReportRecord.
type RecordSnapshot struct {
	RequestID    uuid.UUID
	ReportType   ReportType
	SubjectID    string
	RequestedBy  string
	Parameters   map[string]string
	Status       ReportStatus
	Progress     int
	Message      string
	ResultRef    string
	Error        string
	LastSequence int64
	LastEventAt  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	PublishedAt  time.Time
}

// ReconstructReportRecord rebuilds a record from storage.
func ReconstructReportRecord(s RecordSnapshot) *ReportRecord {
	return &ReportRecord{
		requestID:    s.RequestID,
		reportType:   s.ReportType,
		subjectID:    s.SubjectID,
		requestedBy:  s.RequestedBy,
		parameters:   maps.Clone(s.Parameters),
		status:       s.Status,
		progress:     s.Progress,
		message:      s.Message,
		resultRef:    s.ResultRef,
		errMsg:       s.Error,
		lastSequence: s.LastSequence,
		lastEventAt:  s.LastEventAt,
		createdAt:    s.CreatedAt,
		updatedAt:    s.UpdatedAt,
		publishedAt:  s.PublishedAt,
	}
}

// Snapshot returns the storage representation of r.
func (r *ReportRecord) Snapshot() RecordSnapshot {
	return RecordSnapshot{
		RequestID:    r.requestID,
		ReportType:   r.reportType,
		SubjectID:    r.subjectID,
		RequestedBy:  r.requestedBy,
		Parameters:   maps.Clone(r.parameters),
		Status:       r.status,
		Progress:     r.progress,
		Message:      r.message,
		ResultRef:    r.resultRef,
		Error:        r.errMsg,
		LastSequence: r.lastSequence,
		LastEventAt:  r.lastEventAt,
		CreatedAt:    r.createdAt,
		UpdatedAt:    r.updatedAt,
		PublishedAt:  r.publishedAt,
	}
}

func (r *ReportRecord) RequestID() uuid.UUID          { return r.requestID }
func (r *ReportRecord) ReportType() ReportType        { return r.reportType }
func (r *ReportRecord) SubjectID() string             { return r.subjectID }
func (r *ReportRecord) RequestedBy() string           { return r.requestedBy }
func (r *ReportRecord) Parameters() map[string]string { return maps.Clone(r.parameters) }
func (r *ReportRecord) Status() ReportStatus          { return r.status }
func (r *ReportRecord) Progress() int                 { return r.progress }
func (r *ReportRecord) Message() string               { return r.message }
func (r *ReportRecord) ResultRef() string             { return r.resultRef }
func (r *ReportRecord) Error() string                 { return r.errMsg }
func (r *ReportRecord) LastSequence() int64           { return r.lastSequence }
func (r *ReportRecord) LastEventAt() time.Time        { return r.lastEventAt }
func (r *ReportRecord) CreatedAt() time.Time          { return r.createdAt }
func (r *ReportRecord) UpdatedAt() time.Time          { return r.updatedAt }
func (r *ReportRecord) PublishedAt() time.Time        { return r.publishedAt }

// Request rebuilds the immutable request the record was created from, used
// when the request event must be published again.
func (r *ReportRecord) Request() ReportRequest {
	return NewReportRequest(r.requestID, r.reportType, r.subjectID, r.parameters, r.requestedBy, r.createdAt)
}

// Touch sets the last modification time.
func (r *ReportRecord) Touch(at time.Time) { r.updatedAt = at }

// MarkPublished records when the request event was accepted by the bus.
func (r *ReportRecord) MarkPublished(at time.Time) {
	r.publishedAt = at
	r.updatedAt = at
}

// ApplyStatus merges a processing status update. The update is applied only
// when its sequence is newer than the last applied one and the status is a
// forward transition. Terminal statuses are only entered through
// ApplyCompletion; a terminal-valued update is rejected as an invalid
// transition.
func (r *ReportRecord) ApplyStatus(u StatusUpdate) error {
	if r.status.IsTerminal() {
		return ErrTerminalState
	}
	if u.Status.IsTerminal() {
		return &InvalidTransitionError{From: r.status, To: u.Status}
	}
	if u.Sequence <= r.lastSequence {
		return NewOutOfOrderStatusError(r.requestID, u.Sequence, r.lastSequence)
	}
	if u.Status != r.status && !r.status.isValidTransition(u.Status) {
		return &InvalidTransitionError{From: r.status, To: u.Status}
	}

	r.status = u.Status
	if u.HasProgress && u.Progress >= r.progress {
		r.progress = u.Progress
	}
	if u.Message != "" {
		r.message = u.Message
	}
	r.lastSequence = u.Sequence
	r.lastEventAt = u.EmittedAt
	return nil
}

// ApplyCompletion merges a terminal event. The first completion wins and any
// later one returns ErrTerminalState.
func (r *ReportRecord) ApplyCompletion(c Completion) error {
	if r.status.IsTerminal() {
		return ErrTerminalState
	}
	switch c.Status {
	case ReportStatusCompleted:
		if c.ResultRef == "" {
			return ErrMissingResultRef
		}
		r.resultRef = c.ResultRef
		r.progress = 100
	case ReportStatusFailed:
		if c.Error == "" {
			return ErrMissingError
		}
		r.errMsg = c.Error
	default:
		return fmt.Errorf("%w: %q", ErrNotTerminal, c.Status)
	}

	r.status = c.Status
	r.lastEventAt = c.EmittedAt
	return nil
}
