package reporting

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrReportNotFound is returned when no record exists for a request id.
var ErrReportNotFound = errors.New("report not found")

// ErrReportExists is returned by CreatePending for a duplicate request id.
var ErrReportExists = errors.New("report already exists")

// Repository persists ReportRecords. Implementations must provide
// read-your-writes consistency for a single request id and must serialize
// ApplyStatus and ApplyCompletion per id.
type Repository interface {
	// CreatePending persists a new pending record for req.
	CreatePending(ctx context.Context, req ReportRequest) error

	// ApplyStatus merges a status update. applied is false when the update was
	// a stale or duplicate event.
	ApplyStatus(ctx context.Context, requestID uuid.UUID, u StatusUpdate) (applied bool, err error)

	// ApplyCompletion merges a terminal event. applied is false when the
	// record was already terminal.
	ApplyCompletion(ctx context.Context, requestID uuid.UUID, c Completion) (applied bool, err error)

	// Get returns the record for requestID or ErrReportNotFound.
	Get(ctx context.Context, requestID uuid.UUID) (*ReportRecord, error)

	// MarkPublished records that the request event was accepted by the bus.
	MarkPublished(ctx context.Context, requestID uuid.UUID, at time.Time) error

	// ListStalePending returns pending records whose last publish attempt (or
	// creation, if never published) is older than olderThan.
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*ReportRecord, error)
}
