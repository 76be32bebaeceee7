package reporting

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// ReportRequest is an immutable description of a report to generate. It is
// created once at ingestion and only ever read afterwards.
type ReportRequest struct {
	requestID   uuid.UUID
	reportType  ReportType
	subjectID   string
	parameters  map[string]string
	requestedBy string
	createdAt   time.Time
}

// NewReportRequest creates a ReportRequest. The parameter map is copied.
func NewReportRequest(
	requestID uuid.UUID,
	reportType ReportType,
	subjectID string,
	parameters map[string]string,
	requestedBy string,
	createdAt time.Time,
) ReportRequest {
	return ReportRequest{
		requestID:   requestID,
		reportType:  reportType,
		subjectID:   subjectID,
		parameters:  maps.Clone(parameters),
		requestedBy: requestedBy,
		createdAt:   createdAt,
	}
}

func (r ReportRequest) RequestID() uuid.UUID   { return r.requestID }
func (r ReportRequest) ReportType() ReportType { return r.reportType }
func (r ReportRequest) SubjectID() string      { return r.subjectID }
func (r ReportRequest) RequestedBy() string    { return r.requestedBy }
func (r ReportRequest) CreatedAt() time.Time   { return r.createdAt }

// Parameters returns a copy of the raw parameter bag.
func (r ReportRequest) Parameters() map[string]string { return maps.Clone(r.parameters) }

// TypedParameters parses the parameter bag for the request's report type.
func (r ReportRequest) TypedParameters() (Parameters, error) {
	return ParseParameters(r.reportType, r.parameters)
}
