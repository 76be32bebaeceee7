package reporting

import (
	"errors"
	"fmt"
)

// ReportStatus represents the lifecycle state of a report as seen by the requester.
type ReportStatus string

// ErrUnknownStatus is returned when a status string is not recognised.
var ErrUnknownStatus = errors.New("report status unknown")

const (
	// ReportStatusPending indicates the request is persisted but the worker has not picked it up.
	ReportStatusPending ReportStatus = "pending"
	// ReportStatusStarted indicates the worker accepted the request.
	ReportStatusStarted ReportStatus = "started"
	// ReportStatusProcessing indicates generation is underway.
	ReportStatusProcessing ReportStatus = "processing"
	// ReportStatusCompleted indicates an artifact was produced.
	ReportStatusCompleted ReportStatus = "completed"
	// ReportStatusFailed indicates generation ended with an error.
	ReportStatusFailed ReportStatus = "failed"
)

// String returns the string representation of the ReportStatus.
func (s ReportStatus) String() string { return string(s) }

// ParseReportStatus converts s to a ReportStatus.
func ParseReportStatus(s string) (ReportStatus, error) {
	st := ReportStatus(s)
	if st.rank() < 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return st, nil
}

// IsTerminal reports whether no transition out of s exists.
func (s ReportStatus) IsTerminal() bool {
	return s == ReportStatusCompleted || s == ReportStatusFailed
}

// rank orders statuses along the state machine. Both terminal statuses share
// the highest rank.
func (s ReportStatus) rank() int {
	switch s {
	case ReportStatusPending:
		return 0
	case ReportStatusStarted:
		return 1
	case ReportStatusProcessing:
		return 2
	case ReportStatusCompleted, ReportStatusFailed:
		return 3
	default:
		return -1
	}
}

// Precedes reports whether s is strictly earlier than other in the state machine.
func (s ReportStatus) Precedes(other ReportStatus) bool {
	return s.rank() < other.rank()
}

// isValidTransition reports whether moving from s to target is a forward move.
// Staying in processing is allowed so progress can be refreshed.
func (s ReportStatus) isValidTransition(target ReportStatus) bool {
	switch s {
	case ReportStatusPending:
		return target == ReportStatusStarted ||
			target == ReportStatusProcessing ||
			target.IsTerminal()
	case ReportStatusStarted:
		return target == ReportStatusProcessing || target.IsTerminal()
	case ReportStatusProcessing:
		return target == ReportStatusProcessing || target.IsTerminal()
	case ReportStatusCompleted, ReportStatusFailed:
		return false
	default:
		return false
	}
}
