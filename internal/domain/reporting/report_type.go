// Package reporting models report requests, their persisted records and the
// events that move a record through its lifecycle.
package reporting

import "fmt"

// ReportType selects the generation strategy for a request.
type ReportType string

const (
	// ReportTypeMovieAnalysis analyses a single movie fetched from the external provider.
	ReportTypeMovieAnalysis ReportType = "movie-analysis"
	// ReportTypeTrendReport aggregates recent viewing activity.
	ReportTypeTrendReport ReportType = "trend-report"
	// ReportTypeUserStats summarises the activity of a single user.
	ReportTypeUserStats ReportType = "user-stats"
)

// String returns the string representation of the ReportType.
func (t ReportType) String() string { return string(t) }

// IsValid reports whether t is a known report type.
func (t ReportType) IsValid() bool {
	switch t {
	case ReportTypeMovieAnalysis, ReportTypeTrendReport, ReportTypeUserStats:
		return true
	default:
		return false
	}
}

// ParseReportType converts s to a ReportType.
func ParseReportType(s string) (ReportType, error) {
	t := ReportType(s)
	if !t.IsValid() {
		return "", fmt.Errorf("unknown report type %q", s)
	}
	return t, nil
}
