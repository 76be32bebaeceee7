package reporting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParameters(t *testing.T) {
	tests := []struct {
		name    string
		rt      ReportType
		raw     map[string]string
		want    Parameters
		wantKey string
	}{
		{
			name: "movie defaults",
			rt:   ReportTypeMovieAnalysis,
			want: MovieAnalysisParams{Format: FormatCSV, IncludeRatings: true, Extra: map[string]string{}},
		},
		{
			name: "movie without ratings as xlsx",
			rt:   ReportTypeMovieAnalysis,
			raw:  map[string]string{"format": "XLSX", "includeRatings": "false", "x-trace": "abc"},
			want: MovieAnalysisParams{Format: FormatXLSX, IncludeRatings: false, Extra: map[string]string{"x-trace": "abc"}},
		},
		{
			name: "trend bounds",
			rt:   ReportTypeTrendReport,
			raw:  map[string]string{"windowDays": "7", "limit": "5"},
			want: TrendReportParams{Format: FormatCSV, WindowDays: 7, Limit: 5, Extra: map[string]string{}},
		},
		{name: "trend window too large", rt: ReportTypeTrendReport, raw: map[string]string{"windowDays": "400"}, wantKey: ParamWindowDays},
		{name: "bad format", rt: ReportTypeUserStats, raw: map[string]string{"format": "pdf"}, wantKey: ParamFormat},
		{name: "foreign key for type", rt: ReportTypeUserStats, raw: map[string]string{"limit": "3"}, wantKey: ParamLimit},
		{name: "bad boolean", rt: ReportTypeMovieAnalysis, raw: map[string]string{"includeRatings": "maybe"}, wantKey: ParamIncludeRatings},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseParameters(tt.rt, tt.raw)
			if tt.wantKey != "" {
				var pe *ParameterError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, tt.wantKey, pe.Key)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.rt, got.ReportType())
		})
	}
}

func TestEncodeParameters_RoundTrip(t *testing.T) {
	in := TrendReportParams{Format: FormatXLSX, WindowDays: 14, Limit: 3, Extra: map[string]string{"x-team": "growth"}}

	out, err := ParseParameters(ReportTypeTrendReport, EncodeParameters(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestReportStatus_Transitions(t *testing.T) {
	assert.True(t, ReportStatusPending.isValidTransition(ReportStatusStarted))
	assert.True(t, ReportStatusPending.isValidTransition(ReportStatusFailed))
	assert.True(t, ReportStatusStarted.isValidTransition(ReportStatusProcessing))
	assert.False(t, ReportStatusProcessing.isValidTransition(ReportStatusStarted))
	assert.False(t, ReportStatusCompleted.isValidTransition(ReportStatusFailed))
	assert.False(t, ReportStatusFailed.isValidTransition(ReportStatusCompleted))

	assert.True(t, ReportStatusPending.Precedes(ReportStatusStarted))
	assert.False(t, ReportStatusCompleted.Precedes(ReportStatusFailed))

	_, err := ParseReportStatus("bogus")
	assert.ErrorIs(t, err, ErrUnknownStatus)
}
