package reporting

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
)

// Format is the artifact file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Extension returns the file extension without the dot.
func (f Format) Extension() string { return string(f) }

// Parameter keys understood by the generation strategies.
const (
	ParamFormat         = "format"
	ParamIncludeRatings = "includeRatings"
	ParamWindowDays     = "windowDays"
	ParamLimit          = "limit"

	// ExtensionPrefix marks generic keys that are carried verbatim.
	ExtensionPrefix = "x-"
)

const (
	defaultWindowDays = 30
	maxWindowDays     = 365
	defaultLimit      = 10
	maxLimit          = 100
)

// ParameterError reports a parameter that cannot be accepted.
type ParameterError struct {
	Key    string
	Reason string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %q: %s", e.Key, e.Reason)
}

// Parameters is the typed view of a request's parameter bag. Each report type
// has exactly one implementation.
type Parameters interface {
	ReportType() ReportType
	OutputFormat() Format
	// Extensions returns the opaque x- prefixed keys.
	Extensions() map[string]string
}

// MovieAnalysisParams configures a movie-analysis report.
type MovieAnalysisParams struct {
	Format         Format
	IncludeRatings bool
	Extra          map[string]string
}

func (MovieAnalysisParams) ReportType() ReportType          { return ReportTypeMovieAnalysis }
func (p MovieAnalysisParams) OutputFormat() Format          { return p.Format }
func (p MovieAnalysisParams) Extensions() map[string]string { return p.Extra }

// TrendReportParams configures a trend-report.
type TrendReportParams struct {
	Format     Format
	WindowDays int
	Limit      int
	Extra      map[string]string
}

func (TrendReportParams) ReportType() ReportType          { return ReportTypeTrendReport }
func (p TrendReportParams) OutputFormat() Format          { return p.Format }
func (p TrendReportParams) Extensions() map[string]string { return p.Extra }

// UserStatsParams configures a user-stats report.
type UserStatsParams struct {
	Format Format
	Extra  map[string]string
}

func (UserStatsParams) ReportType() ReportType          { return ReportTypeUserStats }
func (p UserStatsParams) OutputFormat() Format          { return p.Format }
func (p UserStatsParams) Extensions() map[string]string { return p.Extra }

// ParseParameters converts the raw key/value bag into the discriminated
// parameter type for rt. Unknown keys without the extension prefix are rejected.
func ParseParameters(rt ReportType, raw map[string]string) (Parameters, error) {
	known := map[string]string{}
	extra := map[string]string{}
	for k, v := range raw {
		if strings.HasPrefix(k, ExtensionPrefix) {
			extra[k] = v
			continue
		}
		known[k] = v
	}

	format, err := parseFormat(known)
	if err != nil {
		return nil, err
	}
	delete(known, ParamFormat)

	var params Parameters
	switch rt {
	case ReportTypeMovieAnalysis:
		include := true
		if v, ok := known[ParamIncludeRatings]; ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, &ParameterError{Key: ParamIncludeRatings, Reason: "must be a boolean"}
			}
			include = b
			delete(known, ParamIncludeRatings)
		}
		params = MovieAnalysisParams{Format: format, IncludeRatings: include, Extra: extra}

	case ReportTypeTrendReport:
		window, err := parseBoundedInt(known, ParamWindowDays, defaultWindowDays, maxWindowDays)
		if err != nil {
			return nil, err
		}
		limit, err := parseBoundedInt(known, ParamLimit, defaultLimit, maxLimit)
		if err != nil {
			return nil, err
		}
		delete(known, ParamWindowDays)
		delete(known, ParamLimit)
		params = TrendReportParams{Format: format, WindowDays: window, Limit: limit, Extra: extra}

	case ReportTypeUserStats:
		params = UserStatsParams{Format: format, Extra: extra}

	default:
		return nil, &ParameterError{Key: "reportType", Reason: fmt.Sprintf("unknown report type %q", rt)}
	}

	for k := range known {
		return nil, &ParameterError{Key: k, Reason: "not supported for " + rt.String()}
	}
	return params, nil
}

// EncodeParameters renders typed parameters back into the wire bag.
func EncodeParameters(p Parameters) map[string]string {
	out := maps.Clone(p.Extensions())
	if out == nil {
		out = map[string]string{}
	}
	out[ParamFormat] = string(p.OutputFormat())
	switch v := p.(type) {
	case MovieAnalysisParams:
		out[ParamIncludeRatings] = strconv.FormatBool(v.IncludeRatings)
	case TrendReportParams:
		out[ParamWindowDays] = strconv.Itoa(v.WindowDays)
		out[ParamLimit] = strconv.Itoa(v.Limit)
	}
	return out
}

func parseFormat(raw map[string]string) (Format, error) {
	v, ok := raw[ParamFormat]
	if !ok || v == "" {
		return FormatCSV, nil
	}
	switch f := Format(strings.ToLower(v)); f {
	case FormatCSV, FormatXLSX:
		return f, nil
	default:
		return "", &ParameterError{Key: ParamFormat, Reason: "must be csv or xlsx"}
	}
}

func parseBoundedInt(raw map[string]string, key string, def, max int) (int, error) {
	v, ok := raw[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > max {
		return 0, &ParameterError{Key: key, Reason: fmt.Sprintf("must be an integer between 1 and %d", max)}
	}
	return n, nil
}
