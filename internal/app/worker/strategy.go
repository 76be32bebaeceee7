package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahrav/reportflow/internal/domain/catalog"
	"github.com/ahrav/reportflow/internal/domain/reporting"
	"github.com/ahrav/reportflow/internal/infra/activity"
	"github.com/ahrav/reportflow/internal/infra/artifact"
	"github.com/ahrav/reportflow/pkg/common/timeutil"
)

// TableBuilder turns fetched inputs into the report table.
type TableBuilder func() (artifact.Table, error)

// Strategy produces one report type. Fetch gathers every external or local
// input; the returned builder only assembles the table.
type Strategy interface {
	Fetch(ctx context.Context, req reporting.ReportRequest, params reporting.Parameters) (TableBuilder, error)
}

// MovieSource resolves movie metadata, typically through the external data cache.
type MovieSource interface {
	Get(ctx context.Context, subjectID string) (catalog.Movie, error)
}

// ActivitySource exposes the aggregates used by local-dataset reports.
type ActivitySource interface {
	TopTitles(ctx context.Context, since, until time.Time, limit int) ([]activity.TitleStat, error)
	UserSummary(ctx context.Context, userID string) (activity.UserSummary, error)
}

// Strategies maps report types to their strategy.
type Strategies map[reporting.ReportType]Strategy

// NewStrategies wires the built-in strategies.
func NewStrategies(movies MovieSource, dataset ActivitySource, clock timeutil.Provider) Strategies {
	return Strategies{
		reporting.ReportTypeMovieAnalysis: &movieAnalysis{movies: movies},
		reporting.ReportTypeTrendReport:   &trendReport{dataset: dataset, clock: clock},
		reporting.ReportTypeUserStats:     &userStats{dataset: dataset},
	}
}

// ErrUnsupportedReportType is returned when no strategy handles a request.
var ErrUnsupportedReportType = errors.New("unsupported report type")

// For returns the strategy for rt.
func (s Strategies) For(rt reporting.ReportType) (Strategy, error) {
	st, ok := s[rt]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedReportType, rt)
	}
	return st, nil
}

type movieAnalysis struct{ movies MovieSource }

func (m *movieAnalysis) Fetch(ctx context.Context, req reporting.ReportRequest, params reporting.Parameters) (TableBuilder, error) {
	p, ok := params.(reporting.MovieAnalysisParams)
	if !ok {
		return nil, fmt.Errorf("movie-analysis: unexpected parameters %T", params)
	}

	movie, err := m.movies.Get(ctx, req.SubjectID())
	if err != nil {
		return nil, err
	}

	return func() (artifact.Table, error) {
		t := artifact.Table{
			Title:   "Movie analysis: " + movie.Title,
			Columns: []string{"field", "value"},
			Rows: [][]any{
				{"imdb_id", movie.IMDbID},
				{"title", movie.Title},
				{"year", movie.Year},
				{"rated", movie.Rated},
				{"runtime", movie.Runtime},
				{"genres", strings.Join(movie.Genres, ", ")},
				{"director", movie.Director},
				{"actors", strings.Join(movie.Actors, ", ")},
				{"box_office", movie.BoxOffice},
				{"imdb_rating", movie.IMDbRating},
				{"imdb_votes", movie.IMDbVotes},
			},
		}
		if p.IncludeRatings {
			for _, r := range movie.Ratings {
				t.Rows = append(t.Rows, []any{"rating:" + r.Source, r.Value})
			}
		}
		return t, nil
	}, nil
}

type trendReport struct {
	dataset ActivitySource
	clock   timeutil.Provider
}

func (tr *trendReport) Fetch(ctx context.Context, _ reporting.ReportRequest, params reporting.Parameters) (TableBuilder, error) {
	p, ok := params.(reporting.TrendReportParams)
	if !ok {
		return nil, fmt.Errorf("trend-report: unexpected parameters %T", params)
	}

	until := tr.clock.Now()
	since := until.AddDate(0, 0, -p.WindowDays)
	stats, err := tr.dataset.TopTitles(ctx, since, until, p.Limit)
	if err != nil {
		return nil, err
	}

	return func() (artifact.Table, error) {
		t := artifact.Table{
			Title:   fmt.Sprintf("Top %d titles, last %d days", p.Limit, p.WindowDays),
			Columns: []string{"rank", "subject_id", "title", "views", "unique_viewers", "avg_rating"},
		}
		for i, s := range stats {
			t.Rows = append(t.Rows, []any{i + 1, s.SubjectID, s.Title, s.Views, s.UniqueViewers, s.AvgRating})
		}
		return t, nil
	}, nil
}

type userStats struct{ dataset ActivitySource }

func (us *userStats) Fetch(ctx context.Context, req reporting.ReportRequest, _ reporting.Parameters) (TableBuilder, error) {
	s, err := us.dataset.UserSummary(ctx, req.SubjectID())
	if err != nil {
		return nil, err
	}

	return func() (artifact.Table, error) {
		return artifact.Table{
			Title:   "User statistics: " + s.UserID,
			Columns: []string{"metric", "value"},
			Rows: [][]any{
				{"user_id", s.UserID},
				{"views", s.Views},
				{"distinct_titles", s.DistinctTitles},
				{"avg_rating", s.AvgRating},
				{"favorite_genre", s.FavoriteGenre},
				{"first_view_at", s.FirstViewAt.UTC().Format(time.RFC3339)},
				{"last_view_at", s.LastViewAt.UTC().Format(time.RFC3339)},
			},
		}, nil
	}, nil
}
