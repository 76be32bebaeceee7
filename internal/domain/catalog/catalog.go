// Package catalog describes movie metadata obtained from the external
// provider and the errors a fetch can produce.
package catalog

import (
	"context"
	"errors"
	"fmt"
)

// Rating is a single critic score, e.g. "Rotten Tomatoes" / "91%".
type Rating struct {
	Source string `json:"source"`
	Value  string `json:"value"`
}

// Movie is the provider payload used by movie-analysis reports.
type Movie struct {
	IMDbID     string   `json:"imdbId"`
	Title      string   `json:"title"`
	Year       string   `json:"year"`
	Rated      string   `json:"rated,omitempty"`
	Runtime    string   `json:"runtime,omitempty"`
	Genres     []string `json:"genres,omitempty"`
	Director   string   `json:"director,omitempty"`
	Actors     []string `json:"actors,omitempty"`
	BoxOffice  string   `json:"boxOffice,omitempty"`
	IMDbRating float64  `json:"imdbRating,omitempty"`
	IMDbVotes  int64    `json:"imdbVotes,omitempty"`
	Ratings    []Rating `json:"ratings,omitempty"`
}

// Provider fetches movie metadata by external id. Implementations return a
// *FetchError for every failure.
type Provider interface {
	Fetch(ctx context.Context, subjectID string) (Movie, error)
}

// FetchErrorKind classifies provider failures.
type FetchErrorKind string

const (
	FetchNotFound    FetchErrorKind = "not_found"
	FetchRateLimited FetchErrorKind = "rate_limited"
	FetchUnavailable FetchErrorKind = "unavailable"
	FetchTimeout     FetchErrorKind = "timeout"
)

// FetchError is returned when external data could not be obtained. The
// orchestrator maps it to a failed report rather than retrying indefinitely.
type FetchError struct {
	Kind      FetchErrorKind
	SubjectID string
	Err       error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %s", e.SubjectID, e.Kind)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.SubjectID, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether a bounded local retry may succeed.
func (e *FetchError) Retryable() bool {
	return e.Kind == FetchRateLimited || e.Kind == FetchUnavailable || e.Kind == FetchTimeout
}

// AsFetchError extracts a *FetchError from err.
func AsFetchError(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
