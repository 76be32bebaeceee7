// Package activity holds the local viewing-activity dataset aggregated by the
// trend-report and user-stats strategies.
package activity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// ErrUnknownUser is returned when a user has no recorded activity.
var ErrUnknownUser = errors.New("no activity recorded for user")

// View is one user watching one title.
type View struct {
	UserID    string    `json:"userId"`
	SubjectID string    `json:"subjectId"`
	Title     string    `json:"title"`
	Genre     string    `json:"genre"`
	Rating    float64   `json:"rating"`
	ViewedAt  time.Time `json:"viewedAt"`
}

// TitleStat is the per-title aggregate of a trend window.
type TitleStat struct {
	SubjectID     string
	Title         string
	Views         int
	UniqueViewers int
	AvgRating     float64
}

// UserSummary aggregates a single user's activity.
type UserSummary struct {
	UserID         string
	Views          int
	DistinctTitles int
	AvgRating      float64
	FavoriteGenre  string
	FirstViewAt    time.Time
	LastViewAt     time.Time
}

// Dataset is an in-memory, append-only collection of views.
type Dataset struct {
	mu    sync.RWMutex
	views []View
}

// NewDataset returns a dataset seeded with views.
func NewDataset(views ...View) *Dataset {
	d := &Dataset{}
	d.Add(views...)
	return d
}

// LoadFile reads a JSON array of views from path.
func LoadFile(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading activity dataset: %w", err)
	}
	var views []View
	if err := json.Unmarshal(data, &views); err != nil {
		return nil, fmt.Errorf("decoding activity dataset %s: %w", path, err)
	}
	return NewDataset(views...), nil
}

// Add appends views.
func (d *Dataset) Add(views ...View) {
	d.mu.Lock()
	d.views = append(d.views, views...)
	d.mu.Unlock()
}

// Len returns the number of views.
func (d *Dataset) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.views)
}

// TopTitles ranks titles viewed in [since, until) by view count, breaking
// ties by average rating and then subject id.
func (d *Dataset) TopTitles(ctx context.Context, since, until time.Time, limit int) ([]TitleStat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type acc struct {
		stat    TitleStat
		sum     float64
		viewers map[string]struct{}
	}
	byID := make(map[string]*acc)

	d.mu.RLock()
	for _, v := range d.views {
		if v.ViewedAt.Before(since) || !v.ViewedAt.Before(until) {
			continue
		}
		a, ok := byID[v.SubjectID]
		if !ok {
			a = &acc{stat: TitleStat{SubjectID: v.SubjectID, Title: v.Title}, viewers: make(map[string]struct{})}
			byID[v.SubjectID] = a
		}
		a.stat.Views++
		a.sum += v.Rating
		a.viewers[v.UserID] = struct{}{}
	}
	d.mu.RUnlock()

	stats := make([]TitleStat, 0, len(byID))
	for _, a := range byID {
		a.stat.UniqueViewers = len(a.viewers)
		a.stat.AvgRating = a.sum / float64(a.stat.Views)
		stats = append(stats, a.stat)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Views != stats[j].Views {
			return stats[i].Views > stats[j].Views
		}
		if stats[i].AvgRating != stats[j].AvgRating {
			return stats[i].AvgRating > stats[j].AvgRating
		}
		return stats[i].SubjectID < stats[j].SubjectID
	})
	if limit > 0 && len(stats) > limit {
		stats = stats[:limit]
	}
	return stats, nil
}

// UserSummary aggregates every view recorded for userID.
func (d *Dataset) UserSummary(ctx context.Context, userID string) (UserSummary, error) {
	if err := ctx.Err(); err != nil {
		return UserSummary{}, err
	}

	s := UserSummary{UserID: userID}
	titles := make(map[string]struct{})
	genres := make(map[string]int)
	var sum float64

	d.mu.RLock()
	for _, v := range d.views {
		if v.UserID != userID {
			continue
		}
		s.Views++
		sum += v.Rating
		titles[v.SubjectID] = struct{}{}
		if v.Genre != "" {
			genres[v.Genre]++
		}
		if s.FirstViewAt.IsZero() || v.ViewedAt.Before(s.FirstViewAt) {
			s.FirstViewAt = v.ViewedAt
		}
		if v.ViewedAt.After(s.LastViewAt) {
			s.LastViewAt = v.ViewedAt
		}
	}
	d.mu.RUnlock()

	if s.Views == 0 {
		return UserSummary{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}

	s.DistinctTitles = len(titles)
	s.AvgRating = sum / float64(s.Views)
	best := 0
	for g, n := range genres {
		if n > best || (n == best && g < s.FavoriteGenre) {
			s.FavoriteGenre, best = g, n
		}
	}
	return s, nil
}
