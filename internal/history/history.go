// Package history persists watch progress so playback can resume and the
// shell can offer continue-watching and recently-watched lists.
package history

import (
	"context"
	"errors"
	"slices"
	"time"

	"chunk-player/internal/player"

	"github.com/samber/lo"
)

const (
	// MaxEntries is the number of most recently watched videos kept.
	MaxEntries = 50
	// ListLimit caps ContinueWatching and RecentlyWatched.
	ListLimit = 10

	completedPercent  = 95
	startedPercent    = 2
	resumeAfterSecond = 5
)

// ErrNotFound is returned by Get for a video with no history.
var ErrNotFound = errors.New("history entry not found")

// Entry is the saved progress of one video.
type Entry struct {
	VideoID         string           `json:"videoId"`
	CurrentTime     float64          `json:"currentTime"`
	Duration        float64          `json:"duration"`
	ProgressPercent float64          `json:"progressPercent"`
	IsCompleted     bool             `json:"isCompleted"`
	LastWatched     time.Time        `json:"lastWatched"`
	Title           string           `json:"title"`
	Thumbnail       string           `json:"thumbnail,omitempty"`
	Qualities       []player.Quality `json:"qualities"`
}

// Resumable reports whether playback should restart from CurrentTime.
func (e Entry) Resumable() bool {
	return e.CurrentTime > resumeAfterSecond && !e.IsCompleted
}

// NewEntry derives an entry from a progress snapshot.
func NewEntry(p player.Progress) Entry {
	percent := 0.0
	if p.Duration > 0 {
		percent = min(100, p.CurrentTime/p.Duration*100)
	}
	at := p.At
	if at.IsZero() {
		at = time.Now()
	}
	return Entry{
		VideoID:         p.VideoID,
		CurrentTime:     p.CurrentTime,
		Duration:        p.Duration,
		ProgressPercent: percent,
		IsCompleted:     percent > completedPercent,
		LastWatched:     at.UTC(),
		Title:           p.Metadata.Title,
		Thumbnail:       p.Metadata.Thumbnail,
		Qualities:       slices.Clone(p.Metadata.Qualities),
	}
}

// Store is the persistence contract for watch history.
type Store interface {
	// Save upserts the entry for p.VideoID and trims history to MaxEntries.
	Save(ctx context.Context, p player.Progress) (Entry, error)
	Get(ctx context.Context, videoID string) (Entry, error)
	// List returns all entries, most recently watched first.
	List(ctx context.Context) ([]Entry, error)
	Remove(ctx context.Context, videoID string) error
	Clear(ctx context.Context) error
}

// ContinueWatching returns up to ListLimit started, unfinished videos, most
// recent first.
func ContinueWatching(ctx context.Context, s Store) ([]Entry, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	started := lo.Filter(all, func(e Entry, _ int) bool {
		return !e.IsCompleted && e.ProgressPercent > startedPercent
	})
	return lo.Slice(started, 0, ListLimit), nil
}

// RecentlyWatched returns up to ListLimit completed videos, most recent first.
func RecentlyWatched(ctx context.Context, s Store) ([]Entry, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	done := lo.Filter(all, func(e Entry, _ int) bool { return e.IsCompleted })
	return lo.Slice(done, 0, ListLimit), nil
}

// Recorder adapts a Store to player.ProgressSink.
type Recorder struct {
	Store Store
}

// SaveProgress implements player.ProgressSink.
func (r Recorder) SaveProgress(ctx context.Context, p player.Progress) error {
	_, err := r.Store.Save(ctx, p)
	return err
}

// byRecency orders entries most recently watched first.
func byRecency(a, b Entry) int {
	return b.LastWatched.Compare(a.LastWatched)
}
