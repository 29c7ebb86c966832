package player

import (
	"context"
	"time"
)

// Fetcher retrieves one chunk's raw bytes. Cancelling ctx must reliably
// prevent the result from being used; implementations return ctx.Err()
// (possibly wrapped) in that case.
type Fetcher interface {
	FetchChunk(ctx context.Context, videoID string, quality Quality, index int) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, videoID string, quality Quality, index int) ([]byte, error)

// FetchChunk implements Fetcher.
func (f FetcherFunc) FetchChunk(ctx context.Context, videoID string, quality Quality, index int) ([]byte, error) {
	return f(ctx, videoID, quality, index)
}

// Sink is the single-writer playback buffer. Append and Remove must not be
// issued while Busy reports true.
type Sink interface {
	Open(ctx context.Context) error
	AddWriter(mime string) (Writer, error)
	SetDuration(seconds float64) error
	// Buffered returns the ordered, non-overlapping ranges actually present.
	Buffered() []TimeRange
	Busy() bool
}

// Writer mutates a Sink. A non-nil synchronous error means the mutation was
// rejected and never started; otherwise the returned channel delivers exactly
// one completion result.
type Writer interface {
	Append(data []byte) (<-chan error, error)
	Remove(start, end float64) (<-chan error, error)
}

// Element is the media element driven by the session: the play position and
// play/pause control. Position updates flow back through the On* methods of
// Session.
type Element interface {
	CurrentTime() float64
	SetCurrentTime(t float64)
	Play() error
	Pause()
	Paused() bool
}

// Progress is a periodic watch-progress snapshot handed to a ProgressSink.
type Progress struct {
	VideoID     string
	CurrentTime float64
	Duration    float64
	Metadata    VideoMetadata
	At          time.Time
}

// VideoMetadata is descriptive data passed through to progress persistence.
type VideoMetadata struct {
	Title     string    `json:"title"`
	Thumbnail string    `json:"thumbnail,omitempty"`
	Qualities []Quality `json:"qualities"`
}

// ProgressSink persists progress snapshots. The core never persists anything
// itself.
type ProgressSink interface {
	SaveProgress(ctx context.Context, p Progress) error
}
