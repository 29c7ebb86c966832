package player

import (
	"context"
	"log/slog"
	"time"
)

// DefaultProgressInterval is how often watch progress is saved.
const DefaultProgressInterval = 5 * time.Second

// ProgressReporter periodically hands the session's position to a
// ProgressSink.
type ProgressReporter struct {
	sink     ProgressSink
	state    func() PlayerState
	videoID  string
	meta     VideoMetadata
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// NewProgressReporter reports snapshots produced by state for videoID.
func NewProgressReporter(sink ProgressSink, videoID string, meta VideoMetadata, state func() PlayerState, interval time.Duration, log *slog.Logger) *ProgressReporter {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &ProgressReporter{
		sink:     sink,
		state:    state,
		videoID:  videoID,
		meta:     meta,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

// Run saves progress every interval until ctx is done.
func (r *ProgressReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.log.Warn("save progress failed", slog.String("video_id", r.videoID), slog.String("error", err.Error()))
			}
		}
	}
}

// Flush saves the current position once. Nothing is saved before playback
// has started or while the duration is unknown.
func (r *ProgressReporter) Flush(ctx context.Context) error {
	s := r.state()
	if s.CurrentTime <= 0 || s.Duration <= 0 {
		return nil
	}
	return r.sink.SaveProgress(ctx, Progress{
		VideoID:     r.videoID,
		CurrentTime: s.CurrentTime,
		Duration:    s.Duration,
		Metadata:    r.meta,
		At:          r.now(),
	})
}
