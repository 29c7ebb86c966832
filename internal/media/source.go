package media

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"chunk-player/internal/player"
)

var (
	// ErrNotOpen is returned when a writer is requested before Open.
	ErrNotOpen = errors.New("source not open")
	// ErrWriterExists is returned when a second writer is requested.
	ErrWriterExists = errors.New("source already has a writer")
)

// Source is an in-memory single-writer playback buffer. It accepts framed
// chunks, tracks the time ranges they cover and completes every mutation
// asynchronously after a configurable latency, staying busy meanwhile.
type Source struct {
	latency   time.Duration
	supported []string

	mu       sync.Mutex
	open     bool
	duration float64
	writer   *sourceWriter
	ranges   []player.TimeRange
	busy     bool
	bytes    int
	appends  int
	removes  int
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithLatency delays each mutation's completion by d.
func WithLatency(d time.Duration) SourceOption {
	return func(s *Source) { s.latency = d }
}

// WithSupportedTypes replaces the set of accepted writer mime types.
func WithSupportedTypes(mimes ...string) SourceOption {
	return func(s *Source) { s.supported = mimes }
}

// NewSource returns a closed source accepting player.DefaultMimeType.
func NewSource(opts ...SourceOption) *Source {
	s := &Source{supported: []string{player.DefaultMimeType}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open implements player.Sink.
func (s *Source) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	return nil
}

// AddWriter implements player.Sink. Only one writer may exist.
func (s *Source) AddWriter(mime string) (player.Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, ErrNotOpen
	}
	if !slices.Contains(s.supported, mime) {
		return nil, fmt.Errorf("%w: %s", player.ErrUnsupportedFormat, mime)
	}
	if s.writer != nil {
		return nil, ErrWriterExists
	}
	s.writer = &sourceWriter{src: s}
	return s.writer, nil
}

// SetDuration implements player.Sink.
func (s *Source) SetDuration(seconds float64) error {
	if seconds <= 0 {
		return fmt.Errorf("invalid duration %v", seconds)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNotOpen
	}
	s.duration = seconds
	return nil
}

// Duration returns the duration set by SetDuration.
func (s *Source) Duration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// Buffered implements player.Sink.
func (s *Source) Buffered() []player.TimeRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ranges)
}

// Busy implements player.Sink.
func (s *Source) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Stats summarizes the mutations a Source has completed.
type Stats struct {
	Appends       int
	Removes       int
	AppendedBytes int
}

// Stats returns mutation counters.
func (s *Source) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Appends: s.appends, Removes: s.removes, AppendedBytes: s.bytes}
}

// begin marks the source busy, then runs apply after the latency and reports
// its result on the returned channel.
func (s *Source) begin(apply func() error) (<-chan error, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, player.ErrSinkBusy
	}
	s.busy = true
	s.mu.Unlock()

	done := make(chan error, 1)
	time.AfterFunc(s.latency, func() {
		s.mu.Lock()
		err := apply()
		s.busy = false
		s.mu.Unlock()
		done <- err
	})
	return done, nil
}

type sourceWriter struct {
	src *Source
}

// Append implements player.Writer.
func (w *sourceWriter) Append(data []byte) (<-chan error, error) {
	c, err := DecodeChunk(data)
	if err != nil {
		return nil, err
	}
	s := w.src
	return s.begin(func() error {
		s.ranges = addRange(s.ranges, player.TimeRange{Start: c.Start, End: c.End})
		s.bytes += len(c.Payload)
		s.appends++
		return nil
	})
}

// Remove implements player.Writer.
func (w *sourceWriter) Remove(start, end float64) (<-chan error, error) {
	if end <= start {
		return nil, fmt.Errorf("invalid remove interval [%v, %v)", start, end)
	}
	s := w.src
	return s.begin(func() error {
		s.ranges = subtractRange(s.ranges, start, end)
		s.removes++
		return nil
	})
}
