package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"chunk-player/internal/platform/metrics"
)

// SessionOptions configures a Session.
type SessionOptions struct {
	ID       string
	Manifest Manifest
	Quality  Quality
	Sink     Sink
	Element  Element
	Fetcher  Fetcher

	// MimeType of the single writer; DefaultMimeType when empty.
	MimeType         string
	Lookahead        int
	RetentionPercent float64

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Session coordinates playback of one video: initialization, seeks, quality
// switches and the steady-state buffering loop. It derives the PlayerState
// published to the UI shell. One Session exists per watched video; nothing is
// shared between sessions.
type Session struct {
	id       string
	manifest Manifest
	sink     Sink
	element  Element
	fetcher  Fetcher
	mime     string
	opts     SessionOptions
	log      *slog.Logger
	metrics  *metrics.Metrics
	events   *Events

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      PlayerState
	queue      *MutationQueue
	buffer     *BufferManager
	seekSeq    uint64
	seekTarget float64
	closed     bool
}

// NewSession validates the manifest and returns an uninitialized session.
func NewSession(opts SessionOptions) (*Session, error) {
	if err := opts.Manifest.Validate(); err != nil {
		return nil, err
	}
	if opts.Quality == "" {
		opts.Quality = opts.Manifest.Qualities[0]
	}
	if !opts.Manifest.HasQuality(opts.Quality) {
		return nil, fmt.Errorf("quality %q: %w", opts.Quality, ErrUnknownQuality)
	}
	if opts.Sink == nil || opts.Element == nil || opts.Fetcher == nil {
		return nil, errors.New("session needs a sink, an element and a fetcher")
	}
	if opts.MimeType == "" {
		opts.MimeType = DefaultMimeType
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With(slog.String("session_id", opts.ID), slog.String("video_id", opts.Manifest.VideoID))

	initial := PlayerState{
		Phase:       PhaseUninitialized,
		Quality:     opts.Quality,
		IsBuffering: true,
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:       opts.ID,
		manifest: opts.Manifest,
		sink:     opts.Sink,
		element:  opts.Element,
		fetcher:  opts.Fetcher,
		mime:     opts.MimeType,
		opts:     opts,
		log:      log,
		metrics:  opts.Metrics,
		events:   NewEvents(initial),
		ctx:      ctx,
		cancel:   cancel,
		state:    initial,
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Manifest returns the manifest the session plays.
func (s *Session) Manifest() Manifest { return s.manifest }

// State returns the latest published snapshot.
func (s *Session) State() PlayerState {
	return s.events.Latest()
}

// Subscribe streams snapshots to the caller; see Events.Subscribe.
func (s *Session) Subscribe(size int) (<-chan PlayerState, func()) {
	return s.events.Subscribe(size)
}

// Initialize opens the sink, loads the first chunk, attempts autoplay and
// starts buffering ahead in the background. Calling it again after the
// session has left the uninitialized phase is a no-op.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Phase != PhaseUninitialized || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.state.Phase = PhaseOpening
	s.state.IsBuffering = true
	s.publishLocked()
	s.mu.Unlock()

	if err := s.sink.Open(ctx); err != nil {
		return s.fail(fmt.Errorf("open sink: %w", err))
	}
	writer, err := s.sink.AddWriter(s.mime)
	if err != nil {
		return s.fail(fmt.Errorf("add writer %q: %w", s.mime, err))
	}
	if err := s.sink.SetDuration(s.manifest.TotalDuration); err != nil {
		return s.fail(fmt.Errorf("set duration: %w", err))
	}

	queue := NewMutationQueue(s.sink.Busy, s.log, s.metrics)
	queue.Start()
	buffer := NewBufferManager(BufferOptions{
		Manifest:         s.manifest,
		Quality:          s.opts.Quality,
		Fetcher:          s.fetcher,
		Sink:             s.sink,
		Writer:           writer,
		Queue:            queue,
		Position:         s.element.CurrentTime,
		OnMutation:       s.refreshBuffered,
		Lookahead:        s.opts.Lookahead,
		RetentionPercent: s.opts.RetentionPercent,
		Logger:           s.log,
		Metrics:          s.metrics,
	})

	s.mu.Lock()
	s.queue = queue
	s.buffer = buffer
	s.state.Duration = s.manifest.TotalDuration
	s.publishLocked()
	s.mu.Unlock()

	if err := buffer.FetchAndAppend(ctx, 0); err != nil {
		return s.fail(fmt.Errorf("load first chunk: %w", err))
	}

	playing := true
	if err := s.element.Play(); err != nil {
		s.log.Info("autoplay prevented", slog.String("error", err.Error()))
		playing = false
	}

	s.mu.Lock()
	s.state.IsBuffering = false
	s.state.IsPlaying = playing
	if s.state.Phase == PhaseOpening {
		s.state.Phase = PhaseReady
	}
	s.publishLocked()
	s.mu.Unlock()

	s.log.Info("session ready",
		slog.String("quality", string(s.opts.Quality)),
		slog.Int("chunks", s.manifest.ChunkCount()),
		slog.Bool("playing", playing))

	s.background(func(ctx context.Context) {
		s.reportBufferErr(buffer.BufferAhead(ctx, 0))
	})
	return nil
}

// HandleSeek moves playback to t. Outstanding fetches are cancelled first. A
// buffered target is jumped to directly; otherwise the target chunk is loaded
// before the position is set and the look-ahead refilled.
func (s *Session) HandleSeek(ctx context.Context, t float64) error {
	if t < 0 || t > s.manifest.TotalDuration || math.IsNaN(t) {
		return fmt.Errorf("seek to %v: %w", t, ErrOutOfRange)
	}

	s.mu.Lock()
	if !s.controllableLocked() {
		s.mu.Unlock()
		return ErrNotReady
	}
	s.seekSeq++
	seq := s.seekSeq
	s.seekTarget = t
	buffer := s.buffer
	s.state.Phase = PhaseSeeking
	s.state.IsBuffering = true
	s.publishLocked()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.IncSeeks()
	}
	return s.seek(ctx, buffer, seq, t)
}

func (s *Session) seek(ctx context.Context, buffer *BufferManager, seq uint64, t float64) error {
	buffer.CancelPending()

	if rangesContain(s.sink.Buffered(), t) {
		s.element.SetCurrentTime(t)
		s.settle(seq, t)
		s.log.Debug("seek within buffer", slog.Float64("time", t))
		return nil
	}

	// The sink may have dropped part of the target chunk since it was loaded.
	target := clampIndex(ChunkIndexAt(t, s.manifest.ChunkDuration), s.manifest.ChunkCount())
	buffer.Forget(target)
	if err := buffer.FetchAndAppend(ctx, target); err != nil {
		switch {
		case errors.Is(err, ErrUnsupportedFormat):
			return s.fail(err)
		case errors.Is(err, ErrCancelled):
			if ctx.Err() != nil {
				s.abandon(seq)
				return ctx.Err()
			}
			// A newer seek or quality switch owns the state now.
			return nil
		default:
			s.log.Warn("seek target chunk not loaded", slog.Int("chunk", target), slog.String("error", err.Error()))
		}
	}
	if s.superseded(seq) {
		return nil
	}

	s.element.SetCurrentTime(t)
	buffer.ObservePosition(t)
	if err := buffer.BufferAhead(ctx, target); err != nil {
		if errors.Is(err, ErrUnsupportedFormat) {
			return s.fail(err)
		}
		if errors.Is(err, ErrCancelled) && ctx.Err() != nil {
			// The target chunk is in; finish the refill without the caller.
			if !s.superseded(seq) {
				s.background(func(ctx context.Context) {
					s.reportBufferErr(buffer.BufferAhead(ctx, target))
				})
			}
			s.settle(seq, t)
			return ctx.Err()
		}
		s.log.Debug("buffer ahead after seek incomplete", slog.String("error", err.Error()))
	}
	s.settle(seq, t)
	return nil
}

// ChangeQuality switches rendition: everything buffered is removed, and once
// the removal completes playback re-seeks to the saved position under the new
// quality. The saved position is the target of a seek still in progress, if
// any. Switching to the current quality is a no-op.
func (s *Session) ChangeQuality(ctx context.Context, q Quality) error {
	if !s.manifest.HasQuality(q) {
		return fmt.Errorf("quality %q: %w", q, ErrUnknownQuality)
	}

	s.mu.Lock()
	if !s.controllableLocked() {
		s.mu.Unlock()
		return ErrNotReady
	}
	if s.state.Quality == q {
		s.mu.Unlock()
		return nil
	}
	saved := s.element.CurrentTime()
	if s.state.Phase == PhaseSeeking {
		saved = s.seekTarget
	}
	s.seekSeq++
	seq := s.seekSeq
	buffer := s.buffer
	s.state.Phase = PhaseQualitySwitching
	s.state.IsBuffering = true
	s.state.Quality = q
	s.publishLocked()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.IncQualitySwitches()
	}
	s.log.Info("quality switch", slog.String("quality", string(q)), slog.Float64("time", saved))

	buffer.SetQuality(q)
	if err := buffer.ResetAll().Wait(ctx); err != nil {
		switch {
		case errors.Is(err, ErrUnsupportedFormat):
			return s.fail(err)
		case ctx.Err() != nil:
			s.abandon(seq)
			return ctx.Err()
		default:
			s.log.Warn("buffer reset failed", slog.String("error", err.Error()))
		}
	}

	saved = math.Max(0, math.Min(saved, s.manifest.TotalDuration))
	return s.HandleSeek(ctx, saved)
}

// TogglePlay pauses a playing element and plays a paused one.
func (s *Session) TogglePlay() error {
	s.mu.Lock()
	ok := s.controllableLocked()
	s.mu.Unlock()
	if !ok {
		return ErrNotReady
	}

	playing := false
	if s.element.Paused() {
		if err := s.element.Play(); err != nil {
			return fmt.Errorf("play: %w", err)
		}
		playing = true
	} else {
		s.element.Pause()
	}

	s.mu.Lock()
	s.state.IsPlaying = playing
	s.publishLocked()
	s.mu.Unlock()
	return nil
}

// OnTimeUpdate is the steady-state loop, driven by the media clock: it
// updates the position and high-water mark and opportunistically refills the
// look-ahead.
func (s *Session) OnTimeUpdate(t float64) {
	s.mu.Lock()
	buffer := s.buffer
	if buffer == nil || s.closed {
		s.mu.Unlock()
		return
	}
	index := clampIndex(ChunkIndexAt(t, s.manifest.ChunkDuration), s.manifest.ChunkCount())
	s.state.CurrentTime = t
	s.state.MaxWatched = buffer.ObservePosition(t)
	s.state.CurrentChunkIndex = index
	s.publishLocked()
	ready := s.state.Phase == PhaseReady
	s.mu.Unlock()

	if ready {
		s.background(func(ctx context.Context) {
			_, err := buffer.TryBufferAhead(ctx, index)
			s.reportBufferErr(err)
		})
	}
}

// OnWaiting marks playback as stalled on missing data.
func (s *Session) OnWaiting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Phase == PhaseError {
		return
	}
	s.state.IsBuffering = true
	s.publishLocked()
}

// OnPlaying marks playback as progressing.
func (s *Session) OnPlaying() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Phase == PhaseError {
		return
	}
	s.state.IsBuffering = false
	s.state.IsPlaying = true
	s.publishLocked()
}

// OnPause marks playback as paused.
func (s *Session) OnPause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.IsPlaying = false
	s.publishLocked()
}

// OnEnded moves a ready session to the ended phase.
func (s *Session) OnEnded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Phase == PhaseReady {
		s.state.Phase = PhaseEnded
	}
	s.state.IsPlaying = false
	s.state.IsBuffering = false
	s.publishLocked()
}

// Loaded returns the loaded chunk indices; nil before initialization.
func (s *Session) Loaded() []int {
	if b := s.bufferManager(); b != nil {
		return b.Loaded()
	}
	return nil
}

// Pending returns the pending chunk indices; nil before initialization.
func (s *Session) Pending() []int {
	if b := s.bufferManager(); b != nil {
		return b.Pending()
	}
	return nil
}

// Close cancels outstanding work, waits for background buffering to stop and
// closes the mutation queue and event subscribers.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	buffer, queue := s.buffer, s.queue
	s.mu.Unlock()

	s.cancel()
	if buffer != nil {
		buffer.Close()
	}
	s.wg.Wait()
	if queue != nil {
		queue.Close()
	}
	s.events.Close()
	s.log.Debug("session closed")
}

func (s *Session) bufferManager() *BufferManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}

// controllableLocked reports whether inbound control operations are allowed.
func (s *Session) controllableLocked() bool {
	if s.closed || s.buffer == nil {
		return false
	}
	switch s.state.Phase {
	case PhaseReady, PhaseSeeking, PhaseQualitySwitching, PhaseEnded:
		return true
	}
	return false
}

// settle finishes seek seq at time t unless a newer seek superseded it.
func (s *Session) settle(seq uint64, t float64) {
	ranges := s.sink.Buffered()

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.seekSeq || s.state.Phase == PhaseError || s.closed {
		return
	}
	s.state.Phase = PhaseReady
	s.state.IsBuffering = false
	s.state.CurrentTime = t
	s.state.CurrentChunkIndex = clampIndex(ChunkIndexAt(t, s.manifest.ChunkDuration), s.manifest.ChunkCount())
	s.state.MaxWatched = s.buffer.ObservePosition(t)
	s.state.BufferedRanges = ranges
	s.publishLocked()
}

// abandon returns seek seq to the ready phase at the element's current
// position when its caller stopped waiting, unless a newer seek superseded
// it. The seek's outstanding fetch is cancelled and a background pass
// refills the look-ahead from where playback stands.
func (s *Session) abandon(seq uint64) {
	t := s.element.CurrentTime()
	ranges := s.sink.Buffered()
	index := clampIndex(ChunkIndexAt(t, s.manifest.ChunkDuration), s.manifest.ChunkCount())

	s.mu.Lock()
	if seq != s.seekSeq || s.state.Phase == PhaseError || s.closed {
		s.mu.Unlock()
		return
	}
	buffer := s.buffer
	s.state.Phase = PhaseReady
	s.state.IsBuffering = !rangesContain(ranges, t)
	s.state.CurrentTime = t
	s.state.CurrentChunkIndex = index
	s.state.BufferedRanges = ranges
	s.publishLocked()
	s.mu.Unlock()

	buffer.CancelPending()
	s.log.Debug("seek abandoned by caller", slog.Float64("time", t))
	s.background(func(ctx context.Context) {
		s.reportBufferErr(buffer.BufferAhead(ctx, index))
	})
}

func (s *Session) superseded(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return seq != s.seekSeq || s.closed
}

// fail moves the session to the error phase; only a new session recovers.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.state.Phase = PhaseError
	s.state.Error = err.Error()
	s.state.IsBuffering = false
	s.publishLocked()
	s.mu.Unlock()
	s.log.Error("session failed", slog.String("error", err.Error()))
	return err
}

// reportBufferErr handles the outcome of a background buffer pass. Only an
// unsupported format is fatal; everything else is retried by the next pass.
func (s *Session) reportBufferErr(err error) {
	switch {
	case err == nil, errors.Is(err, ErrCancelled):
	case errors.Is(err, ErrUnsupportedFormat):
		_ = s.fail(err)
	default:
		s.log.Debug("buffer pass incomplete", slog.String("error", err.Error()))
	}
}

func (s *Session) refreshBuffered() {
	ranges := s.sink.Buffered()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.BufferedRanges = ranges
	s.publishLocked()
}

// background runs fn on a tracked goroutine bound to the session lifetime.
func (s *Session) background(fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// publishLocked publishes the current state. Caller must hold s.mu.
func (s *Session) publishLocked() {
	s.events.Publish(s.state)
}

// rangesContain reports whether t lies inside one of the ranges.
func rangesContain(ranges []TimeRange, t float64) bool {
	return slices.ContainsFunc(ranges, func(r TimeRange) bool { return r.Contains(t) })
}
