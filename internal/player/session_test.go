package player

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type sessionFixture struct {
	manifest Manifest
	fetcher  *fakeFetcher
	sink     *fakeSink
	element  *fakeElement
	session  *Session
}

// newSessionFixture plays a 100s video in 10 chunks of 10s with a look-ahead
// of two chunks.
func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	m := testManifest(10, 100)
	f := &sessionFixture{
		manifest: m,
		fetcher:  newFakeFetcher(),
		sink:     newFakeSink(m.ChunkDuration),
		element:  newFakeElement(),
	}
	s, err := NewSession(SessionOptions{
		ID:        "s1",
		Manifest:  m,
		Quality:   "720p",
		Sink:      f.sink,
		Element:   f.element,
		Fetcher:   f.fetcher,
		Lookahead: 2,
	})
	require.NoError(t, err)
	f.session = s
	t.Cleanup(s.Close)
	return f
}

func (f *sessionFixture) initialize(t *testing.T) {
	t.Helper()
	require.NoError(t, f.session.Initialize(context.Background()))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]int{0, 1, 2}, f.session.Loaded())
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNewSession_validation(t *testing.T) {
	m := testManifest(10, 100)
	base := SessionOptions{Manifest: m, Sink: newFakeSink(10), Element: newFakeElement(), Fetcher: newFakeFetcher()}

	_, err := NewSession(SessionOptions{Manifest: testManifest(0, 100), Sink: base.Sink, Element: base.Element, Fetcher: base.Fetcher})
	assert.Error(t, err)

	opts := base
	opts.Quality = "4k"
	_, err = NewSession(opts)
	assert.ErrorIs(t, err, ErrUnknownQuality)

	opts = base
	opts.Sink = nil
	_, err = NewSession(opts)
	assert.Error(t, err)

	s, err := NewSession(base)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, Quality("480p"), s.State().Quality)
	assert.Equal(t, PhaseUninitialized, s.State().Phase)
}

func TestSession_Initialize(t *testing.T) {
	f := newSessionFixture(t)
	f.initialize(t)

	st := f.session.State()
	assert.Equal(t, PhaseReady, st.Phase)
	assert.True(t, st.IsPlaying)
	assert.False(t, st.IsBuffering)
	assert.Equal(t, 100.0, st.Duration)
	assert.False(t, f.element.Paused())
	assert.Equal(t, []int{0, 1, 2}, f.sink.appended())
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]TimeRange{{Start: 0, End: 30}}, f.session.State().BufferedRanges)
	}, time.Second, 5*time.Millisecond)
}

func TestSession_Initialize_is_idempotent(t *testing.T) {
	f := newSessionFixture(t)
	f.initialize(t)
	require.NoError(t, f.session.Initialize(context.Background()))

	assert.Equal(t, 1, f.fetcher.callCount(0))
}

func TestSession_Initialize_autoplay_blocked_is_not_fatal(t *testing.T) {
	f := newSessionFixture(t)
	f.element.playErr = errors.New("autoplay blocked")
	f.initialize(t)

	st := f.session.State()
	assert.Equal(t, PhaseReady, st.Phase)
	assert.False(t, st.IsPlaying)
}

func TestSession_Initialize_unsupported_format_fails_session(t *testing.T) {
	f := newSessionFixture(t)
	f.sink.mime = "video/webm"

	err := f.session.Initialize(context.Background())
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	st := f.session.State()
	assert.Equal(t, PhaseError, st.Phase)
	assert.NotEmpty(t, st.Error)
	assert.ErrorIs(t, f.session.HandleSeek(context.Background(), 10), ErrNotReady)
}

func TestSession_Initialize_first_chunk_failure(t *testing.T) {
	f := newSessionFixture(t)
	f.fetcher.failIndex(0, &FetchError{Status: 404})

	err := f.session.Initialize(context.Background())
	require.ErrorIs(t, err, ErrFetchFailed)
	assert.Equal(t, PhaseError, f.session.State().Phase)
}

func TestSession_HandleSeek_before_initialize(t *testing.T) {
	f := newSessionFixture(t)
	assert.ErrorIs(t, f.session.HandleSeek(context.Background(), 10), ErrNotReady)
}

func TestSession_HandleSeek_out_of_range(t *testing.T) {
	f := newSessionFixture(t)
	f.initialize(t)
	before := f.session.State()

	for _, ts := range []float64{-1, 100.5, math.NaN()} {
		assert.ErrorIs(t, f.session.HandleSeek(context.Background(), ts), ErrOutOfRange)
	}
	assert.Equal(t, before.Phase, f.session.State().Phase)
	assert.Equal(t, 0.0, f.element.CurrentTime())
}

func TestSession_HandleSeek_within_buffer(t *testing.T) {
	f := newSessionFixture(t)
	f.initialize(t)

	require.NoError(t, f.session.HandleSeek(context.Background(), 15))

	st := f.session.State()
	assert.Equal(t, PhaseReady, st.Phase)
	assert.Equal(t, 15.0, st.CurrentTime)
	assert.Equal(t, 1, st.CurrentChunkIndex)
	assert.Equal(t, 15.0, f.element.CurrentTime())
	assert.Equal(t, 1, f.fetcher.callCount(1))
}

func TestSession_HandleSeek_unbuffered_target(t *testing.T) {
	f := newSessionFixture(t)
	f.initialize(t)

	require.NoError(t, f.session.HandleSeek(context.Background(), 75))

	st := f.session.State()
	assert.Equal(t, PhaseReady, st.Phase)
	assert.False(t, st.IsBuffering)
	assert.Equal(t, 75.0, st.CurrentTime)
	assert.Equal(t, 7, st.CurrentChunkIndex)
	assert.Equal(t, 75.0, st.MaxWatched)
	assert.Equal(t, 75.0, f.element.CurrentTime())
	assert.Equal(t, []int{7, 8, 9}, f.session.Loaded())
	assert.Empty(t, f.session.Pending())
}

func TestSession_HandleSeek_supersedes_pending_seek(t *testing.T) {
	f := newSessionFixture(t)
	f.initialize(t)
	f.fetcher.blockIndex(5)

	first := make(chan error, 1)
	go func() { first <- f.session.HandleSeek(context.Background(), 50) }()
	waitStarted(t, f.fetcher, 5)
	assert.Equal(t, PhaseSeeking, f.session.State().Phase)

	require.NoError(t, f.session.HandleSeek(context.Background(), 80))
	require.NoError(t, <-first)

	st := f.session.State()
	assert.Equal(t, PhaseReady, st.Phase)
	assert.Equal(t, 80.0, st.CurrentTime)
	assert.Equal(t, 80.0, f.element.CurrentTime())
	assert.NotContains(t, f.sink.appended(), 5)
	assert.NotContains(t, f.session.Loaded(), 5)
}

func TestSession_HandleSeek_caller_gives_up(t *testing.T) {
	f := newSessionFixture(t)
	f.initialize(t)
	f.fetcher.blockIndex(7)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.session.HandleSeek(ctx, 75) }()
	waitStarted(t, f.fetcher, 7)
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	st := f.session.State()
	assert.Equal(t, PhaseReady, st.Phase)
	assert.False(t, st.IsBuffering)
	assert.Equal(t, 0.0, st.CurrentTime)
	assert.Equal(t, 0.0, f.element.CurrentTime())
	require.Eventually(t, func() bool { return len(f.session.Pending()) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.NotContains(t, f.session.Loaded(), 7)

	// Playback keeps buffering ahead from where it stands.
	f.element.SetCurrentTime(25)
	require.Eventually(t, func() bool {
		f.session.OnTimeUpdate(25)
		loaded := f.session.Loaded()
		return len(loaded) > 0 && loaded[len(loaded)-1] == 4
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_HandleSeek_refetches_chunk_the_sink_dropped(t *testing.T) {
	f := newSessionFixture(t)
	f.initialize(t)

	_, err := f.sink.Remove(10, 20)
	require.NoError(t, err)
	require.Contains(t, f.session.Loaded(), 1)

	require.NoError(t, f.session.HandleSeek(context.Background(), 15))

	st := f.session.State()
	assert.Equal(t, PhaseReady, st.Phase)
	assert.False(t, st.IsBuffering)
	assert.Equal(t, 2, f.fetcher.callCount(1))
	assert.True(t, rangesContain(f.sink.Buffered(), 15))
}

func TestSession_HandleSeek_from_ended_returns_to_ready(t *testing.T) {
	f := newSessionFixture(t)
	f.initialize(t)

	f.session.OnEnded()
	require.Equal(t, PhaseEnded, f.session.State().Phase)

	require.NoError(t, f.session.HandleSeek(context.Background(), 5))
	assert.Equal(t, PhaseReady, f.session.State().Phase)
}

func TestSession_ChangeQuality(t *testing.T) {
	f := newSessionFixture(t)
	f.initialize(t)

	require.NoError(t, f.session.ChangeQuality(context.Background(), "1080p"))

	st := f.session.State()
	assert.Equal(t, PhaseReady, st.Phase)
	assert.Equal(t, Quality("1080p"), st.Quality)
	assert.Contains(t, f.sink.removed(), TimeRange{Start: 0, End: 30})
	assert.Equal(t, []int{0, 1, 2}, f.session.Loaded())

	qs := f.fetcher.qualities()
	require.Len(t, qs, 6)
	assert.Equal(t, []Quality{"1080p", "1080p", "1080p"}, qs[3:])
}

func TestSession_ChangeQuality_during_seek_keeps_seek_target(t *testing.T) {
	f := newSessionFixture(t)
	f.initialize(t)
	gate := f.fetcher.blockIndex(7)

	seeking := make(chan error, 1)
	go func() { seeking <- f.session.HandleSeek(context.Background(), 75) }()
	waitStarted(t, f.fetcher, 7)

	switching := make(chan error, 1)
	go func() { switching <- f.session.ChangeQuality(context.Background(), "1080p") }()
	require.NoError(t, <-seeking)
	waitStarted(t, f.fetcher, 7)
	close(gate)
	require.NoError(t, <-switching)

	st := f.session.State()
	assert.Equal(t, PhaseReady, st.Phase)
	assert.Equal(t, Quality("1080p"), st.Quality)
	assert.Equal(t, 75.0, st.CurrentTime)
	assert.Equal(t, 75.0, f.element.CurrentTime())
	assert.Equal(t, []int{7, 8, 9}, f.session.Loaded())
}

func TestSession_ChangeQuality_caller_gives_up(t *testing.T) {
	f := newSessionFixture(t)
	f.initialize(t)

	// Hold the queue worker on an append so the reset cannot finish yet.
	gate := make(chan struct{})
	f.sink.mu.Lock()
	f.sink.gate = gate
	f.sink.mu.Unlock()
	f.element.SetCurrentTime(25)
	f.session.OnTimeUpdate(25)
	require.Eventually(t, func() bool {
		f.sink.mu.Lock()
		defer f.sink.mu.Unlock()
		return f.sink.inFlight == 1
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.session.ChangeQuality(ctx, "1080p"), context.Canceled)

	st := f.session.State()
	assert.Equal(t, PhaseReady, st.Phase)
	assert.Equal(t, Quality("1080p"), st.Quality)

	close(gate)
	require.Eventually(t, func() bool {
		f.session.OnTimeUpdate(25)
		qs := f.fetcher.qualities()
		return qs[len(qs)-1] == "1080p" && rangesContain(f.sink.Buffered(), 25)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, PhaseReady, f.session.State().Phase)
}

func TestSession_ChangeQuality_unknown(t *testing.T) {
	f := newSessionFixture(t)
	f.initialize(t)

	assert.ErrorIs(t, f.session.ChangeQuality(context.Background(), "4k"), ErrUnknownQuality)
	assert.Equal(t, Quality("720p"), f.session.State().Quality)
}

func TestSession_ChangeQuality_same_quality_is_noop(t *testing.T) {
	f := newSessionFixture(t)
	f.initialize(t)

	require.NoError(t, f.session.ChangeQuality(context.Background(), "720p"))
	assert.Empty(t, f.sink.removed())
	assert.Equal(t, 3, len(f.fetcher.qualities()))
}

func TestSession_TogglePlay(t *testing.T) {
	f := newSessionFixture(t)
	assert.ErrorIs(t, f.session.TogglePlay(), ErrNotReady)
	f.initialize(t)

	require.NoError(t, f.session.TogglePlay())
	assert.True(t, f.element.Paused())
	assert.False(t, f.session.State().IsPlaying)

	require.NoError(t, f.session.TogglePlay())
	assert.False(t, f.element.Paused())
	assert.True(t, f.session.State().IsPlaying)
}

func TestSession_OnTimeUpdate_buffers_ahead(t *testing.T) {
	f := newSessionFixture(t)
	f.initialize(t)

	f.element.SetCurrentTime(25)
	require.Eventually(t, func() bool {
		f.session.OnTimeUpdate(25)
		loaded := f.session.Loaded()
		return assert.ObjectsAreEqual([]int{2, 3, 4}, loaded) || assert.ObjectsAreEqual([]int{0, 1, 2, 3, 4}, loaded)
	}, 2*time.Second, 10*time.Millisecond)

	st := f.session.State()
	assert.Equal(t, 25.0, st.CurrentTime)
	assert.Equal(t, 25.0, st.MaxWatched)
	assert.Equal(t, 2, st.CurrentChunkIndex)
}

func TestSession_buffering_events(t *testing.T) {
	f := newSessionFixture(t)
	f.initialize(t)

	f.session.OnWaiting()
	assert.True(t, f.session.State().IsBuffering)
	f.session.OnPlaying()
	assert.False(t, f.session.State().IsBuffering)
	assert.True(t, f.session.State().IsPlaying)
	f.session.OnPause()
	assert.False(t, f.session.State().IsPlaying)
}

func TestSession_Subscribe_sees_phase_changes(t *testing.T) {
	f := newSessionFixture(t)
	ch, unsubscribe := f.session.Subscribe(64)
	defer unsubscribe()

	f.initialize(t)

	var phases []Phase
	for len(ch) > 0 {
		s := <-ch
		if len(phases) == 0 || phases[len(phases)-1] != s.Phase {
			phases = append(phases, s.Phase)
		}
	}
	assert.Equal(t, []Phase{PhaseUninitialized, PhaseOpening, PhaseReady}, phases)
}

func TestSession_Close_stops_goroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := testManifest(10, 100)
	fetcher := newFakeFetcher()
	s, err := NewSession(SessionOptions{
		Manifest: m,
		Sink:     newFakeSink(10),
		Element:  newFakeElement(),
		Fetcher:  fetcher,
	})
	require.NoError(t, err)
	fetcher.blockIndex(2)
	require.NoError(t, s.Initialize(context.Background()))
	waitStarted(t, fetcher, 2)

	s.Close()
	s.Close()
	assert.ErrorIs(t, s.HandleSeek(context.Background(), 10), ErrNotReady)
}
