package player

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"
)

func testManifest(chunkDuration, total float64) Manifest {
	return Manifest{
		VideoID:       "v1",
		ChunkDuration: chunkDuration,
		TotalDuration: total,
		Qualities:     []Quality{"480p", "720p", "1080p"},
	}
}

func chunkBytes(index int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(index))
	return b
}

// fakeFetcher serves chunkBytes(index). Indices listed in block wait for
// their channel to close; respectCtx controls whether they give up on ctx.
type fakeFetcher struct {
	mu         sync.Mutex
	calls      []fetchCall
	fail       map[int]error
	block      map[int]chan struct{}
	respectCtx bool
	started    chan int
}

type fetchCall struct {
	quality Quality
	index   int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		fail:       make(map[int]error),
		block:      make(map[int]chan struct{}),
		respectCtx: true,
		started:    make(chan int, 256),
	}
}

func (f *fakeFetcher) FetchChunk(ctx context.Context, videoID string, q Quality, index int) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{quality: q, index: index})
	gate := f.block[index]
	err := f.fail[index]
	respect := f.respectCtx
	f.mu.Unlock()
	f.started <- index

	if gate != nil {
		if respect {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			<-gate
		}
	}
	if err != nil {
		return nil, err
	}
	return chunkBytes(index), nil
}

func (f *fakeFetcher) blockIndex(index int) chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	f.block[index] = ch
	f.mu.Unlock()
	return ch
}

func (f *fakeFetcher) failIndex(index int, err error) {
	f.mu.Lock()
	f.fail[index] = err
	f.mu.Unlock()
}

func (f *fakeFetcher) callCount(index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.index == index {
			n++
		}
	}
	return n
}

func (f *fakeFetcher) qualities() []Quality {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Quality, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.quality)
	}
	return out
}

func waitStarted(t *testing.T, f *fakeFetcher, index int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case i := <-f.started:
			if i == index {
				return
			}
		case <-deadline:
			t.Fatalf("fetch of chunk %d never started", index)
		}
	}
}

// fakeSink is a Sink and Writer that places chunk i at [i*d, (i+1)*d).
// Mutations complete immediately unless gate is set.
type fakeSink struct {
	mu        sync.Mutex
	chunkDur  float64
	ranges    []TimeRange
	appends   []int
	removes   []TimeRange
	busy      bool
	appendErr error
	gate      chan struct{}
	inFlight  int
	overlap   bool
	mime      string
}

func newFakeSink(chunkDur float64) *fakeSink {
	return &fakeSink{chunkDur: chunkDur, mime: DefaultMimeType}
}

func (s *fakeSink) Open(ctx context.Context) error { return ctx.Err() }

func (s *fakeSink) AddWriter(mime string) (Writer, error) {
	if mime != s.mime {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mime)
	}
	return s, nil
}

func (s *fakeSink) SetDuration(float64) error { return nil }

func (s *fakeSink) Buffered() []TimeRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ranges)
}

func (s *fakeSink) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *fakeSink) setBusy(b bool) {
	s.mu.Lock()
	s.busy = b
	s.mu.Unlock()
}

func (s *fakeSink) Append(data []byte) (<-chan error, error) {
	if len(data) != 4 {
		return nil, errors.New("bad chunk")
	}
	index := int(binary.BigEndian.Uint32(data))

	s.mu.Lock()
	if s.appendErr != nil {
		err := s.appendErr
		s.mu.Unlock()
		return nil, err
	}
	s.inFlight++
	if s.inFlight > 1 {
		s.overlap = true
	}
	gate := s.gate
	s.mu.Unlock()

	done := make(chan error, 1)
	complete := func() {
		s.mu.Lock()
		s.appends = append(s.appends, index)
		s.ranges = mergeRanges(append(s.ranges, TimeRange{Start: float64(index) * s.chunkDur, End: float64(index+1) * s.chunkDur}))
		s.inFlight--
		s.mu.Unlock()
		done <- nil
	}
	if gate == nil {
		complete()
	} else {
		go func() {
			<-gate
			complete()
		}()
	}
	return done, nil
}

func (s *fakeSink) Remove(start, end float64) (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removes = append(s.removes, TimeRange{Start: start, End: end})
	var out []TimeRange
	for _, r := range s.ranges {
		if r.End <= start || r.Start >= end {
			out = append(out, r)
			continue
		}
		if r.Start < start {
			out = append(out, TimeRange{Start: r.Start, End: start})
		}
		if r.End > end {
			out = append(out, TimeRange{Start: end, End: r.End})
		}
	}
	s.ranges = out
	done := make(chan error, 1)
	done <- nil
	return done, nil
}

func (s *fakeSink) appended() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.appends)
}

func (s *fakeSink) removed() []TimeRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.removes)
}

func mergeRanges(rs []TimeRange) []TimeRange {
	slices.SortFunc(rs, func(a, b TimeRange) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})
	var out []TimeRange
	for _, r := range rs {
		if n := len(out); n > 0 && r.Start <= out[n-1].End {
			out[n-1].End = max(out[n-1].End, r.End)
			continue
		}
		out = append(out, r)
	}
	return out
}

// fakeElement is a media element whose clock only moves when told to.
type fakeElement struct {
	mu      sync.Mutex
	current float64
	paused  bool
	playErr error
}

func newFakeElement() *fakeElement { return &fakeElement{paused: true} }

func (e *fakeElement) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

func (e *fakeElement) SetCurrentTime(t float64) {
	e.mu.Lock()
	e.current = t
	e.mu.Unlock()
}

func (e *fakeElement) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.playErr != nil {
		return e.playErr
	}
	e.paused = false
	return nil
}

func (e *fakeElement) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

func (e *fakeElement) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// position is a settable playback clock for buffer manager tests.
type position struct {
	mu sync.Mutex
	t  float64
}

func (p *position) get() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.t
}

func (p *position) set(t float64) {
	p.mu.Lock()
	p.t = t
	p.mu.Unlock()
}

// bufferFixture wires a BufferManager to fakes and a started queue.
type bufferFixture struct {
	manifest Manifest
	fetcher  *fakeFetcher
	sink     *fakeSink
	queue    *MutationQueue
	pos      *position
	buffer   *BufferManager
}

func newBufferFixture(t *testing.T, m Manifest, lookahead int) *bufferFixture {
	t.Helper()
	f := &bufferFixture{
		manifest: m,
		fetcher:  newFakeFetcher(),
		sink:     newFakeSink(m.ChunkDuration),
		pos:      &position{},
	}
	f.queue = NewMutationQueue(f.sink.Busy, nil, nil)
	f.queue.Start()
	f.buffer = NewBufferManager(BufferOptions{
		Manifest:  m,
		Quality:   "720p",
		Fetcher:   f.fetcher,
		Sink:      f.sink,
		Writer:    f.sink,
		Queue:     f.queue,
		Position:  f.pos.get,
		Lookahead: lookahead,
	})
	t.Cleanup(func() {
		f.buffer.Close()
		f.queue.Close()
	})
	return f
}
