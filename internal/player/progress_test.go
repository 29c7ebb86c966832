package player

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProgressSink struct {
	mu    sync.Mutex
	saved []Progress
	err   error
}

func (r *recordingProgressSink) SaveProgress(_ context.Context, p Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.saved = append(r.saved, p)
	return nil
}

func (r *recordingProgressSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saved)
}

func TestProgressReporter_Flush(t *testing.T) {
	sink := &recordingProgressSink{}
	meta := VideoMetadata{Title: "Sintel", Qualities: []Quality{"720p"}}
	state := PlayerState{CurrentTime: 42, Duration: 888}
	r := NewProgressReporter(sink, "sintel", meta, func() PlayerState { return state }, 0, nil)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return at }

	require.NoError(t, r.Flush(context.Background()))

	require.Len(t, sink.saved, 1)
	assert.Equal(t, Progress{VideoID: "sintel", CurrentTime: 42, Duration: 888, Metadata: meta, At: at}, sink.saved[0])
	assert.Equal(t, DefaultProgressInterval, r.interval)
}

func TestProgressReporter_Flush_skips_before_playback(t *testing.T) {
	sink := &recordingProgressSink{}
	for _, st := range []PlayerState{{CurrentTime: 0, Duration: 100}, {CurrentTime: 5, Duration: 0}} {
		r := NewProgressReporter(sink, "v", VideoMetadata{}, func() PlayerState { return st }, time.Second, nil)
		require.NoError(t, r.Flush(context.Background()))
	}
	assert.Equal(t, 0, sink.count())
}

func TestProgressReporter_Run_saves_periodically(t *testing.T) {
	sink := &recordingProgressSink{}
	r := NewProgressReporter(sink, "v", VideoMetadata{}, func() PlayerState {
		return PlayerState{CurrentTime: 10, Duration: 100}
	}, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sink.count() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestProgressReporter_Run_survives_sink_errors(t *testing.T) {
	sink := &recordingProgressSink{err: errors.New("disk full")}
	r := NewProgressReporter(sink, "v", VideoMetadata{}, func() PlayerState {
		return PlayerState{CurrentTime: 10, Duration: 100}
	}, 5*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()
	require.NoError(t, r.Flush(context.Background()))
	assert.Equal(t, 1, sink.count())
}
