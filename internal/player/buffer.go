package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"sync"

	"chunk-player/internal/platform/metrics"

	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultLookahead is the number of chunks fetched beyond the current one.
	DefaultLookahead = 4
	// DefaultRetentionPercent sizes the trailing retention window as a share
	// of the session's maximum watched time.
	DefaultRetentionPercent = 0.1
)

// BufferOptions configures a BufferManager.
type BufferOptions struct {
	Manifest Manifest
	Quality  Quality
	Fetcher  Fetcher
	Sink     Sink
	Writer   Writer
	Queue    *MutationQueue

	// Position reports the current playback time; used for eviction.
	Position func() float64
	// OnMutation is called after every sink mutation that completed.
	OnMutation func()

	Lookahead        int
	RetentionPercent float64

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// BufferManager owns the loaded and pending chunk sets of one session and is
// the only component that issues fetches and sink mutations.
//
// Every seek or reset starts a new generation. Fetches and queued appends
// carry the generation they were issued in and are discarded once it is
// superseded, so a stale chunk never lands after a seek.
type BufferManager struct {
	manifest   Manifest
	fetcher    Fetcher
	sink       Sink
	writer     Writer
	queue      *MutationQueue
	position   func() float64
	onMutation func()
	lookahead  int
	retention  float64
	log        *slog.Logger
	metrics    *metrics.Metrics

	flights singleflight.Group
	aheadMu sync.Mutex

	mu         sync.Mutex
	quality    Quality
	loaded     map[int]struct{}
	pending    map[int]uint64
	maxWatched float64
	gen        uint64
	base       context.Context
	stop       context.CancelFunc
	token      context.Context
	cancel     context.CancelFunc
}

// NewBufferManager returns a manager with empty sets.
func NewBufferManager(opts BufferOptions) *BufferManager {
	if opts.Lookahead <= 0 {
		opts.Lookahead = DefaultLookahead
	}
	if opts.RetentionPercent <= 0 {
		opts.RetentionPercent = DefaultRetentionPercent
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	base, stop := context.WithCancel(context.Background())
	token, cancel := context.WithCancel(base)
	return &BufferManager{
		manifest:   opts.Manifest,
		fetcher:    opts.Fetcher,
		sink:       opts.Sink,
		writer:     opts.Writer,
		queue:      opts.Queue,
		position:   opts.Position,
		onMutation: opts.OnMutation,
		lookahead:  opts.Lookahead,
		retention:  opts.RetentionPercent,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		quality:    opts.Quality,
		loaded:     make(map[int]struct{}),
		pending:    make(map[int]uint64),
		base:       base,
		stop:       stop,
		token:      token,
		cancel:     cancel,
	}
}

// FetchAndAppend makes chunk index present in the sink. It succeeds without
// work when the chunk is already loaded and joins the in-flight fetch when it
// is pending. A failed fetch or append leaves the chunk absent; there is no
// automatic retry.
func (b *BufferManager) FetchAndAppend(ctx context.Context, index int) error {
	if !b.manifest.InRange(index) {
		return fmt.Errorf("chunk %d of %d: %w", index, b.manifest.ChunkCount(), ErrOutOfRange)
	}

	b.mu.Lock()
	gen, token := b.gen, b.token
	b.mu.Unlock()
	return b.fetchAndAppend(ctx, gen, token, index)
}

// fetchAndAppend is FetchAndAppend bound to generation gen. It fails with
// ErrCancelled once gen has been superseded.
func (b *BufferManager) fetchAndAppend(ctx context.Context, gen uint64, token context.Context, index int) error {
	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		return fmt.Errorf("chunk %d: %w", index, ErrCancelled)
	}
	if _, ok := b.loaded[index]; ok {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	key := strconv.FormatUint(gen, 10) + "/" + strconv.Itoa(index)
	ch := b.flights.DoChan(key, func() (any, error) {
		return nil, b.load(token, gen, index)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("chunk %d: %w: %w", index, ErrCancelled, ctx.Err())
	}
}

// load fetches one chunk and appends it through the queue. It runs at most
// once per (generation, index) pair.
func (b *BufferManager) load(token context.Context, gen uint64, index int) error {
	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		return fmt.Errorf("chunk %d: %w", index, ErrCancelled)
	}
	if _, ok := b.loaded[index]; ok {
		b.mu.Unlock()
		return nil
	}
	b.pending[index] = gen
	quality := b.quality
	b.mu.Unlock()

	data, err := b.fetcher.FetchChunk(token, b.manifest.VideoID, quality, index)
	if err == nil && token.Err() != nil {
		err = token.Err()
	}
	if err != nil {
		b.clearPending(index, gen)
		if token.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
			b.observeFetch(metrics.ResultCancelled)
			b.log.Debug("chunk fetch cancelled", slog.Int("chunk", index), slog.String("quality", string(quality)))
			return fmt.Errorf("chunk %d: %w", index, ErrCancelled)
		}
		b.observeFetch(metrics.ResultError)
		b.log.Warn("chunk fetch failed",
			slog.String("video_id", b.manifest.VideoID),
			slog.String("quality", string(quality)),
			slog.Int("chunk", index),
			slog.String("error", err.Error()))
		if errors.Is(err, ErrFetchFailed) {
			return fmt.Errorf("chunk %d: %w", index, err)
		}
		return fmt.Errorf("chunk %d: %w: %w", index, ErrFetchFailed, err)
	}
	b.observeFetch(metrics.ResultOK)

	h := b.queue.Enqueue(MutationAppend, func() error {
		return b.appendChunk(token, gen, index, data)
	})
	<-h.Done()
	if err := h.Err(); err != nil {
		// The queue may have failed the mutation without running it.
		b.clearPending(index, gen)
		return err
	}
	return nil
}

// appendChunk runs on the queue worker.
func (b *BufferManager) appendChunk(token context.Context, gen uint64, index int, data []byte) error {
	if token.Err() != nil {
		b.clearPending(index, gen)
		return fmt.Errorf("append chunk %d: %w", index, ErrCancelled)
	}

	done, err := b.writer.Append(data)
	if err == nil {
		err = <-done
	}
	if err != nil {
		b.clearPending(index, gen)
		return fmt.Errorf("append chunk %d: %w: %w", index, ErrMutationFailed, err)
	}

	b.mu.Lock()
	if g, ok := b.pending[index]; ok && g == gen {
		delete(b.pending, index)
	}
	current := b.gen == gen
	if current {
		b.loaded[index] = struct{}{}
	}
	b.mu.Unlock()

	b.notifyMutation()
	if !current {
		// The bytes landed but were superseded mid-write; leave them unindexed.
		return fmt.Errorf("append chunk %d: %w", index, ErrCancelled)
	}
	return nil
}

// clearPending removes index from the pending set if it still belongs to gen.
func (b *BufferManager) clearPending(index int, gen uint64) {
	b.mu.Lock()
	if g, ok := b.pending[index]; ok && g == gen {
		delete(b.pending, index)
	}
	b.mu.Unlock()
}

// BufferAhead fetches every unloaded chunk in [currentIndex, currentIndex+lookahead]
// sequentially in ascending order, so the sink sees appends in time order,
// then evicts played content. Indices past the last chunk are skipped
// silently. The pass stops at the first failure; the next pass retries.
// A pass belongs to the generation it started in and stops with
// ErrCancelled as soon as a seek or reset supersedes it.
func (b *BufferManager) BufferAhead(ctx context.Context, currentIndex int) error {
	b.aheadMu.Lock()
	defer b.aheadMu.Unlock()
	return b.bufferAhead(ctx, currentIndex)
}

// TryBufferAhead runs a BufferAhead pass unless one is already running.
// It reports whether a pass ran.
func (b *BufferManager) TryBufferAhead(ctx context.Context, currentIndex int) (bool, error) {
	if !b.aheadMu.TryLock() {
		return false, nil
	}
	defer b.aheadMu.Unlock()
	return true, b.bufferAhead(ctx, currentIndex)
}

func (b *BufferManager) bufferAhead(ctx context.Context, currentIndex int) error {
	b.mu.Lock()
	gen, token := b.gen, b.token
	b.mu.Unlock()

	start := max(currentIndex, 0)
	var passErr error
loop:
	for i := start; i <= currentIndex+b.lookahead; i++ {
		if !b.manifest.InRange(i) {
			b.log.Debug("buffer ahead reached last chunk", slog.Int("chunk", i))
			break
		}
		err := b.fetchAndAppend(ctx, gen, token, i)
		switch {
		case err == nil:
		case errors.Is(err, ErrCancelled):
			return err
		default:
			passErr = err
			break loop
		}
	}

	var now float64
	if b.position != nil {
		now = b.position()
	}
	if err := b.Evict(ctx, now); err != nil && passErr == nil {
		passErr = err
	}
	return passErr
}

// RetentionCutoff returns the time before which buffered content may be
// removed: currentTime minus maxWatched*retentionPercent, floored at zero and
// never past the start of the chunk containing currentTime.
func RetentionCutoff(currentTime, maxWatched, retentionPercent, chunkDuration float64) float64 {
	window := maxWatched * retentionPercent
	cutoff := math.Max(0, currentTime-window)
	if chunkDuration > 0 {
		chunkStart := float64(ChunkIndexAt(currentTime, chunkDuration)) * chunkDuration
		cutoff = math.Min(cutoff, math.Max(0, chunkStart))
	}
	return cutoff
}

// Evict removes buffered content before the retention cutoff for
// currentTime. Content at or after the cutoff is never touched.
func (b *BufferManager) Evict(ctx context.Context, currentTime float64) error {
	b.mu.Lock()
	maxWatched := b.maxWatched
	b.mu.Unlock()

	removeBefore := RetentionCutoff(currentTime, maxWatched, b.retention, b.manifest.ChunkDuration)
	if removeBefore <= 0 {
		return nil
	}
	ranges := b.sink.Buffered()
	if len(ranges) == 0 {
		return nil
	}
	bufferStart := ranges[0].Start
	if bufferStart >= removeBefore {
		return nil
	}

	h := b.queue.Enqueue(MutationRemove, func() error {
		return b.removeRange(bufferStart, removeBefore)
	})
	return h.Wait(ctx)
}

// removeRange runs on the queue worker.
func (b *BufferManager) removeRange(start, end float64) error {
	// The position may have moved back since the removal was queued.
	if b.position != nil {
		now := b.position()
		end = math.Min(end, float64(ChunkIndexAt(now, b.manifest.ChunkDuration))*b.manifest.ChunkDuration)
	}
	if end <= start {
		return nil
	}

	done, err := b.writer.Remove(start, end)
	if err == nil {
		err = <-done
	}
	if err != nil {
		return fmt.Errorf("remove [%.2f, %.2f): %w: %w", start, end, ErrMutationFailed, err)
	}

	// A chunk cut in part is no longer present as a whole.
	b.mu.Lock()
	evicted := 0
	for i := range b.loaded {
		if b.manifest.ChunkBounds(i).Start < end {
			delete(b.loaded, i)
			evicted++
		}
	}
	b.mu.Unlock()

	if b.metrics != nil && evicted > 0 {
		b.metrics.AddEvicted(evicted)
	}
	b.log.Debug("evicted played content",
		slog.Float64("start", start),
		slog.Float64("end", end),
		slog.Int("chunks", evicted))
	b.notifyMutation()
	return nil
}

// ResetAll cancels in-flight fetches, clears both sets and enqueues a removal
// of the sink's entire buffered extent, measured when the removal runs.
func (b *BufferManager) ResetAll() *Handle {
	b.mu.Lock()
	b.bumpLocked()
	clear(b.loaded)
	b.mu.Unlock()

	return b.queue.Enqueue(MutationRemove, func() error {
		ranges := b.sink.Buffered()
		if len(ranges) > 0 {
			start, end := ranges[0].Start, ranges[len(ranges)-1].End
			done, err := b.writer.Remove(start, end)
			if err == nil {
				err = <-done
			}
			if err != nil {
				return fmt.Errorf("remove all [%.2f, %.2f): %w: %w", start, end, ErrMutationFailed, err)
			}
		}
		b.mu.Lock()
		clear(b.loaded)
		b.mu.Unlock()
		b.notifyMutation()
		return nil
	})
}

// CancelPending aborts in-flight fetches and clears the pending set. Appends
// already queued for the old generation are dropped before touching the sink.
func (b *BufferManager) CancelPending() {
	b.mu.Lock()
	b.bumpLocked()
	b.mu.Unlock()
}

// bumpLocked starts a new generation. Caller must hold b.mu.
func (b *BufferManager) bumpLocked() {
	b.cancel()
	b.gen++
	b.token, b.cancel = context.WithCancel(b.base)
	clear(b.pending)
}

// Close cancels all outstanding fetches for good.
func (b *BufferManager) Close() {
	b.mu.Lock()
	b.bumpLocked()
	b.mu.Unlock()
	b.stop()
}

// SetQuality switches the rendition used by subsequent fetches.
func (b *BufferManager) SetQuality(q Quality) {
	b.mu.Lock()
	b.quality = q
	b.mu.Unlock()
}

// Quality returns the rendition currently fetched.
func (b *BufferManager) Quality() Quality {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quality
}

// ObservePosition raises the maximum watched time to t if t is larger.
func (b *BufferManager) ObservePosition(t float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t > b.maxWatched {
		b.maxWatched = t
	}
	return b.maxWatched
}

// MaxWatched returns the session's high-water mark of playback time.
func (b *BufferManager) MaxWatched() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxWatched
}

// Forget drops chunk index from the loaded set so the next FetchAndAppend
// fetches it again. Callers use it when the sink no longer holds the chunk.
func (b *BufferManager) Forget(index int) {
	b.mu.Lock()
	delete(b.loaded, index)
	b.mu.Unlock()
}

// IsLoaded reports whether chunk index is in the loaded set.
func (b *BufferManager) IsLoaded(index int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.loaded[index]
	return ok
}

// Loaded returns the loaded chunk indices in ascending order.
func (b *BufferManager) Loaded() []int {
	b.mu.Lock()
	keys := lo.Keys(b.loaded)
	b.mu.Unlock()
	slices.Sort(keys)
	return keys
}

// Pending returns the pending chunk indices in ascending order.
func (b *BufferManager) Pending() []int {
	b.mu.Lock()
	keys := lo.Keys(b.pending)
	b.mu.Unlock()
	slices.Sort(keys)
	return keys
}

func (b *BufferManager) notifyMutation() {
	if b.onMutation != nil {
		b.onMutation()
	}
}

func (b *BufferManager) observeFetch(result string) {
	if b.metrics != nil {
		b.metrics.ObserveChunkFetch(result)
	}
}
