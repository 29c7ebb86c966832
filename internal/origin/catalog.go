package origin

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"chunk-player/internal/media"
	"chunk-player/internal/player"
)

var (
	// ErrVideoNotFound is returned for an unknown video ID.
	ErrVideoNotFound = errors.New("video not found")

	// ErrInvalidVideo is returned when adding a video that cannot be played.
	ErrInvalidVideo = errors.New("invalid video")
)

// bytesPerSecond sizes synthetic chunk payloads per quality. Unlisted
// qualities use defaultBytesPerSecond.
var bytesPerSecond = map[player.Quality]int{
	"360p":  1_000,
	"480p":  2_000,
	"720p":  4_000,
	"1080p": 8_000,
}

const defaultBytesPerSecond = 4_000

// Catalog is a concurrency-safe in-memory set of videos. Chunks are
// synthesized on demand from the video's manifest.
type Catalog struct {
	mu     sync.RWMutex
	videos map[string]Video
}

// NewCatalog returns a catalog holding videos.
func NewCatalog(videos ...Video) (*Catalog, error) {
	c := &Catalog{videos: make(map[string]Video)}
	for _, v := range videos {
		if err := c.Add(v); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add inserts or replaces a video.
func (c *Catalog) Add(v Video) error {
	if v.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidVideo)
	}
	if err := v.Manifest().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidVideo, err)
	}
	v.Qualities = slices.Clone(v.Qualities)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.videos[v.ID] = v
	return nil
}

// Get returns the video with the given ID.
func (c *Catalog) Get(id string) (Video, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.videos[id]
	return v, ok
}

// List returns all videos ordered by ID.
func (c *Catalog) List() []Video {
	c.mu.RLock()
	out := make([]Video, 0, len(c.videos))
	for _, v := range c.videos {
		out = append(out, v)
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b Video) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Chunk returns the framed bytes of chunk index of video id at quality q.
func (c *Catalog) Chunk(id string, q player.Quality, index int) ([]byte, error) {
	v, ok := c.Get(id)
	if !ok {
		return nil, ErrVideoNotFound
	}
	m := v.Manifest()
	if !m.HasQuality(q) {
		return nil, fmt.Errorf("quality %q: %w", q, player.ErrUnknownQuality)
	}
	if !m.InRange(index) {
		return nil, fmt.Errorf("chunk %d: %w", index, player.ErrOutOfRange)
	}

	r := m.ChunkBounds(index)
	rate, ok := bytesPerSecond[q]
	if !ok {
		rate = defaultBytesPerSecond
	}
	payload := make([]byte, int((r.End-r.Start)*float64(rate)))
	for i := range payload {
		payload[i] = byte(index + i)
	}
	return media.EncodeChunk(media.Chunk{Start: r.Start, End: r.End, Payload: payload}), nil
}

// DemoVideos is the catalog served by default.
func DemoVideos(chunkDuration float64) []Video {
	all := []player.Quality{"360p", "480p", "720p", "1080p"}
	return []Video{
		{ID: "big-buck-bunny", Title: "Big Buck Bunny", Thumbnail: "/thumbnails/big-buck-bunny.jpg", Duration: 596, ChunkDuration: chunkDuration, Qualities: all},
		{ID: "sintel", Title: "Sintel", Thumbnail: "/thumbnails/sintel.jpg", Duration: 888, ChunkDuration: chunkDuration, Qualities: all},
		{ID: "tears-of-steel", Title: "Tears of Steel", Thumbnail: "/thumbnails/tears-of-steel.jpg", Duration: 734, ChunkDuration: chunkDuration, Qualities: []player.Quality{"480p", "720p"}},
	}
}
