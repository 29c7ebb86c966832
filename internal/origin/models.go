package origin

import "chunk-player/internal/player"

// Video is a catalog entry served by the origin.
// This also matches the JSON payload of GET /videos/{id}.
type Video struct {
	ID            string           `json:"id"`
	Title         string           `json:"title"`
	Thumbnail     string           `json:"thumbnail,omitempty"`
	Duration      float64          `json:"duration"`
	ChunkDuration float64          `json:"chunkDuration"`
	Qualities     []player.Quality `json:"qualities"`
}

// Metadata returns the descriptive part of v passed to progress persistence.
func (v Video) Metadata() player.VideoMetadata {
	return player.VideoMetadata{
		Title:     v.Title,
		Thumbnail: v.Thumbnail,
		Qualities: v.Qualities,
	}
}

// Manifest returns the chunk manifest of v.
func (v Video) Manifest() player.Manifest {
	m := player.Manifest{
		VideoID:       v.ID,
		ChunkDuration: v.ChunkDuration,
		TotalDuration: v.Duration,
		Qualities:     v.Qualities,
	}
	n := m.ChunkCount()
	m.Chunks = make([]player.ChunkInfo, 0, n)
	for i := 0; i < n; i++ {
		r := m.ChunkBounds(i)
		m.Chunks = append(m.Chunks, player.ChunkInfo{Index: i, StartTime: r.Start, EndTime: r.End})
	}
	return m
}
