package player

import (
	"fmt"
	"math"
	"slices"
)

// Quality is an operator-selected rendition label (e.g. "720p", "1080p").
type Quality string

// DefaultMimeType is the mime type of the single writer created per session.
// All qualities share it, so a quality switch never needs a new writer.
const DefaultMimeType = `video/mp4; codecs="avc1.42E01E, mp4a.40.2"`

// ChunkInfo describes one chunk as listed by the manifest source.
// This also matches the JSON payload served by the origin.
type ChunkInfo struct {
	Index     int     `json:"index"`
	StartTime float64 `json:"startTime"`
	EndTime   float64 `json:"endTime"`
}

// Manifest is the static description of a video's chunks. It is immutable
// once loaded and owned by one Session for the lifetime of a watch.
type Manifest struct {
	VideoID       string      `json:"videoId"`
	ChunkDuration float64     `json:"chunkDuration"`
	TotalDuration float64     `json:"duration"`
	Qualities     []Quality   `json:"qualities"`
	Chunks        []ChunkInfo `json:"chunks,omitempty"`
}

// Validate reports whether the manifest can drive a session.
func (m Manifest) Validate() error {
	if m.ChunkDuration <= 0 {
		return fmt.Errorf("manifest %q: chunk duration must be positive, got %v", m.VideoID, m.ChunkDuration)
	}
	if m.TotalDuration <= 0 {
		return fmt.Errorf("manifest %q: total duration must be positive, got %v", m.VideoID, m.TotalDuration)
	}
	if len(m.Qualities) == 0 {
		return fmt.Errorf("manifest %q: no qualities", m.VideoID)
	}
	return nil
}

// ChunkCount returns the number of chunks. An explicit chunk list wins over
// the duration-derived count.
func (m Manifest) ChunkCount() int {
	if len(m.Chunks) > 0 {
		return len(m.Chunks)
	}
	return ChunkCount(m.TotalDuration, m.ChunkDuration)
}

// InRange reports whether index addresses a chunk of this manifest.
func (m Manifest) InRange(index int) bool {
	return index >= 0 && index < m.ChunkCount()
}

// ChunkBounds returns the [start, end) time interval of chunk index.
// The last chunk is truncated to the total duration.
func (m Manifest) ChunkBounds(index int) TimeRange {
	start := float64(index) * m.ChunkDuration
	end := math.Min(start+m.ChunkDuration, m.TotalDuration)
	return TimeRange{Start: start, End: end}
}

// HasQuality reports whether q is one of the manifest's renditions.
func (m Manifest) HasQuality(q Quality) bool {
	return slices.Contains(m.Qualities, q)
}

// TimeRange is a half-open [Start, End) interval in seconds.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t float64) bool {
	return t >= r.Start && t < r.End
}

// Phase is the lifecycle state of a Session.
type Phase string

const (
	PhaseUninitialized    Phase = "uninitialized"
	PhaseOpening          Phase = "opening"
	PhaseReady            Phase = "ready"
	PhaseSeeking          Phase = "seeking"
	PhaseQualitySwitching Phase = "quality_switching"
	PhaseEnded            Phase = "ended"
	PhaseError            Phase = "error"
)

// PlayerState is an immutable snapshot of a session as seen by the UI shell.
type PlayerState struct {
	Phase             Phase       `json:"phase"`
	Quality           Quality     `json:"quality"`
	CurrentTime       float64     `json:"currentTime"`
	Duration          float64     `json:"duration"`
	MaxWatched        float64     `json:"maxWatched"`
	IsPlaying         bool        `json:"isPlaying"`
	IsBuffering       bool        `json:"isBuffering"`
	BufferedRanges    []TimeRange `json:"bufferedRanges"`
	CurrentChunkIndex int         `json:"currentChunkIndex"`
	Error             string      `json:"error,omitempty"`
}

// clone returns a copy that shares no slices with s.
func (s PlayerState) clone() PlayerState {
	s.BufferedRanges = slices.Clone(s.BufferedRanges)
	return s
}
