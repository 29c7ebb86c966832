package player

import "math"

// ChunkIndexAt maps a playback time to the index of the chunk containing it:
// floor(t / chunkDuration). Callers clamp the result to [0, ChunkCount).
// A non-positive chunkDuration maps every time to chunk 0.
func ChunkIndexAt(t, chunkDuration float64) int {
	if chunkDuration <= 0 {
		return 0
	}
	return int(math.Floor(t / chunkDuration))
}

// ChunkCount returns ceil(totalDuration / chunkDuration), or 0 when either
// input is non-positive.
func ChunkCount(totalDuration, chunkDuration float64) int {
	if totalDuration <= 0 || chunkDuration <= 0 {
		return 0
	}
	return int(math.Ceil(totalDuration / chunkDuration))
}

// clampIndex bounds index to [0, count).
func clampIndex(index, count int) int {
	if index < 0 || count <= 0 {
		return 0
	}
	if index >= count {
		return count - 1
	}
	return index
}
