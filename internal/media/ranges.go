package media

import (
	"slices"

	"chunk-player/internal/player"
)

// rangeEpsilon merges ranges separated by float rounding noise.
const rangeEpsilon = 1e-6

// addRange inserts r and returns the sorted, merged set.
func addRange(ranges []player.TimeRange, r player.TimeRange) []player.TimeRange {
	out := append(slices.Clone(ranges), r)
	slices.SortFunc(out, func(a, b player.TimeRange) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})

	merged := out[:0]
	for _, cur := range out {
		if n := len(merged); n > 0 && cur.Start <= merged[n-1].End+rangeEpsilon {
			if cur.End > merged[n-1].End {
				merged[n-1].End = cur.End
			}
			continue
		}
		merged = append(merged, cur)
	}
	return merged
}

// subtractRange removes [start, end) from every range.
func subtractRange(ranges []player.TimeRange, start, end float64) []player.TimeRange {
	out := make([]player.TimeRange, 0, len(ranges)+1)
	for _, r := range ranges {
		if r.End <= start || r.Start >= end {
			out = append(out, r)
			continue
		}
		if r.Start < start {
			out = append(out, player.TimeRange{Start: r.Start, End: start})
		}
		if r.End > end {
			out = append(out, player.TimeRange{Start: end, End: r.End})
		}
	}
	return out
}
