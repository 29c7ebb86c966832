package player

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// BuildVODPlaylist renders the manifest's chunks for one quality as an HLS
// VOD media playlist. chunkURI maps a chunk index to its URI.
func BuildVODPlaylist(m Manifest, chunkURI func(index int) string) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration(m)))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")

	for i := 0; i < m.ChunkCount(); i++ {
		r := m.ChunkBounds(i)
		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", r.End-r.Start))
		b.WriteString(chunkURI(i))
		b.WriteString("\n")
	}

	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// targetDuration returns the HLS #EXT-X-TARGETDURATION value: the ceiling of
// the longest chunk in seconds, at least 1.
func targetDuration(m Manifest) int {
	longest := 0.0
	for i := 0; i < m.ChunkCount(); i++ {
		r := m.ChunkBounds(i)
		longest = math.Max(longest, r.End-r.Start)
	}
	if longest <= 0 {
		return 1
	}
	return int(math.Ceil(longest))
}

// ManifestFromPlaylist builds a manifest from an HLS media playlist. The
// first segment's duration is taken as the chunk duration.
func ManifestFromPlaylist(videoID string, qualities []Quality, data []byte) (Manifest, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("parse playlist: %w", err)
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return Manifest{}, errors.New("parse playlist: expected media playlist, got multivariant")
	}
	if len(media.Segments) == 0 {
		return Manifest{}, errors.New("parse playlist: no segments")
	}

	m := Manifest{
		VideoID:       videoID,
		ChunkDuration: media.Segments[0].Duration.Seconds(),
		Qualities:     qualities,
		Chunks:        make([]ChunkInfo, 0, len(media.Segments)),
	}
	start := 0.0
	for i, seg := range media.Segments {
		end := start + seg.Duration.Seconds()
		m.Chunks = append(m.Chunks, ChunkInfo{Index: i, StartTime: start, EndTime: end})
		start = end
	}
	m.TotalDuration = start

	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}
