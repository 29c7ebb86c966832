package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	chunkMagic      = "CHK1"
	chunkHeaderSize = len(chunkMagic) + 16
)

// ErrMalformedChunk is returned when appended bytes are not a framed chunk.
var ErrMalformedChunk = errors.New("malformed chunk")

// Chunk is a decoded media chunk: the presentation interval it covers and its
// opaque payload.
type Chunk struct {
	Start   float64
	End     float64
	Payload []byte
}

// EncodeChunk frames c as a magic tag, big-endian start and end times, then
// the payload.
func EncodeChunk(c Chunk) []byte {
	buf := make([]byte, chunkHeaderSize+len(c.Payload))
	copy(buf, chunkMagic)
	binary.BigEndian.PutUint64(buf[4:], math.Float64bits(c.Start))
	binary.BigEndian.PutUint64(buf[12:], math.Float64bits(c.End))
	copy(buf[chunkHeaderSize:], c.Payload)
	return buf
}

// DecodeChunk parses bytes produced by EncodeChunk.
func DecodeChunk(data []byte) (Chunk, error) {
	if len(data) < chunkHeaderSize || string(data[:4]) != chunkMagic {
		return Chunk{}, ErrMalformedChunk
	}
	c := Chunk{
		Start:   math.Float64frombits(binary.BigEndian.Uint64(data[4:])),
		End:     math.Float64frombits(binary.BigEndian.Uint64(data[12:])),
		Payload: data[chunkHeaderSize:],
	}
	if math.IsNaN(c.Start) || math.IsNaN(c.End) || c.End <= c.Start || c.Start < 0 {
		return Chunk{}, fmt.Errorf("%w: interval [%v, %v)", ErrMalformedChunk, c.Start, c.End)
	}
	return c, nil
}
