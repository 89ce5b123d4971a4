package sqlite

import (
	"encoding/binary"
	"fmt"
	"math"
)

// encodeEmbedding serializes a vector as little-endian float32 values.
func encodeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding is the inverse of encodeEmbedding. A nil or empty blob
// decodes to a nil vector.
func decodeEmbedding(buf []byte, dimension int) ([]float32, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if len(buf) != dimension*4 {
		return nil, fmt.Errorf("embedding blob has %d bytes, expected %d for dimension %d", len(buf), dimension*4, dimension)
	}
	out := make([]float32, dimension)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}
