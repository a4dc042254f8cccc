package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDimensions matches the vector column of the documents schema.
const DefaultDimensions = 1536

// Mock hashes words into a fixed number of buckets, so texts sharing words land close
// together. Selected with USE_MOCK_EMBEDDING=true.
type Mock struct {
	Dims int
}

func (m Mock) Dimensions() int {
	if m.Dims <= 0 {
		return DefaultDimensions
	}
	return m.Dims
}

func (m Mock) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m.embed(t)
	}
	return out, nil
}

func (m Mock) embed(text string) []float32 {
	dims := m.Dimensions()
	v := make([]float32, dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[int(h.Sum32()%uint32(dims))]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}
