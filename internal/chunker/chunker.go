// Package chunker splits extracted document text into fixed-size overlapping chunks.
package chunker

import (
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

// DefaultSize is the default number of characters per chunk.
const DefaultSize = 1000

// DefaultOverlap is the default number of characters repeated at the start of the next chunk.
const DefaultOverlap = 100

type Chunker struct {
	size    int
	overlap int
}

type Option func(*Chunker)

// WithSize sets the chunk size in characters.
func WithSize(size int) Option {
	return func(c *Chunker) {
		if size > 0 {
			c.size = size
		}
	}
}

func WithOverlap(overlap int) Option {
	return func(c *Chunker) {
		if overlap >= 0 {
			c.overlap = overlap
		}
	}
}

func New(opts ...Option) *Chunker {
	c := &Chunker{size: DefaultSize, overlap: DefaultOverlap}
	for _, opt := range opts {
		opt(c)
	}
	// overlap must leave the window room to advance
	if c.overlap >= c.size {
		c.overlap = c.size / 4
	}
	return c
}

func (c *Chunker) Size() int { return c.size }
func (c *Chunker) Overlap() int { return c.overlap }

// Pagination locates text on pages. PageStarts, when set, holds the character offset
// at which each page begins, in page order. Otherwise pages are spread evenly over
// the text using TotalPages.
type Pagination struct {
	TotalPages int
	PageStarts []int
}

// Split cuts text into windows of at most Size characters, each starting Size-Overlap
// characters after the previous one. The last window may be shorter; splitting stops
// once a window reaches the end of the text. Output depends only on the inputs.
func (c *Chunker) Split(docID uuid.UUID, text string, pag Pagination) []types.DocumentChunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	step := c.size - c.overlap

	chunks := make([]types.DocumentChunk, 0, len(runes)/step+1)
	for start := 0; ; start += step {
		end := min(start+c.size, len(runes))
		n := len(chunks)
		overlap := 0
		if n > 0 {
			overlap = c.overlap
		}
		chunks = append(chunks, types.DocumentChunk{
			ID:          ChunkID(docID, n),
			DocumentID:  docID,
			Content:     string(runes[start:end]),
			PageNumber:  pageAt(start, len(runes), pag),
			ChunkNumber: n,
			Overlap:     overlap,
		})
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// ChunkID is stable for a document and chunk number, so re-indexing the same text
// rewrites the same rows.
func ChunkID(docID uuid.UUID, chunkNumber int) uuid.UUID {
	return uuid.NewSHA1(docID, []byte(strconv.Itoa(chunkNumber)))
}

// pageAt returns the 1-based page holding the character at offset.
func pageAt(offset, length int, pag Pagination) int {
	if len(pag.PageStarts) > 0 {
		i := sort.Search(len(pag.PageStarts), func(i int) bool { return pag.PageStarts[i] > offset })
		return max(i, 1)
	}
	if pag.TotalPages <= 1 || length == 0 {
		return 1
	}
	return min(offset*pag.TotalPages/length+1, pag.TotalPages)
}

// Reassemble rebuilds the source text from chunks in chunk-number order, dropping
// each chunk's overlap with its predecessor.
func Reassemble(chunks []types.DocumentChunk) string {
	ordered := make([]types.DocumentChunk, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ChunkNumber < ordered[j].ChunkNumber })

	var b strings.Builder
	for _, ch := range ordered {
		r := []rune(ch.Content)
		b.WriteString(string(r[min(ch.Overlap, len(r)):]))
	}
	return b.String()
}
