package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

func sampleText(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz "
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(alphabet[i%len(alphabet)])
	}
	return b.String()
}

func TestSplit_TenThousandCharacters(t *testing.T) {
	doc := uuid.New()
	chunks := New(WithSize(1000), WithOverlap(100)).Split(doc, sampleText(10000), Pagination{})

	require.Len(t, chunks, 11)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.ChunkNumber)
		assert.Equal(t, doc, ch.DocumentID)
		assert.LessOrEqual(t, utf8.RuneCountInString(ch.Content), 1000)
	}
	assert.Equal(t, 1000, utf8.RuneCountInString(chunks[10].Content))
	assert.Equal(t, 0, chunks[0].Overlap)
	assert.Equal(t, 100, chunks[1].Overlap)
}

func TestSplit_ShortLastChunk(t *testing.T) {
	chunks := New(WithSize(1000), WithOverlap(100)).Split(uuid.New(), sampleText(2500), Pagination{})
	require.Len(t, chunks, 3)
	assert.Equal(t, 700, utf8.RuneCountInString(chunks[2].Content))
}

func TestSplit_Deterministic(t *testing.T) {
	doc := uuid.New()
	c := New(WithSize(300), WithOverlap(40))
	text := sampleText(4321)
	assert.Equal(t, c.Split(doc, text, Pagination{TotalPages: 3}), c.Split(doc, text, Pagination{TotalPages: 3}))
}

func TestSplit_ReassembleRoundTrip(t *testing.T) {
	for _, text := range []string{
		sampleText(1),
		sampleText(999),
		sampleText(1000),
		sampleText(1001),
		sampleText(7777),
		strings.Repeat("héllo wörld ☎ ", 300),
	} {
		chunks := New(WithSize(250), WithOverlap(30)).Split(uuid.New(), text, Pagination{})
		for i, ch := range chunks {
			assert.Equal(t, i, ch.ChunkNumber)
		}
		assert.Equal(t, text, Reassemble(chunks))
	}
}

func TestSplit_MultibyteSizesInCharacters(t *testing.T) {
	text := strings.Repeat("☎", 25)
	chunks := New(WithSize(10), WithOverlap(2)).Split(uuid.New(), text, Pagination{})
	require.Len(t, chunks, 3)
	for _, ch := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(ch.Content), 10)
	}
}

func TestSplit_Empty(t *testing.T) {
	assert.Empty(t, New().Split(uuid.New(), "", Pagination{}))
}

func TestNew_ClampsOverlap(t *testing.T) {
	c := New(WithSize(100), WithOverlap(100))
	assert.Equal(t, 25, c.Overlap())
	c = New(WithSize(-1), WithOverlap(-5))
	assert.Equal(t, DefaultSize, c.Size())
	assert.Equal(t, DefaultOverlap, c.Overlap())
}

func TestSplit_PageNumbers(t *testing.T) {
	c := New(WithSize(100), WithOverlap(0))
	text := sampleText(1000)

	chunks := c.Split(uuid.New(), text, Pagination{TotalPages: 5})
	require.Len(t, chunks, 10)
	pages := make([]int, len(chunks))
	for i, ch := range chunks {
		pages[i] = ch.PageNumber
	}
	assert.Equal(t, []int{1, 1, 2, 2, 3, 3, 4, 4, 5, 5}, pages)

	chunks = c.Split(uuid.New(), text, Pagination{PageStarts: []int{0, 150, 700}})
	for i, ch := range chunks {
		pages[i] = ch.PageNumber
	}
	assert.Equal(t, []int{1, 1, 2, 2, 2, 2, 2, 3, 3, 3}, pages)

	chunks = c.Split(uuid.New(), text, Pagination{})
	assert.Equal(t, 1, chunks[9].PageNumber)
}

func TestChunkID_Stable(t *testing.T) {
	doc := uuid.New()
	assert.Equal(t, ChunkID(doc, 3), ChunkID(doc, 3))
	assert.NotEqual(t, ChunkID(doc, 3), ChunkID(doc, 4))
	assert.NotEqual(t, ChunkID(doc, 3), ChunkID(uuid.New(), 3))
}

func TestReassemble_OrdersByChunkNumber(t *testing.T) {
	chunks := New(WithSize(50), WithOverlap(10)).Split(uuid.New(), sampleText(400), Pagination{})
	half := len(chunks) / 2
	shuffled := append(append([]types.DocumentChunk{}, chunks[half:]...), chunks[:half]...)
	assert.Equal(t, sampleText(400), Reassemble(shuffled))
}
