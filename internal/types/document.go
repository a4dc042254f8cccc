package types

import (
	"bytes"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Category string

const (
	CategoryTechnical Category = "technical"
	CategoryPolicies  Category = "policies"
	CategoryBilling   Category = "billing"
	CategoryProduct   Category = "product"
)

func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CategoryTechnical, CategoryPolicies, CategoryBilling, CategoryProduct:
		return c, true
	}
	return "", false
}

// IndexState tracks a document through chunking and embedding.
type IndexState string

const (
	IndexPending  IndexState = "pending"
	IndexIndexing IndexState = "indexing"
	IndexIndexed  IndexState = "indexed"
	IndexPartial  IndexState = "partial" // some chunks still lack embeddings
	IndexFailed   IndexState = "failed"
)

type Document struct {
	ID            uuid.UUID  `json:"id"`
	Title         string     `json:"title" validate:"required"`
	FileType      string     `json:"file_type"`
	TotalPages    int        `json:"total_pages" validate:"gte=0"`
	FileSize      int64      `json:"file_size" validate:"gte=0"`
	SourceURL     string     `json:"source_url"`
	Category      Category   `json:"category" validate:"oneof=technical policies billing product"`
	UseCount      int        `json:"use_count"`
	HelpfulRating float64    `json:"helpful_rating"`
	Tags          StringSet  `json:"tags"`
	Summary       string     `json:"summary,omitempty"`
	IndexState    IndexState `json:"index_state"`
	IndexError    string     `json:"index_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type DocumentChunk struct {
	ID          uuid.UUID `json:"id"`
	DocumentID  uuid.UUID `json:"document_id"`
	Content     string    `json:"content"`
	Embedding   []float32 `json:"embedding,omitempty"`
	PageNumber  int       `json:"page_number"`
	ChunkNumber int       `json:"chunk_number"`
	// Overlap is the number of leading runes repeated from the previous chunk.
	Overlap int `json:"overlap"`
}

func (c DocumentChunk) Embedded() bool { return len(c.Embedding) > 0 }

// SearchFilter narrows retrieval. Empty fields do not filter.
type SearchFilter struct {
	Category    Category    `json:"category,omitempty"`
	DocumentIDs []uuid.UUID `json:"document_ids,omitempty"`
	// Tags must all be present on the document.
	Tags []string `json:"tags,omitempty"`
}

// ScoredChunk is a chunk paired with its distance to a query vector.
type ScoredChunk struct {
	Chunk         DocumentChunk `json:"chunk"`
	Distance      float64       `json:"distance"`
	DocumentTitle string        `json:"document_title"`
}

// Before orders hits by distance, then chunk number, then document id.
func (s ScoredChunk) Before(o ScoredChunk) bool {
	if s.Distance != o.Distance {
		return s.Distance < o.Distance
	}
	if s.Chunk.ChunkNumber != o.Chunk.ChunkNumber {
		return s.Chunk.ChunkNumber < o.Chunk.ChunkNumber
	}
	return bytes.Compare(s.Chunk.DocumentID[:], o.Chunk.DocumentID[:]) < 0
}
