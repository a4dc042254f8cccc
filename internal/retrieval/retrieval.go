// Package retrieval answers nearest-chunk queries over embedded documents.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/anas-aljanaby/call-center-backend/internal/logger"
	"github.com/anas-aljanaby/call-center-backend/internal/store"
	"github.com/anas-aljanaby/call-center-backend/internal/types"
	"github.com/anas-aljanaby/call-center-backend/internal/vector"
)

// Metric is the distance every backend ranks by.
const Metric = vector.Metric

// MaxK caps how many hits one query may ask for.
const MaxK = 100

// Hit is a chunk with its distance to the query. Smaller distances are closer.
type Hit = types.ScoredChunk

// QueryEmbedder embeds free-text queries.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// UsageRecorder counts how often documents are served.
type UsageRecorder interface {
	IncrementUseCount(ctx context.Context, ids []uuid.UUID) error
}

type Engine struct {
	searcher store.ChunkSearcher
	usage    UsageRecorder
	embedder QueryEmbedder
	dims     int
	log      *logger.Logger
}

// NewEngine builds an engine. usage and embedder may be nil; without an embedder
// only vector queries are served.
func NewEngine(searcher store.ChunkSearcher, usage UsageRecorder, embedder QueryEmbedder, dims int, log *logger.Logger) *Engine {
	return &Engine{
		searcher: searcher,
		usage:    usage,
		embedder: embedder,
		dims:     dims,
		log:      log.Component("retrieval"),
	}
}

// Search returns up to k embedded chunks nearest to query, ordered by distance, then
// chunk number, then document id.
func (e *Engine) Search(ctx context.Context, query []float32, k int, f types.SearchFilter) ([]Hit, error) {
	if err := e.validate(query, k); err != nil {
		return nil, err
	}

	hits, err := e.searcher.SearchChunks(ctx, query, k, f)
	if err != nil {
		if errors.Is(err, vector.ErrDimensionMismatch) {
			return nil, types.NewValidationError(map[string]string{"embedding": err.Error()})
		}
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	out := hits[:0]
	for _, h := range hits {
		if h.Chunk.Embedded() {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	if len(out) > k {
		out = out[:k]
	}

	e.recordUsage(ctx, out)
	return out, nil
}

// SearchText embeds text and searches with the result.
func (e *Engine) SearchText(ctx context.Context, text string, k int, f types.SearchFilter) ([]Hit, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, types.NewValidationError(map[string]string{"query": "must not be empty"})
	}
	if e.embedder == nil {
		return nil, types.Permanent(types.StageEmbedding, errors.New("text queries need an embedding service"))
	}
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return e.Search(ctx, vec, k, f)
}

func (e *Engine) validate(query []float32, k int) error {
	errs := map[string]string{}
	if k < 1 || k > MaxK {
		errs["k"] = fmt.Sprintf("must be between 1 and %d", MaxK)
	}
	switch {
	case len(query) == 0:
		errs["embedding"] = "must not be empty"
	case e.dims > 0 && len(query) != e.dims:
		errs["embedding"] = fmt.Sprintf("got %d dimensions, want %d", len(query), e.dims)
	}
	if len(errs) > 0 {
		return types.NewValidationError(errs)
	}
	return nil
}

// recordUsage bumps use_count once per returned document. Failures only get logged.
func (e *Engine) recordUsage(ctx context.Context, hits []Hit) {
	if e.usage == nil || len(hits) == 0 {
		return
	}
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, h := range hits {
		if id := h.Chunk.DocumentID; !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if err := e.usage.IncrementUseCount(ctx, ids); err != nil {
		e.log.WithError(err).Warn("recording document usage failed")
	}
}
