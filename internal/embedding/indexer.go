package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/anas-aljanaby/call-center-backend/internal/logger"
	"github.com/anas-aljanaby/call-center-backend/internal/throttle"
	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

type IndexerConfig struct {
	// BatchSize and BatchTokens bound one request. A chunk larger than BatchTokens is
	// sent alone.
	BatchSize   int
	BatchTokens int
	// MaxRetries bounds transient retries of one batch.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Indexer embeds document chunks in bounded batches.
type Indexer struct {
	embedder Embedder
	counter  Counter
	limiter  *throttle.Limiter
	cfg      IndexerConfig
	log      *logger.Logger
}

func NewIndexer(embedder Embedder, counter Counter, limiter *throttle.Limiter, cfg IndexerConfig, log *logger.Logger) *Indexer {
	if counter == nil {
		counter = EstimateCounter{}
	}
	if limiter == nil {
		limiter = throttle.Unlimited()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.BatchTokens <= 0 {
		cfg.BatchTokens = 8000
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = backoff.DefaultInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	return &Indexer{
		embedder: embedder,
		counter:  counter,
		limiter:  limiter,
		cfg:      cfg,
		log:      log.Component("embedding-indexer"),
	}
}

// Embed embeds one query text.
func (ix *Indexer) Embed(ctx context.Context, text string) ([]float32, error) {
	var vecs [][]float32
	err := ix.retry(ctx, func(ctx context.Context) error {
		var err error
		vecs, err = ix.embedder.EmbedBatch(ctx, []string{text})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, types.Transient(types.StageEmbedding, fmt.Errorf("expected 1 embedding, got %d", len(vecs)))
	}
	if err := ix.checkDims(vecs[0]); err != nil {
		return nil, types.Permanent(types.StageEmbedding, err)
	}
	return vecs[0], nil
}

// FailedChunk records a chunk left without an embedding.
type FailedChunk struct {
	ChunkNumber int
	Err         error
}

type Report struct {
	Embedded int
	Skipped  int // already embedded, not sent
	Failed   []FailedChunk
	Batches  int
}

// Complete reports whether every chunk ended up with an embedding.
func (r Report) Complete() bool { return len(r.Failed) == 0 }

// SaveFunc persists a batch of freshly embedded chunks.
type SaveFunc func(ctx context.Context, chunks []types.DocumentChunk) error

// EmbedChunks embeds every chunk that has no embedding yet. Each successful batch is
// handed to save before the next one is sent, so progress survives later failures.
// A batch failing permanently is split in halves until the bad chunks are isolated;
// a batch still failing transiently after retries is recorded as failed. The returned
// error is non-nil only for cancellation or a save failure.
func (ix *Indexer) EmbedChunks(ctx context.Context, chunks []types.DocumentChunk, save SaveFunc) (Report, error) {
	var (
		rep     Report
		pending []types.DocumentChunk
	)
	for _, ch := range chunks {
		if ch.Embedded() {
			rep.Skipped++
			continue
		}
		pending = append(pending, ch)
	}

	for _, batch := range ix.batches(pending) {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := ix.embedBatch(ctx, batch, save, &rep); err != nil {
			return rep, err
		}
	}

	ix.log.WithFields(logrus.Fields{
		"embedded": rep.Embedded,
		"skipped":  rep.Skipped,
		"failed":   len(rep.Failed),
		"batches":  rep.Batches,
	}).Debug("chunks embedded")
	return rep, nil
}

// batches groups chunks in order under the size and token budgets.
func (ix *Indexer) batches(chunks []types.DocumentChunk) [][]types.DocumentChunk {
	var (
		out    [][]types.DocumentChunk
		cur    []types.DocumentChunk
		tokens int
	)
	for _, ch := range chunks {
		n := ix.counter.Count(ch.Content)
		if len(cur) > 0 && (len(cur) >= ix.cfg.BatchSize || tokens+n > ix.cfg.BatchTokens) {
			out = append(out, cur)
			cur, tokens = nil, 0
		}
		cur = append(cur, ch)
		tokens += n
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func (ix *Indexer) embedBatch(ctx context.Context, batch []types.DocumentChunk, save SaveFunc, rep *Report) error {
	texts := make([]string, len(batch))
	for i, ch := range batch {
		texts[i] = ch.Content
	}

	rep.Batches++
	var vecs [][]float32
	err := ix.retry(ctx, func(ctx context.Context) error {
		var err error
		vecs, err = ix.embedder.EmbedBatch(ctx, texts)
		if err == nil && len(vecs) != len(texts) {
			err = types.Transient(types.StageEmbedding, fmt.Errorf("sent %d texts, got %d embeddings", len(texts), len(vecs)))
		}
		return err
	})
	if err == nil {
		for _, v := range vecs {
			if derr := ix.checkDims(v); derr != nil {
				err = types.Permanent(types.StageEmbedding, derr)
				break
			}
		}
	}

	switch {
	case err == nil:
		embedded := make([]types.DocumentChunk, len(batch))
		for i, ch := range batch {
			ch.Embedding = vecs[i]
			embedded[i] = ch
		}
		if serr := save(ctx, embedded); serr != nil {
			return fmt.Errorf("save embeddings: %w", serr)
		}
		rep.Embedded += len(embedded)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case types.IsPermanent(err) && len(batch) > 1:
		mid := len(batch) / 2
		ix.log.WithError(err).WithField("size", len(batch)).Debug("splitting failed batch")
		if err := ix.embedBatch(ctx, batch[:mid], save, rep); err != nil {
			return err
		}
		return ix.embedBatch(ctx, batch[mid:], save, rep)
	default:
		for _, ch := range batch {
			rep.Failed = append(rep.Failed, FailedChunk{ChunkNumber: ch.ChunkNumber, Err: err})
		}
		ix.log.WithError(err).WithField("size", len(batch)).Warn("embedding batch failed")
		return nil
	}
}

func (ix *Indexer) checkDims(v []float32) error {
	want := ix.embedder.Dimensions()
	if want > 0 && len(v) != want {
		return types.NewValidationError(map[string]string{
			"embedding": fmt.Sprintf("got %d dimensions, want %d", len(v), want),
		})
	}
	return nil
}

// retry runs fn through the limiter and retries transient errors with backoff.
func (ix *Indexer) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ix.cfg.InitialInterval
	b.MaxInterval = ix.cfg.MaxInterval
	b.MaxElapsedTime = 0

	op := func() error {
		err := ix.limiter.Do(ctx, fn)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case types.IsTransient(err):
			if isRateLimited(err) {
				ix.limiter.Cooldown(b.InitialInterval)
			}
			return err
		}
		return backoff.Permanent(err)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(ix.cfg.MaxRetries, 0))), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !types.IsTransient(err) && !types.IsPermanent(err) {
			return types.Permanent(types.StageEmbedding, err)
		}
		return err
	}
	return nil
}

func isRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusTooManyRequests
}
