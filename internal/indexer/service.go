// Package indexer turns extracted document text into searchable chunks. It runs as
// its own job stream so slow or failing documents never hold up call processing.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/anas-aljanaby/call-center-backend/internal/chunker"
	"github.com/anas-aljanaby/call-center-backend/internal/embedding"
	"github.com/anas-aljanaby/call-center-backend/internal/logger"
	"github.com/anas-aljanaby/call-center-backend/internal/store"
	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

// ErrEmptyText is wrapped in the permanent error returned for documents without text.
var ErrEmptyText = errors.New("document has no text")

// ChunkEmbedder embeds the chunks that still lack a vector.
type ChunkEmbedder interface {
	EmbedChunks(ctx context.Context, chunks []types.DocumentChunk, save embedding.SaveFunc) (embedding.Report, error)
}

// Job is one document waiting to be indexed.
type Job struct {
	Document   types.Document
	Text       string
	Pagination chunker.Pagination
}

type Config struct {
	Workers   int
	QueueSize int
	// RetryInterval re-embeds partial documents periodically. Zero disables it.
	RetryInterval time.Duration
}

// Result summarises one indexing run.
type Result struct {
	DocumentID uuid.UUID        `json:"document_id"`
	State      types.IndexState `json:"state"`
	Chunks     int              `json:"chunks"`
	Embedded   int              `json:"embedded"`
	Failed     int              `json:"failed"`
	Reason     string           `json:"reason,omitempty"`
}

type Service struct {
	store    store.DocumentStore
	chunker  *chunker.Chunker
	embedder ChunkEmbedder
	cfg      Config
	log      *logger.Logger

	jobs chan Job
}

func NewService(st store.DocumentStore, ch *chunker.Chunker, emb ChunkEmbedder, cfg Config, log *logger.Logger) *Service {
	if ch == nil {
		ch = chunker.New()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	return &Service{
		store:    st,
		chunker:  ch,
		embedder: emb,
		cfg:      cfg,
		log:      log.Component("indexer"),
		jobs:     make(chan Job, cfg.QueueSize),
	}
}

// Submit queues a job, waiting for room until ctx is done.
func (s *Service) Submit(ctx context.Context, job Job) error {
	select {
	case s.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run serves queued jobs until ctx is done. A failed job is logged and the worker
// moves on to the next one.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			log := s.log.WithField("worker", worker)
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-s.jobs:
					res, err := s.Index(ctx, job.Document, job.Text, job.Pagination)
					if err != nil {
						log.WithError(err).WithField("title", job.Document.Title).Warn("indexing failed")
						continue
					}
					log.WithFields(logrus.Fields{
						"document_id": res.DocumentID.String(),
						"state":       res.State,
						"chunks":      res.Chunks,
					}).Info("document indexed")
				}
			}
		}(i)
	}

	if s.cfg.RetryInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(s.cfg.RetryInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := s.RetryPartial(ctx); err != nil && ctx.Err() == nil {
						s.log.WithError(err).Warn("retrying partial documents failed")
					}
				}
			}
		}()
	}

	wg.Wait()
}

// Index stores doc, replaces its chunks with a fresh split of text and embeds them.
// Each embedded batch is persisted as it completes, so a document that ends up
// partial is still searchable through the chunks that made it.
func (s *Service) Index(ctx context.Context, doc types.Document, text string, pag chunker.Pagination) (Result, error) {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.TotalPages == 0 {
		doc.TotalPages = max(pag.TotalPages, len(pag.PageStarts))
	}
	if doc.FileSize == 0 {
		doc.FileSize = int64(len(text))
	}
	if err := types.ValidateStruct(doc); err != nil {
		return Result{DocumentID: doc.ID, State: types.IndexFailed}, err
	}

	log := s.log.WithDocument(doc.ID)
	if strings.TrimSpace(text) == "" {
		doc.IndexState = types.IndexFailed
		doc.IndexError = ErrEmptyText.Error()
		if err := s.store.UpsertDocument(ctx, doc); err != nil {
			return Result{}, types.Transient(types.StageStorage, err)
		}
		log.Warn("document has no text")
		return Result{DocumentID: doc.ID, State: types.IndexFailed, Reason: doc.IndexError},
			types.Permanent(types.StageIndexing, ErrEmptyText)
	}

	doc.IndexState = types.IndexIndexing
	doc.IndexError = ""
	if err := s.store.UpsertDocument(ctx, doc); err != nil {
		return Result{}, types.Transient(types.StageStorage, fmt.Errorf("upsert document: %w", err))
	}

	chunks := s.chunker.Split(doc.ID, text, pag)
	if err := s.store.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		s.finish(ctx, doc.ID, types.IndexFailed, err.Error())
		return Result{DocumentID: doc.ID, State: types.IndexFailed}, types.Transient(types.StageStorage, fmt.Errorf("replace chunks: %w", err))
	}
	log.WithField("chunks", len(chunks)).Debug("chunks stored")

	return s.embed(ctx, doc.ID, chunks)
}

// Reembed embeds only the chunks of a stored document that still lack a vector.
func (s *Service) Reembed(ctx context.Context, docID uuid.UUID) (Result, error) {
	if _, err := s.store.GetDocument(ctx, docID); err != nil {
		return Result{}, err
	}
	chunks, err := s.store.ListChunks(ctx, docID)
	if err != nil {
		return Result{}, types.Transient(types.StageStorage, fmt.Errorf("list chunks: %w", err))
	}
	if len(chunks) == 0 {
		return Result{DocumentID: docID, State: types.IndexFailed}, types.Permanent(types.StageIndexing, fmt.Errorf("document %s has no chunks", docID))
	}
	if err := s.store.SetIndexState(ctx, docID, types.IndexIndexing, ""); err != nil {
		return Result{}, types.Transient(types.StageStorage, err)
	}
	return s.embed(ctx, docID, chunks)
}

// RetryPartial re-embeds every document left partial, including those a transient
// embedding outage left with no vectors at all. Failures of one document do not stop
// the others.
func (s *Service) RetryPartial(ctx context.Context) error {
	docs, err := s.store.ListDocuments(ctx, types.IndexPartial)
	if err != nil {
		return err
	}
	var errs []error
	for _, d := range docs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := s.Reembed(ctx, d.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("document %s: %w", d.ID, err))
			continue
		}
		s.log.WithDocument(d.ID).WithField("state", res.State).Info("partial document re-embedded")
	}
	return errors.Join(errs...)
}

func (s *Service) embed(ctx context.Context, docID uuid.UUID, chunks []types.DocumentChunk) (Result, error) {
	res := Result{DocumentID: docID, Chunks: len(chunks)}
	rep, err := s.embedder.EmbedChunks(ctx, chunks, s.store.SaveEmbeddings)
	res.Embedded = rep.Embedded + rep.Skipped
	res.Failed = res.Chunks - res.Embedded

	// partial stays retryable; failed is only for chunks the service rejects outright
	switch {
	case err != nil:
		res.State = types.IndexPartial
		res.Reason = err.Error()
	case rep.Complete():
		res.State = types.IndexIndexed
	default:
		res.State = types.IndexPartial
		if res.Embedded == 0 && allPermanent(rep.Failed) {
			res.State = types.IndexFailed
		}
		res.Reason = fmt.Sprintf("%d of %d chunks not embedded: %v", len(rep.Failed), res.Chunks, rep.Failed[0].Err)
	}

	s.finish(ctx, docID, res.State, res.Reason)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, types.Transient(types.StageStorage, err)
	}
	return res, nil
}

func allPermanent(failed []embedding.FailedChunk) bool {
	for _, f := range failed {
		if !types.IsPermanent(f.Err) {
			return false
		}
	}
	return true
}

// finish records the final state even when ctx was cancelled mid-run.
func (s *Service) finish(ctx context.Context, docID uuid.UUID, state types.IndexState, reason string) {
	if err := s.store.SetIndexState(context.WithoutCancel(ctx), docID, state, reason); err != nil {
		s.log.WithDocument(docID).WithError(err).Error("recording index state failed")
	}
}
