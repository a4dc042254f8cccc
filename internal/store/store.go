// Package store persists calls, analytics, documents and chunk embeddings.
// MemoryStore backs tests and single-process runs; PostgresStore backs deployments.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

type CallStore interface {
	CreateCall(ctx context.Context, call types.Call) error
	GetCall(ctx context.Context, id uuid.UUID) (types.Call, error)

	// ClaimCall moves a claimable call into processing and increments its attempts.
	// It returns the call as it was before the claim so the claim can be released.
	// Errors: types.ErrNotFound, types.ErrAlreadyProcessed, types.ErrPermanentlyFailed,
	// types.ErrConflict (another worker holds it).
	ClaimCall(ctx context.Context, id uuid.UUID, maxAttempts int) (types.Call, error)

	// ReleaseCall restores a processing call to its pre-claim state.
	ReleaseCall(ctx context.Context, prior types.Call) error

	// CompleteCall inserts the analytics row and marks the call processed in one
	// transaction, guarded on the call still being in processing.
	CompleteCall(ctx context.Context, analytics types.CallAnalytics) error

	FailCall(ctx context.Context, id uuid.UUID, reason string, retryable bool) error
	RequeueCall(ctx context.Context, id uuid.UUID) error

	ListProcessable(ctx context.Context, maxAttempts, limit int) ([]uuid.UUID, error)
	ListFailed(ctx context.Context, maxAttempts int) ([]types.Call, error)

	GetAnalytics(ctx context.Context, callID uuid.UUID) (types.CallAnalytics, error)

	SaveTranscript(ctx context.Context, callID uuid.UUID, tr types.Transcript) error
	CachedTranscript(ctx context.Context, callID uuid.UUID) (types.Transcript, bool, error)
}

type DocumentStore interface {
	UpsertDocument(ctx context.Context, doc types.Document) error
	GetDocument(ctx context.Context, id uuid.UUID) (types.Document, error)
	ListDocuments(ctx context.Context, state types.IndexState) ([]types.Document, error)
	SetIndexState(ctx context.Context, id uuid.UUID, state types.IndexState, reason string) error
	IncrementUseCount(ctx context.Context, ids []uuid.UUID) error

	// ReplaceChunks drops the document's chunks and writes the new set.
	ReplaceChunks(ctx context.Context, docID uuid.UUID, chunks []types.DocumentChunk) error
	// SaveEmbeddings sets the embedding of existing chunk rows.
	SaveEmbeddings(ctx context.Context, chunks []types.DocumentChunk) error
	ListChunks(ctx context.Context, docID uuid.UUID) ([]types.DocumentChunk, error)
}

// ChunkSearcher returns embedded chunks nearest to query by cosine distance, ordered
// by distance, chunk number and document id, at most k of them.
type ChunkSearcher interface {
	SearchChunks(ctx context.Context, query []float32, k int, filter types.SearchFilter) ([]types.ScoredChunk, error)
}

type Store interface {
	CallStore
	DocumentStore
	ChunkSearcher
	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
