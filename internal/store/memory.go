package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anas-aljanaby/call-center-backend/internal/types"
	"github.com/anas-aljanaby/call-center-backend/internal/vector"
)

// MemoryStore keeps everything in maps behind one mutex. Search is a flat scan.
type MemoryStore struct {
	mu          sync.RWMutex
	calls       map[uuid.UUID]types.Call
	analytics   map[uuid.UUID]types.CallAnalytics // by call id
	transcripts map[uuid.UUID]types.Transcript
	docs        map[uuid.UUID]types.Document
	chunks      map[uuid.UUID][]types.DocumentChunk // by document id, ordered by chunk number
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:       make(map[uuid.UUID]types.Call),
		analytics:   make(map[uuid.UUID]types.CallAnalytics),
		transcripts: make(map[uuid.UUID]types.Transcript),
		docs:        make(map[uuid.UUID]types.Document),
		chunks:      make(map[uuid.UUID][]types.DocumentChunk),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateCall(ctx context.Context, call types.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[call.ID]; ok {
		return types.ErrConflict
	}
	s.calls[call.ID] = call
	return nil
}

func (s *MemoryStore) GetCall(ctx context.Context, id uuid.UUID) (types.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[id]
	if !ok {
		return types.Call{}, types.ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) ClaimCall(ctx context.Context, id uuid.UUID, maxAttempts int) (types.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return types.Call{}, types.ErrNotFound
	}
	if err := claimError(c, maxAttempts); err != nil {
		return types.Call{}, err
	}
	prior := c
	c.State = types.StateProcessing
	c.Attempts++
	c.UpdatedAt = time.Now().UTC()
	s.calls[id] = c
	return prior, nil
}

// claimError explains why a call cannot be claimed, or returns nil.
func claimError(c types.Call, maxAttempts int) error {
	switch {
	case c.Claimable(maxAttempts):
		return nil
	case c.State == types.StateProcessed:
		return types.ErrAlreadyProcessed
	case c.State == types.StateProcessing:
		return types.ErrConflict
	default:
		return types.ErrPermanentlyFailed
	}
}

func (s *MemoryStore) ReleaseCall(ctx context.Context, prior types.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[prior.ID]
	if !ok {
		return types.ErrNotFound
	}
	if c.State != types.StateProcessing {
		return types.ErrConflict
	}
	c.State = prior.State
	c.Attempts = prior.Attempts
	c.FailureReason = prior.FailureReason
	c.Retryable = prior.Retryable
	c.UpdatedAt = time.Now().UTC()
	s.calls[prior.ID] = c
	return nil
}

func (s *MemoryStore) CompleteCall(ctx context.Context, a types.CallAnalytics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[a.CallID]
	if !ok {
		return types.ErrNotFound
	}
	if _, exists := s.analytics[a.CallID]; exists {
		return types.ErrAlreadyProcessed
	}
	if c.State != types.StateProcessing {
		return types.ErrConflict
	}
	s.analytics[a.CallID] = a
	c.State = types.StateProcessed
	c.Processed = true
	c.FailureReason = ""
	c.Retryable = false
	c.UpdatedAt = time.Now().UTC()
	s.calls[a.CallID] = c
	delete(s.transcripts, a.CallID)
	return nil
}

func (s *MemoryStore) FailCall(ctx context.Context, id uuid.UUID, reason string, retryable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return types.ErrNotFound
	}
	if c.State != types.StateProcessing {
		return types.ErrConflict
	}
	c.State = types.StateFailed
	c.FailureReason = reason
	c.Retryable = retryable
	c.UpdatedAt = time.Now().UTC()
	s.calls[id] = c
	return nil
}

func (s *MemoryStore) RequeueCall(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return types.ErrNotFound
	}
	if c.State != types.StateFailed {
		return types.ErrConflict
	}
	c.State = types.StateUploaded
	c.Attempts = 0
	c.FailureReason = ""
	c.Retryable = false
	c.UpdatedAt = time.Now().UTC()
	s.calls[id] = c
	return nil
}

func (s *MemoryStore) ListProcessable(ctx context.Context, maxAttempts, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var calls []types.Call
	for _, c := range s.calls {
		if c.Claimable(maxAttempts) {
			calls = append(calls, c)
		}
	}
	sortCalls(calls)
	if limit > 0 && len(calls) > limit {
		calls = calls[:limit]
	}
	ids := make([]uuid.UUID, len(calls))
	for i, c := range calls {
		ids[i] = c.ID
	}
	return ids, nil
}

func (s *MemoryStore) ListFailed(ctx context.Context, maxAttempts int) ([]types.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Call
	for _, c := range s.calls {
		if c.PermanentlyFailed(maxAttempts) {
			out = append(out, c)
		}
	}
	sortCalls(out)
	return out, nil
}

func sortCalls(calls []types.Call) {
	sort.Slice(calls, func(i, j int) bool {
		if !calls[i].CreatedAt.Equal(calls[j].CreatedAt) {
			return calls[i].CreatedAt.Before(calls[j].CreatedAt)
		}
		return calls[i].ID.String() < calls[j].ID.String()
	})
}

func (s *MemoryStore) GetAnalytics(ctx context.Context, callID uuid.UUID) (types.CallAnalytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.analytics[callID]
	if !ok {
		return types.CallAnalytics{}, types.ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) SaveTranscript(ctx context.Context, callID uuid.UUID, tr types.Transcript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[callID]; !ok {
		return types.ErrNotFound
	}
	s.transcripts[callID] = tr
	return nil
}

func (s *MemoryStore) CachedTranscript(ctx context.Context, callID uuid.UUID) (types.Transcript, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.transcripts[callID]
	return tr, ok, nil
}

func (s *MemoryStore) UpsertDocument(ctx context.Context, doc types.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.docs[doc.ID]; ok {
		doc.CreatedAt = existing.CreatedAt
		doc.UseCount = existing.UseCount
	} else if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	s.docs[doc.ID] = doc
	return nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, id uuid.UUID) (types.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return types.Document{}, types.ErrNotFound
	}
	return d, nil
}

// ListDocuments returns documents in the given state, or all of them when state is empty.
func (s *MemoryStore) ListDocuments(ctx context.Context, state types.IndexState) ([]types.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Document
	for _, d := range s.docs {
		if state == "" || d.IndexState == state {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

func (s *MemoryStore) SetIndexState(ctx context.Context, id uuid.UUID, state types.IndexState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return types.ErrNotFound
	}
	d.IndexState = state
	d.IndexError = reason
	d.UpdatedAt = time.Now().UTC()
	s.docs[id] = d
	return nil
}

func (s *MemoryStore) IncrementUseCount(ctx context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if d, ok := s.docs[id]; ok {
			d.UseCount++
			s.docs[id] = d
		}
	}
	return nil
}

func (s *MemoryStore) ReplaceChunks(ctx context.Context, docID uuid.UUID, chunks []types.DocumentChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[docID]; !ok {
		return types.ErrNotFound
	}
	cp := make([]types.DocumentChunk, len(chunks))
	for i, c := range chunks {
		c.Embedding = cloneVec(c.Embedding)
		cp[i] = c
	}
	sort.Slice(cp, func(i, j int) bool { return cp[i].ChunkNumber < cp[j].ChunkNumber })
	s.chunks[docID] = cp
	return nil
}

func (s *MemoryStore) SaveEmbeddings(ctx context.Context, chunks []types.DocumentChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		stored := s.chunks[c.DocumentID]
		found := false
		for i := range stored {
			if stored[i].ID == c.ID {
				stored[i].Embedding = cloneVec(c.Embedding)
				found = true
				break
			}
		}
		if !found {
			return types.ErrNotFound
		}
	}
	return nil
}

func (s *MemoryStore) ListChunks(ctx context.Context, docID uuid.UUID) ([]types.DocumentChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.chunks[docID]
	out := make([]types.DocumentChunk, len(stored))
	for i, c := range stored {
		c.Embedding = cloneVec(c.Embedding)
		out[i] = c
	}
	return out, nil
}

func (s *MemoryStore) SearchChunks(ctx context.Context, query []float32, k int, f types.SearchFilter) ([]types.ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []types.ScoredChunk
	for docID, chunks := range s.chunks {
		doc, ok := s.docs[docID]
		if !ok || !matches(doc, f) {
			continue
		}
		for _, c := range chunks {
			if !c.Embedded() {
				continue
			}
			d, err := vector.CosineDistance(query, c.Embedding)
			if err != nil {
				return nil, err
			}
			c.Embedding = cloneVec(c.Embedding)
			hits = append(hits, types.ScoredChunk{Chunk: c, Distance: d, DocumentTitle: doc.Title})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Before(hits[j]) })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func matches(doc types.Document, f types.SearchFilter) bool {
	if f.Category != "" && doc.Category != f.Category {
		return false
	}
	if len(f.DocumentIDs) > 0 {
		found := false
		for _, id := range f.DocumentIDs {
			if id == doc.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, tag := range f.Tags {
		if strings.TrimSpace(tag) != "" && !doc.Tags.Contains(tag) {
			return false
		}
	}
	return true
}

func cloneVec(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
