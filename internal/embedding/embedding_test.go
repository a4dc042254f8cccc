package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anas-aljanaby/call-center-backend/internal/logger"
	"github.com/anas-aljanaby/call-center-backend/internal/types"
	"github.com/anas-aljanaby/call-center-backend/internal/vector"
)

// fakeEmbedder records every request and fails according to fail.
type fakeEmbedder struct {
	dims int
	fail func(texts []string, call int) error

	mu    sync.Mutex
	calls [][]string
}

func (f *fakeEmbedder) Dimensions() int { return f.dims }

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	n := len(f.calls)
	f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(texts, n); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dims)
		v[0] = float32(len(texts[i]))
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []string
	for _, c := range f.calls {
		all = append(all, c...)
	}
	return all
}

func testChunks(n int) []types.DocumentChunk {
	doc := uuid.New()
	out := make([]types.DocumentChunk, n)
	for i := range out {
		out[i] = types.DocumentChunk{ID: uuid.New(), DocumentID: doc, ChunkNumber: i, Content: fmt.Sprintf("chunk-%02d text", i)}
	}
	return out
}

func newIndexer(e Embedder, cfg IndexerConfig) *Indexer {
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 2 * time.Millisecond
	return NewIndexer(e, EstimateCounter{}, nil, cfg, logger.Discard())
}

type saver struct {
	mu      sync.Mutex
	batches [][]types.DocumentChunk
}

func (s *saver) save(_ context.Context, chunks []types.DocumentChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, chunks)
	return nil
}

func (s *saver) saved() map[int]bool {
	out := map[int]bool{}
	for _, b := range s.batches {
		for _, ch := range b {
			out[ch.ChunkNumber] = ch.Embedded()
		}
	}
	return out
}

func TestEmbedChunks_BatchesBySize(t *testing.T) {
	e := &fakeEmbedder{dims: 4}
	var s saver
	rep, err := newIndexer(e, IndexerConfig{BatchSize: 4, BatchTokens: 10000}).EmbedChunks(context.Background(), testChunks(10), s.save)
	require.NoError(t, err)

	assert.Equal(t, 10, rep.Embedded)
	assert.True(t, rep.Complete())
	assert.Equal(t, 3, rep.Batches)
	require.Len(t, s.batches, 3)
	assert.Len(t, s.batches[0], 4)
	assert.Len(t, s.batches[2], 2)
	for _, b := range s.batches {
		for _, ch := range b {
			assert.Len(t, ch.Embedding, 4)
		}
	}
}

func TestEmbedChunks_BatchesByTokens(t *testing.T) {
	e := &fakeEmbedder{dims: 2}
	chunks := testChunks(6) // 13 chars each, 4 estimated tokens
	ix := newIndexer(e, IndexerConfig{BatchSize: 100, BatchTokens: 8})

	batches := ix.batches(chunks)
	require.Len(t, batches, 3)
	for _, b := range batches {
		assert.Len(t, b, 2)
	}

	big := []types.DocumentChunk{{Content: strings.Repeat("x", 400)}, {Content: "small"}}
	assert.Len(t, ix.batches(big), 2, "oversized chunk goes alone")
}

func TestEmbedChunks_SkipsEmbedded(t *testing.T) {
	e := &fakeEmbedder{dims: 2}
	chunks := testChunks(5)
	chunks[1].Embedding = []float32{1, 1}
	chunks[3].Embedding = []float32{1, 1}

	var s saver
	rep, err := newIndexer(e, IndexerConfig{}).EmbedChunks(context.Background(), chunks, s.save)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Skipped)
	assert.Equal(t, 3, rep.Embedded)
	assert.ElementsMatch(t, []string{chunks[0].Content, chunks[2].Content, chunks[4].Content}, e.sent())
}

func TestEmbedChunks_RetriesTransient(t *testing.T) {
	e := &fakeEmbedder{dims: 2, fail: func(_ []string, call int) error {
		if call <= 2 {
			return types.Transient(types.StageEmbedding, &StatusError{Code: http.StatusTooManyRequests})
		}
		return nil
	}}
	var s saver
	rep, err := newIndexer(e, IndexerConfig{MaxRetries: 3}).EmbedChunks(context.Background(), testChunks(3), s.save)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Embedded)
	assert.Len(t, e.calls, 3)
}

func TestEmbedChunks_BisectsPermanentFailure(t *testing.T) {
	chunks := testChunks(8)
	chunks[5].Content = "BAD input"
	e := &fakeEmbedder{dims: 2, fail: func(texts []string, _ int) error {
		for _, txt := range texts {
			if strings.HasPrefix(txt, "BAD") {
				return types.Permanent(types.StageEmbedding, errors.New("invalid input"))
			}
		}
		return nil
	}}

	var s saver
	rep, err := newIndexer(e, IndexerConfig{BatchSize: 8}).EmbedChunks(context.Background(), chunks, s.save)
	require.NoError(t, err)
	assert.Equal(t, 7, rep.Embedded)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, 5, rep.Failed[0].ChunkNumber)
	assert.True(t, types.IsPermanent(rep.Failed[0].Err))
	assert.False(t, rep.Complete())

	saved := s.saved()
	assert.Len(t, saved, 7)
	assert.NotContains(t, saved, 5)

	// bisection resends a chunk at most once per level: 8, 4, 2, 1
	levels := bits.Len(uint(len(chunks)))
	counts := map[string]int{}
	for _, txt := range e.sent() {
		counts[txt]++
	}
	for i, ch := range chunks {
		if i != 5 {
			assert.LessOrEqual(t, counts[ch.Content], levels)
		}
	}
	assert.Equal(t, levels, counts[chunks[4].Content], "the bad chunk's sibling goes out at every level")
	assert.Equal(t, 2, counts[chunks[0].Content])
}

func TestEmbedChunks_TransientExhaustionFailsOnlyThatBatch(t *testing.T) {
	e := &fakeEmbedder{dims: 2, fail: func(texts []string, _ int) error {
		if texts[0] == "chunk-00 text" {
			return types.Transient(types.StageEmbedding, errors.New("timeout"))
		}
		return nil
	}}
	var s saver
	rep, err := newIndexer(e, IndexerConfig{BatchSize: 2, MaxRetries: 2}).EmbedChunks(context.Background(), testChunks(6), s.save)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Embedded)
	require.Len(t, rep.Failed, 2)
	assert.True(t, types.IsTransient(rep.Failed[0].Err))
}

func TestEmbedChunks_DimensionMismatch(t *testing.T) {
	e := &wrongDims{}
	var s saver
	rep, err := newIndexer(e, IndexerConfig{BatchSize: 1}).EmbedChunks(context.Background(), testChunks(2), s.save)
	require.NoError(t, err)
	require.Len(t, rep.Failed, 2)
	var ve types.ValidationError
	assert.ErrorAs(t, rep.Failed[0].Err, &ve)
	assert.Empty(t, s.batches)
}

type wrongDims struct{}

func (wrongDims) Dimensions() int { return 3 }

func (wrongDims) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 2}
	}
	return out, nil
}

func TestEmbedChunks_SaveErrorStops(t *testing.T) {
	e := &fakeEmbedder{dims: 2}
	_, err := newIndexer(e, IndexerConfig{BatchSize: 1}).EmbedChunks(context.Background(), testChunks(3),
		func(context.Context, []types.DocumentChunk) error { return errors.New("db down") })
	require.Error(t, err)
	assert.Len(t, e.calls, 1)
}

func TestEmbedChunks_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := &fakeEmbedder{dims: 2}
	var s saver
	_, err := newIndexer(e, IndexerConfig{}).EmbedChunks(ctx, testChunks(3), s.save)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.batches)
}

func TestClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var req embeddingRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		assert.Equal(t, "text-embedding-3-small", req.Model)

		// reply out of order; the client must place vectors by index
		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		var data []item
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, item{Index: i, Embedding: []float32{float32(i), 0, 0}})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{URL: srv.URL + "/v1/", APIKey: "key", Model: "text-embedding-3-small", Dimensions: 3}, logger.Discard())
	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		assert.Equal(t, float32(i), v[0])
	}
}

func TestClient_ErrorClassification(t *testing.T) {
	for _, tc := range []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		c := NewClient(ClientConfig{URL: srv.URL}, logger.Discard())
		_, err := c.EmbedBatch(context.Background(), []string{"x"})
		srv.Close()

		require.Error(t, err)
		assert.Equal(t, tc.transient, types.IsTransient(err), tc.status)
		assert.Equal(t, !tc.transient, types.IsPermanent(err), tc.status)
		assert.Equal(t, tc.status == http.StatusTooManyRequests, isRateLimited(err))
	}
}

func TestMock_SimilarTextsAreCloser(t *testing.T) {
	m := Mock{Dims: 64}
	vecs, err := m.EmbedBatch(context.Background(), []string{
		"refund for a double charge on the bill",
		"how do I get a refund for a double charge",
		"router keeps dropping the wifi connection",
	})
	require.NoError(t, err)
	near, err := vector.CosineDistance(vecs[0], vecs[1])
	require.NoError(t, err)
	far, err := vector.CosineDistance(vecs[0], vecs[2])
	require.NoError(t, err)
	assert.Less(t, near, far)
	assert.Equal(t, DefaultDimensions, Mock{}.Dimensions())
}

func TestEstimate(t *testing.T) {
	assert.Equal(t, 0, Estimate(""))
	assert.Equal(t, 1, Estimate("abc"))
	assert.Equal(t, 2, Estimate("abcde"))
	assert.Equal(t, 1, Estimate("☎☎☎☎"))
}

func TestIndexer_EmbedQuery(t *testing.T) {
	ix := newIndexer(Mock{Dims: 16}, IndexerConfig{})
	v, err := ix.Embed(context.Background(), "billing question")
	require.NoError(t, err)
	assert.Len(t, v, 16)

	_, err = newIndexer(wrongDims{}, IndexerConfig{}).Embed(context.Background(), "x")
	assert.True(t, types.IsPermanent(err))
}
