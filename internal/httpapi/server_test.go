package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anas-aljanaby/call-center-backend/internal/chunker"
	"github.com/anas-aljanaby/call-center-backend/internal/embedding"
	"github.com/anas-aljanaby/call-center-backend/internal/extractor"
	"github.com/anas-aljanaby/call-center-backend/internal/indexer"
	"github.com/anas-aljanaby/call-center-backend/internal/logger"
	"github.com/anas-aljanaby/call-center-backend/internal/pipeline"
	"github.com/anas-aljanaby/call-center-backend/internal/processor"
	"github.com/anas-aljanaby/call-center-backend/internal/retrieval"
	"github.com/anas-aljanaby/call-center-backend/internal/store"
	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

type fakeQueue struct {
	mu   sync.Mutex
	ids  []uuid.UUID
	full bool
}

func (q *fakeQueue) Enqueue(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return pipeline.ErrQueueFull
	}
	q.ids = append(q.ids, id)
	return nil
}

func (q *fakeQueue) setFull(full bool) {
	q.mu.Lock()
	q.full = full
	q.mu.Unlock()
}

func (q *fakeQueue) queued() []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]uuid.UUID(nil), q.ids...)
}

type fixture struct {
	st      *store.MemoryStore
	queue   *fakeQueue
	indexer *indexer.Service
	srv     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	emb := embedding.Mock{Dims: 64}
	ix := embedding.NewIndexer(emb, nil, nil, embedding.IndexerConfig{}, logger.Discard())
	svc := indexer.NewService(st, chunker.New(chunker.WithSize(120), chunker.WithOverlap(10)), ix, indexer.Config{}, logger.Discard())
	q := &fakeQueue{}
	engine := retrieval.NewEngine(st, st, ix, emb.Dimensions(), logger.Discard())

	s := New(Deps{
		Calls:       st,
		Documents:   st,
		Queue:       q,
		Requeuer:    processor.New(processor.Options{Store: st}),
		Indexer:     svc,
		Searcher:    engine,
		Answerer:    retrieval.NewAnswerer(engine, nil, logger.Discard()),
		Reviewer:    extractor.KeywordReviewer{},
		MaxAttempts: 3,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{st: st, queue: q, indexer: svc, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var raw json.RawMessage
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
		_ = json.Unmarshal(raw, &out)
	}
	return resp, out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateCall_StoresAndEnqueues(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	resp, body := f.do(t, http.MethodPost, "/calls", map[string]any{
		"organization_id": uuid.NewString(),
		"agent_id":        uuid.NewString(),
		"recording_url":   "calls/a.wav",
		"started_at":      start,
		"ended_at":        start.Add(90 * time.Second),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 90.0, body["duration"])
	assert.Equal(t, string(types.StateUploaded), body["state"])

	id := uuid.MustParse(body["id"].(string))
	_, err := f.st.GetCall(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id}, f.queue.queued())
}

func TestCreateCall_Invalid(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/calls", map[string]any{"agent_id": uuid.NewString()})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	errs := body["errors"].(map[string]any)
	assert.Contains(t, errs, "organization_id")
	assert.Contains(t, errs, "recording_url")

	resp, _ = f.do(t, http.MethodPost, "/calls", "not an object")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateCall_ResolutionStatus(t *testing.T) {
	f := newFixture(t)
	call := map[string]any{
		"organization_id":   uuid.NewString(),
		"recording_url":     "calls/e.wav",
		"resolution_status": "escalated",
	}
	resp, body := f.do(t, http.MethodPost, "/calls", call)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body["errors"].(map[string]any), "resolution_status")
	assert.Empty(t, f.queue.queued())

	call["resolution_status"] = "resolved"
	resp, body = f.do(t, http.MethodPost, "/calls", call)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "resolved", body["resolution_status"])
}

func TestGetCall(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/calls/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/calls/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	call := types.NewCall(uuid.New(), uuid.New(), "calls/b.wav", time.Time{}, time.Time{})
	require.NoError(t, f.st.CreateCall(context.Background(), call))
	resp, body := f.do(t, http.MethodGet, "/calls/"+call.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, body, "analytics")
}

func TestProcessCall(t *testing.T) {
	f := newFixture(t)
	call := types.NewCall(uuid.New(), uuid.New(), "calls/c.wav", time.Time{}, time.Time{})
	require.NoError(t, f.st.CreateCall(context.Background(), call))

	resp, _ := f.do(t, http.MethodPost, "/calls/"+call.ID.String()+"/process", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []uuid.UUID{call.ID}, f.queue.queued())

	f.queue.setFull(true)
	resp, _ = f.do(t, http.MethodPost, "/calls/"+call.ID.String()+"/process", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/calls/"+uuid.NewString()+"/process", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListFailedAndRequeue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := types.NewCall(uuid.New(), uuid.New(), "calls/d.wav", time.Time{}, time.Time{})
	require.NoError(t, f.st.CreateCall(ctx, call))
	_, err := f.st.ClaimCall(ctx, call.ID, 3)
	require.NoError(t, err)
	require.NoError(t, f.st.FailCall(ctx, call.ID, "corrupt audio", false))

	resp, err := http.Get(f.srv.URL + "/calls/failed")
	require.NoError(t, err)
	var failed []types.Call
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&failed))
	resp.Body.Close()
	require.Len(t, failed, 1)
	assert.Equal(t, "corrupt audio", failed[0].FailureReason)

	resp2, _ := f.do(t, http.MethodPost, "/calls/"+call.ID.String()+"/requeue", nil)
	require.Equal(t, http.StatusAccepted, resp2.StatusCode)
	got, err := f.st.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateUploaded, got.State)
	assert.Contains(t, f.queue.queued(), call.ID)
}

func TestCreateDocument_QueuesJob(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.indexer.Run(ctx)

	resp, body := f.do(t, http.MethodPost, "/documents", map[string]any{
		"title":    "Router setup",
		"category": "technical",
		"tags":     []string{"router", "wifi"},
		"text":     "Hold the reset button for ten seconds.\fThen reconnect to the wifi network.",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := uuid.MustParse(body["document_id"].(string))

	require.Eventually(t, func() bool {
		d, err := f.st.GetDocument(context.Background(), id)
		return err == nil && d.IndexState == types.IndexIndexed
	}, 2*time.Second, 5*time.Millisecond)

	resp, body = f.do(t, http.MethodGet, "/documents/"+id.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2.0, body["total_pages"])

	resp, _ = f.do(t, http.MethodPost, "/documents", map[string]any{"title": "x", "category": "recipes", "text": "y"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.indexer.Index(ctx, types.Document{Title: "Refunds", Category: types.CategoryBilling},
		"Refunds for damaged items are issued within thirty days of purchase.", chunker.Pagination{})
	require.NoError(t, err)
	_, err = f.indexer.Index(ctx, types.Document{Title: "Router", Category: types.CategoryTechnical},
		"Restart the router by holding the reset button.", chunker.Pagination{})
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/search", map[string]any{"query": "damaged items refunds", "k": 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := body["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, "Refunds", results[0].(map[string]any)["document_title"])

	resp, body = f.do(t, http.MethodPost, "/search", map[string]any{"query": "damaged items refunds", "category": "technical"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, r := range body["results"].([]any) {
		assert.Equal(t, "Router", r.(map[string]any)["document_title"])
	}

	resp, _ = f.do(t, http.MethodPost, "/search", map[string]any{"query": "  "})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/search", map[string]any{"embedding": []float32{1, 0}, "k": 3})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, "dimension mismatch")
}

func TestAnswer(t *testing.T) {
	f := newFixture(t)
	_, err := f.indexer.Index(context.Background(), types.Document{Title: "Refunds", Category: types.CategoryBilling},
		"Refunds for damaged items are issued within thirty days of purchase.", chunker.Pagination{})
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/search/answer", map[string]any{"question": "when are refunds for damaged items issued?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["answer"], "thirty days")
	sources := body["sources"].([]any)
	require.Len(t, sources, 1)
	assert.Equal(t, "Refunds", sources[0].(map[string]any)["document_title"])

	resp, _ = f.do(t, http.MethodPost, "/search/answer", map[string]any{"question": ""})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestReviewCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := types.NewCall(uuid.New(), uuid.New(), "calls/f.wav", time.Time{}, time.Time{})
	require.NoError(t, f.st.CreateCall(ctx, call))

	resp, _ := f.do(t, http.MethodPost, "/calls/"+call.ID.String()+"/checklist", map[string]any{"checklist": []string{"greet"}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no transcript before processing")

	_, err := f.st.ClaimCall(ctx, call.ID, 3)
	require.NoError(t, err)
	require.NoError(t, f.st.CompleteCall(ctx, types.CallAnalytics{
		ID:     uuid.New(),
		CallID: call.ID,
		Transcription: types.Transcript{Segments: []types.Segment{
			{StartTime: 0, EndTime: 3, Text: "Thank you for calling support.", Speaker: "Speaker 1"},
			{StartTime: 3, EndTime: 8, Text: "I need a refund for my order.", Speaker: "Speaker 2"},
		}},
		Highlights: []types.HighlightEvent{},
		Topics:     types.NewStringSet("billing"),
		CallType:   types.CallTypeBilling,
		Summary:    "Customer asked for a refund.",
	}))

	resp, body := f.do(t, http.MethodPost, "/calls/"+call.ID.String()+"/checklist", map[string]any{
		"checklist": []string{"thank calling", "verify identity"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["matches"], 1)
	assert.Equal(t, []any{"verify identity"}, body["missing"])

	resp, body = f.do(t, http.MethodPost, "/calls/"+call.ID.String()+"/labels", map[string]any{
		"labels": []map[string]string{{"name": "refund", "description": "asks for money back"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	labels := body["labels"].([]any)
	require.Len(t, labels, 1)
	assert.Equal(t, 1.0, labels[0].(map[string]any)["index"])

	resp, _ = f.do(t, http.MethodPost, "/calls/"+call.ID.String()+"/labels", map[string]any{"labels": []any{}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}
