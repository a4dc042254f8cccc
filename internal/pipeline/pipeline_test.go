package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anas-aljanaby/call-center-backend/internal/extractor"
	"github.com/anas-aljanaby/call-center-backend/internal/logger"
	"github.com/anas-aljanaby/call-center-backend/internal/processor"
	"github.com/anas-aljanaby/call-center-backend/internal/storage"
	"github.com/anas-aljanaby/call-center-backend/internal/store"
	"github.com/anas-aljanaby/call-center-backend/internal/transcription"
	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

type blockingProcessor struct {
	mu      sync.Mutex
	seen    map[uuid.UUID]int
	release chan struct{}
}

func (b *blockingProcessor) Process(ctx context.Context, id uuid.UUID) (*processor.Result, error) {
	b.mu.Lock()
	b.seen[id]++
	b.mu.Unlock()
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &processor.Result{CallID: id}, nil
}

func TestEnqueue_DeduplicatesAndBounds(t *testing.T) {
	p := NewPool(&blockingProcessor{}, nil, Config{Workers: 1, QueueSize: 2}, logger.Discard())
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, p.Enqueue(a))
	require.NoError(t, p.Enqueue(a))
	require.NoError(t, p.Enqueue(b))
	assert.ErrorIs(t, p.Enqueue(c), ErrQueueFull)
	assert.Len(t, p.queue, 2)
}

func TestPool_ProcessesEnqueuedCallOnce(t *testing.T) {
	proc := &blockingProcessor{seen: map[uuid.UUID]int{}, release: make(chan struct{})}
	p := NewPool(proc, nil, Config{Workers: 2, QueueSize: 4}, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	id := uuid.New()
	require.NoError(t, p.Enqueue(id))
	require.Eventually(t, func() bool {
		proc.mu.Lock()
		defer proc.mu.Unlock()
		return proc.seen[id] == 1
	}, time.Second, 5*time.Millisecond)

	// still in flight, so a second trigger is absorbed
	require.NoError(t, p.Enqueue(id))
	assert.Len(t, p.queue, 0)

	close(proc.release)
	cancel()
	<-done

	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.Equal(t, 1, proc.seen[id])
}

func TestPool_PollsStoreAndProcesses(t *testing.T) {
	st := store.NewMemoryStore()
	resolver, err := storage.NewResolver("https://recordings.example.com")
	require.NoError(t, err)
	orch := processor.New(processor.Options{
		Store:       st,
		Resolver:    resolver,
		Transcriber: transcription.Mock{},
		Analyzer:    extractor.NewKeywordAnalyzer(0.5),
		Summarizer:  extractor.HeuristicSummarizer{},
		Config:      processor.Config{MaxAttempts: 3, MaxRetries: 1, InitialInterval: time.Millisecond},
	})

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		now := time.Now().UTC()
		c := types.NewCall(uuid.New(), uuid.New(), "calls/"+uuid.NewString()+".wav", now.Add(-time.Minute), now)
		require.NoError(t, st.CreateCall(context.Background(), c))
		ids = append(ids, c.ID)
	}

	p := NewPool(orch, st, Config{Workers: 3, QueueSize: 2, MaxAttempts: 3, PollInterval: 5 * time.Millisecond}, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool {
		for _, id := range ids {
			c, err := st.GetCall(context.Background(), id)
			if err != nil || c.State != types.StateProcessed {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	for _, id := range ids {
		_, err := st.GetAnalytics(context.Background(), id)
		assert.NoError(t, err)
	}
}
