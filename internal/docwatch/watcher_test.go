package docwatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anas-aljanaby/call-center-backend/internal/indexer"
	"github.com/anas-aljanaby/call-center-backend/internal/logger"
	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

type recorder struct {
	mu   sync.Mutex
	jobs []indexer.Job
}

func (r *recorder) Submit(ctx context.Context, job indexer.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recorder) titles() map[string]types.Category {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]types.Category, len(r.jobs))
	for _, j := range r.jobs {
		out[j.Document.Title] = j.Document.Category
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func TestWatcher_IndexesExistingAndNewFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "billing"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "setup_guide.txt"), []byte("Plug in the router."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "billing", "late_fees.md"), []byte("Late fees apply."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.bin"), []byte{0x00, 0x01}, 0o644))

	rec := &recorder{}
	w := New(Config{Dir: dir, Category: types.CategoryTechnical, Settle: 20 * time.Millisecond}, rec, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	titles := rec.titles()
	assert.Equal(t, types.CategoryTechnical, titles["setup guide"])
	assert.Equal(t, types.CategoryBilling, titles["late fees"])

	require.NoError(t, os.WriteFile(filepath.Join(dir, "billing", "refunds.txt"), []byte("Refunds within 30 days."), 0o644))
	require.Eventually(t, func() bool { return rec.count() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.CategoryBilling, rec.titles()["refunds"])

	cancel()
	require.NoError(t, <-done)
}

func TestWatcher_MissingDirFails(t *testing.T) {
	w := New(Config{Dir: filepath.Join(t.TempDir(), "nope")}, &recorder{}, logger.Discard())
	assert.Error(t, w.Run(context.Background()))
}

func TestFlush_WaitsForFileToSettle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "faq.txt")
	require.NoError(t, os.WriteFile(path, []byte("Questions."), 0o644))

	rec := &recorder{}
	w := New(Config{Dir: dir, Category: types.CategoryProduct, Settle: time.Second}, rec, logger.Discard())
	now := time.Now()
	w.mark(path, now)

	w.flush(context.Background(), now.Add(100*time.Millisecond))
	assert.Zero(t, rec.count())

	w.flush(context.Background(), now.Add(time.Second))
	assert.Equal(t, 1, rec.count())

	// once submitted the file is no longer pending
	w.flush(context.Background(), now.Add(5*time.Second))
	assert.Equal(t, 1, rec.count())
}
