// Package pipeline feeds calls to the orchestrator from a bounded queue served by a
// fixed set of workers.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anas-aljanaby/call-center-backend/internal/logger"
	"github.com/anas-aljanaby/call-center-backend/internal/processor"
)

// ErrQueueFull is returned by Enqueue when the queue has no room; the poller picks
// the call up later.
var ErrQueueFull = errors.New("processing queue full")

// Processor is the orchestrator as seen by the pool.
type Processor interface {
	Process(ctx context.Context, callID uuid.UUID) (*processor.Result, error)
}

// Source lists calls that are waiting for a worker.
type Source interface {
	ListProcessable(ctx context.Context, maxAttempts, limit int) ([]uuid.UUID, error)
}

type Config struct {
	Workers      int
	QueueSize    int
	MaxAttempts  int
	PollInterval time.Duration // zero disables polling
}

type Pool struct {
	proc   Processor
	source Source
	cfg    Config
	log    *logger.Logger

	queue chan uuid.UUID

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

func NewPool(proc Processor, source Source, cfg Config, log *logger.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers
	}
	return &Pool{
		proc:     proc,
		source:   source,
		cfg:      cfg,
		log:      log.Component("pipeline"),
		queue:    make(chan uuid.UUID, cfg.QueueSize),
		inFlight: make(map[uuid.UUID]struct{}),
	}
}

// Enqueue schedules a call unless it is already queued or running. It never blocks.
func (p *Pool) Enqueue(id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[id]; ok {
		return nil
	}
	select {
	case p.queue <- id:
		p.inFlight[id] = struct{}{}
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the workers and the poller and blocks until ctx is done and every
// worker has returned. Calls in progress see the cancellation and release their claim.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.work(ctx, worker)
		}(i)
	}

	if p.source != nil && p.cfg.PollInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.poll(ctx)
		}()
	}

	p.log.WithField("workers", p.cfg.Workers).Info("pipeline started")
	wg.Wait()
	p.log.Info("pipeline stopped")
}

func (p *Pool) work(ctx context.Context, worker int) {
	log := p.log.WithField("worker", worker)
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.queue:
			res, err := p.proc.Process(ctx, id)
			p.done(id)
			switch {
			case err != nil && ctx.Err() != nil:
				log.WithField("call_id", id.String()).Info("call interrupted by shutdown")
			case err != nil:
				log.WithField("call_id", id.String()).WithField("error", err.Error()).Warn("call failed")
			case res != nil && res.Skipped:
				log.WithField("call_id", id.String()).WithField("reason", res.SkipReason).Debug("call skipped")
			}
		}
	}
}

func (p *Pool) done(id uuid.UUID) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

func (p *Pool) poll(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.fill(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.fill(ctx)
		}
	}
}

// fill tops the queue up with processable calls.
func (p *Pool) fill(ctx context.Context) {
	room := cap(p.queue) - len(p.queue)
	if room <= 0 {
		return
	}
	ids, err := p.source.ListProcessable(ctx, p.cfg.MaxAttempts, room)
	if err != nil {
		if ctx.Err() == nil {
			p.log.WithError(err).Warn("listing processable calls failed")
		}
		return
	}
	for _, id := range ids {
		if err := p.Enqueue(id); errors.Is(err, ErrQueueFull) {
			return
		}
	}
}
