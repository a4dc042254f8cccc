// Package processor runs one call through transcription, analysis and summary and
// persists the result under the call state machine.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/anas-aljanaby/call-center-backend/internal/events"
	"github.com/anas-aljanaby/call-center-backend/internal/extractor"
	"github.com/anas-aljanaby/call-center-backend/internal/logger"
	"github.com/anas-aljanaby/call-center-backend/internal/store"
	"github.com/anas-aljanaby/call-center-backend/internal/throttle"
	"github.com/anas-aljanaby/call-center-backend/internal/transcription"
	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

// Resolver turns a stored recording location into a fetchable URL.
type Resolver interface {
	Resolve(location string) (string, error)
}

// Prober checks that a recording holds audio before it is sent for transcription.
type Prober interface {
	Probe(ctx context.Context, audioURL string) (string, error)
}

type Config struct {
	// MaxAttempts bounds how many times a call is claimed before it needs manual review.
	MaxAttempts int
	// MaxRetries bounds transient retries of a single stage within one attempt.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Options struct {
	Store       store.CallStore
	Resolver    Resolver
	Prober      Prober // nil skips the content check
	Transcriber transcription.Transcriber
	Analyzer    extractor.Analyzer
	Summarizer  extractor.Summarizer
	Publisher   events.Publisher
	Limiter     *throttle.Limiter
	Config      Config
	Logger      *logger.Logger
}

type Orchestrator struct {
	store       store.CallStore
	resolver    Resolver
	prober      Prober
	transcriber transcription.Transcriber
	analyzer    extractor.Analyzer
	summarizer  extractor.Summarizer
	publisher   events.Publisher
	limiter     *throttle.Limiter
	cfg         Config
	log         *logger.Logger
}

func New(opts Options) *Orchestrator {
	if opts.Publisher == nil {
		opts.Publisher = events.Noop{}
	}
	if opts.Limiter == nil {
		opts.Limiter = throttle.Unlimited()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Config.MaxAttempts <= 0 {
		opts.Config.MaxAttempts = 3
	}
	if opts.Config.InitialInterval <= 0 {
		opts.Config.InitialInterval = backoff.DefaultInitialInterval
	}
	if opts.Config.MaxInterval <= 0 {
		opts.Config.MaxInterval = 30 * time.Second
	}
	return &Orchestrator{
		store:       opts.Store,
		resolver:    opts.Resolver,
		prober:      opts.Prober,
		transcriber: opts.Transcriber,
		analyzer:    opts.Analyzer,
		summarizer:  opts.Summarizer,
		publisher:   opts.Publisher,
		limiter:     opts.Limiter,
		cfg:         opts.Config,
		log:         opts.Logger.Component("processor"),
	}
}

// Result describes one Process invocation.
type Result struct {
	CallID uuid.UUID       `json:"call_id"`
	State  types.CallState `json:"state"`
	// Attempt is the call's attempt number after the claim; zero when skipped.
	Attempt int `json:"attempt"`
	// Skipped is set when the call could not be claimed; SkipReason says why.
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skip_reason,omitempty"`
	// StageAttempts counts calls made to each external stage in this attempt.
	StageAttempts    map[types.Stage]int `json:"stage_attempts"`
	TranscriptCached bool                `json:"transcript_cached"`
	Retryable        bool                `json:"retryable"`
	Cancelled        bool                `json:"cancelled"`
	FailureReason    string              `json:"failure_reason,omitempty"`
	Duration         time.Duration       `json:"duration"`

	mu sync.Mutex
}

func (r *Result) addAttempt(stage types.Stage) {
	r.mu.Lock()
	r.StageAttempts[stage]++
	r.mu.Unlock()
}

// Process claims the call and runs it to processed or failed. Calls that are already
// processed, held by another worker or permanently failed are skipped without error.
// On cancellation the claim is released and nothing is persisted.
func (o *Orchestrator) Process(ctx context.Context, callID uuid.UUID) (*Result, error) {
	start := time.Now()
	res := &Result{CallID: callID, StageAttempts: make(map[types.Stage]int)}
	log := o.log.WithCall(callID)

	prior, err := o.store.ClaimCall(ctx, callID, o.cfg.MaxAttempts)
	switch {
	case errors.Is(err, types.ErrAlreadyProcessed), errors.Is(err, types.ErrConflict), errors.Is(err, types.ErrPermanentlyFailed):
		res.Skipped = true
		res.SkipReason = err.Error()
		log.WithField("reason", res.SkipReason).Debug("call skipped")
		return res, nil
	case err != nil:
		return res, fmt.Errorf("claim call %s: %w", callID, err)
	}
	res.Attempt = prior.Attempts + 1
	res.State = types.StateProcessing
	log = log.WithField("attempt", res.Attempt)
	log.Info("processing call")

	tr, fresh, err := o.transcript(ctx, prior, res)
	var analytics types.CallAnalytics
	if err == nil {
		analytics, err = o.analyze(ctx, prior, tr, res)
	}
	if err == nil {
		err = o.complete(ctx, analytics)
		if errors.Is(err, types.ErrConflict) || errors.Is(err, types.ErrAlreadyProcessed) {
			// someone else finished or reset the call; our claim is gone
			res.Skipped = true
			res.SkipReason = err.Error()
			return res, nil
		}
	}
	res.Duration = time.Since(start)

	if err == nil {
		res.State = types.StateProcessed
		log.WithFields(logrus.Fields{
			"call_type":   analytics.CallType,
			"duration_ms": res.Duration.Milliseconds(),
		}).Info("call processed")
		o.publish(ctx, events.Outcome{
			Type:     events.TypeCallProcessed,
			CallID:   callID,
			State:    types.StateProcessed,
			Attempts: res.Attempt,
			CallType: analytics.CallType,
		})
		return res, nil
	}

	if ctx.Err() != nil {
		return res, o.release(ctx, prior, res)
	}

	if fresh {
		if cerr := o.store.SaveTranscript(ctx, callID, tr); cerr != nil {
			log.WithError(cerr).Warn("caching transcript failed")
		} else {
			res.TranscriptCached = true
		}
	}

	res.State = types.StateFailed
	res.Retryable = types.IsTransient(err) && res.Attempt < o.cfg.MaxAttempts
	res.FailureReason = err.Error()
	if ferr := o.store.FailCall(ctx, callID, res.FailureReason, res.Retryable); ferr != nil {
		return res, errors.Join(err, fmt.Errorf("mark call failed: %w", ferr))
	}

	entry := log.WithError(err).WithField("retryable", res.Retryable)
	if res.Retryable {
		entry.Warn("call failed, will retry")
	} else {
		entry.Error("call permanently failed, needs manual review")
	}
	o.publish(ctx, events.Outcome{
		Type:      events.TypeCallFailed,
		CallID:    callID,
		State:     types.StateFailed,
		Attempts:  res.Attempt,
		Reason:    res.FailureReason,
		Retryable: res.Retryable,
	})
	return res, err
}

// transcript returns the cached transcript when an earlier attempt left one, otherwise
// resolves, probes and transcribes the recording. fresh reports a newly fetched transcript.
func (o *Orchestrator) transcript(ctx context.Context, call types.Call, res *Result) (types.Transcript, bool, error) {
	cached, ok, err := o.store.CachedTranscript(ctx, call.ID)
	if err != nil {
		return types.Transcript{}, false, types.Transient(types.StageStorage, err)
	}
	if ok {
		res.TranscriptCached = true
		o.log.WithCall(call.ID).Debug("reusing cached transcript")
		return cached, false, nil
	}

	audioURL, err := o.resolver.Resolve(call.RecordingURL)
	if err != nil {
		return types.Transcript{}, false, err
	}

	if o.prober != nil {
		err := o.stage(ctx, types.StageTranscription, res, func(ctx context.Context) error {
			_, err := o.prober.Probe(ctx, audioURL)
			return err
		})
		if err != nil {
			return types.Transcript{}, false, err
		}
	}

	var segments []types.Segment
	err = o.stage(ctx, types.StageTranscription, res, func(ctx context.Context) error {
		var err error
		segments, err = o.transcriber.Transcribe(ctx, audioURL)
		return err
	})
	if err != nil {
		return types.Transcript{}, false, err
	}

	tr := types.Transcript{Segments: segments}
	if err := tr.CheckOrder(); err != nil {
		return types.Transcript{}, false, err
	}
	return tr, true, nil
}

// analyze runs the analyzer and summarizer side by side and joins them into the
// analytics row.
func (o *Orchestrator) analyze(ctx context.Context, call types.Call, tr types.Transcript, res *Result) (types.CallAnalytics, error) {
	if err := ctx.Err(); err != nil {
		return types.CallAnalytics{}, err
	}

	var (
		analysis extractor.Analysis
		summary  extractor.Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.stage(gctx, types.StageAnalysis, res, func(ctx context.Context) error {
			var err error
			analysis, err = o.analyzer.Analyze(ctx, tr)
			return err
		})
	})
	g.Go(func() error {
		return o.stage(gctx, types.StageSummary, res, func(ctx context.Context) error {
			var err error
			summary, err = o.summarizer.Summarize(ctx, tr, call.Duration)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		return types.CallAnalytics{}, err
	}

	analytics := types.CallAnalytics{
		ID:             uuid.New(),
		CallID:         call.ID,
		SentimentScore: analysis.SentimentScore,
		Transcription:  annotate(tr, analysis.SegmentSentiments),
		Highlights:     summary.Highlights,
		Topics:         analysis.Topics,
		Flags:          analysis.Flags,
		CallType:       analysis.CallType,
		Summary:        summary.Text,
	}
	if analytics.Highlights == nil {
		analytics.Highlights = []types.HighlightEvent{}
	}
	if err := analytics.Validate(); err != nil {
		return types.CallAnalytics{}, err
	}
	if err := analytics.CheckHighlightsWithin(call.Duration); err != nil {
		return types.CallAnalytics{}, err
	}
	return analytics, nil
}

// annotate copies per-segment sentiment onto segments that did not carry one.
func annotate(tr types.Transcript, sentiments map[int]string) types.Transcript {
	out := types.Transcript{Segments: make([]types.Segment, len(tr.Segments))}
	copy(out.Segments, tr.Segments)
	for i, s := range sentiments {
		if i >= 0 && i < len(out.Segments) && out.Segments[i].Sentiment == "" {
			out.Segments[i].Sentiment = s
		}
	}
	return out
}

func (o *Orchestrator) complete(ctx context.Context, analytics types.CallAnalytics) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := o.store.CompleteCall(ctx, analytics)
	switch {
	case err == nil, errors.Is(err, types.ErrConflict), errors.Is(err, types.ErrAlreadyProcessed):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return types.Transient(types.StageStorage, err)
	}
}

// stage calls fn through the shared limiter, retrying transient errors with
// exponential backoff up to MaxRetries times.
func (o *Orchestrator) stage(ctx context.Context, stage types.Stage, res *Result, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.InitialInterval
	b.MaxInterval = o.cfg.MaxInterval
	b.MaxElapsedTime = 0

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		res.addAttempt(stage)
		err := o.limiter.Do(ctx, fn)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case !types.IsTransient(err):
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		o.log.WithField("stage", stage).WithError(err).WithField("wait", wait.String()).Warn("retrying stage")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(o.cfg.MaxRetries, 0))), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !types.IsTransient(err) && !types.IsPermanent(err) {
			// unclassified adapter errors are not worth another attempt
			return types.Permanent(stage, err)
		}
		return err
	}
	return nil
}

// release hands the claim back after cancellation. The store write must outlive ctx.
func (o *Orchestrator) release(ctx context.Context, prior types.Call, res *Result) error {
	res.Cancelled = true
	res.State = prior.State
	cause := ctx.Err()
	if err := o.store.ReleaseCall(context.WithoutCancel(ctx), prior); err != nil {
		return errors.Join(cause, fmt.Errorf("release call %s: %w", prior.ID, err))
	}
	o.log.WithCall(prior.ID).Info("processing cancelled, claim released")
	return cause
}

func (o *Orchestrator) publish(ctx context.Context, outcome events.Outcome) {
	outcome.OccurredAt = time.Now().UTC()
	if err := o.publisher.Publish(context.WithoutCancel(ctx), outcome); err != nil {
		o.log.WithCall(outcome.CallID).WithError(err).Warn("publishing outcome failed")
	}
}

// Requeue resets a failed call for another round of attempts. Used for manual review.
func (o *Orchestrator) Requeue(ctx context.Context, callID uuid.UUID) error {
	if err := o.store.RequeueCall(ctx, callID); err != nil {
		return fmt.Errorf("requeue call %s: %w", callID, err)
	}
	o.log.WithCall(callID).Info("call requeued")
	return nil
}
