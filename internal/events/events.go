// Package events carries call outcomes out of the pipeline and new-call
// notifications into it.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

const (
	TypeCallProcessed = "call.processed"
	TypeCallFailed    = "call.failed"
)

// Outcome is published once per finished processing attempt.
type Outcome struct {
	Type       string          `json:"type"`
	CallID     uuid.UUID       `json:"call_id"`
	State      types.CallState `json:"state"`
	Attempts   int             `json:"attempts"`
	Reason     string          `json:"reason,omitempty"`
	Retryable  bool            `json:"retryable"`
	CallType   types.CallType  `json:"call_type,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// ManualReview reports whether the failure needs an operator.
func (o Outcome) ManualReview() bool {
	return o.Type == TypeCallFailed && !o.Retryable
}

type Publisher interface {
	Publish(ctx context.Context, o Outcome) error
	Close() error
}

// Noop drops outcomes. Used when no brokers are configured.
type Noop struct{}

func (Noop) Publish(context.Context, Outcome) error { return nil }
func (Noop) Close() error { return nil }

// Recorder keeps published outcomes in memory.
type Recorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *Recorder) Publish(_ context.Context, o Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}
