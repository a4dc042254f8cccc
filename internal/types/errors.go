package types

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means another worker won the claim on a call.
	ErrConflict = errors.New("concurrency conflict")

	// ErrAlreadyProcessed is returned when claiming a call that already has analytics.
	ErrAlreadyProcessed = errors.New("call already processed")

	// ErrPermanentlyFailed is returned when claiming a call that exhausted its attempts
	// or failed on bad input. Such calls wait for manual review.
	ErrPermanentlyFailed = errors.New("call permanently failed")
)

// Stage names an external step of the pipelines.
type Stage string

const (
	StageTranscription Stage = "transcription"
	StageAnalysis      Stage = "analysis"
	StageSummary       Stage = "summary"
	StageEmbedding     Stage = "embedding"
	StageStorage       Stage = "storage"
	StageIndexing      Stage = "indexing"
	StageReview        Stage = "review"
	StageAnswer        Stage = "answer"
)

type ErrorKind int

const (
	// KindTransient covers network faults, timeouts and rate limits.
	KindTransient ErrorKind = iota
	// KindPermanent covers corrupt, unsupported or empty input.
	KindPermanent
)

func (k ErrorKind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// StageError is the typed error adapters return. TranscriptionError, AnalysisError and
// EmbeddingError are StageErrors with the matching Stage.
type StageError struct {
	Stage Stage
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func Transient(stage Stage, err error) error {
	return &StageError{Stage: stage, Kind: KindTransient, Err: err}
}

func Permanent(stage Stage, err error) error {
	return &StageError{Stage: stage, Kind: KindPermanent, Err: err}
}

// IsTransient reports whether err is worth retrying. Unclassified network errors and
// deadline overruns count as transient; cancellation never does.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind == KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsPermanent reports input faults and validation failures.
func IsPermanent(err error) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind == KindPermanent
	}
	var ve ValidationError
	return errors.As(err, &ve)
}

// ValidationError carries per-field messages for derived data that failed its schema.
type ValidationError struct {
	Errors map[string]string `json:"errors"`
}

func NewValidationError(errs map[string]string) ValidationError {
	return ValidationError{Errors: errs}
}

func (e ValidationError) Error() string {
	keys := make([]string, 0, len(e.Errors))
	for k := range e.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Errors[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
