package types

import (
	"time"

	"github.com/google/uuid"
)

// CallState is the explicit processing state of a call.
type CallState string

const (
	StateUploaded   CallState = "uploaded"
	StateProcessing CallState = "processing"
	StateProcessed  CallState = "processed"
	StateFailed     CallState = "failed"
)

type ResolutionStatus string

const (
	ResolutionResolved ResolutionStatus = "resolved"
	ResolutionPending  ResolutionStatus = "pending"
)

type Call struct {
	ID               uuid.UUID        `json:"id"`
	OrganizationID   uuid.UUID        `json:"organization_id"`
	AgentID          uuid.UUID        `json:"agent_id"`
	RecordingURL     string           `json:"recording_url"`
	Duration         float64          `json:"duration"` // seconds
	StartedAt        time.Time        `json:"started_at"`
	EndedAt          time.Time        `json:"ended_at"`
	ResolutionStatus ResolutionStatus `json:"resolution_status"`
	Processed        bool             `json:"processed"`

	State         CallState `json:"state"`
	Attempts      int       `json:"attempts"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Retryable     bool      `json:"retryable"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Claimable reports whether a worker may move the call into processing.
// Failed calls are claimable only while retryable and under the attempt cap.
func (c Call) Claimable(maxAttempts int) bool {
	switch c.State {
	case StateUploaded:
		return true
	case StateFailed:
		return c.Retryable && c.Attempts < maxAttempts
	default:
		return false
	}
}

// PermanentlyFailed marks calls that need manual review.
func (c Call) PermanentlyFailed(maxAttempts int) bool {
	return c.State == StateFailed && (!c.Retryable || c.Attempts >= maxAttempts)
}

// NewCall builds a freshly uploaded call.
func NewCall(orgID, agentID uuid.UUID, recordingURL string, startedAt, endedAt time.Time) Call {
	now := time.Now().UTC()
	duration := 0.0
	if !startedAt.IsZero() && endedAt.After(startedAt) {
		duration = endedAt.Sub(startedAt).Seconds()
	}
	return Call{
		ID:               uuid.New(),
		OrganizationID:   orgID,
		AgentID:          agentID,
		RecordingURL:     recordingURL,
		Duration:         duration,
		StartedAt:        startedAt,
		EndedAt:          endedAt,
		ResolutionStatus: ResolutionPending,
		State:            StateUploaded,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
