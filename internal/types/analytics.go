package types

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

type CallType string

const (
	CallTypeBilling   CallType = "billing"
	CallTypeTechnical CallType = "technical"
	CallTypeAccount   CallType = "account"
	CallTypeOther     CallType = "other"
)

// ParseCallType maps free text onto one of the four call types, defaulting to other.
func ParseCallType(s string) CallType {
	switch CallType(strings.ToLower(strings.TrimSpace(s))) {
	case CallTypeBilling:
		return CallTypeBilling
	case CallTypeTechnical:
		return CallTypeTechnical
	case CallTypeAccount:
		return CallTypeAccount
	default:
		return CallTypeOther
	}
}

// Sentiment score bounds for CallAnalytics.SentimentScore.
const (
	MinSentiment = -1.0
	MaxSentiment = 1.0
)

// Segment is one timestamped span of transcript text. Times are seconds from call start.
type Segment struct {
	StartTime float64 `json:"startTime" validate:"gte=0"`
	EndTime   float64 `json:"endTime" validate:"gte=0,gtefield=StartTime"`
	Text      string  `json:"text" validate:"required"`
	Speaker   string  `json:"speaker,omitempty"`
	Channel   *int    `json:"channel,omitempty"`
	Sentiment string  `json:"sentiment,omitempty"`
}

type Transcript struct {
	Segments []Segment `json:"segments" validate:"dive"`
}

// Empty reports whether the transcript carries no spoken text.
func (t Transcript) Empty() bool {
	for _, s := range t.Segments {
		if strings.TrimSpace(s.Text) != "" {
			return false
		}
	}
	return true
}

// End returns the end offset of the last segment.
func (t Transcript) End() float64 {
	end := 0.0
	for _, s := range t.Segments {
		if s.EndTime > end {
			end = s.EndTime
		}
	}
	return end
}

// Text renders the transcript as "[speaker]: text" lines.
func (t Transcript) Text() string {
	var b strings.Builder
	for _, s := range t.Segments {
		speaker := s.Speaker
		if speaker == "" {
			speaker = "Unknown"
		}
		fmt.Fprintf(&b, "[%s]: %s\n", speaker, strings.TrimSpace(s.Text))
	}
	return b.String()
}

// CheckOrder verifies start offsets are non-decreasing and every end is >= its start.
func (t Transcript) CheckOrder() error {
	prev := 0.0
	for i, s := range t.Segments {
		if s.EndTime < s.StartTime {
			return NewValidationError(map[string]string{
				fmt.Sprintf("segments[%d]", i): "end time before start time",
			})
		}
		if i > 0 && s.StartTime < prev {
			return NewValidationError(map[string]string{
				fmt.Sprintf("segments[%d]", i): "start time decreases",
			})
		}
		prev = s.StartTime
	}
	return nil
}

type HighlightEvent struct {
	Actor     string  `json:"actor" validate:"required"`
	Action    string  `json:"action" validate:"required"`
	Timestamp float64 `json:"timestamp" validate:"gte=0"`
}

// SortHighlights orders events by timestamp, keeping the input order for equal times.
func SortHighlights(events []HighlightEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})
}

type CallAnalytics struct {
	ID             uuid.UUID        `json:"id"`
	CallID         uuid.UUID        `json:"call_id" validate:"required"`
	SentimentScore float64          `json:"sentiment_score" validate:"gte=-1,lte=1"`
	Transcription  Transcript       `json:"transcription"`
	Highlights     []HighlightEvent `json:"transcript_highlights" validate:"dive"`
	Topics         StringSet        `json:"topics"`
	Flags          StringSet        `json:"flags"`
	CallType       CallType         `json:"call_type" validate:"oneof=billing technical account other"`
	Summary        string           `json:"summary" validate:"required"`
	Note           string           `json:"note,omitempty"`
}

// Validate checks field constraints and ordering before the row is persisted.
func (a *CallAnalytics) Validate() error {
	if err := ValidateStruct(a); err != nil {
		return err
	}
	if err := a.Transcription.CheckOrder(); err != nil {
		return err
	}
	for i := 1; i < len(a.Highlights); i++ {
		if a.Highlights[i].Timestamp < a.Highlights[i-1].Timestamp {
			return NewValidationError(map[string]string{
				fmt.Sprintf("transcript_highlights[%d]", i): "timestamps out of order",
			})
		}
	}
	return nil
}

// CheckHighlightsWithin rejects highlights that fall outside a call of the given
// length in seconds. A zero length means the duration was never recorded.
func (a *CallAnalytics) CheckHighlightsWithin(duration float64) error {
	if duration <= 0 {
		return nil
	}
	for i, h := range a.Highlights {
		if h.Timestamp < 0 || h.Timestamp > duration {
			return NewValidationError(map[string]string{
				fmt.Sprintf("transcript_highlights[%d]", i): fmt.Sprintf("timestamp %.1f outside call of %.1fs", h.Timestamp, duration),
			})
		}
	}
	return nil
}
