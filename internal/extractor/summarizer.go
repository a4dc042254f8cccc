package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

// NoContentSummary is stored for calls whose transcript carries no speech.
const NoContentSummary = "No spoken content was detected in this call."

// MaxHighlights caps the highlight events kept per call.
const MaxHighlights = 3

type Summary struct {
	Text       string
	Highlights []types.HighlightEvent
}

type Summarizer interface {
	// Summarize produces the summary and highlight events. duration is the call length
	// in seconds; highlights outside [0, duration] are dropped.
	Summarize(ctx context.Context, tr types.Transcript, duration float64) (Summary, error)
}

const summaryPrompt = `Please provide a concise, single-paragraph summary of this customer service conversation.
Include the main purpose of the call, key points discussed, and any resolutions reached.
Respond with a JSON object containing only a "summary" field with the paragraph.

Conversation:
`

const eventsPrompt = `Analyze this customer service conversation and identify key events that occurred.
Group events by actor (Agent/Customer) and keep descriptions concise.
Return at most 3 events.

The input data is structured as a list of segments, each with startTime, endTime, text and speaker.

Format your response as a JSON object with this structure:
{
    "events": [
        {"actor": "agent", "action": "approved refund of 50 AED", "timestamp": 45.23},
        {"actor": "customer", "action": "requested account closure", "timestamp": 120.45}
    ]
}

Guidelines:
1. Keep actions brief but informative
2. Use lowercase for actor values
3. Focus only on significant actions/decisions
4. Include the startTime of the segment where the event occurred as timestamp

Only return the JSON object, no additional text.
Conversation:
`

type LLMSummarizer struct {
	gw *Gateway
}

func NewLLMSummarizer(gw *Gateway) *LLMSummarizer {
	return &LLMSummarizer{gw: gw}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, tr types.Transcript, duration float64) (Summary, error) {
	if tr.Empty() {
		return Summary{Text: NoContentSummary, Highlights: []types.HighlightEvent{}}, nil
	}

	var summary struct {
		Summary string `json:"summary"`
	}
	if err := s.gw.CompleteJSON(ctx, types.StageSummary, analysisSystem, summaryPrompt+tr.Text(), &summary); err != nil {
		return Summary{}, err
	}
	if strings.TrimSpace(summary.Summary) == "" {
		return Summary{}, types.Transient(types.StageSummary, errors.New("empty summary returned"))
	}

	conversation, err := json.MarshalIndent(tr.Segments, "", "  ")
	if err != nil {
		return Summary{}, types.Permanent(types.StageSummary, err)
	}
	var events struct {
		Events []types.HighlightEvent `json:"events"`
	}
	if err := s.gw.CompleteJSON(ctx, types.StageSummary, analysisSystem, eventsPrompt+string(conversation), &events); err != nil {
		return Summary{}, err
	}

	return Summary{
		Text:       strings.TrimSpace(summary.Summary),
		Highlights: NormalizeHighlights(events.Events, callLength(tr, duration)),
	}, nil
}

// NormalizeHighlights lowercases actors, drops incomplete or out-of-range events,
// orders by timestamp and keeps at most MaxHighlights.
func NormalizeHighlights(events []types.HighlightEvent, duration float64) []types.HighlightEvent {
	out := make([]types.HighlightEvent, 0, len(events))
	for _, e := range events {
		e.Actor = strings.ToLower(strings.TrimSpace(e.Actor))
		e.Action = strings.TrimSpace(e.Action)
		if e.Actor == "" || e.Action == "" || e.Timestamp < 0 || e.Timestamp > duration {
			continue
		}
		out = append(out, e)
	}
	types.SortHighlights(out)
	if len(out) > MaxHighlights {
		out = out[:MaxHighlights]
	}
	return out
}

// callLength is the recorded duration, or the transcript end when none was recorded.
func callLength(tr types.Transcript, duration float64) float64 {
	if duration > 0 {
		return duration
	}
	return tr.End()
}

// highlightRules map phrases to the action recorded when they occur.
var highlightRules = []struct {
	phrases []string
	action  string
}{
	{[]string{"refund"}, "discussed a refund"},
	{[]string{"cancel"}, "raised cancellation"},
	{[]string{"supervisor", "manager", "escalate"}, "asked for escalation"},
	{[]string{"charged", "charge", "bill"}, "reported a billing problem"},
	{[]string{"reset", "restart", "reinstall"}, "walked through a fix"},
	{[]string{"resolved", "fixed", "issued"}, "resolved the issue"},
}

// HeuristicSummarizer builds a summary without an LLM. The first speaker is taken as
// the agent.
type HeuristicSummarizer struct{}

func (HeuristicSummarizer) Summarize(ctx context.Context, tr types.Transcript, duration float64) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	if tr.Empty() {
		return Summary{Text: NoContentSummary, Highlights: []types.HighlightEvent{}}, nil
	}

	agent := ""
	speakers := types.NewStringSet()
	var events []types.HighlightEvent
	for _, seg := range tr.Segments {
		if strings.TrimSpace(seg.Text) == "" {
			continue
		}
		if agent == "" {
			agent = seg.Speaker
		}
		speakers.Add(seg.Speaker)
		actor := "customer"
		if seg.Speaker == agent {
			actor = "agent"
		}
		lower := strings.ToLower(seg.Text)
		for _, rule := range highlightRules {
			if countAny(lower, rule.phrases) > 0 {
				events = append(events, types.HighlightEvent{Actor: actor, Action: rule.action, Timestamp: seg.StartTime})
				break
			}
		}
	}

	first := firstSentence(tr)
	text := fmt.Sprintf("Conversation of %d segments between %d speakers lasting %.0f seconds. Opening: %s",
		len(tr.Segments), max(speakers.Len(), 1), callLength(tr, duration), first)

	return Summary{Text: text, Highlights: NormalizeHighlights(events, callLength(tr, duration))}, nil
}

func firstSentence(tr types.Transcript) string {
	for _, seg := range tr.Segments {
		if t := strings.TrimSpace(seg.Text); t != "" {
			if i := strings.IndexAny(t, ".?!"); i >= 0 {
				return t[:i+1]
			}
			return t
		}
	}
	return ""
}
