package extractor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

// Label is a tag a reviewer can attach to transcript segments.
type Label struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// SegmentLabel assigns a label to the segment at Index (0-based).
type SegmentLabel struct {
	Index int    `json:"index"`
	Label string `json:"label"`
}

// ChecklistMatch records that the segment at Index fulfils a checklist item.
type ChecklistMatch struct {
	Index int    `json:"index"`
	Item  string `json:"item"`
}

type ChecklistResult struct {
	Matches []ChecklistMatch `json:"matches"`
	// Missing lists the items no segment fulfilled, in checklist order.
	Missing []string `json:"missing"`
}

// Reviewer labels segments and checks a transcript against an agent checklist.
type Reviewer interface {
	LabelSegments(ctx context.Context, tr types.Transcript, labels []Label) ([]SegmentLabel, error)
	MatchChecklist(ctx context.Context, tr types.Transcript, items []string) (ChecklistResult, error)
}

const reviewSystem = "You are a conversation analysis assistant."

const labelPrompt = `Label the segments of this customer service conversation.

Possible labels and their descriptions:
%s

Segments:
%s

Be very conservative. Only label a segment when it clearly matches a label's criteria.
Return ONLY a JSON object like {"labels": [{"segment": 1, "label": "label_name"}]}.
Leave out segments that match no label.`

const checklistPrompt = `Given these conversation segments:
%s

And this checklist:
%s

For each segment number, determine if it fulfills any of the checklist items.
Only match segments that clearly fulfill the checklist item.
Return ONLY a JSON object like {"matches": [{"segment": 1, "checklist_item": "Greet customer"}]}.
Only include segments that match a checklist item.`

type LLMReviewer struct {
	gw *Gateway
}

func NewLLMReviewer(gw *Gateway) *LLMReviewer {
	return &LLMReviewer{gw: gw}
}

func (r *LLMReviewer) LabelSegments(ctx context.Context, tr types.Transcript, labels []Label) ([]SegmentLabel, error) {
	names, err := labelNames(labels)
	if err != nil {
		return nil, err
	}
	if tr.Empty() {
		return []SegmentLabel{}, nil
	}

	var defs strings.Builder
	for _, l := range labels {
		fmt.Fprintf(&defs, "- %s: %s\n", l.Name, l.Description)
	}
	var out struct {
		Labels []struct {
			Segment int     `json:"segment"`
			Label   *string `json:"label"`
		} `json:"labels"`
	}
	prompt := fmt.Sprintf(labelPrompt, strings.TrimRight(defs.String(), "\n"), numberSegments(tr, true))
	if err := r.gw.CompleteJSON(ctx, types.StageReview, reviewSystem, prompt, &out); err != nil {
		return nil, err
	}

	seen := map[int]bool{}
	res := []SegmentLabel{}
	for _, l := range out.Labels {
		i := l.Segment - 1
		if l.Label == nil || i < 0 || i >= len(tr.Segments) || seen[i] {
			continue
		}
		name, ok := names[strings.ToLower(strings.TrimSpace(*l.Label))]
		if !ok {
			continue
		}
		seen[i] = true
		res = append(res, SegmentLabel{Index: i, Label: name})
	}
	sort.Slice(res, func(a, b int) bool { return res[a].Index < res[b].Index })
	return res, nil
}

func (r *LLMReviewer) MatchChecklist(ctx context.Context, tr types.Transcript, items []string) (ChecklistResult, error) {
	canon, err := checklistItems(items)
	if err != nil {
		return ChecklistResult{}, err
	}
	if tr.Empty() {
		return checklistResult(nil, items), nil
	}

	var list strings.Builder
	for _, item := range items {
		fmt.Fprintf(&list, "- %s\n", item)
	}
	var out struct {
		Matches []struct {
			Segment int    `json:"segment"`
			Item    string `json:"checklist_item"`
		} `json:"matches"`
	}
	prompt := fmt.Sprintf(checklistPrompt, numberSegments(tr, false), strings.TrimRight(list.String(), "\n"))
	if err := r.gw.CompleteJSON(ctx, types.StageReview, reviewSystem, prompt, &out); err != nil {
		return ChecklistResult{}, err
	}

	seen := map[int]bool{}
	var matches []ChecklistMatch
	for _, m := range out.Matches {
		i := m.Segment - 1
		if i < 0 || i >= len(tr.Segments) || seen[i] {
			continue
		}
		item, ok := canon[strings.ToLower(strings.TrimSpace(m.Item))]
		if !ok {
			continue
		}
		seen[i] = true
		matches = append(matches, ChecklistMatch{Index: i, Item: item})
	}
	return checklistResult(matches, items), nil
}

// KeywordReviewer reviews transcripts without an LLM. A label applies to a segment
// that mentions its name; a checklist item is fulfilled by a segment that mentions
// each of its significant words.
type KeywordReviewer struct{}

func (KeywordReviewer) LabelSegments(ctx context.Context, tr types.Transcript, labels []Label) ([]SegmentLabel, error) {
	if _, err := labelNames(labels); err != nil {
		return nil, err
	}
	res := []SegmentLabel{}
	for i, seg := range tr.Segments {
		text := strings.ToLower(seg.Text)
		for _, l := range labels {
			phrase := strings.ToLower(strings.NewReplacer("_", " ", "-", " ").Replace(l.Name))
			if strings.Contains(text, phrase) {
				res = append(res, SegmentLabel{Index: i, Label: l.Name})
				break
			}
		}
	}
	return res, ctx.Err()
}

func (KeywordReviewer) MatchChecklist(ctx context.Context, tr types.Transcript, items []string) (ChecklistResult, error) {
	if _, err := checklistItems(items); err != nil {
		return ChecklistResult{}, err
	}
	var matches []ChecklistMatch
	for i, seg := range tr.Segments {
		text := strings.ToLower(seg.Text)
		for _, item := range items {
			if mentionsAll(text, significantWords(item)) {
				matches = append(matches, ChecklistMatch{Index: i, Item: item})
				break
			}
		}
	}
	return checklistResult(matches, items), ctx.Err()
}

func labelNames(labels []Label) (map[string]string, error) {
	if len(labels) == 0 {
		return nil, types.NewValidationError(map[string]string{"labels": "at least one label is required"})
	}
	names := make(map[string]string, len(labels))
	for i, l := range labels {
		if strings.TrimSpace(l.Name) == "" {
			return nil, types.NewValidationError(map[string]string{fmt.Sprintf("labels[%d].name", i): "required"})
		}
		names[strings.ToLower(strings.TrimSpace(l.Name))] = l.Name
	}
	return names, nil
}

func checklistItems(items []string) (map[string]string, error) {
	if len(items) == 0 {
		return nil, types.NewValidationError(map[string]string{"checklist": "at least one item is required"})
	}
	canon := make(map[string]string, len(items))
	for i, item := range items {
		if strings.TrimSpace(item) == "" {
			return nil, types.NewValidationError(map[string]string{fmt.Sprintf("checklist[%d]", i): "must not be empty"})
		}
		canon[strings.ToLower(strings.TrimSpace(item))] = item
	}
	return canon, nil
}

func checklistResult(matches []ChecklistMatch, items []string) ChecklistResult {
	sort.Slice(matches, func(a, b int) bool { return matches[a].Index < matches[b].Index })
	covered := map[string]bool{}
	for _, m := range matches {
		covered[m.Item] = true
	}
	res := ChecklistResult{Matches: matches, Missing: []string{}}
	if res.Matches == nil {
		res.Matches = []ChecklistMatch{}
	}
	for _, item := range items {
		if !covered[item] {
			res.Missing = append(res.Missing, item)
		}
	}
	return res
}

// numberSegments renders segments 1-based, one per line.
func numberSegments(tr types.Transcript, withSpeaker bool) string {
	var b strings.Builder
	for i, seg := range tr.Segments {
		if withSpeaker && seg.Speaker != "" {
			fmt.Fprintf(&b, "%d. [%s]: %s\n", i+1, seg.Speaker, seg.Text)
			continue
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, seg.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// significantWords drops short filler words unless nothing else is left.
func significantWords(item string) []string {
	all := strings.Fields(strings.ToLower(item))
	var out []string
	for _, w := range all {
		if len(w) > 3 {
			out = append(out, w)
		}
	}
	if len(out) == 0 {
		return all
	}
	return out
}

func mentionsAll(text string, words []string) bool {
	for _, w := range words {
		if !strings.Contains(text, w) {
			return false
		}
	}
	return len(words) > 0
}
