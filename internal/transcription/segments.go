package transcription

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

// Word is one token of a diarized word-level result.
type Word struct {
	Text      string  `json:"text"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Type      string  `json:"type"` // word, spacing, audio_event
	SpeakerID string  `json:"speaker_id"`
}

type document struct {
	Segments []types.Segment `json:"segments"`
	Words    []Word          `json:"words"`
	Text     string          `json:"text"`
}

// ParseSegments accepts a JSON segment array, an object carrying segments or
// word-level results, or plain text. Plain text becomes a single untimed segment.
func ParseSegments(body []byte) ([]types.Segment, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return []types.Segment{}, nil
	}

	switch body[0] {
	case '[':
		var segments []types.Segment
		if err := json.Unmarshal(body, &segments); err != nil {
			return nil, fmt.Errorf("decode segments: %w", err)
		}
		return cleanSegments(segments), nil
	case '{':
		var doc document
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("decode transcript: %w", err)
		}
		switch {
		case len(doc.Segments) > 0:
			return cleanSegments(doc.Segments), nil
		case len(doc.Words) > 0:
			return GroupWords(doc.Words), nil
		case strings.TrimSpace(doc.Text) != "":
			return []types.Segment{{Text: strings.TrimSpace(doc.Text)}}, nil
		}
		return []types.Segment{}, nil
	}
	return []types.Segment{{Text: string(body)}}, nil
}

func cleanSegments(in []types.Segment) []types.Segment {
	out := make([]types.Segment, 0, len(in))
	for _, s := range in {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text == "" {
			continue
		}
		s.Speaker = speakerLabel(s.Speaker)
		out = append(out, s)
	}
	return out
}

// GroupWords merges consecutive words of the same speaker into one segment.
// Spacing tokens are dropped.
func GroupWords(words []Word) []types.Segment {
	var (
		segments []types.Segment
		cur      *types.Segment
		speaker  string
	)
	for _, w := range words {
		if w.Type == "spacing" || strings.TrimSpace(w.Text) == "" {
			continue
		}
		if cur != nil && w.SpeakerID == speaker {
			cur.Text += " " + strings.TrimSpace(w.Text)
			cur.EndTime = w.End
			continue
		}
		if cur != nil {
			segments = append(segments, *cur)
		}
		speaker = w.SpeakerID
		cur = &types.Segment{
			StartTime: w.Start,
			EndTime:   w.End,
			Text:      strings.TrimSpace(w.Text),
			Speaker:   speakerLabel(w.SpeakerID),
		}
	}
	if cur != nil {
		segments = append(segments, *cur)
	}
	if segments == nil {
		return []types.Segment{}
	}
	return segments
}

// speakerLabel rewrites "speaker_1" as "Speaker 1".
func speakerLabel(id string) string {
	return strings.Replace(strings.TrimSpace(id), "speaker_", "Speaker ", 1)
}
