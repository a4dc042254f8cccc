package transcription

import (
	"context"

	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

// Mock returns a fixed billing conversation. Selected with USE_MOCK_TRANSCRIBE=true.
type Mock struct{}

func (Mock) Transcribe(ctx context.Context, audioURL string) ([]types.Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []types.Segment{
		{StartTime: 0, EndTime: 4.2, Text: "Thank you for calling, how can I help you today?", Speaker: "Speaker 1"},
		{StartTime: 4.2, EndTime: 11.8, Text: "I was charged twice on my last bill and I want a refund.", Speaker: "Speaker 2"},
		{StartTime: 11.8, EndTime: 18.5, Text: "I'm sorry about that, I have issued the refund for the duplicate charge.", Speaker: "Speaker 1"},
	}, nil
}
