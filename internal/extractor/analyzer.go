package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

// Analysis is the sentiment/topic result for one call.
type Analysis struct {
	SentimentScore float64
	Topics         types.StringSet
	Flags          types.StringSet
	CallType       types.CallType
	Confidence     float64
	// SegmentSentiments maps segment index to positive, neutral or negative.
	SegmentSentiments map[int]string
}

type Analyzer interface {
	Analyze(ctx context.Context, tr types.Transcript) (Analysis, error)
}

const analysisSystem = "You are a conversation analysis assistant specialized in customer service calls."

const analysisPrompt = `Analyze this customer service conversation.

The input is a JSON list of segments with startTime, endTime, text and speaker.

Return ONLY a JSON object with this structure:
{
  "sentiment_score": 0.0,
  "topics": ["short topic"],
  "flags": ["short flag"],
  "call_type": "billing",
  "confidence": 0.0,
  "segment_sentiments": [{"index": 0, "sentiment": "neutral"}]
}

Guidelines:
1. sentiment_score is the customer's overall sentiment from -1 (very negative) to 1 (very positive)
2. call_type is one of billing, technical, account, other
3. confidence is your confidence in call_type from 0 to 1
4. flags mark compliance or escalation concerns, empty when there are none
5. segment_sentiments is optional; use positive, neutral or negative

Conversation:
`

type llmAnalysis struct {
	SentimentScore    float64  `json:"sentiment_score"`
	Topics            []string `json:"topics"`
	Flags             []string `json:"flags"`
	CallType          string   `json:"call_type"`
	Confidence        *float64 `json:"confidence"`
	SegmentSentiments []struct {
		Index     int    `json:"index"`
		Sentiment string `json:"sentiment"`
	} `json:"segment_sentiments"`
}

// FallbackTopic is recorded when a non-empty call yields no topic.
const FallbackTopic = "general"

type LLMAnalyzer struct {
	gw        *Gateway
	threshold float64
}

// NewLLMAnalyzer classifies call type as other when the model's confidence is below threshold.
func NewLLMAnalyzer(gw *Gateway, threshold float64) *LLMAnalyzer {
	return &LLMAnalyzer{gw: gw, threshold: threshold}
}

func (a *LLMAnalyzer) Analyze(ctx context.Context, tr types.Transcript) (Analysis, error) {
	if tr.Empty() {
		return neutralAnalysis(), nil
	}
	conversation, err := json.MarshalIndent(tr.Segments, "", "  ")
	if err != nil {
		return Analysis{}, types.Permanent(types.StageAnalysis, err)
	}

	var out llmAnalysis
	if err := a.gw.CompleteJSON(ctx, types.StageAnalysis, analysisSystem, analysisPrompt+string(conversation), &out); err != nil {
		return Analysis{}, err
	}

	confidence := 1.0
	if out.Confidence != nil {
		confidence = *out.Confidence
	}
	res := Analysis{
		SentimentScore: out.SentimentScore,
		Topics:         types.NewStringSet(out.Topics...),
		Flags:          types.NewStringSet(out.Flags...),
		CallType:       classify(out.CallType, confidence, a.threshold),
		Confidence:     confidence,
	}
	if res.Topics.Len() == 0 {
		res.Topics.Add(FallbackTopic)
	}
	for _, s := range out.SegmentSentiments {
		if res.SegmentSentiments == nil {
			res.SegmentSentiments = make(map[int]string)
		}
		res.SegmentSentiments[s.Index] = s.Sentiment
	}
	if err := res.Validate(len(tr.Segments)); err != nil {
		return Analysis{}, types.Permanent(types.StageAnalysis, err)
	}
	return res, nil
}

// Validate checks the score bound and per-segment annotations against the transcript.
func (a Analysis) Validate(segments int) error {
	if a.SentimentScore < types.MinSentiment || a.SentimentScore > types.MaxSentiment {
		return types.NewValidationError(map[string]string{
			"sentiment_score": fmt.Sprintf("%.3f outside [%g, %g]", a.SentimentScore, types.MinSentiment, types.MaxSentiment),
		})
	}
	for i, s := range a.SegmentSentiments {
		if i < 0 || i >= segments {
			return types.NewValidationError(map[string]string{
				"segment_sentiments": fmt.Sprintf("index %d out of range", i),
			})
		}
		switch s {
		case "positive", "neutral", "negative":
		default:
			return types.NewValidationError(map[string]string{
				"segment_sentiments": fmt.Sprintf("unknown sentiment %q", s),
			})
		}
	}
	return nil
}

// classify maps a label onto the enum, falling back to other below the threshold.
func classify(label string, confidence, threshold float64) types.CallType {
	if confidence < threshold {
		return types.CallTypeOther
	}
	return types.ParseCallType(label)
}

func neutralAnalysis() Analysis {
	return Analysis{
		Topics:   types.NewStringSet(),
		Flags:    types.NewStringSet(),
		CallType: types.CallTypeOther,
	}
}

// lexicon drives the offline analyzer.
var (
	positiveWords = []string{"thank", "thanks", "great", "happy", "resolved", "perfect", "appreciate", "excellent", "helpful"}
	negativeWords = []string{"angry", "frustrated", "terrible", "wrong", "twice", "complain", "unacceptable", "disappointed", "problem", "issue", "cancel"}

	topicWords = map[string][]string{
		"billing":      {"bill", "charge", "charged", "invoice", "payment", "refund", "price"},
		"connectivity": {"internet", "wifi", "router", "connection", "outage", "slow"},
		"device":       {"device", "phone", "modem", "install", "setup", "error"},
		"account":      {"account", "password", "login", "email", "address", "profile"},
		"cancellation": {"cancel", "terminate", "close my account"},
	}
	topicTypes = map[string]types.CallType{
		"billing":      types.CallTypeBilling,
		"connectivity": types.CallTypeTechnical,
		"device":       types.CallTypeTechnical,
		"account":      types.CallTypeAccount,
		"cancellation": types.CallTypeAccount,
	}
	flagWords = map[string][]string{
		"escalation_requested": {"supervisor", "manager", "escalate"},
		"churn_risk":           {"cancel", "switch provider", "competitor"},
		"complaint":            {"complain", "complaint", "unacceptable"},
	}
	// fixed iteration order keeps output deterministic
	topicOrder = []string{"billing", "connectivity", "device", "account", "cancellation"}
	flagOrder  = []string{"escalation_requested", "churn_risk", "complaint"}
)

// KeywordAnalyzer is a deterministic lexicon analyzer used in mock mode and when no
// gateway is configured.
type KeywordAnalyzer struct {
	threshold float64
}

func NewKeywordAnalyzer(threshold float64) *KeywordAnalyzer {
	return &KeywordAnalyzer{threshold: threshold}
}

func (k *KeywordAnalyzer) Analyze(ctx context.Context, tr types.Transcript) (Analysis, error) {
	if err := ctx.Err(); err != nil {
		return Analysis{}, err
	}
	if tr.Empty() {
		return neutralAnalysis(), nil
	}
	text := strings.ToLower(tr.Text())

	pos, neg := countAny(text, positiveWords), countAny(text, negativeWords)
	score := 0.0
	if pos+neg > 0 {
		score = float64(pos-neg) / float64(pos+neg)
	}

	res := neutralAnalysis()
	res.SentimentScore = score

	votes := map[types.CallType]int{}
	total := 0
	for _, topic := range topicOrder {
		if n := countAny(text, topicWords[topic]); n > 0 {
			res.Topics.Add(topic)
			votes[topicTypes[topic]] += n
			total += n
		}
	}
	if res.Topics.Len() == 0 {
		res.Topics.Add(FallbackTopic)
	}
	for _, flag := range flagOrder {
		if countAny(text, flagWords[flag]) > 0 {
			res.Flags.Add(flag)
		}
	}

	best, bestVotes := types.CallTypeOther, 0
	for _, ct := range []types.CallType{types.CallTypeBilling, types.CallTypeTechnical, types.CallTypeAccount} {
		if votes[ct] > bestVotes {
			best, bestVotes = ct, votes[ct]
		}
	}
	if total > 0 {
		res.Confidence = float64(bestVotes) / float64(total)
	}
	res.CallType = classify(string(best), res.Confidence, k.threshold)

	for i, seg := range tr.Segments {
		if seg.Sentiment != "" {
			continue
		}
		s := strings.ToLower(seg.Text)
		p, n := countAny(s, positiveWords), countAny(s, negativeWords)
		if p == n {
			continue
		}
		if res.SegmentSentiments == nil {
			res.SegmentSentiments = make(map[int]string)
		}
		if p > n {
			res.SegmentSentiments[i] = "positive"
		} else {
			res.SegmentSentiments[i] = "negative"
		}
	}
	return res, nil
}

func countAny(text string, words []string) int {
	n := 0
	for _, w := range words {
		n += strings.Count(text, w)
	}
	return n
}
