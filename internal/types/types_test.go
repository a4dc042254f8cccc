package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validAnalytics() CallAnalytics {
	return CallAnalytics{
		ID:             uuid.New(),
		CallID:         uuid.New(),
		SentimentScore: 0.25,
		Transcription: Transcript{Segments: []Segment{
			{StartTime: 0, EndTime: 2.5, Text: "hello", Speaker: "Speaker 1"},
			{StartTime: 2.5, EndTime: 4, Text: "hi, my bill is wrong", Speaker: "Speaker 2"},
		}},
		Highlights: []HighlightEvent{
			{Actor: "customer", Action: "reported a billing error", Timestamp: 2.5},
		},
		Topics:   NewStringSet("billing"),
		CallType: CallTypeBilling,
		Summary:  "Customer disputes a charge.",
	}
}

func TestStringSet_DedupAndTrim(t *testing.T) {
	s := NewStringSet(" billing ", "Billing", "", "refund", "refund")
	assert.Equal(t, []string{"billing", "refund"}, s.Values())
	assert.True(t, s.Contains("BILLING"))
	assert.Equal(t, 2, s.Len())

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `["billing","refund"]`, string(data))

	var back StringSet
	require.NoError(t, json.Unmarshal([]byte(`["a","a"," b"]`), &back))
	assert.Equal(t, []string{"a", "b"}, back.Values())
}

func TestStringSet_ZeroValueEncodesEmptyArray(t *testing.T) {
	var s StringSet
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestCallAnalytics_Validate(t *testing.T) {
	a := validAnalytics()
	require.NoError(t, a.Validate())

	cases := map[string]func(*CallAnalytics){
		"sentiment above range": func(a *CallAnalytics) { a.SentimentScore = 1.2 },
		"sentiment below range": func(a *CallAnalytics) { a.SentimentScore = -1.01 },
		"unknown call type":     func(a *CallAnalytics) { a.CallType = "sales" },
		"missing summary":       func(a *CallAnalytics) { a.Summary = "" },
		"segment end before start": func(a *CallAnalytics) {
			a.Transcription.Segments[1].EndTime = 1
		},
		"segment starts decrease": func(a *CallAnalytics) {
			a.Transcription.Segments[1].StartTime = 0
			a.Transcription.Segments[0].StartTime = 1
		},
		"segment without text": func(a *CallAnalytics) { a.Transcription.Segments[0].Text = "" },
		"highlights out of order": func(a *CallAnalytics) {
			a.Highlights = append(a.Highlights, HighlightEvent{Actor: "agent", Action: "x", Timestamp: 1})
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			a := validAnalytics()
			mutate(&a)
			err := a.Validate()
			require.Error(t, err)
			var ve ValidationError
			assert.True(t, errors.As(err, &ve))
			assert.True(t, IsPermanent(err))
		})
	}
}

func TestCallAnalytics_CheckHighlightsWithin(t *testing.T) {
	a := validAnalytics()
	assert.NoError(t, a.CheckHighlightsWithin(90))
	assert.NoError(t, a.CheckHighlightsWithin(0), "unknown duration")

	a.Highlights = append(a.Highlights, HighlightEvent{Actor: "customer", Action: "asked for a refund", Timestamp: 100})
	err := a.CheckHighlightsWithin(90)
	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Errors, "transcript_highlights[1]")
	assert.True(t, IsPermanent(err))
}

func TestTranscript_Helpers(t *testing.T) {
	tr := Transcript{Segments: []Segment{
		{StartTime: 0, EndTime: 3, Text: "hello"},
		{StartTime: 3, EndTime: 9.5, Text: "world", Speaker: "Speaker 2"},
	}}
	assert.False(t, tr.Empty())
	assert.Equal(t, 9.5, tr.End())
	assert.Equal(t, "[Unknown]: hello\n[Speaker 2]: world\n", tr.Text())

	assert.True(t, Transcript{}.Empty())
	assert.True(t, Transcript{Segments: []Segment{{Text: "  "}}}.Empty())
}

func TestSortHighlights_Stable(t *testing.T) {
	events := []HighlightEvent{
		{Actor: "agent", Action: "b", Timestamp: 5},
		{Actor: "customer", Action: "a", Timestamp: 1},
		{Actor: "agent", Action: "c", Timestamp: 5},
	}
	SortHighlights(events)
	assert.Equal(t, "a", events[0].Action)
	assert.Equal(t, "b", events[1].Action)
	assert.Equal(t, "c", events[2].Action)
}

func TestParseCallType(t *testing.T) {
	assert.Equal(t, CallTypeBilling, ParseCallType(" Billing "))
	assert.Equal(t, CallTypeOther, ParseCallType("sales"))
	assert.Equal(t, CallTypeOther, ParseCallType(""))
}

func TestCall_Claimable(t *testing.T) {
	c := NewCall(uuid.New(), uuid.New(), "calls/a.wav", time.Now().Add(-time.Minute), time.Now())
	assert.Equal(t, StateUploaded, c.State)
	assert.InDelta(t, 60, c.Duration, 1)
	assert.True(t, c.Claimable(3))

	c.State = StateProcessing
	assert.False(t, c.Claimable(3))

	c.State = StateFailed
	c.Retryable = true
	c.Attempts = 2
	assert.True(t, c.Claimable(3))
	assert.False(t, c.PermanentlyFailed(3))

	c.Attempts = 3
	assert.False(t, c.Claimable(3))
	assert.True(t, c.PermanentlyFailed(3))

	c.Attempts = 1
	c.Retryable = false
	assert.True(t, c.PermanentlyFailed(3))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	tr := Transient(StageTranscription, base)
	assert.True(t, IsTransient(tr))
	assert.False(t, IsPermanent(tr))
	assert.ErrorIs(t, tr, base)

	wrapped := fmt.Errorf("process: %w", Permanent(StageAnalysis, base))
	assert.True(t, IsPermanent(wrapped))
	assert.False(t, IsTransient(wrapped))

	var se *StageError
	require.ErrorAs(t, wrapped, &se)
	assert.Equal(t, StageAnalysis, se.Stage)

	assert.True(t, IsTransient(fmt.Errorf("dial: %w", timeoutErr{})))
	assert.False(t, IsTransient(base))
	assert.False(t, IsTransient(nil))
}

func TestDocument_Validate(t *testing.T) {
	d := Document{Title: "Refund policy", Category: CategoryPolicies}
	require.NoError(t, ValidateStruct(d))

	d.Category = "marketing"
	err := ValidateStruct(d)
	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "failed on 'oneof' tag", ve.Errors["Document.Category"])

	c, ok := ParseCategory("Billing")
	assert.True(t, ok)
	assert.Equal(t, CategoryBilling, c)
	_, ok = ParseCategory("other")
	assert.False(t, ok)
}
