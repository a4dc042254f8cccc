package events

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeUpload(t *testing.T) {
	id := uuid.New()
	got, err := DecodeUpload([]byte(`{"call_id":"` + id.String() + `"}`))
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = DecodeUpload([]byte(`{}`))
	assert.Error(t, err)
	_, err = DecodeUpload([]byte(`not json`))
	assert.Error(t, err)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	require.NoError(t, r.Publish(context.Background(), Outcome{Type: TypeCallFailed}))
	require.NoError(t, r.Publish(context.Background(), Outcome{Type: TypeCallProcessed, Retryable: true}))

	got := r.Outcomes()
	require.Len(t, got, 2)
	assert.True(t, got[0].ManualReview())
	assert.False(t, got[1].ManualReview())
}
