package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, logrus.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, logrus.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, logrus.InfoLevel, ParseLevel(""))
	assert.Equal(t, logrus.InfoLevel, ParseLevel("verbose"))
}

func TestNewWith_JSONOutsideLocal(t *testing.T) {
	var buf bytes.Buffer
	log := NewWith("production", "info", &buf)
	id := uuid.New()
	log.Component("processor").WithField("call_id", id.String()).Info("call processed")
	log.Debug("dropped below level")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "call processed", entry["msg"])
	assert.Equal(t, "processor", entry["component"])
	assert.Equal(t, id.String(), entry["call_id"])
}

func TestWithError_Nil(t *testing.T) {
	log := Discard()
	assert.Equal(t, log.Entry, log.WithError(nil))
}
