package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	t.Run("debug not logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Debug("debug message")
		assert.Zero(t, buf.Len())
	})

	t.Run("info logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Info("info message")
		entry := decodeEntry(t, &buf)
		assert.Equal(t, "info", entry["level"])
		assert.Equal(t, "info message", entry["msg"])
	})

	t.Run("warn and error logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Warnf("warn %d", 1)
		assert.Equal(t, "warn 1", decodeEntry(t, &buf)["msg"])

		buf.Reset()
		logger.Error("error message")
		assert.Equal(t, "error", decodeEntry(t, &buf)["level"])
	})
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf)

	logger.WithField("key_id", int64(7)).
		WithFields(map[string]interface{}{"plan": "free", "result": "admitted"}).
		WithError(errors.New("boom")).
		Debug("decision")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, float64(7), entry["key_id"])
	assert.Equal(t, "free", entry["plan"])
	assert.Equal(t, "admitted", entry["result"])
	assert.Equal(t, "boom", entry["error"])
}

func TestLogger_WithNilErrorIsNoop(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})
	assert.Same(t, logger, logger.WithError(nil))
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"bogus":   InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLogLevel(in), in)
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	ctx := WithLogger(context.Background(), logger)
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithOwnerID(ctx, 42)

	assert.Equal(t, "req-1", GetRequestID(ctx))
	owner, ok := GetOwnerID(ctx)
	require.True(t, ok)
	assert.Equal(t, int64(42), owner)

	FromContext(ctx).Info("hello")
	entry := decodeEntry(t, &buf)
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, float64(42), entry["owner_id"])
}

func TestGetLogger_Default(t *testing.T) {
	assert.NotNil(t, GetLogger(context.Background()))
	assert.Empty(t, GetRequestID(context.Background()))
}
