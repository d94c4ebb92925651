package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pacsgate/pkg/contextkeys"
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

	t.Run("warnf formats", func(t *testing.T) {
		buf.Reset()
		logger.Warnf("skipping condition %d", 4)

		entry := decodeEntry(t, &buf)
		assert.Equal(t, "warning", entry["level"])
		assert.Equal(t, "skipping condition 4", entry["msg"])
	})

	t.Run("error logged at error level", func(t *testing.T) {
		var errBuf bytes.Buffer
		errLogger := NewLogger(ErrorLevel, &errBuf)
		errLogger.Warn("dropped")
		assert.Zero(t, errBuf.Len())
		errLogger.Error("kept")
		assert.NotZero(t, errBuf.Len())
	})
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf)

	logger.WithField("resource_uid", "1.2.3").
		WithFields(map[string]interface{}{"level": "SERIES", "verdict": "DENY"}).
		WithError(errors.New("store unavailable")).
		Debug("evaluated")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "1.2.3", entry["resource_uid"])
	assert.Equal(t, "DENY", entry["verdict"])
	assert.Equal(t, "store unavailable", entry["error"])
}

func TestLogger_WithNilError(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})
	assert.Same(t, logger, logger.WithError(nil))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"":        InfoLevel,
		"verbose": InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
	assert.Equal(t, "WARN", WarnLevel.String())
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	ctx := WithLogger(context.Background(), logger)
	ctx = contextkeys.WithRequestID(ctx, "req-123")
	ctx = contextkeys.WithUserID(ctx, 42)

	FromContext(ctx).Info("hello")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "req-123", entry["request_id"])
	assert.Equal(t, float64(42), entry["user_id"])
}

func TestGetLogger_Default(t *testing.T) {
	assert.NotNil(t, GetLogger(context.Background()))
}
