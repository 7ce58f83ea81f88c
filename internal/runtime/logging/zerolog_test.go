package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/courier/internal/runtime/jsoncodec"
)

func TestZerologServiceLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologServiceLogger(zerolog.New(&buf).Level(zerolog.TraceLevel))

	child := logger.With(LogFields{"type": "order.created"})
	child.Info("dispatched", LogFields{"offset": 7})
	child.Error("failed", errors.New("boom"), nil)
	child.Trace("polling", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var first map[string]any
	require.NoError(t, jsoncodec.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "info", first["level"])
	assert.Equal(t, "dispatched", first["message"])
	assert.Equal(t, "order.created", first["type"])
	assert.EqualValues(t, 7, first["offset"])

	var second map[string]any
	require.NoError(t, jsoncodec.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "boom", second["error"])
	assert.Contains(t, lines[2], `"level":"trace"`)
}

func TestZerologServiceLoggerWithNilFieldsReturnsSame(t *testing.T) {
	logger := NewZerologServiceLogger(zerolog.Nop())
	assert.Same(t, logger, logger.With(nil))
}

func TestNopLoggerDiscards(t *testing.T) {
	logger := NopLogger()
	logger.Info("ignored", LogFields{"k": "v"})
	logger.Error("ignored", errors.New("boom"), nil)
}
