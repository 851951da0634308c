package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithComponentTagsComponentField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	WithComponent("worker").Info().Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "worker", line["component"])
	assert.Equal(t, "hello", line["message"])
}

func TestInitLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: ErrorLevel, JSONOutput: true, Output: &buf})

	logger := WithComponent("dispatcher")
	logger.Info().Msg("suppressed")
	logger.Warn().Msg("also suppressed")

	assert.Empty(t, buf.Bytes(), "info/warn lines should be filtered out at error level")

	logger.Error().Msg("shown")
	assert.NotEmpty(t, buf.Bytes())
}
