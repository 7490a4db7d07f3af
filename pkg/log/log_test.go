package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithEnvironmentKeepsComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	logger := WithEnvironment(WithComponent("locator"), "green")
	logger.Warn().Msg("Reconciling registry record")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "locator", line["component"])
	assert.Equal(t, "green", line["environment"])
	assert.Equal(t, "warn", line["level"])
}

func TestInitLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})
	defer Init(Config{Level: InfoLevel, JSONOutput: true, Output: &bytes.Buffer{}})

	drillLogger := WithDrillID("d1")
	drillLogger.Info().Msg("dropped")
	assert.Empty(t, buf.String())

	releaseLogger := WithReleaseID("r1")
	releaseLogger.Error().Msg("kept")
	assert.Contains(t, buf.String(), `"release_id":"r1"`)
}
