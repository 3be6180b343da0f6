package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitFallsBackToInfoOnUnknownLevel(t *testing.T) {
	Init(Config{Level: "chatty", JSONOutput: true, Output: &bytes.Buffer{}})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestInitParsesLevel(t *testing.T) {
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &bytes.Buffer{}})
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestChildLoggersCarryTheirField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	componentLogger := WithComponent("broker")
	componentLogger.Info().Msg("configured")
	serviceLogger := WithService("ondemand")
	serviceLogger.Info().Msg("listening")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, "broker", first["component"])
	assert.Equal(t, "ondemand", second["service"])
}
