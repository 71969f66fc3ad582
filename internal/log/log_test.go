package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf})
	t.Cleanup(func() { Configure(Config{}) })

	l := WithComponent("license")
	l.Debug().Str(FieldSession, "s1").Msg("acquired")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "license", entry[FieldComponent])
	assert.Equal(t, "s1", entry[FieldSession])
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "acquired", entry["message"])
}

func TestConfigureLevel(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "warn", Output: &buf})
	t.Cleanup(func() { Configure(Config{}) })

	l := Base()
	l.Info().Msg("hidden")
	assert.Zero(t, buf.Len())
	l.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}
