package logger

import (
	"bytes"
	"testing"

	"studytrace/internal/config"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAttachesServiceFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(config.Config{ServiceName: "studytrace", InstanceID: "i-1", LogLevel: "info"}, &buf)

	l.Info().Str("session_id", "abc").Msg("tracking stored")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "studytrace", line["service"])
	assert.Equal(t, "i-1", line["instance"])
	assert.Equal(t, "abc", line["session_id"])
	assert.Equal(t, "tracking stored", line["message"])
}

func TestNewHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(config.Config{LogLevel: "warn"}, &buf)

	l.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	l.Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestNewLeavesGlobalLevel(t *testing.T) {
	before := zerolog.GlobalLevel()

	var buf bytes.Buffer
	l := New(config.Config{LogLevel: "error"}, &buf)
	l.Error().Msg("kept")

	assert.Equal(t, before, zerolog.GlobalLevel())
	assert.Contains(t, buf.String(), "kept")
}
