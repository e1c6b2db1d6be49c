package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "studytrace", cfg.ServiceName)
	assert.Equal(t, int64(8<<20), cfg.MaxBodySize)
	assert.Equal(t, 30*time.Second, cfg.FlushInterval)
	assert.False(t, cfg.ArchiveEnabled)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"HTTP_ADDR":      "127.0.0.1:9000",
		"LOG_PRETTY":     "true",
		"LOG_SAMPLE_N":   "10",
		"BATCH_SIZE":     "5",
		"FLUSH_INTERVAL": "250ms",
	}))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.HTTPAddr)
	assert.True(t, cfg.LogPretty)
	assert.Equal(t, uint32(10), cfg.LogSampleN)
	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.FlushInterval)
}

func TestFromEnvArchiveRequiresBucket(t *testing.T) {
	_, err := FromEnv(envMap(map[string]string{
		"ARCHIVE_ENABLED": "true",
		"AWS_REGION":      "eu-west-1",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RAW_BUCKET")
}

func TestFromEnvRejectsMalformedValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad int":      {"BATCH_SIZE": "many"},
		"bad duration": {"S3_TIMEOUT": "soon"},
		"bad bool":     {"LOG_PRETTY": "yes please"},
		"zero batch":   {"BATCH_SIZE": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromEnv(envMap(env))
			assert.Error(t, err)
		})
	}
}
