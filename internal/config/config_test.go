package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoad_MissingEndpointIsConfigurationFailure(t *testing.T) {
	clearSolanaETLEnv(t)
	withEnv(t, map[string]string{
		"NUM_EXTRACTOR_THREADS": "4",
	})
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENDPOINT")
}

func TestLoad_DefaultsFillUnsetFields(t *testing.T) {
	clearSolanaETLEnv(t)
	withEnv(t, map[string]string{
		"ENDPOINT":              "https://rpc.example.com",
		"NUM_EXTRACTOR_THREADS": "8",
	})
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.NumExtractorThreads)
	assert.Equal(t, 2, cfg.RPCFallbackThreshold)
	assert.Equal(t, SinkFileDir, cfg.Sink)
	assert.Equal(t, ShapeSingleStream, cfg.PublishShape)
}

func TestLoad_PerRecordTypeRequiresAllSevenQueueNames(t *testing.T) {
	clearSolanaETLEnv(t)
	withEnv(t, map[string]string{
		"ENDPOINT":              "https://rpc.example.com",
		"NUM_EXTRACTOR_THREADS": "4",
		"SINK":                  "broker_queue",
		"BROKER_URL":            "amqp://localhost",
		"PUBLISH_SHAPE":         "per_record_type",
	})
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_NAME_")
}

func TestValidate_RejectsUnrecognizedSink(t *testing.T) {
	cfg := &Config{
		Endpoint:            "x",
		NumExtractorThreads: 1,
		Sink:                "carrier-pigeon",
		PublishShape:        ShapeSingleStream,
	}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecognized sink")
}

// clearSolanaETLEnv removes every env var this package reads so tests
// don't leak state from the process environment or from each other.
func clearSolanaETLEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ENDPOINT", "FALLBACK_ENDPOINT", "NUM_EXTRACTOR_THREADS",
		"RPC_FALLBACK_THRESHOLD", "RESPONSE_TIMEOUT", "ENABLE_METRICS",
		"METRICS_ADDRESS", "METRICS_PORT", "CHECKPOINT_DIR",
		"TIMESTAMP_FORMAT", "SINK", "PUBLISH_SHAPE", "OUTPUT_DIR",
		"GCP_CREDENTIALS_JSON_PATH", "GCP_PROJECT_ID", "BROKER_URL",
		"QUEUE_NAME",
	} {
		os.Unsetenv(k)
	}
}
