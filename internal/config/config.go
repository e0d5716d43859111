// Package config loads the engine's runtime configuration: defaults,
// an optional TOML file, then an env-var overlay, via
// github.com/knadh/koanf/v2 (grounded on 0xkanth/polymarket-indexer's
// config.toml + env-overlay layering). Validate enforces the required
// variables and the sink mutual-exclusivity rule of §12.1.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/blockchain-etl/solana-etl/records"
)

// SinkTransport selects the Sink implementation the engine publishes
// through.
type SinkTransport string

const (
	SinkFileDir      SinkTransport = "file"
	SinkBrokerQueue  SinkTransport = "broker_queue"
	SinkBrokerStream SinkTransport = "broker_stream"
)

// PublishShape selects whether a worker publishes one message per
// block (SingleStream) or one message per record family
// (PerRecordType), per §4.3.
type PublishShape string

const (
	ShapeSingleStream  PublishShape = "single_stream"
	ShapePerRecordType PublishShape = "per_record_type"
)

// Config is the fully resolved, validated engine configuration.
type Config struct {
	Endpoint          string
	FallbackEndpoint  string
	NumExtractorThreads int
	RPCFallbackThreshold int
	ResponseTimeout   time.Duration
	ConnectTimeout    time.Duration

	EnableMetrics  bool
	MetricsAddress string
	MetricsPort    int

	CheckpointDir string

	TimestampFormat records.TimestampFormat

	Sink         SinkTransport
	PublishShape PublishShape

	OutputDir string

	GCPCredentialsJSONPath string
	GCPProjectID           string

	BrokerURL string
	// QueueName is the single-stream queue/topic name. QueueNames
	// holds the seven per-record-family names when PublishShape is
	// ShapePerRecordType, keyed by records.RecordFamily.
	QueueName  string
	QueueNames map[records.RecordFamily]string
}

var defaults = map[string]interface{}{
	"rpc_fallback_threshold": 2,
	"response_timeout":       "60s",
	"connect_timeout":        "10s",
	"enable_metrics":         false,
	"metrics_address":        "0.0.0.0",
	"metrics_port":           9090,
	"checkpoint_dir":         "./indexed_blocks",
	"timestamp_format":       "iso8601",
	"sink":                   string(SinkFileDir),
	"publish_shape":          string(ShapeSingleStream),
	"output_dir":             "./out",
}

// Load builds a Config from defaults, an optional TOML file at path
// (skipped silently if it does not exist — the engine must run from
// env vars alone per §6), and an environment overlay whose variable
// names are lowercased with no prefix, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("config: load file %q: %w", path, err)
			}
		}
	}

	if err := k.Load(env.ProviderWithValue("", "__", func(key, value string) (string, interface{}) {
		return strings.ToLower(key), value
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	timeout, err := time.ParseDuration(k.String("response_timeout"))
	if err != nil {
		return nil, fmt.Errorf("config: parse response_timeout: %w", err)
	}
	connectTimeout, err := time.ParseDuration(k.String("connect_timeout"))
	if err != nil {
		return nil, fmt.Errorf("config: parse connect_timeout: %w", err)
	}

	tsFormat := records.TimestampISO8601
	if strings.EqualFold(k.String("timestamp_format"), "micros") {
		tsFormat = records.TimestampMicros
	}

	cfg := &Config{
		Endpoint:             k.String("endpoint"),
		FallbackEndpoint:     k.String("fallback_endpoint"),
		NumExtractorThreads:  k.Int("num_extractor_threads"),
		RPCFallbackThreshold: k.Int("rpc_fallback_threshold"),
		ResponseTimeout:      timeout,
		ConnectTimeout:       connectTimeout,

		EnableMetrics:  k.Bool("enable_metrics"),
		MetricsAddress: k.String("metrics_address"),
		MetricsPort:    k.Int("metrics_port"),

		CheckpointDir: k.String("checkpoint_dir"),

		TimestampFormat: tsFormat,

		Sink:         SinkTransport(k.String("sink")),
		PublishShape: PublishShape(k.String("publish_shape")),

		OutputDir: k.String("output_dir"),

		GCPCredentialsJSONPath: k.String("gcp_credentials_json_path"),
		GCPProjectID:           k.String("gcp_project_id"),

		BrokerURL: k.String("broker_url"),
		QueueName: k.String("queue_name"),
	}

	if cfg.PublishShape == ShapePerRecordType {
		cfg.QueueNames = make(map[records.RecordFamily]string, len(records.AllFamilies))
		for _, family := range records.AllFamilies {
			cfg.QueueNames[family] = k.String("queue_name_" + string(family))
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces §6's required-variable table and §12.1's sink
// mutual-exclusivity rule, returning a Configuration failure (§7)
// naming the offending field.
func Validate(cfg *Config) error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("config: missing required ENDPOINT")
	}
	if cfg.NumExtractorThreads <= 0 {
		return fmt.Errorf("config: missing or invalid required NUM_EXTRACTOR_THREADS")
	}

	switch cfg.Sink {
	case SinkFileDir, SinkBrokerQueue, SinkBrokerStream:
	default:
		return fmt.Errorf("config: unrecognized sink transport %q (want one of file, broker_queue, broker_stream)", cfg.Sink)
	}

	switch cfg.PublishShape {
	case ShapeSingleStream, ShapePerRecordType:
	default:
		return fmt.Errorf("config: unrecognized publish shape %q (want one of single_stream, per_record_type)", cfg.PublishShape)
	}

	if cfg.Sink == SinkFileDir && cfg.OutputDir == "" {
		return fmt.Errorf("config: sink=file requires OUTPUT_DIR")
	}
	if cfg.Sink == SinkBrokerStream && cfg.GCPProjectID == "" {
		return fmt.Errorf("config: sink=broker_stream requires GCP_PROJECT_ID")
	}
	if cfg.Sink == SinkBrokerQueue && cfg.BrokerURL == "" {
		return fmt.Errorf("config: sink=broker_queue requires BROKER_URL")
	}

	if cfg.PublishShape == ShapeSingleStream && cfg.Sink != SinkFileDir && cfg.QueueName == "" {
		return fmt.Errorf("config: publish_shape=single_stream requires QUEUE_NAME")
	}
	if cfg.PublishShape == ShapePerRecordType && cfg.Sink != SinkFileDir {
		for _, family := range records.AllFamilies {
			if cfg.QueueNames[family] == "" {
				return fmt.Errorf("config: publish_shape=per_record_type requires QUEUE_NAME_%s", strings.ToUpper(string(family)))
			}
		}
	}

	return nil
}
