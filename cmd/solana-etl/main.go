// Command solana-etl is the thin CLI front end of §6/§10.6: it loads
// .env (github.com/joho/godotenv), builds internal/config.Config,
// wires up logging, metrics and the RPC client, then hands off to
// engine.Engine for the benchmark/index-range/index-list subcommands.
// This binary is intentionally thin — everything it does beyond flag
// parsing and wiring belongs in a package under the repo root, not
// here.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/blockchain-etl/solana-etl/client"
	"github.com/blockchain-etl/solana-etl/engine"
	"github.com/blockchain-etl/solana-etl/internal/config"
	"github.com/blockchain-etl/solana-etl/internal/logging"
	"github.com/blockchain-etl/solana-etl/internal/metrics"
	"github.com/blockchain-etl/solana-etl/records"
	"github.com/blockchain-etl/solana-etl/sink"
)

func main() {
	_ = godotenv.Load() // optional; env vars set another way still work

	app := &cli.App{
		Name:  "solana-etl",
		Usage: "extract, transform and publish normalized Solana records",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "optional TOML config file"},
		},
		Commands: []*cli.Command{
			benchmarkCommand,
			indexRangeCommand,
			indexListCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "solana-etl:", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error to the process exit code §6 specifies:
// 0 for normal shutdown (nil, handled before this is called), non-zero
// for configuration error, unparseable CSV, or fatal RPC classification.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

func loadConfigAndLogger(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Options{Pretty: true})
	return cfg, nil
}

// buildEngine wires client, metrics, sink factory and engine.Engine
// from a resolved Config, starting the /metrics HTTP listener when
// EnableMetrics is set.
func buildEngine(ctx context.Context, cfg *config.Config) (*engine.Engine, *metrics.Registry, error) {
	reg, promReg := metrics.NewRegistry()

	if cfg.EnableMetrics {
		addr := fmt.Sprintf("%s:%d", cfg.MetricsAddress, cfg.MetricsPort)
		go func() {
			if err := metrics.Serve(ctx, addr, promReg); err != nil {
				logging.Logger().Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	rpcClient := client.New(client.Config{
		Endpoint:          cfg.Endpoint,
		FallbackEndpoint:  cfg.FallbackEndpoint,
		FallbackThreshold: cfg.RPCFallbackThreshold,
		ResponseTimeout:   cfg.ResponseTimeout,
		ConnectTimeout:    cfg.ConnectTimeout,
	}, reg)

	sinks, perRecordType, err := buildSinkFactory(cfg, reg)
	if err != nil {
		return nil, nil, err
	}

	e := engine.New(engine.Config{
		NumWorkers:      cfg.NumExtractorThreads,
		CheckpointDir:   cfg.CheckpointDir,
		TimestampFormat: cfg.TimestampFormat,
	}, rpcClient, sinks, perRecordType, reg)

	return e, reg, nil
}

// buildSinkFactory returns the engine.SinkFactory matching cfg.Sink
// and cfg.PublishShape (§4.3, §12.1 — the two axes are validated
// mutually exclusive at config.Validate time already).
func buildSinkFactory(cfg *config.Config, reg *metrics.Registry) (engine.SinkFactory, bool, error) {
	perRecordType := cfg.PublishShape == config.ShapePerRecordType

	switch cfg.Sink {
	case config.SinkFileDir:
		return func(family records.RecordFamily) (sink.Sink, error) {
			dir := cfg.OutputDir
			if perRecordType {
				dir = cfg.OutputDir + "/" + string(family)
			}
			return sink.NewFileDir(dir)
		}, perRecordType, nil

	case config.SinkBrokerQueue:
		return func(family records.RecordFamily) (sink.Sink, error) {
			queueName := cfg.QueueName
			if perRecordType {
				queueName = cfg.QueueNames[family]
			}
			return sink.DialBrokerQueue(cfg.BrokerURL, queueName, reg)
		}, perRecordType, nil

	case config.SinkBrokerStream:
		return func(family records.RecordFamily) (sink.Sink, error) {
			topic := cfg.QueueName
			if perRecordType {
				topic = cfg.QueueNames[family]
			}
			return sink.DialBrokerStream(context.Background(), cfg.GCPProjectID, topic, reg)
		}, perRecordType, nil
	}

	return nil, false, fmt.Errorf("cmd: unrecognized sink transport %q", cfg.Sink)
}

// signalContext returns a context canceled on SIGINT/SIGTERM, so the
// engine stops starting new slots and each worker finishes its
// in-flight slot before exiting (§4.7's graceful-shutdown contract).
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var benchmarkCommand = &cli.Command{
	Name:      "benchmark",
	Usage:     "sample chain throughput over a window",
	ArgsUsage: "<minutes>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() < 1 {
			return fmt.Errorf("benchmark: missing <minutes> argument")
		}
		minutes, err := strconv.Atoi(c.Args().First())
		if err != nil {
			return fmt.Errorf("benchmark: parse <minutes>: %w", err)
		}

		cfg, err := loadConfigAndLogger(c)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		e, _, err := buildEngine(ctx, cfg)
		if err != nil {
			return err
		}
		result, err := e.Benchmark(ctx, time.Duration(minutes)*time.Minute)
		if err != nil {
			return err
		}
		fmt.Printf("throughput: %.2f bytes/sec over %d minute(s)\n", result.BytesPerSecond, minutes)
		return nil
	},
}

var indexRangeCommand = &cli.Command{
	Name:      "index-range",
	Usage:     "index a contiguous slot range",
	ArgsUsage: "<out> <start> [end]",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "reverse", Usage: "walk the range backward from start"},
	},
	Action: func(c *cli.Context) error {
		if c.Args().Len() < 2 {
			return fmt.Errorf("index-range: usage: index-range <out> <start> [end]")
		}
		if out := c.Args().Get(0); out != "stream" {
			return fmt.Errorf("index-range: unrecognized <out> %q (only \"stream\" is accepted)", out)
		}
		start, err := strconv.ParseUint(c.Args().Get(1), 10, 64)
		if err != nil {
			return fmt.Errorf("index-range: parse <start>: %w", err)
		}

		r := engine.Range{Start: start, Reverse: c.Bool("reverse")}
		if end := c.Args().Get(2); end != "" {
			v, err := strconv.ParseUint(end, 10, 64)
			if err != nil {
				return fmt.Errorf("index-range: parse [end]: %w", err)
			}
			r.End = v
			r.HasEnd = true
		}

		cfg, err := loadConfigAndLogger(c)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		e, _, err := buildEngine(ctx, cfg)
		if err != nil {
			return err
		}
		return e.RunRange(ctx, r)
	},
}

var indexListCommand = &cli.Command{
	Name:      "index-list",
	Usage:     "index slots enumerated in a CSV file",
	ArgsUsage: "<out> <path>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() < 2 {
			return fmt.Errorf("index-list: usage: index-list <out> <path>")
		}
		if out := c.Args().Get(0); out != "stream" {
			return fmt.Errorf("index-list: unrecognized <out> %q (only \"stream\" is accepted)", out)
		}
		path := c.Args().Get(1)

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("index-list: open %q: %w", path, err)
		}
		defer f.Close()

		slots, err := engine.LoadSlotList(f)
		if err != nil {
			return fmt.Errorf("index-list: %w", err)
		}

		cfg, err := loadConfigAndLogger(c)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		e, _, err := buildEngine(ctx, cfg)
		if err != nil {
			return err
		}
		return e.RunList(ctx, slots)
	},
}
