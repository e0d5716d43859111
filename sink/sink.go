// Package sink implements the Sink abstraction of §4.3: two published
// shapes (SingleStream, PerRecordType) over three transports
// (BrokerQueue, BrokerStream, FileDir), with shared publish-with-
// backoff and batch-falls-back-to-per-message semantics. It is
// grounded on the original implementation's output/publish.rs (the
// StreamPublisherConnectionClient sum type, one variant per
// transport) and output/rabbitmq_stream.rs (publish-with-confirmation
// for the stream transport); Rust's per-feature compiled variants
// become a single Go interface with three concrete implementations.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/blockchain-etl/solana-etl/internal/logging"
	"github.com/blockchain-etl/solana-etl/internal/metrics"
)

// maxBatchSize is the partition boundary batches are split at, per
// §4.3.
const maxBatchSize = 900

// Sink is the capability set every transport implements (§9 Design
// Notes): publish a single message, optionally publish a batch, let a
// worker attach its own per-worker handle, and disconnect cleanly.
type Sink interface {
	// Publish sends one message, retrying with growing backoff until
	// confirmed (§4.3). id is a record identifier FileDir transports
	// use to name files; broker transports ignore it.
	Publish(ctx context.Context, id string, body []byte) error

	// PublishBatch attempts to send msgs as a single batch; any
	// per-message failure falls back to Publish for that element.
	// Batches larger than maxBatchSize are partitioned.
	PublishBatch(ctx context.Context, ids []string, bodies [][]byte) error

	// Attach materializes any per-worker resources (e.g. an AMQP
	// Channel) a transport cannot safely share across workers. Sinks
	// with no such resource return themselves unchanged.
	Attach(ctx context.Context) (Sink, error)

	// Disconnect releases the sink's underlying connection.
	Disconnect() error
}

// publishWithBackoff retries fn with 0s, 1s, 2s, ... backoff until it
// succeeds, per §4.3's "start 0s, +1s per failure" rule.
func publishWithBackoff(ctx context.Context, log zerolog.Logger, reg *metrics.Registry, fn func() error) error {
	backoff := 0 * time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(); err == nil {
			return nil
		} else {
			reg.IncPublishFailures()
			log.Warn().Err(err).Dur("backoff", backoff).Msg("publish failed, retrying")
		}
		if backoff > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		}
		backoff += time.Second
	}
}

// partitionBatch splits ids/bodies into chunks no larger than
// maxBatchSize.
func partitionBatch(ids []string, bodies [][]byte) ([][]string, [][][]byte) {
	var idChunks [][]string
	var bodyChunks [][][]byte
	for start := 0; start < len(ids); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		idChunks = append(idChunks, ids[start:end])
		bodyChunks = append(bodyChunks, bodies[start:end])
	}
	return idChunks, bodyChunks
}

// FileDir is the file-based transport: each publish writes a file
// named by the caller-supplied record identifier under Dir. Batches
// are written as one JSONL file per batch; single messages are
// written as one JSON file per message, per §4.3.
type FileDir struct {
	Dir string
	log zerolog.Logger
}

// NewFileDir creates Dir if absent and returns a FileDir sink over it.
func NewFileDir(dir string) (*FileDir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sink: create directory %q: %w", dir, err)
	}
	return &FileDir{Dir: dir, log: logging.Named("sink.filedir")}, nil
}

func (f *FileDir) Publish(ctx context.Context, id string, body []byte) error {
	path := filepath.Join(f.Dir, id+".json")
	return publishWithBackoff(ctx, f.log, nil, func() error {
		return os.WriteFile(path, body, 0o644)
	})
}

func (f *FileDir) PublishBatch(ctx context.Context, ids []string, bodies [][]byte) error {
	if len(ids) == 0 {
		return nil
	}
	idChunks, bodyChunks := partitionBatch(ids, bodies)
	for c, chunkIDs := range idChunks {
		path := filepath.Join(f.Dir, chunkIDs[0]+"-batch.jsonl")
		fh, err := os.Create(path)
		if err != nil {
			// Fall back to per-message publish for this chunk.
			for i, id := range chunkIDs {
				if perr := f.Publish(ctx, id, bodyChunks[c][i]); perr != nil {
					return perr
				}
			}
			continue
		}
		for _, body := range bodyChunks[c] {
			if _, err := fh.Write(append(body, '\n')); err != nil {
				fh.Close()
				return fmt.Errorf("sink: write batch to %q: %w", path, err)
			}
		}
		fh.Close()
	}
	return nil
}

func (f *FileDir) Attach(ctx context.Context) (Sink, error) { return f, nil }
func (f *FileDir) Disconnect() error                        { return nil }

// BrokerQueue is the best-effort message-queue transport, backed by
// AMQP (RabbitMQ classic), with per-message confirm.
type BrokerQueue struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	queueName string
	metrics   *metrics.Registry
	log       zerolog.Logger
}

// DialBrokerQueue connects to an AMQP broker at url. The returned
// BrokerQueue has no Channel yet — each worker must call Attach before
// publishing, since an amqp.Channel is not safe to share across
// goroutines/workers (the thread-local-channel requirement of §4.3).
func DialBrokerQueue(url, queueName string, reg *metrics.Registry) (*BrokerQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("sink: dial amqp broker: %w", err)
	}
	return &BrokerQueue{conn: conn, queueName: queueName, metrics: reg, log: logging.Named("sink.brokerqueue")}, nil
}

func (b *BrokerQueue) Attach(ctx context.Context) (Sink, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("sink: open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(b.queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("sink: declare queue %q: %w", b.queueName, err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("sink: enable confirms: %w", err)
	}
	return &BrokerQueue{conn: b.conn, channel: ch, queueName: b.queueName, metrics: b.metrics, log: b.log}, nil
}

func (b *BrokerQueue) Publish(ctx context.Context, id string, body []byte) error {
	if b.channel == nil {
		return fmt.Errorf("sink: BrokerQueue.Publish called before Attach")
	}
	return publishWithBackoff(ctx, b.log, b.metrics, func() error {
		confirms := b.channel.NotifyPublish(make(chan amqp.Confirmation, 1))
		if err := b.channel.Publish("", b.queueName, false, false, amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		}); err != nil {
			return err
		}
		select {
		case confirm, ok := <-confirms:
			if !ok || !confirm.Ack {
				return fmt.Errorf("sink: publish not acked")
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func (b *BrokerQueue) PublishBatch(ctx context.Context, ids []string, bodies [][]byte) error {
	idChunks, bodyChunks := partitionBatch(ids, bodies)
	for c := range idChunks {
		for i, id := range idChunks[c] {
			if err := b.Publish(ctx, id, bodyChunks[c][i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *BrokerQueue) Disconnect() error {
	if b.channel != nil {
		b.channel.Close()
	}
	return b.conn.Close()
}

// BrokerStream is the append-only-stream transport, backed by Google
// Cloud Pub/Sub, where every publish must be confirmed via
// PublishResult.Get before Publish returns (§4.3).
type BrokerStream struct {
	client  *pubsub.Client
	topic   *pubsub.Topic
	metrics *metrics.Registry
	log     zerolog.Logger
}

// DialBrokerStream connects to a Pub/Sub project and returns a
// BrokerStream bound to topicID.
func DialBrokerStream(ctx context.Context, projectID, topicID string, reg *metrics.Registry) (*BrokerStream, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("sink: dial pubsub: %w", err)
	}
	return &BrokerStream{client: client, topic: client.Topic(topicID), metrics: reg, log: logging.Named("sink.brokerstream")}, nil
}

func (s *BrokerStream) Attach(ctx context.Context) (Sink, error) { return s, nil }

func (s *BrokerStream) Publish(ctx context.Context, id string, body []byte) error {
	return publishWithBackoff(ctx, s.log, s.metrics, func() error {
		result := s.topic.Publish(ctx, &pubsub.Message{Data: body})
		_, err := result.Get(ctx)
		return err
	})
}

func (s *BrokerStream) PublishBatch(ctx context.Context, ids []string, bodies [][]byte) error {
	idChunks, bodyChunks := partitionBatch(ids, bodies)
	for c := range idChunks {
		results := make([]*pubsub.PublishResult, len(bodyChunks[c]))
		for i, body := range bodyChunks[c] {
			results[i] = s.topic.Publish(ctx, &pubsub.Message{Data: body})
		}
		for i, result := range results {
			if _, err := result.Get(ctx); err != nil {
				if perr := s.Publish(ctx, idChunks[c][i], bodyChunks[c][i]); perr != nil {
					return perr
				}
			}
		}
	}
	return nil
}

func (s *BrokerStream) Disconnect() error {
	s.topic.Stop()
	return s.client.Close()
}

// MarshalJSON is a small convenience every FileDir/BrokerQueue/
// BrokerStream caller uses to encode a record.Bundle-derived value
// before handing it to Publish; kept here rather than in records so
// sink stays the single place that knows about wire bytes versus Go
// values beyond the Serializer seam.
func MarshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}
