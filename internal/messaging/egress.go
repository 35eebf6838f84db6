// Package messaging bridges the committed replicated stream onto Kafka so
// downstream consumers see exactly the fragments the cluster cannot lose.
package messaging

import (
	"context"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/internal/replication"
	"github.com/Aidin1998/fixgate/internal/transport"
	"github.com/Aidin1998/fixgate/pkg/metrics"
)

// Config contains the writer knobs the bridge exposes.
type Config struct {
	Brokers      []string      `json:"brokers"`
	Topic        string        `json:"topic"`
	BatchSize    int           `json:"batch_size"`
	BatchTimeout time.Duration `json:"batch_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	RequiredAcks int           `json:"required_acks"`
	Compression  string        `json:"compression"`
}

// DefaultConfig returns a configuration tuned for low publish latency.
func DefaultConfig() Config {
	return Config{
		Brokers:      []string{"localhost:9092"},
		Topic:        "fixgate.committed",
		BatchSize:    1000,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 1 * time.Second,
		RequiredAcks: 1,
		Compression:  "snappy",
	}
}

// NewWriter builds a kafka writer for the bridge.
func NewWriter(cfg Config) *kafka.Writer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.CRC32Balancer{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
	}
	switch cfg.Compression {
	case "gzip":
		writer.Compression = kafka.Gzip
	case "snappy":
		writer.Compression = kafka.Snappy
	case "lz4":
		writer.Compression = kafka.Lz4
	case "zstd":
		writer.Compression = kafka.Zstd
	default:
		writer.Compression = kafka.Snappy
	}
	return writer
}

// FragmentWriter is the broker side of the bridge. *kafka.Writer satisfies
// it.
type FragmentWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Egress drains a cluster subscription and forwards each committed fragment,
// keyed by publication session so one session stays on one partition.
type Egress struct {
	subscription *replication.ClusterSubscription
	writer       FragmentWriter
	log          *zap.Logger
	batch        []kafka.Message
}

// NewEgress wires a cluster subscription to a broker writer.
func NewEgress(subscription *replication.ClusterSubscription, writer FragmentWriter, log *zap.Logger) *Egress {
	if log == nil {
		log = zap.NewNop()
	}
	return &Egress{
		subscription: subscription,
		writer:       writer,
		log:          log,
	}
}

// Poll forwards up to limit committed fragments and returns the amount of
// work done. A broker failure is logged and counted; the committed stream
// itself stays durable in the archive, so the bridge never blocks consensus.
func (e *Egress) Poll(ctx context.Context, limit int) int {
	e.batch = e.batch[:0]
	work := e.subscription.Poll(func(buffer []byte, header transport.FragmentHeader) {
		value := make([]byte, len(buffer))
		copy(value, buffer)
		e.batch = append(e.batch, kafka.Message{
			Key:   []byte(strconv.FormatInt(int64(header.SessionID), 10)),
			Value: value,
			Time:  time.Now(),
			Headers: []kafka.Header{
				{Key: "session_id", Value: []byte(strconv.FormatInt(int64(header.SessionID), 10))},
				{Key: "position", Value: []byte(strconv.FormatInt(header.Position, 10))},
			},
		})
	}, limit)

	if len(e.batch) == 0 {
		return work
	}
	if err := e.writer.WriteMessages(ctx, e.batch...); err != nil {
		e.log.Error("forwarding committed fragments failed",
			zap.Int("count", len(e.batch)),
			zap.Error(err))
		metrics.EgressMessages.WithLabelValues("error").Add(float64(len(e.batch)))
		return work
	}
	metrics.EgressMessages.WithLabelValues("ok").Add(float64(len(e.batch)))
	return work
}

// Close releases the broker writer.
func (e *Egress) Close() error {
	return e.writer.Close()
}
