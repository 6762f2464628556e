package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/PratikDhanave/ingestion-relay/internal/logging"
	"github.com/PratikDhanave/ingestion-relay/internal/metrics"
)

// SubjectPrefix is prepended to the environment of an abandoned event.
const SubjectPrefix = "relay.dlq."

// AbandonedEvent is an event the relay gave up delivering.
type AbandonedEvent struct {
	RequestID   int64             `json:"request_id"`
	EventID     string            `json:"event_id"`
	TrackerKey  string            `json:"tracker_key"`
	Env         string            `json:"env"`
	Endpoint    string            `json:"endpoint"`
	Attempts    int               `json:"attempts"`
	Error       string            `json:"error,omitempty"`
	Payload     map[string]string `json:"payload"`
	AbandonedAt time.Time         `json:"abandoned_at"`
}

// Writer receives abandoned events.
type Writer interface {
	Write(ctx context.Context, ev AbandonedEvent) error
	Close() error
}

// NoOpWriter drops everything. Used when the dead letter queue is disabled.
type NoOpWriter struct{}

func (NoOpWriter) Write(context.Context, AbandonedEvent) error { return nil }
func (NoOpWriter) Close() error                                { return nil }

type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStreamWriter publishes abandoned events to a JetStream stream so they can
// be inspected or replayed by another process.
type JetStreamWriter struct {
	nc      *nats.Conn
	js      publisher
	logger  *logging.Logger
	written uint64
}

// NewJetStreamWriter connects to natsURL and creates or updates the stream.
func NewJetStreamWriter(ctx context.Context, natsURL, stream string, logger *logging.Logger) (*JetStreamWriter, error) {
	nc, err := nats.Connect(natsURL, nats.Name("ingestion-relay-dlq"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{SubjectPrefix + ">"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	logger.Info("Dead letter stream ready", "stream", stream)
	return &JetStreamWriter{nc: nc, js: js, logger: logger}, nil
}

// Write publishes ev on relay.dlq.<env>.
func (w *JetStreamWriter) Write(ctx context.Context, ev AbandonedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	if _, err := w.js.Publish(ctx, Subject(ev.Env), data); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}

	atomic.AddUint64(&w.written, 1)
	metrics.DeadLettersTotal.Inc()
	w.logger.Warn("Event written to dead letter queue",
		logging.AuditID(ev.RequestID),
		logging.EventID(ev.EventID),
		logging.TrackerKey(ev.TrackerKey),
	)
	return nil
}

// Written reports how many events this writer published.
func (w *JetStreamWriter) Written() uint64 {
	return atomic.LoadUint64(&w.written)
}

func (w *JetStreamWriter) Close() error {
	if w.nc != nil {
		w.nc.Close()
	}
	return nil
}

// Subject returns the subject abandoned events of env are published on.
// NATS tokens cannot hold dots or wildcards, so those become underscores.
func Subject(env string) string {
	env = strings.ToLower(strings.TrimSpace(env))
	if env == "" {
		env = "unknown"
	}
	env = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(env)
	return SubjectPrefix + env
}
