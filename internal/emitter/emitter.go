package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/PratikDhanave/ingestion-relay/internal/logging"
	"github.com/PratikDhanave/ingestion-relay/internal/metrics"
)

const (
	payloadDataSchema = "iglu:com.snowplowanalytics.snowplow/payload_data/jsonschema/1-0-4"
	postPath          = "/com.snowplowanalytics.snowplow/tp2"

	inputTopic        = "emitter.input"
	metadataRequestID = "request_id"
	metadataTries     = "tries"
)

// ErrClosed is returned by Input after Close.
var ErrClosed = errors.New("emitter: closed")

// Event is one queued tracker payload together with the request id captured
// when it was submitted.
type Event struct {
	ID        string
	RequestID int64
	// Tries counts how many times the event has been resubmitted.
	Tries   int
	Payload map[string]string
}

type OutcomeKind int

const (
	Success OutcomeKind = iota
	Failure
)

func (k OutcomeKind) String() string {
	if k == Success {
		return "success"
	}
	return "failure"
}

// Outcome is the result of sending one batch to the collector.
type Outcome struct {
	Kind   OutcomeKind
	Count  int
	Events []*Event
	Err    error
}

type Config struct {
	Endpoint      string
	BatchSize     int
	FlushInterval time.Duration
	Timeout       time.Duration
	// HTTPClient overrides the default client built from Timeout.
	HTTPClient *http.Client
}

// Emitter queues tracker payloads and sends them to one collector endpoint from
// a single worker. Results are published on Outcomes.
type Emitter struct {
	collectorURL  string
	client        *http.Client
	pubSub        *gochannel.GoChannel
	messages      <-chan *message.Message
	outcomes      chan Outcome
	batchSize     int
	flushInterval time.Duration
	logger        *logging.Logger

	closeOnce sync.Once
}

// New builds an Emitter. Endpoints without a scheme are sent over https.
func New(cfg Config, logger *logging.Logger) (*Emitter, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("emitter: endpoint required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(cfg.BatchSize) * 4,
	}, watermill.NewSlogLogger(logger.Logger))

	// Subscribe before anything is published; gochannel drops messages for
	// topics without subscribers.
	messages, err := pubSub.Subscribe(context.Background(), inputTopic)
	if err != nil {
		_ = pubSub.Close()
		return nil, fmt.Errorf("subscribe input queue: %w", err)
	}

	return &Emitter{
		collectorURL:  CollectorURL(cfg.Endpoint),
		client:        client,
		pubSub:        pubSub,
		messages:      messages,
		outcomes:      make(chan Outcome, 16),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		logger:        logger,
	}, nil
}

// CollectorURL turns an endpoint into the tracker protocol POST URL.
func CollectorURL(endpoint string) string {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	return endpoint + postPath
}

// URL returns the collector URL events are posted to.
func (e *Emitter) URL() string {
	return e.collectorURL
}

// Start runs the send worker until ctx is done or the emitter is closed.
// Outcomes is closed when the worker exits.
func (e *Emitter) Start(ctx context.Context) {
	go e.run(ctx)
}

// Input enqueues ev for sending. It never waits for the network.
func (e *Emitter) Input(ev *Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	msg := message.NewMessage(ev.ID, payload)
	msg.Metadata.Set(metadataRequestID, strconv.FormatInt(ev.RequestID, 10))
	msg.Metadata.Set(metadataTries, strconv.Itoa(ev.Tries))

	if err := e.pubSub.Publish(inputTopic, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Outcomes delivers one Outcome per sent batch.
func (e *Emitter) Outcomes() <-chan Outcome {
	return e.outcomes
}

// Close stops accepting input. Queued events are dropped.
func (e *Emitter) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.pubSub.Close()
	})
	return err
}

func (e *Emitter) run(ctx context.Context) {
	defer close(e.outcomes)

	for {
		batch, more := e.collect(ctx)
		if len(batch) > 0 {
			outcome := e.send(ctx, batch)
			select {
			case e.outcomes <- outcome:
			case <-ctx.Done():
				return
			}
		}
		if !more {
			return
		}
	}
}

// collect gathers up to batchSize events, or fewer once flushInterval has
// passed since the first one arrived.
func (e *Emitter) collect(ctx context.Context) ([]*Event, bool) {
	var batch []*Event
	var flush <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return batch, false
		case msg, ok := <-e.messages:
			if !ok {
				return batch, false
			}
			ev, err := decode(msg)
			msg.Ack()
			if err != nil {
				e.logger.Error("Dropping undecodable queued event", logging.EventID(msg.UUID), logging.Error(err))
				continue
			}
			batch = append(batch, ev)
			if len(batch) >= e.batchSize {
				return batch, true
			}
			if flush == nil {
				timer := time.NewTimer(e.flushInterval)
				defer timer.Stop()
				flush = timer.C
			}
		case <-flush:
			return batch, true
		}
	}
}

func decode(msg *message.Message) (*Event, error) {
	var payload map[string]string
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	requestID, err := strconv.ParseInt(msg.Metadata.Get(metadataRequestID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse request id: %w", err)
	}
	tries, _ := strconv.Atoi(msg.Metadata.Get(metadataTries))

	return &Event{ID: msg.UUID, RequestID: requestID, Tries: tries, Payload: payload}, nil
}

type payloadData struct {
	Schema string              `json:"schema"`
	Data   []map[string]string `json:"data"`
}

func (e *Emitter) send(ctx context.Context, batch []*Event) Outcome {
	start := time.Now()
	defer func() {
		metrics.EmitterSendDuration.Observe(time.Since(start).Seconds())
	}()

	err := e.post(ctx, batch)
	if err != nil {
		e.logger.Warn("Collector send failed",
			logging.Endpoint(e.collectorURL),
			slog.Int("events", len(batch)),
			logging.Error(err),
		)
		return Outcome{Kind: Failure, Count: len(batch), Events: batch, Err: err}
	}
	return Outcome{Kind: Success, Count: len(batch), Events: batch}
}

func (e *Emitter) post(ctx context.Context, batch []*Event) error {
	sentAt := strconv.FormatInt(time.Now().UnixMilli(), 10)

	body := payloadData{Schema: payloadDataSchema, Data: make([]map[string]string, 0, len(batch))}
	for _, ev := range batch {
		params := make(map[string]string, len(ev.Payload)+1)
		for k, v := range ev.Payload {
			params[k] = v
		}
		params["stm"] = sentAt
		body.Data = append(body.Data, params)
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.collectorURL, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("collector returned status %d", resp.StatusCode)
	}
	return nil
}
