package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/PratikDhanave/ingestion-relay/internal/dlq"
	"github.com/PratikDhanave/ingestion-relay/internal/emitter"
	"github.com/PratikDhanave/ingestion-relay/internal/models"
)

type fakeSender struct {
	mu       sync.Mutex
	inputs   []emitter.Event
	outcomes chan emitter.Outcome
	started  int
	closed   bool
	inputErr error
}

func newFakeSender() *fakeSender {
	return &fakeSender{outcomes: make(chan emitter.Outcome, 8)}
}

func (f *fakeSender) Input(ev *emitter.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inputErr != nil {
		return f.inputErr
	}
	f.inputs = append(f.inputs, *ev)
	return nil
}

func (f *fakeSender) Outcomes() <-chan emitter.Outcome { return f.outcomes }

func (f *fakeSender) Start(context.Context) {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
}

func (f *fakeSender) URL() string { return "https://collector.test/com.snowplowanalytics.snowplow/tp2" }

func (f *fakeSender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.outcomes)
	}
	return nil
}

func (f *fakeSender) Inputs() []emitter.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitter.Event(nil), f.inputs...)
}

// fakeStore records attempts in memory.
type fakeStore struct {
	mu         sync.Mutex
	attempts   []models.DeliveryAttempt
	noAttempts []int64
	err        error
}

func (s *fakeStore) RecordDeliveryAttempt(_ context.Context, a *models.DeliveryAttempt) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.attempts = append(s.attempts, *a)
	return int64(len(s.attempts)), nil
}

func (s *fakeStore) RecordNoAttempt(_ context.Context, requestID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.noAttempts = append(s.noAttempts, requestID)
	return int64(len(s.noAttempts)), nil
}

func (s *fakeStore) Attempts() []models.DeliveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.DeliveryAttempt(nil), s.attempts...)
}

func (s *fakeStore) NoAttempts() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.noAttempts...)
}

type fakeDLQ struct {
	mu      sync.Mutex
	letters []dlq.AbandonedEvent
}

func (d *fakeDLQ) Write(_ context.Context, ev dlq.AbandonedEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.letters = append(d.letters, ev)
	return nil
}

func (d *fakeDLQ) Close() error { return nil }

// recordingSleep captures requested waits without sleeping.
type recordingSleep struct {
	mu     sync.Mutex
	waits  []time.Duration
	failAt int
}

func (s *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	if s.failAt > 0 && len(s.waits) == s.failAt {
		return context.Canceled
	}
	return ctx.Err()
}

// channelSourceFunc adapts a function to ChannelSource.
type channelSourceFunc func(key models.RoutingKey) (*Channel, error)

func (f channelSourceFunc) Get(key models.RoutingKey) (*Channel, error) { return f(key) }

var errBoom = errors.New("boom")

func testKey() models.RoutingKey {
	return models.RoutingKey{Env: "prod", Namespace: "shop", AppID: "web"}
}

func newFakeChannel() (*Channel, *fakeSender) {
	sender := newFakeSender()
	key := testKey()
	return &Channel{Key: key, Sender: sender, Tracker: emitter.NewTracker(sender, key.Namespace, key.AppID)}, sender
}

func failedEvents(n int) []*emitter.Event {
	events := make([]*emitter.Event, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, &emitter.Event{
			ID:        "evt-" + string(rune('a'+i)),
			RequestID: int64(100 + i),
			Payload:   map[string]string{"e": "ue", "dtm": "1700000000123"},
		})
	}
	return events
}
