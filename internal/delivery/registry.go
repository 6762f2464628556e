package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/PratikDhanave/ingestion-relay/internal/config"
	"github.com/PratikDhanave/ingestion-relay/internal/emitter"
	"github.com/PratikDhanave/ingestion-relay/internal/logging"
	"github.com/PratikDhanave/ingestion-relay/internal/metrics"
	"github.com/PratikDhanave/ingestion-relay/internal/models"
)

// ErrNoEndpoint means no collector endpoint is configured for an environment.
var ErrNoEndpoint = errors.New("delivery: no collector endpoint configured")

// Sender is the queue side of a channel. *emitter.Emitter implements it.
type Sender interface {
	emitter.Queue
	Outcomes() <-chan emitter.Outcome
	Start(ctx context.Context)
	URL() string
	Close() error
}

// Channel is the emitter and tracker pair serving one routing key.
type Channel struct {
	Key     models.RoutingKey
	Sender  Sender
	Tracker *emitter.Tracker
}

// ChannelFactory builds an unstarted channel for key.
type ChannelFactory func(key models.RoutingKey) (*Channel, error)

// Runner consumes a started channel's outcomes until ctx is done.
type Runner interface {
	Run(ctx context.Context, ch *Channel)
}

// Registry lazily creates one channel per routing key and keeps it for the
// life of the process.
type Registry struct {
	ctx     context.Context
	cancel  context.CancelFunc
	factory ChannelFactory
	runner  Runner
	logger  *logging.Logger

	mu       sync.RWMutex
	channels map[models.RoutingKey]*Channel
	closed   bool
	wg       sync.WaitGroup
}

// NewRegistry returns an empty registry. Channels it creates are started under
// ctx and, when runner is not nil, have runner consume their outcomes.
func NewRegistry(ctx context.Context, factory ChannelFactory, runner Runner, logger *logging.Logger) *Registry {
	ctx, cancel := context.WithCancel(ctx)
	return &Registry{
		ctx:      ctx,
		cancel:   cancel,
		factory:  factory,
		runner:   runner,
		logger:   logger,
		channels: make(map[models.RoutingKey]*Channel),
	}
}

// Get returns the channel for key, creating and starting it on first use.
// Concurrent callers for the same key observe a single construction.
func (r *Registry) Get(key models.RoutingKey) (*Channel, error) {
	r.mu.RLock()
	ch, ok := r.channels[key]
	r.mu.RUnlock()
	if ok {
		return ch, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[key]; ok {
		return ch, nil
	}
	if r.closed {
		return nil, emitter.ErrClosed
	}

	ch, err := r.factory(key)
	if err != nil {
		return nil, err
	}

	r.start(ch)
	r.channels[key] = ch
	metrics.DeliveryChannels.Set(float64(len(r.channels)))

	r.logger.Info("Delivery channel created",
		logging.TrackerKey(key.String()),
		logging.Endpoint(ch.Sender.URL()),
	)
	return ch, nil
}

func (r *Registry) start(ch *Channel) {
	ch.Sender.Start(r.ctx)
	if r.runner == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runner.Run(r.ctx, ch)
	}()
}

// Len returns the number of live channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Close stops every channel and waits for their runners to return.
// Queued and in-flight retries are dropped.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.cancel()

	var errs []error
	for key, ch := range r.channels {
		if err := ch.Sender.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	r.mu.Unlock()

	r.wg.Wait()
	return errors.Join(errs...)
}

// NewEmitterFactory builds channels backed by a real emitter for the endpoint
// configured for the key's environment.
func NewEmitterFactory(cfg config.CollectorConfig, logger *logging.Logger) ChannelFactory {
	return func(key models.RoutingKey) (*Channel, error) {
		endpoint, ok := cfg.Endpoint(key.Env)
		if !ok {
			return nil, fmt.Errorf("%w: env %q", ErrNoEndpoint, key.Env)
		}

		em, err := emitter.New(emitter.Config{
			Endpoint:      endpoint,
			BatchSize:     cfg.BatchSize,
			FlushInterval: cfg.FlushInterval,
			Timeout:       cfg.Timeout,
		}, logger.With(logging.TrackerKey(key.String())))
		if err != nil {
			return nil, fmt.Errorf("create emitter for %s: %w", key, err)
		}

		return &Channel{
			Key:     key,
			Sender:  em,
			Tracker: emitter.NewTracker(em, key.Namespace, key.AppID),
		}, nil
	}
}
