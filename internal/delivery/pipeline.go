package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/PratikDhanave/ingestion-relay/internal/emitter"
	"github.com/PratikDhanave/ingestion-relay/internal/logging"
	"github.com/PratikDhanave/ingestion-relay/internal/metrics"
	"github.com/PratikDhanave/ingestion-relay/internal/models"
)

// ChannelSource resolves the channel of a routing key. *Registry implements it.
type ChannelSource interface {
	Get(key models.RoutingKey) (*Channel, error)
}

// NoAttemptRecorder writes the placeholder attempt row of a request that never
// reached an emitter.
type NoAttemptRecorder interface {
	RecordNoAttempt(ctx context.Context, requestID int64) (int64, error)
}

// Pipeline hands accepted events to their delivery channel.
type Pipeline struct {
	channels ChannelSource
	store    NoAttemptRecorder
	logger   *logging.Logger
}

func NewPipeline(channels ChannelSource, store NoAttemptRecorder, logger *logging.Logger) *Pipeline {
	return &Pipeline{channels: channels, store: store, logger: logger}
}

// Submit enqueues ev for delivery under requestID and returns without waiting
// for the collector. When the event cannot be enqueued a no-attempt row is
// written and the error is returned for logging only.
func (p *Pipeline) Submit(ctx context.Context, requestID int64, ev *models.ParsedEvent) error {
	// The audit row must land even if the client has gone away.
	ctx = context.WithoutCancel(ctx)
	key := ev.Key()
	log := p.logger.WithContext(ctx).With(logging.AuditID(requestID), logging.TrackerKey(key.String()))

	event, contexts := selfDescribing(ev.EventData)

	ch, err := p.channels.Get(key)
	if err != nil {
		if errors.Is(err, ErrNoEndpoint) {
			log.Error("No collector endpoint for environment", "env", key.Env)
		} else {
			log.Error("Failed to get delivery channel", logging.Error(err))
		}
		p.recordNoAttempt(ctx, requestID, log)
		return fmt.Errorf("resolve channel: %w", err)
	}

	queued, err := ch.Tracker.TrackSelfDescribingEvent(requestID, event, contexts, ev.DeviceTimestamp())
	if err != nil {
		log.Error("Failed to enqueue event", logging.Error(err))
		p.recordNoAttempt(ctx, requestID, log)
		return fmt.Errorf("track event: %w", err)
	}

	log.Debug("Event queued for delivery", logging.EventID(queued.ID))
	return nil
}

func (p *Pipeline) recordNoAttempt(ctx context.Context, requestID int64, log *slog.Logger) {
	metrics.DeliveryAttemptsTotal.WithLabelValues("not_attempted").Inc()
	if _, err := p.store.RecordNoAttempt(ctx, requestID); err != nil {
		log.Error("Failed to record no-attempt row", logging.Error(err))
	}
}

func selfDescribing(ed *models.EventData) (emitter.SelfDescribingJSON, []emitter.SelfDescribingJSON) {
	event := emitter.SelfDescribingJSON{Schema: ed.Schema, Data: ed.Data}
	contexts := make([]emitter.SelfDescribingJSON, 0, len(ed.Contexts))
	for _, c := range ed.Contexts {
		contexts = append(contexts, emitter.SelfDescribingJSON{Schema: c.Schema, Data: c.Data})
	}
	return event, contexts
}
