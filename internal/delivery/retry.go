package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/PratikDhanave/ingestion-relay/internal/config"
	"github.com/PratikDhanave/ingestion-relay/internal/dlq"
	"github.com/PratikDhanave/ingestion-relay/internal/emitter"
	"github.com/PratikDhanave/ingestion-relay/internal/logging"
	"github.com/PratikDhanave/ingestion-relay/internal/metrics"
	"github.com/PratikDhanave/ingestion-relay/internal/models"
)

// AttemptRecorder writes delivery_attempts rows.
type AttemptRecorder interface {
	RecordDeliveryAttempt(ctx context.Context, a *models.DeliveryAttempt) (int64, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Reconciler turns emitter outcomes into attempt rows and resubmits failed events.
type Reconciler struct {
	store       AttemptRecorder
	deadLetters dlq.Writer
	maxAttempts int
	backoffUnit time.Duration
	sleep       SleepFunc
	logger      *logging.Logger
}

// NewReconciler returns a Reconciler. A nil deadLetters drops abandoned events.
func NewReconciler(store AttemptRecorder, deadLetters dlq.Writer, cfg config.RetryConfig, logger *logging.Logger) *Reconciler {
	if deadLetters == nil {
		deadLetters = dlq.NoOpWriter{}
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = time.Second
	}
	return &Reconciler{
		store:       store,
		deadLetters: deadLetters,
		maxAttempts: cfg.MaxAttempts,
		backoffUnit: cfg.BackoffUnit,
		sleep:       sleepContext,
		logger:      logger,
	}
}

// WithSleep replaces the backoff wait. Tests use it to avoid real sleeps.
func (r *Reconciler) WithSleep(sleep SleepFunc) *Reconciler {
	r.sleep = sleep
	return r
}

// Run consumes ch's outcomes one at a time until they close or ctx is done.
func (r *Reconciler) Run(ctx context.Context, ch *Channel) {
	outcomes := ch.Sender.Outcomes()
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-outcomes:
			if !ok {
				return
			}
			if err := r.Handle(ctx, ch, out); err != nil {
				return
			}
		}
	}
}

// Handle processes one outcome. It only fails when ctx is done during backoff.
func (r *Reconciler) Handle(ctx context.Context, ch *Channel, out emitter.Outcome) error {
	switch out.Kind {
	case emitter.Success:
		r.handleSuccess(ctx, ch, out)
		return nil
	default:
		return r.handleFailure(ctx, ch, out)
	}
}

func (r *Reconciler) handleSuccess(ctx context.Context, ch *Channel, out emitter.Outcome) {
	for _, ev := range out.Events {
		attemptID, err := r.record(ctx, ch, ev, http.StatusOK, 1, false)
		log := r.eventLogger(ch, ev).With(logging.Attempt(1))
		if err != nil {
			log.Error("Failed to record delivery attempt", logging.Error(err))
			continue
		}
		metrics.DeliveryAttemptsTotal.WithLabelValues("delivered").Inc()
		log.Info("Emitter call passed", logging.AttemptID(attemptID))
	}
}

// handleFailure waits max(i-1, 0) backoff units before the i-th event of the
// batch, records it and resubmits it, or abandons it once maxAttempts sends
// have failed.
func (r *Reconciler) handleFailure(ctx context.Context, ch *Channel, out emitter.Outcome) error {
	for i, ev := range out.Events {
		if err := r.sleep(ctx, Backoff(i, r.backoffUnit)); err != nil {
			return err
		}

		attempt := i + 1
		abandoned := r.maxAttempts > 0 && ev.Tries+1 >= r.maxAttempts
		log := r.eventLogger(ch, ev).With(logging.Attempt(attempt))

		attemptID, err := r.record(ctx, ch, ev, http.StatusBadRequest, attempt, abandoned)
		if err != nil {
			log.Error("Failed to record delivery attempt", logging.Error(err))
		} else {
			log.Warn("Emitter call failed", logging.AttemptID(attemptID))
		}

		if abandoned {
			metrics.DeliveryAttemptsTotal.WithLabelValues("abandoned").Inc()
			r.abandon(ctx, ch, ev, out.Err, log)
			continue
		}

		metrics.DeliveryAttemptsTotal.WithLabelValues("failed").Inc()
		ev.Tries++
		if err := ch.Sender.Input(ev); err != nil {
			log.Error("Failed to resubmit event", logging.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) abandon(ctx context.Context, ch *Channel, ev *emitter.Event, cause error, log *slog.Logger) {
	letter := dlq.AbandonedEvent{
		RequestID:   ev.RequestID,
		EventID:     ev.ID,
		TrackerKey:  ch.Key.String(),
		Env:         ch.Key.Env,
		Endpoint:    ch.Sender.URL(),
		Attempts:    ev.Tries + 1,
		Payload:     ev.Payload,
		AbandonedAt: time.Now().UTC(),
	}
	if cause != nil {
		letter.Error = cause.Error()
	}

	if err := r.deadLetters.Write(ctx, letter); err != nil {
		log.Error("Failed to write dead letter", logging.Error(err))
		return
	}
	log.Warn("Event abandoned", slog.Int("sends", letter.Attempts))
}

func (r *Reconciler) record(ctx context.Context, ch *Channel, ev *emitter.Event, status, attempt int, abandoned bool) (int64, error) {
	return r.store.RecordDeliveryAttempt(ctx, &models.DeliveryAttempt{
		RequestID:       ev.RequestID,
		ResponseCode:    status,
		AttemptNumber:   attempt,
		Key:             ch.Key,
		DeviceTimestamp: deviceTimestamp(ev),
		EventData:       eventData(ev),
		Abandoned:       abandoned,
	})
}

func (r *Reconciler) eventLogger(ch *Channel, ev *emitter.Event) *slog.Logger {
	return r.logger.Logger.With(
		logging.AuditID(ev.RequestID),
		logging.EventID(ev.ID),
		logging.TrackerKey(ch.Key.String()),
	)
}

// Backoff is the wait before the i-th (0-based) event of a failed batch:
// 0, 0, 1, 2, ... units.
func Backoff(i int, unit time.Duration) time.Duration {
	if i < 1 {
		return 0
	}
	return time.Duration(i-1) * unit
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// deviceTimestamp reads dtm back from the payload; nil when absent or unparsable.
func deviceTimestamp(ev *emitter.Event) *int64 {
	ts, err := strconv.ParseInt(ev.Payload["dtm"], 10, 64)
	if err != nil {
		return nil
	}
	return &ts
}

// eventData rebuilds the event_data_json object from the tracker payload.
func eventData(ev *emitter.Event) json.RawMessage {
	var ue struct {
		Data struct {
			Schema string          `json:"schema"`
			Data   json.RawMessage `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(ev.Payload["ue_pr"]), &ue); err != nil {
		return nil
	}

	contexts := json.RawMessage("[]")
	if co, ok := ev.Payload["co"]; ok {
		var wrapped struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal([]byte(co), &wrapped); err == nil && len(wrapped.Data) > 0 {
			contexts = wrapped.Data
		}
	}

	out, err := json.Marshal(struct {
		Schema   string          `json:"schema"`
		Data     json.RawMessage `json:"data"`
		Contexts json.RawMessage `json:"contexts"`
	}{ue.Data.Schema, ue.Data.Data, contexts})
	if err != nil {
		return nil
	}
	return out
}
