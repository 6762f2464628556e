package emitter

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

const (
	unstructEventSchema = "iglu:com.snowplowanalytics.snowplow/unstruct_event/jsonschema/1-0-0"
	contextsSchema      = "iglu:com.snowplowanalytics.snowplow/contexts/jsonschema/1-0-1"

	TrackerVersion = "relay-go-1.0.0"
	platformServer = "srv"
)

// SelfDescribingJSON is a payload tagged with the schema it conforms to.
type SelfDescribingJSON struct {
	Schema string `json:"schema"`
	Data   any    `json:"data"`
}

// Queue accepts events for asynchronous sending. *Emitter implements it.
type Queue interface {
	Input(ev *Event) error
}

// Tracker turns self-describing events into tracker protocol payloads for one
// namespace and app id.
type Tracker struct {
	queue     Queue
	namespace string
	appID     string
}

func NewTracker(queue Queue, namespace, appID string) *Tracker {
	return &Tracker{queue: queue, namespace: namespace, appID: appID}
}

func (t *Tracker) Namespace() string { return t.namespace }
func (t *Tracker) AppID() string     { return t.appID }

// TrackSelfDescribingEvent builds an unstructured event with its contexts,
// stamps it with deviceTimestamp (ms) and enqueues it under requestID.
// The returned event has already been handed to the queue when err is nil.
func (t *Tracker) TrackSelfDescribingEvent(requestID int64, event SelfDescribingJSON, contexts []SelfDescribingJSON, deviceTimestamp int64) (*Event, error) {
	ue, err := json.Marshal(SelfDescribingJSON{Schema: unstructEventSchema, Data: event})
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	eventID := uuid.New().String()
	payload := map[string]string{
		"e":     "ue",
		"ue_pr": string(ue),
		"eid":   eventID,
		"dtm":   strconv.FormatInt(deviceTimestamp, 10),
		"tv":    TrackerVersion,
		"tna":   t.namespace,
		"aid":   t.appID,
		"p":     platformServer,
	}

	if len(contexts) > 0 {
		co, err := json.Marshal(SelfDescribingJSON{Schema: contextsSchema, Data: contexts})
		if err != nil {
			return nil, fmt.Errorf("marshal contexts: %w", err)
		}
		payload["co"] = string(co)
	}

	ev := &Event{ID: eventID, RequestID: requestID, Payload: payload}
	if err := t.queue.Input(ev); err != nil {
		return nil, err
	}
	return ev, nil
}
