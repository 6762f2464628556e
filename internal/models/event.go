package models

import (
	"encoding/json"
	"time"
)

// SelfDescribing is a {schema, data} pair as posted by clients.
type SelfDescribing struct {
	Schema string         `json:"schema" validate:"required"`
	Data   map[string]any `json:"data" validate:"required"`
}

// EventData is the event_data_json object of the POST body.
// contexts may be empty but must be present.
type EventData struct {
	Schema   string           `json:"schema" validate:"required"`
	Data     map[string]any   `json:"data" validate:"required"`
	Contexts []SelfDescribing `json:"contexts" validate:"required,dive"`
}

// ParsedEvent is a POST body that passed schema and timestamp validation.
type ParsedEvent struct {
	Env                    string     `json:"env" validate:"required"`
	Namespace              string     `json:"namespace" validate:"required"`
	AppID                  string     `json:"app_id" validate:"required"`
	DeviceCreatedTimestamp *int64     `json:"dvce_created_tstamp" validate:"required"`
	EventData              *EventData `json:"event_data_json" validate:"required"`
}

// Key returns the routing key the event is delivered under.
func (p *ParsedEvent) Key() RoutingKey {
	return RoutingKey{Env: p.Env, Namespace: p.Namespace, AppID: p.AppID}
}

// DeviceTimestamp returns dvce_created_tstamp in milliseconds, or 0 when unset.
func (p *ParsedEvent) DeviceTimestamp() int64 {
	if p.DeviceCreatedTimestamp == nil {
		return 0
	}
	return *p.DeviceCreatedTimestamp
}

// InboundRequest is the audit record of one POST. Parsed is nil for rejected requests.
type InboundRequest struct {
	ID           int64
	ReceivedAt   time.Time
	IPAddress    string
	ResponseCode int
	RawData      string
	Parsed       *ParsedEvent
}

// DeliveryAttempt is the audit record of one emitter callback for a request.
type DeliveryAttempt struct {
	ID            int64
	RequestID     int64
	SentAt        time.Time
	ResponseCode  int
	AttemptNumber int
	Key           RoutingKey
	// DeviceTimestamp is in milliseconds, nil when unknown.
	DeviceTimestamp *int64
	EventData       json.RawMessage
	Abandoned       bool
}

// StoredRequest is an inbound_requests row read back from the store.
type StoredRequest struct {
	ID                     int64
	ReceivedAt             time.Time
	IPAddress              string
	ResponseCode           int
	RawData                string
	Env                    *string
	Namespace              *string
	AppID                  *string
	DeviceCreatedTimestamp *time.Time
	EventData              []byte
}
