package logging

import "log/slog"

// Field names shared by every log line.
const (
	FieldService    = "service"
	FieldRequestID  = "http_request_id"
	FieldAuditID    = "request_id"
	FieldAttemptID  = "attempt_id"
	FieldAttempt    = "attempt_number"
	FieldIP         = "ip"
	FieldStatus     = "status"
	FieldError      = "error"
	FieldTrackerKey = "tracker_key"
	FieldEndpoint   = "endpoint"
	FieldEventID    = "event_id"
)

func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// AuditID is the store-generated inbound request id.
func AuditID(id int64) slog.Attr {
	return slog.Int64(FieldAuditID, id)
}

func AttemptID(id int64) slog.Attr {
	return slog.Int64(FieldAttemptID, id)
}

func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}

func TrackerKey(key string) slog.Attr {
	return slog.String(FieldTrackerKey, key)
}

func Endpoint(url string) slog.Attr {
	return slog.String(FieldEndpoint, url)
}

func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}
