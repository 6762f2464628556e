package validator

import (
	"errors"
	"fmt"
	"strings"
)

// Client-facing rejection reasons.
const (
	ReasonParse     = "POST body is not parsable as JSON."
	ReasonSchema    = "POST JSON is not compliant with schema."
	ReasonTimestamp = "Device Created Timestamp is not in milliseconds."
)

// ParseError means the body is not JSON.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string  { return fmt.Sprintf("parse body: %v", e.Err) }
func (e *ParseError) Unwrap() error  { return e.Err }
func (e *ParseError) Reason() string { return ReasonParse }

// SchemaError lists the contract violations found in a JSON body.
type SchemaError struct {
	Violations []string
}

func (e *SchemaError) Error() string {
	return "schema violation: " + strings.Join(e.Violations, "; ")
}

func (e *SchemaError) Reason() string { return ReasonSchema }

// TimestampUnitError means dvce_created_tstamp looks like seconds, not milliseconds.
type TimestampUnitError struct {
	Value int64
}

func (e *TimestampUnitError) Error() string {
	return fmt.Sprintf("dvce_created_tstamp %d is below %d, not milliseconds", e.Value, MinMillisTimestamp)
}

func (e *TimestampUnitError) Reason() string { return ReasonTimestamp }

// Rejection is implemented by every client input error.
type Rejection interface {
	error
	Reason() string
}

// AsRejection reports whether err is a client input error and returns it.
func AsRejection(err error) (Rejection, bool) {
	var r Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
