package validator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	playground "github.com/go-playground/validator/v10"

	"github.com/PratikDhanave/ingestion-relay/internal/models"
)

// MinMillisTimestamp is the smallest dvce_created_tstamp accepted as milliseconds.
// Anything below it (11 digits, 1973-03-03T09:46:39Z) is taken to be seconds.
const MinMillisTimestamp int64 = 99_999_999_999

// Validator checks POST bodies against the event contract.
type Validator struct {
	v *playground.Validate
}

// New builds a Validator that reports violations by JSON field name.
func New() *Validator {
	v := playground.New(playground.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{v: v}
}

// Validate parses body, checks it against the contract and the millisecond
// timestamp convention. The returned error is one of *ParseError, *SchemaError
// or *TimestampUnitError.
func (val *Validator) Validate(body []byte) (*models.ParsedEvent, error) {
	if !json.Valid(body) {
		var v any
		err := json.Unmarshal(body, &v)
		if err == nil {
			err = errors.New("invalid JSON")
		}
		return nil, &ParseError{Err: err}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var ev models.ParsedEvent
	if err := dec.Decode(&ev); err != nil {
		return nil, &SchemaError{Violations: []string{typeViolation(err)}}
	}

	if err := val.v.Struct(&ev); err != nil {
		var verrs playground.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, &SchemaError{Violations: []string{err.Error()}}
		}
		violations := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			violations = append(violations, fmt.Sprintf("%s: failed %q", jsonPath(fe.Namespace()), fe.Tag()))
		}
		return nil, &SchemaError{Violations: violations}
	}

	// Postgres TEXT and JSONB cannot hold U+0000.
	if violations := nulViolations(&ev); len(violations) > 0 {
		return nil, &SchemaError{Violations: violations}
	}

	if ts := ev.DeviceTimestamp(); ts < MinMillisTimestamp {
		return nil, &TimestampUnitError{Value: ts}
	}

	return &ev, nil
}

func typeViolation(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			field = "(root)"
		}
		return fmt.Sprintf("%s: expected %s, got %s", field, typeErr.Type, typeErr.Value)
	}
	return err.Error()
}

// jsonPath drops the struct name prefix, "ParsedEvent.event_data_json.schema" -> "event_data_json.schema".
func jsonPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func nulViolations(ev *models.ParsedEvent) []string {
	var out []string
	check := func(path string, v any) {
		if hasNUL(v) {
			out = append(out, path+": contains NUL")
		}
	}

	check("env", ev.Env)
	check("namespace", ev.Namespace)
	check("app_id", ev.AppID)
	check("event_data_json.schema", ev.EventData.Schema)
	check("event_data_json.data", ev.EventData.Data)
	for i, ctx := range ev.EventData.Contexts {
		check(fmt.Sprintf("event_data_json.contexts[%d].schema", i), ctx.Schema)
		check(fmt.Sprintf("event_data_json.contexts[%d].data", i), ctx.Data)
	}
	return out
}

// hasNUL walks decoded JSON, object keys included.
func hasNUL(v any) bool {
	switch x := v.(type) {
	case string:
		return strings.IndexByte(x, 0) >= 0
	case map[string]any:
		for k, elem := range x {
			if hasNUL(k) || hasNUL(elem) {
				return true
			}
		}
	case []any:
		for _, elem := range x {
			if hasNUL(elem) {
				return true
			}
		}
	}
	return false
}
