package events

import (
	"errors"
	"fmt"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// TransportError indicates the bus could not reach the broker. The operation
// is safe to retry.
type TransportError struct {
	Op    string
	Topic Topic
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s on topic %s: %v", e.Op, e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SchemaError indicates a malformed or unknown-version payload. A message
// carrying one can never be processed successfully.
type SchemaError struct {
	EventType     EventType
	SchemaVersion int
	Reason        string
	Err           error
}

func (e *SchemaError) Error() string {
	msg := fmt.Sprintf("schema error for event %q v%d: %s", e.EventType, e.SchemaVersion, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SchemaError) Unwrap() error { return e.Err }

// IsSchemaError reports whether err wraps a *SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}
