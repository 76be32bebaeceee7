package events

import "context"

// Disposition tells the bus what to do with a delivered message once its
// handler returns.
type Disposition int

const (
	// Ack removes the message from the subscription.
	Ack Disposition = iota
	// Nack asks the transport to redeliver the message.
	Nack
	// Drop acknowledges a message that can never be processed. The bus logs
	// it as a poison message.
	Drop
)

// String returns the string representation of the Disposition.
func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Nack:
		return "nack"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// Result is the explicit outcome of handling one message.
type Result struct {
	Disposition Disposition
	Err         error
}

// Acked reports successful handling.
func Acked() Result { return Result{Disposition: Ack} }

// Nacked reports a transient failure; the message should be redelivered.
func Nacked(err error) Result { return Result{Disposition: Nack, Err: err} }

// Dropped reports a permanent failure; the message must not be redelivered.
func Dropped(err error) Result { return Result{Disposition: Drop, Err: err} }

// HandlerFunc processes one delivered envelope. The bus acknowledges the
// message only after the handler returns, according to the Result.
type HandlerFunc func(ctx context.Context, evt EventEnvelope) Result
