package serialization

import "errors"

// ErrInvalidPayloadType is returned when a serializer receives a payload of
// the wrong Go type.
var ErrInvalidPayloadType = errors.New("invalid payload type")
