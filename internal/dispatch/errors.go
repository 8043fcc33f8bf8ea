package dispatch

import "errors"

// Error taxonomy shared by every layer. Callers match with errors.Is.
var (
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrUnknownStatus      = errors.New("unknown status")
	ErrUnknownEntity      = errors.New("unknown entity")
)
