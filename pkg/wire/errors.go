package wire

import "errors"

// Diagnostic conditions raised at the bridge boundary. None of them is ever
// returned to the application runtime; they classify log entries.
var (
	ErrMissingChannel     = errors.New("outbound channel not wired")
	ErrUnknownTag         = errors.New("unknown tag")
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrStorageUnavailable = errors.New("storage unavailable")
)
