package eventflow

import "errors"

// Sentinel errors for dispatcher lifecycle and delivery control.
var (
	// ErrClosed indicates the dispatcher has been closed.
	ErrClosed = errors.New("dispatcher closed")

	// ErrNoTransport indicates an operation needs a transport and none is set.
	ErrNoTransport = errors.New("no transport configured")

	// ErrNoDeadLetterStore indicates replay was requested without a store.
	ErrNoDeadLetterStore = errors.New("no dead-letter store configured")

	// ErrPoisonEvent indicates a routed delivery was skipped because the
	// same event content has failed too often.
	ErrPoisonEvent = errors.New("event quarantined after repeated delivery failures")

	// ErrStopPropagation is returned by a subscriber to keep the event from
	// reaching lower-priority subscribers. Routing still happens.
	ErrStopPropagation = errors.New("stop propagation")
)
