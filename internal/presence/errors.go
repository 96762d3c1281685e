package presence

import "errors"

var (
	// ErrInitialization reports a missing capability at startup, such as a
	// compositor without an idle notifier or without a seat.
	ErrInitialization = errors.New("initialization failed")

	// ErrTransportLost reports an unexpected connection loss.
	ErrTransportLost = errors.New("transport lost")

	// ErrProtocol reports a remote peer that does not exist or misbehaves.
	// It is never retried.
	ErrProtocol = errors.New("protocol error")

	// ErrReentrantDispatch is returned when a hook tries to inhibit or
	// release synchronously from inside a coordinator dispatch.
	ErrReentrantDispatch = errors.New("re-entrant inhibitor dispatch")
)
