package kuma

import "errors"

// Sentinel errors for every recoverable failure the client surfaces. They
// are always wrapped with operation context; match with errors.Is.
var (
	// ErrConnectionFailed reports that the transport could not be opened.
	ErrConnectionFailed = errors.New("kuma: connection failed")
	// ErrAuthenticationFailed reports that login timed out or was rejected.
	ErrAuthenticationFailed = errors.New("kuma: authentication failed")
	// ErrListRefreshTimedOut reports that no monitor list snapshot arrived
	// within the configured bound.
	ErrListRefreshTimedOut = errors.New("kuma: monitor list refresh timed out")
	// ErrDuplicateMonitor reports a uid collision on create.
	ErrDuplicateMonitor = errors.New("kuma: monitor already exists")
	// ErrCreationFailed reports that the server rejected the monitor, the
	// acknowledgement never arrived, or its payload was malformed.
	ErrCreationFailed = errors.New("kuma: monitor creation failed")
	// ErrDisconnected reports an operation that assumed an active
	// connection on a client that has none.
	ErrDisconnected = errors.New("kuma: client is not connected")
)
