package openhands

import "errors"

// Connection error taxonomy. Callers branch with errors.Is; everything the
// transport produces that is not a timeout or an auth rejection wraps
// ErrTransport.
var (
	ErrConnectTimeout = errors.New("connect timeout")
	ErrAuth           = errors.New("authentication rejected")
	ErrTransport      = errors.New("transport error")
	ErrBackendDown    = errors.New("backend not reachable")
)
