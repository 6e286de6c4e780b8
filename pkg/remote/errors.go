package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport reports a failure to reach the peer or to read its
	// response: dial errors, resets, truncated bodies.
	ErrTransport = errors.New("transport failure")

	// ErrRemoteRejected reports a response in which the peer refused the
	// request: a non-2xx status, an ERR pkt-line or an error sideband frame.
	ErrRemoteRejected = errors.New("remote rejected request")
)

// TransportError wraps a network-level failure. It is always temporary;
// callers may retry with Retry.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, ErrTransport, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.URL, ErrTransport, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Temporary reports that the operation may succeed if retried.
func (e *TransportError) Temporary() bool { return true }

// RemoteError is a refusal reported by the peer. Status is the HTTP status
// when the refusal came from the response line, zero for in-band errors.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", ErrRemoteRejected, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", ErrRemoteRejected, e.Message)
}

func (e *RemoteError) Is(target error) bool { return target == ErrRemoteRejected }

// Temporary reports whether the peer asked us to come back later.
func (e *RemoteError) Temporary() bool {
	return e.Status == 429 || e.Status == 503
}
