package object

import "errors"

var (
	// ErrMalformedObject reports a record or payload that fails validation.
	ErrMalformedObject = errors.New("malformed object")

	// ErrObjectNotFound reports a lookup miss in the store.
	ErrObjectNotFound = errors.New("object not found")

	// ErrStreamCorrupt reports a pack stream whose framing, sizes or
	// trailer digest do not check out.
	ErrStreamCorrupt = errors.New("pack stream corrupt")

	// ErrUnresolvableDelta reports deltas whose base never became
	// available before the end of the stream.
	ErrUnresolvableDelta = errors.New("unresolvable delta")
)
