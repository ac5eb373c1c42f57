package userdata

import "errors"

var (
	// ErrInvalidArgument is returned for an empty stream id, an unset
	// identity, a nil handler or an unknown category.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrConflict is returned when an identity is already bound to a
	// different stream id, or a stream id to a different identity.
	ErrConflict = errors.New("stream binding conflict")
	// ErrDecode wraps malformed documents, missing or mistyped fields and
	// unknown execution types.
	ErrDecode = errors.New("decode failure")
	// ErrUnknownEvent is returned for a discriminator the decoder does not
	// handle.
	ErrUnknownEvent = errors.New("unknown event type")
)
