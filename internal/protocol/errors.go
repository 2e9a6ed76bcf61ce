package protocol

import "errors"

// Domain errors for envelope encoding and decoding.
var (
	// ErrEmptyMessage is returned when decoding zero-length input.
	ErrEmptyMessage = errors.New("protocol: empty message")

	// ErrInvalidMessage is returned when the input is not a JSON envelope.
	ErrInvalidMessage = errors.New("protocol: invalid message")

	// ErrMissingHeader is returned when an envelope has no header object.
	ErrMissingHeader = errors.New("protocol: missing header")

	// ErrMissingMessageID is returned when the header carries no message id.
	ErrMissingMessageID = errors.New("protocol: missing message id")

	// ErrMissingNamespace is returned when the header carries no namespace.
	ErrMissingNamespace = errors.New("protocol: missing namespace")

	// ErrInvalidMethod is returned when encoding with an unknown method.
	ErrInvalidMethod = errors.New("protocol: invalid method")
)
