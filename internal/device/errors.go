package device

import (
	"errors"
	"fmt"

	"github.com/nerrad567/meross-core/internal/protocol"
)

// Domain errors for the device package.
//
// Every typed error below unwraps to one of these sentinels, so callers
// can branch with errors.Is:
//
//	if errors.Is(err, device.ErrTimeout) {
//	    // device did not answer in time
//	}
var (
	// ErrConnection is returned when the device is not connected or no
	// transport channel can reach it.
	ErrConnection = errors.New("device: connection error")

	// ErrTimeout is returned when a request receives no reply in time.
	ErrTimeout = errors.New("device: request timed out")

	// ErrProtocol is returned when the device answers with an ERROR reply.
	ErrProtocol = errors.New("device: protocol error")

	// ErrValidation is returned for malformed caller input.
	ErrValidation = errors.New("device: validation error")

	// ErrNotFound is returned for an unknown device or channel.
	ErrNotFound = errors.New("device: not found")

	// ErrInitialization is returned when no full state arrives before the
	// startup deadline.
	ErrInitialization = errors.New("device: initialization failed")

	// ErrDeviceNotFound is returned by repositories for an unknown id.
	ErrDeviceNotFound = fmt.Errorf("%w: device", ErrNotFound)

	// ErrDeviceExists is returned when saving would overwrite another family's id.
	ErrDeviceExists = errors.New("device: already exists")
)

// ConnectionError reports that a request could not be sent.
type ConnectionError struct {
	UUID string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device %s: connection error: %v", e.UUID, e.Err)
	}
	return fmt.Sprintf("device %s: not connected", e.UUID)
}

func (e *ConnectionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrConnection, e.Err}
	}
	return []error{ErrConnection}
}

// TimeoutError reports a request that received no reply in time.
type TimeoutError struct {
	Method    protocol.Method
	Namespace string
	MessageID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("device: %s %s (message %s) timed out", e.Method, e.Namespace, e.MessageID)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// ProtocolError carries the payload of an ERROR reply.
type ProtocolError struct {
	Namespace string
	Payload   protocol.Payload
}

func (e *ProtocolError) Error() string {
	if code, ok := e.Payload["error"]; ok {
		return fmt.Sprintf("device: %s rejected: %v", e.Namespace, code)
	}
	return fmt.Sprintf("device: %s rejected", e.Namespace)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("device: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError reports an unknown device or channel.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("device: %s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InitializationError reports that no full state arrived before the deadline.
type InitializationError struct {
	UUID string
	Err  error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("device %s: no full state received: %v", e.UUID, e.Err)
}

func (e *InitializationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInitialization, e.Err}
	}
	return []error{ErrInitialization}
}
