package device

import (
	"errors"
	"fmt"
)

// NotFoundError represents an error when a GATT resource is not known for the
// current connection context
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [charUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// Is matches any NotFoundError for the same resource kind, so callers can
// test with errors.Is(err, device.ErrCharacteristicNotFound).
func (e *NotFoundError) Is(target error) bool {
	t, ok := target.(*NotFoundError)
	if !ok {
		return false
	}
	return e.Resource == t.Resource
}

// ErrCharacteristicNotFound is the sentinel for unknown characteristic UUIDs
var ErrCharacteristicNotFound = &NotFoundError{Resource: "characteristic"}

// CharacteristicNotFound builds the lookup error for a characteristic UUID
func CharacteristicNotFound(uuid string) error {
	return &NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// RegistrationError is returned when the local service table cannot be
// registered with the radio stack. It is fatal to startup.
type RegistrationError struct {
	Reason string
	Err    error
}

func (e *RegistrationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("service registration failed: %s", e.Reason)
	}
	return fmt.Sprintf("service registration failed: %s: %v", e.Reason, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

