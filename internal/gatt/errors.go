package gatt

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
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

// ErrMissingServices matches any *MissingServiceError via errors.Is.
var ErrMissingServices = errors.New("missing required services")

// MissingServiceError reports required services or characteristics absent
// from the peripheral. It is fatal for a session.
type MissingServiceError struct {
	Missing []error
}

func (e *MissingServiceError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, err := range e.Missing {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("%s: %s", ErrMissingServices, strings.Join(parts, "; "))
}

func (e *MissingServiceError) Is(target error) bool { return target == ErrMissingServices }

func (e *MissingServiceError) Unwrap() []error { return e.Missing }

// ConnectionStateKind represents the specific kind of connection state failure
type ConnectionStateKind string

const (
	NotConnected     ConnectionStateKind = "not_connected"
	AlreadyConnected ConnectionStateKind = "already_connected"
	BluetoothOff     ConnectionStateKind = "bluetooth_off"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionStateKind
	Msg   string
}

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
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff}
)

// ErrUnsupported is returned when a characteristic lacks the property an operation needs.
var ErrUnsupported = errors.New("unsupported")

// TransportError wraps a failed GATT read, write or subscribe.
type TransportError struct {
	Op   string // "read", "write", "subscribe"
	Char CharacteristicID
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Char, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
