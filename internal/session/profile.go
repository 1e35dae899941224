package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blesense/internal/gatt"
)

// State is the session lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateDiscovering
	StateReady
	StateActive
	StateDisconnecting
	StateMissingServices
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateDiscovering:
		return "DISCOVERING"
	case StateReady:
		return "READY"
	case StateActive:
		return "ACTIVE"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateMissingServices:
		return "MISSING_SERVICES"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrNotReady is returned by Run before the session reached READY.
	ErrNotReady = errors.New("session not ready")
	// ErrClosed is returned once the session has been torn down.
	ErrClosed = errors.New("session closed")
)

// Handler consumes one notification payload on the session task queue.
type Handler func(ctx context.Context, data []byte)

// Env is the capability surface a Profile sees during Setup and in handlers.
type Env interface {
	Logger() *logrus.Entry
	// Has reports whether the characteristic was discovered.
	Has(id gatt.CharacteristicID) bool
	// Subscribe starts a listener whose payloads are delivered to h on the task queue.
	Subscribe(id gatt.CharacteristicID, h Handler) error
	Read(ctx context.Context, id gatt.CharacteristicID) ([]byte, error)
	Write(ctx context.Context, id gatt.CharacteristicID, data []byte, withResponse bool) error
	// Now returns the session clock.
	Now() time.Time
}

// Profile is a GATT profile driven by a Session.
type Profile interface {
	Name() string
	// Requirements lists the characteristics the profile uses. Missing
	// non-optional entries make the session fail with MISSING_SERVICES.
	Requirements() []gatt.Requirement
	// Setup runs once on the task queue when the session reaches READY.
	Setup(ctx context.Context, env Env) error
	// Teardown runs after every listener has stopped. It must release
	// session-scoped state (records, anchor, request status).
	Teardown()
}

// ConnectionObserver receives link-level events. Calls are made from
// session goroutines and must not block.
type ConnectionObserver interface {
	OnConnectionStateChanged(gatt.ConnectionState)
	OnMissingServices()
}

// StateObserver receives session lifecycle transitions. Optional.
type StateObserver interface {
	OnSessionStateChanged(State)
}
