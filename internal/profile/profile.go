// Package profile wires a profile's repository to the session that feeds it.
// The concrete GATT profiles live in the sub-packages.
package profile

import (
	"context"

	"github.com/srg/blesense/internal/gatt"
	"github.com/srg/blesense/internal/groutine"
	"github.com/srg/blesense/internal/session"
)

// Sink is the repository side of a profile session.
type Sink interface {
	session.ConnectionObserver
	Launch(deviceName string)
	SetServiceRunning(running bool)
	ServiceRunning() bool
	StopEvents() <-chan struct{}
}

// Launch opens a session for address through reg and binds it to sink:
// the sink is marked running for the lifetime of the session, and a stop
// request from the sink (user disconnect, missing services) closes it.
//
// A live session for address is left alone: Launch fails with
// gatt.ErrAlreadyConnected before the sink is touched.
func Launch(ctx context.Context, reg *session.Registry, address, deviceName string, p session.Profile, sink Sink) (*session.Session, error) {
	if _, live := reg.Get(address); live {
		return nil, gatt.ErrAlreadyConnected
	}

	wasRunning := sink.ServiceRunning()
	drainStops(sink)
	sink.Launch(deviceName)
	sink.SetServiceRunning(true)

	s, err := reg.Open(ctx, address, p, sink)
	if s == nil {
		// lost the race to another Launch; only undo what this call set
		if !wasRunning {
			sink.SetServiceRunning(false)
		}
		return nil, err
	}

	groutine.Go(context.Background(), "profile-stop-"+address, func(context.Context) {
		select {
		case <-sink.StopEvents():
			_ = s.Close()
		case <-s.Done():
		}
		<-s.Done()
		sink.SetServiceRunning(false)
	})
	return s, err
}

func drainStops(sink Sink) {
	for {
		select {
		case <-sink.StopEvents():
		default:
			return
		}
	}
}
