// Package repository holds the latest per-profile service data and fans
// snapshots out to watchers.
//
// A Store is shared by the session (writer) and any number of watchers
// (readers). Watchers receive value copies; profiles must replace slices in
// Update instead of appending to the ones already published.
package repository

import (
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blesense/internal/gatt"
	"github.com/srg/blesense/internal/ringchan"
)

// Link is the part of every profile's service data that describes the
// peripheral rather than its measurements.
type Link struct {
	DeviceName      string
	ConnectionState *gatt.ConnectionState
	BatteryLevel    *uint8
	MissingServices bool
}

// Connected reports whether the last mirrored link state is CONNECTED.
func (l Link) Connected() bool {
	return l.ConnectionState != nil && *l.ConnectionState == gatt.StateConnected
}

// Store keeps the latest D and publishes a copy on every Update.
//
// The data is reset to its zero value once no watcher is attached and the
// session is no longer running.
type Store[D any] struct {
	link   func(*D) *Link
	logger *logrus.Entry

	mu       sync.Mutex
	data     D
	running  bool
	watchers *hashmap.Map[uint64, *ringchan.RingChannel[D]]
	nextID   atomic.Uint64
	stop     *ringchan.RingChannel[struct{}]
}

// New creates an empty Store. link extracts the embedded Link from D.
func New[D any](link func(*D) *Link, logger *logrus.Logger) *Store[D] {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store[D]{
		link:     link,
		logger:   logger.WithField("component", "repository"),
		watchers: hashmap.New[uint64, *ringchan.RingChannel[D]](),
		stop:     ringchan.New[struct{}](1),
	}
}

// Snapshot returns a copy of the current data.
func (s *Store[D]) Snapshot() D {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Update applies fn to a copy of the data, stores the result and publishes it.
func (s *Store[D]) Update(fn func(d *D)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.data
	fn(&d)
	s.data = d
	s.publishLocked()
}

func (s *Store[D]) publishLocked() {
	s.watchers.Range(func(id uint64, rc *ringchan.RingChannel[D]) bool {
		if rc.Send(s.data) {
			s.logger.WithField("watcher", id).Debug("Watcher lagging, dropped oldest snapshot")
		}
		return true
	})
}

// Watch attaches a watcher. The channel first yields the current snapshot
// and then every update; a slow watcher loses the oldest pending snapshots,
// never the newest. cancel detaches the watcher and closes the channel.
func (s *Store[D]) Watch(buffer int) (snapshots <-chan D, cancel func()) {
	if buffer < 1 {
		buffer = 1
	}
	rc := ringchan.New[D](buffer)
	id := s.nextID.Add(1)

	s.mu.Lock()
	s.watchers.Set(id, rc)
	rc.Send(s.data)
	s.mu.Unlock()

	var once sync.Once
	return rc.C(), func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.watchers.Del(id)
			rc.Close()
			s.cleanIfIdleLocked()
		})
	}
}

// Watchers returns the number of attached watchers.
func (s *Store[D]) Watchers() int { return s.watchers.Len() }

// Launch records the device name for a new session.
func (s *Store[D]) Launch(deviceName string) {
	s.Update(func(d *D) { s.link(d).DeviceName = deviceName })
}

// SetServiceRunning marks whether a session currently feeds this store.
func (s *Store[D]) SetServiceRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
	s.cleanIfIdleLocked()
}

// ServiceRunning reports whether a session currently feeds this store.
func (s *Store[D]) ServiceRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Store[D]) cleanIfIdleLocked() {
	if s.running || s.watchers.Len() > 0 {
		return
	}
	var zero D
	s.data = zero
	s.logger.Debug("Repository cleaned")
}

// StopEvents yields a value whenever the session feeding this store should
// disconnect. Pending requests coalesce into one.
func (s *Store[D]) StopEvents() <-chan struct{} { return s.stop.C() }

// Disconnect asks the session owner to disconnect.
func (s *Store[D]) Disconnect() {
	s.stop.TrySend(struct{}{})
}

// OnConnectionStateChanged mirrors the transport link state.
func (s *Store[D]) OnConnectionStateChanged(st gatt.ConnectionState) {
	s.Update(func(d *D) { s.link(d).ConnectionState = &st })
}

// OnMissingServices flags the peripheral as unsupported and requests a disconnect.
func (s *Store[D]) OnMissingServices() {
	s.Update(func(d *D) { s.link(d).MissingServices = true })
	s.Disconnect()
}

// OnBatteryLevelChanged records the latest battery level.
func (s *Store[D]) OnBatteryLevelChanged(level uint8) {
	s.Update(func(d *D) { s.link(d).BatteryLevel = &level })
}
