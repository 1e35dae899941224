package repository

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blesense/internal/gatt"
)

type sampleData struct {
	Link
	Values []int
}

func newSampleStore() *Store[sampleData] {
	logger, _ := test.NewNullLogger()
	return New(func(d *sampleData) *Link { return &d.Link }, logger)
}

func recv[D any](t *testing.T, ch <-chan D) D {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "watch channel MUST stay open")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	var zero D
	return zero
}

func TestStore_WatchReceivesCurrentAndUpdates(t *testing.T) {
	s := newSampleStore()
	s.Launch("Thermo")

	ch, cancel := s.Watch(4)
	defer cancel()

	first := recv(t, ch)
	assert.Equal(t, "Thermo", first.DeviceName)

	s.OnBatteryLevelChanged(87)
	got := recv(t, ch)
	require.NotNil(t, got.BatteryLevel)
	assert.Equal(t, uint8(87), *got.BatteryLevel)

	s.OnConnectionStateChanged(gatt.StateConnected)
	assert.True(t, recv(t, ch).Connected())
}

func TestStore_SnapshotsAreCopies(t *testing.T) {
	s := newSampleStore()
	s.Update(func(d *sampleData) { d.Values = []int{1, 2} })

	snap := s.Snapshot()
	s.Update(func(d *sampleData) { d.Values = append([]int(nil), 3) })

	assert.Equal(t, []int{1, 2}, snap.Values, "published snapshot MUST NOT change after a later update")
	assert.Equal(t, []int{3}, s.Snapshot().Values)
}

func TestStore_SlowWatcherKeepsNewest(t *testing.T) {
	s := newSampleStore()
	ch, cancel := s.Watch(1)
	defer cancel()

	for i := 1; i <= 5; i++ {
		v := i
		s.Update(func(d *sampleData) { d.Values = []int{v} })
	}
	assert.Equal(t, []int{5}, recv(t, ch).Values)
}

func TestStore_CleanOnIdle(t *testing.T) {
	// GOAL: Service data resets once the session stopped and the last watcher left
	//
	// TEST SCENARIO: running + watcher → stop running (kept) → cancel watcher (cleaned)
	s := newSampleStore()
	s.SetServiceRunning(true)
	s.Launch("CGM")
	_, cancel := s.Watch(1)

	s.SetServiceRunning(false)
	assert.Equal(t, "CGM", s.Snapshot().DeviceName, "data MUST survive while a watcher is attached")

	cancel()
	cancel()
	assert.Equal(t, sampleData{}, s.Snapshot())
	assert.Equal(t, 0, s.Watchers())
}

func TestStore_MissingServicesRequestsStop(t *testing.T) {
	s := newSampleStore()
	s.OnMissingServices()
	s.Disconnect()

	assert.True(t, s.Snapshot().MissingServices)
	select {
	case <-s.StopEvents():
	case <-time.After(time.Second):
		t.Fatal("stop event MUST be emitted")
	}
	select {
	case <-s.StopEvents():
		t.Fatal("pending stop requests MUST coalesce")
	default:
	}
}
