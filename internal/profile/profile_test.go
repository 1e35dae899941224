//go:build test

package profile_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blesense/internal/gatt"
	"github.com/srg/blesense/internal/profile"
	"github.com/srg/blesense/internal/profile/hts"
	"github.com/srg/blesense/internal/session"
	"github.com/srg/blesense/internal/testutils"
)

type LaunchSuite struct {
	testutils.MockBLEPeripheralSuite
	repo *hts.Repository
	reg  *session.Registry
}

func (s *LaunchSuite) SetupTest() {
	s.WithPeripheral().
		WithService(hts.ServiceID).
		WithCharacteristic(hts.MeasurementID, "indicate", nil).
		WithService("180F").
		WithCharacteristic("2A19", "read,notify", []byte{77})
	s.MockBLEPeripheralSuite.SetupTest()
	s.repo = hts.NewRepository(s.Logger)
	s.reg = session.NewRegistry(s.Peripheral, nil, s.Logger)
}

func (s *LaunchSuite) TearDownTest() {
	s.reg.CloseAll()
	s.MockBLEPeripheralSuite.TearDownTest()
}

func (s *LaunchSuite) launch(name string) (*session.Session, error) {
	return profile.Launch(context.Background(), s.reg, s.Peripheral.Address(), name, hts.New(s.repo), s.repo)
}

func (s *LaunchSuite) isClean() bool {
	return assert.ObjectsAreEqual(hts.ServiceData{}, s.repo.Snapshot())
}

func (s *LaunchSuite) TestSecondLaunchLeavesLiveSessionAlone() {
	// GOAL: A rejected launch for an address that is already connected keeps the live session's data
	//
	// TEST SCENARIO: launch → ACTIVE with battery and name → launch again → ErrAlreadyConnected, repository untouched
	first, err := s.launch("Thermo")
	s.Require().NoError(err)
	s.WaitUntil(func() bool { return s.repo.Snapshot().Connected() }, "CONNECTED MUST be mirrored")

	_, err = s.launch("Other")
	s.ErrorIs(err, gatt.ErrAlreadyConnected)
	s.Equal(session.StateActive, first.State())

	d := s.repo.Snapshot()
	s.Require().NotNil(d.BatteryLevel, "battery level MUST survive the rejected launch")
	s.Equal(uint8(77), *d.BatteryLevel)
	s.Equal("Thermo", d.DeviceName)
	s.True(d.Connected())
	s.True(s.repo.ServiceRunning(), "the live session MUST keep the repository running")
}

func (s *LaunchSuite) TestRepositoryCleanAfterDisconnect() {
	// GOAL: Once the session ended and nobody watches, the repository holds nothing
	//
	// TEST SCENARIO: launch → user disconnect → Done → zero value, and no late link state is written back
	sess, err := s.launch("Thermo")
	s.Require().NoError(err)
	s.WaitUntil(func() bool { return s.repo.Snapshot().Connected() })

	s.repo.Disconnect()
	<-sess.Done()

	s.WaitUntil(s.isClean, "the repository MUST be reset after the session ended")
	s.Never(func() bool { return !s.isClean() }, 100*time.Millisecond, 5*time.Millisecond,
		"no connection state MUST be mirrored into a cleaned repository")
	s.False(s.repo.ServiceRunning())
}

func (s *LaunchSuite) TestWatcherKeepsDisconnectedState() {
	sess, err := s.launch("Thermo")
	s.Require().NoError(err)
	_, stop := s.repo.Watch(16)
	defer stop()

	s.repo.Disconnect()
	<-sess.Done()

	disconnected := func() bool {
		st := s.repo.Snapshot().ConnectionState
		return st != nil && *st == gatt.StateDisconnected
	}
	s.True(disconnected(), "DISCONNECTED MUST be mirrored before Done is released")
	s.Never(func() bool { return !disconnected() }, 100*time.Millisecond, 5*time.Millisecond,
		"DISCONNECTED MUST stay the last mirrored state")
}

func TestLaunchSuite(t *testing.T) {
	suite.Run(t, new(LaunchSuite))
}
