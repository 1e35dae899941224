//go:build test

package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/blesense/internal/gatt"
	"github.com/srg/blesense/internal/session"
	"github.com/srg/blesense/internal/testutils"
)

var (
	thermoChar  = gatt.NewCharacteristicID("1809", "2A1C")
	batteryChar = gatt.NewCharacteristicID("180F", "2A19")
)

type testProfile struct {
	mu        sync.Mutex
	reqs      []gatt.Requirement
	setupErr  error
	payloads  [][]byte
	teardowns int
	setups    int
}

func (p *testProfile) Name() string                     { return "test" }
func (p *testProfile) Requirements() []gatt.Requirement { return p.reqs }

func (p *testProfile) Setup(ctx context.Context, env session.Env) error {
	p.mu.Lock()
	p.setups++
	p.mu.Unlock()
	if p.setupErr != nil {
		return p.setupErr
	}
	if err := env.Subscribe(thermoChar, func(_ context.Context, data []byte) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.payloads = append(p.payloads, data)
	}); err != nil {
		return err
	}
	if env.Has(batteryChar) {
		_, _ = env.Read(ctx, batteryChar)
	}
	return nil
}

func (p *testProfile) Teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardowns++
	p.payloads = nil
}

func (p *testProfile) received() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.payloads...)
}

func (p *testProfile) teardownCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.teardowns
}

type recordingObserver struct {
	mu       sync.Mutex
	conn     []gatt.ConnectionState
	sessions []session.State
	missing  int
}

func (o *recordingObserver) OnConnectionStateChanged(st gatt.ConnectionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conn = append(o.conn, st)
}

func (o *recordingObserver) OnMissingServices() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.missing++
}

func (o *recordingObserver) OnSessionStateChanged(st session.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessions = append(o.sessions, st)
}

func (o *recordingObserver) connStates() []gatt.ConnectionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]gatt.ConnectionState(nil), o.conn...)
}

func (o *recordingObserver) sessionStates() []session.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]session.State(nil), o.sessions...)
}

type SessionTestSuite struct {
	testutils.MockBLEPeripheralSuite
	profile  *testProfile
	observer *recordingObserver
}

func (s *SessionTestSuite) SetupTest() {
	if s.PeripheralBuilder == nil {
		s.WithPeripheral().
			WithService("1809").
			WithCharacteristic("2A1C", "indicate", nil).
			WithService("180F").
			WithCharacteristic("2A19", "read,notify", []byte{80})
	}
	s.MockBLEPeripheralSuite.SetupTest()

	s.profile = &testProfile{reqs: []gatt.Requirement{
		{ID: thermoChar},
		{ID: batteryChar, Optional: true},
	}}
	s.observer = &recordingObserver{}
}

func (s *SessionTestSuite) newSession() *session.Session {
	return session.New(s.Peripheral.Address(), s.profile, s.Peripheral, s.observer, nil, s.Logger)
}

func (s *SessionTestSuite) TestStartReachesActive() {
	// GOAL: Verify the happy path walks every lifecycle state and delivers notifications in order
	//
	// TEST SCENARIO: Start → ACTIVE → two indications → Close → DISCONNECTED
	sess := s.newSession()
	s.Require().NoError(sess.Start(context.Background()))
	s.Equal(session.StateActive, sess.State())
	s.Equal(1, s.Peripheral.Reads("180F", "2A19"), "optional present characteristic MUST be read during setup")

	s.MustNotify("1809", "2A1C", []byte{1})
	s.MustNotify("1809", "2A1C", []byte{2})
	s.WaitUntil(func() bool { return len(s.profile.received()) == 2 }, "both notifications MUST reach the handler")
	s.Equal([][]byte{{1}, {2}}, s.profile.received())

	s.Require().NoError(sess.Close())
	s.Equal(session.StateDisconnected, sess.State())
	s.Equal(1, s.profile.teardownCount())
	<-sess.Done()

	s.Equal([]session.State{
		session.StateConnecting,
		session.StateDiscovering,
		session.StateReady,
		session.StateActive,
		session.StateDisconnecting,
		session.StateDisconnected,
	}, s.observer.sessionStates())
	st := s.observer.connStates()
	s.Require().NotEmpty(st)
	s.Equal(gatt.StateDisconnected, st[len(st)-1], "DISCONNECTED MUST be mirrored before Done is released")
}

func (s *SessionTestSuite) TestDisconnectedMirroredOnce() {
	// GOAL: DISCONNECTED reaches the observer exactly once and nothing follows it
	//
	// TEST SCENARIO: Start → Close → transport emits DISCONNECTING, DISCONNECTED late → observer sees one DISCONNECTED, last
	sess := s.newSession()
	s.Require().NoError(sess.Start(context.Background()))
	s.Require().NoError(sess.Close())
	<-sess.Done()

	// let the connection monitor drain the transport states
	time.Sleep(50 * time.Millisecond)

	st := s.observer.connStates()
	count := 0
	for _, c := range st {
		if c == gatt.StateDisconnected {
			count++
		}
	}
	s.Equal(1, count, "DISCONNECTED MUST be mirrored exactly once")
	s.Equal(gatt.StateDisconnected, st[len(st)-1], "no state MUST be mirrored after DISCONNECTED")
}

func (s *SessionTestSuite) TestLinkLossTearsDown() {
	sess := s.newSession()
	s.Require().NoError(sess.Start(context.Background()))
	s.MustNotify("1809", "2A1C", []byte{9})
	s.WaitUntil(func() bool { return len(s.profile.received()) == 1 })

	s.Peripheral.DropLink()
	<-sess.Done()

	s.Equal(session.StateDisconnected, sess.State())
	s.Equal(1, s.profile.teardownCount(), "teardown MUST run exactly once")
	s.Empty(s.profile.received(), "teardown MUST release records")
	s.ErrorIs(sess.Run(context.Background(), func(context.Context) error { return nil }), session.ErrClosed)
}

func (s *SessionTestSuite) TestRunExecutesOnQueue() {
	sess := s.newSession()
	s.ErrorIs(sess.Run(context.Background(), func(context.Context) error { return nil }), session.ErrNotReady)

	s.Require().NoError(sess.Start(context.Background()))
	boom := errors.New("boom")
	s.ErrorIs(sess.Run(context.Background(), func(context.Context) error { return boom }), boom)
	s.NoError(sess.Close())
}

func (s *SessionTestSuite) TestSetupFailureDisconnects() {
	s.profile.setupErr = errors.New("setup failed")
	sess := s.newSession()

	err := sess.Start(context.Background())
	s.Require().Error(err)
	<-sess.Done()
	s.Equal(session.StateDisconnected, sess.State())
	s.False(s.Peripheral.Connected())
}

func (s *SessionTestSuite) TestStartTwiceFails() {
	sess := s.newSession()
	s.Require().NoError(sess.Start(context.Background()))
	s.ErrorIs(sess.Start(context.Background()), gatt.ErrAlreadyConnected)
	s.NoError(sess.Close())
}

func (s *SessionTestSuite) TestRegistryOneSessionPerAddress() {
	reg := session.NewRegistry(s.Peripheral, nil, s.Logger)
	sess, err := reg.Open(context.Background(), s.Peripheral.Address(), s.profile, s.observer)
	s.Require().NoError(err)
	s.Equal(1, reg.Len())

	got, ok := reg.Get(s.Peripheral.Address())
	s.True(ok)
	s.Same(sess, got)

	_, err = reg.Open(context.Background(), s.Peripheral.Address(), &testProfile{}, nil)
	s.ErrorIs(err, gatt.ErrAlreadyConnected)

	s.NoError(reg.Close(s.Peripheral.Address()))
	s.WaitUntil(func() bool { return reg.Len() == 0 }, "closed sessions MUST leave the registry")
	s.ErrorIs(reg.Close(s.Peripheral.Address()), gatt.ErrNotConnected)
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

type MissingServicesSuite struct {
	testutils.MockBLEPeripheralSuite
}

func (s *MissingServicesSuite) TestMissingRequiredCharacteristic() {
	// GOAL: A peripheral lacking a required characteristic ends in MISSING_SERVICES without retry
	//
	// TEST SCENARIO: default peripheral only has battery → Start fails → observer notified → link closed
	profile := &testProfile{reqs: []gatt.Requirement{{ID: thermoChar}}}
	observer := &recordingObserver{}
	sess := session.New(s.Peripheral.Address(), profile, s.Peripheral, observer, nil, s.Logger)

	err := sess.Start(context.Background())
	s.Require().Error(err)
	s.ErrorIs(err, gatt.ErrMissingServices)
	<-sess.Done()

	s.Equal(session.StateMissingServices, sess.State())
	s.Equal(1, observer.missing)
	s.Equal(0, profile.setups, "setup MUST NOT run without required services")
	s.Equal(1, s.Peripheral.DisconnectCalls())
}

func TestMissingServicesSuite(t *testing.T) {
	suite.Run(t, new(MissingServicesSuite))
}

type EarlyDisconnectSuite struct {
	testutils.MockBLEPeripheralSuite
}

func (s *EarlyDisconnectSuite) SetupTest() {
	s.WithPeripheral().
		WithService("1809").
		WithCharacteristic("2A1C", "indicate", nil).
		WithDisconnectAfterConnect()
	s.MockBLEPeripheralSuite.SetupTest()
}

func (s *EarlyDisconnectSuite) TestDisconnectBeforeDiscovery() {
	profile := &testProfile{reqs: []gatt.Requirement{{ID: thermoChar}}}
	sess := session.New(s.Peripheral.Address(), profile, s.Peripheral, nil, nil, s.Logger)

	s.Error(sess.Start(context.Background()))
	<-sess.Done()
	s.Equal(session.StateDisconnected, sess.State())
	s.Equal(0, profile.setups)
}

func TestEarlyDisconnectSuite(t *testing.T) {
	suite.Run(t, new(EarlyDisconnectSuite))
}

type ConnectFailureSuite struct {
	testutils.MockBLEPeripheralSuite
}

func (s *ConnectFailureSuite) SetupTest() {
	s.WithPeripheral().WithConnectError(errors.New("le-connection-abort-by-local"))
	s.MockBLEPeripheralSuite.SetupTest()
}

func (s *ConnectFailureSuite) TestConnectFailure() {
	observer := &recordingObserver{}
	sess := session.New("AA:BB:CC:DD:EE:FF", &testProfile{}, s.Peripheral, observer, nil, s.Logger)

	s.Error(sess.Start(context.Background()))
	<-sess.Done()
	s.Equal(session.StateDisconnected, sess.State())
	s.Equal([]gatt.ConnectionState{gatt.StateDisconnected}, observer.connStates())
	s.NoError(sess.Close())
}

func TestConnectFailureSuite(t *testing.T) {
	suite.Run(t, new(ConnectFailureSuite))
}
