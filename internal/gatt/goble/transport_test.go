package goble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/srg/blesense/internal/gatt"
)

type mockConn struct {
	mock.Mock
	disconnected chan struct{}
}

func (m *mockConn) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *mockConn) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *mockConn) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *mockConn) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *mockConn) Unsubscribe(c *ble.Characteristic, ind bool) error {
	return m.Called(c, ind).Error(0)
}

func (m *mockConn) CancelConnection() error {
	return m.Called().Error(0)
}

func (m *mockConn) Disconnected() <-chan struct{} { return m.disconnected }

var (
	htsService  = ble.MustParse("1809")
	htsMeasChar = &ble.Characteristic{UUID: ble.MustParse("2a1c"), Property: ble.CharIndicate}
	batteryChar = &ble.Characteristic{UUID: ble.MustParse("2a19"), Property: ble.CharRead | ble.CharNotify}
	controlChar = &ble.Characteristic{UUID: ble.MustParse("2a52"), Property: ble.CharWrite | ble.CharIndicate}

	htsMeasID = gatt.CharacteristicID{Service: htsService, Characteristic: htsMeasChar.UUID}
	batteryID = gatt.NewCharacteristicID("180f", "2a19")
	controlID = gatt.CharacteristicID{Service: htsService, Characteristic: controlChar.UUID}
)

func newMockConn() *mockConn {
	m := &mockConn{disconnected: make(chan struct{})}
	m.On("DiscoverProfile", true).Return(&ble.Profile{Services: []*ble.Service{
		{UUID: htsService, Characteristics: []*ble.Characteristic{htsMeasChar, controlChar}},
		{UUID: ble.MustParse("180f"), Characteristics: []*ble.Characteristic{batteryChar}},
	}}, nil)
	return m
}

func connect(t *testing.T, conn *mockConn) *Client {
	t.Helper()
	tr := NewWithDialer(func(ctx context.Context, address string) (Conn, error) {
		return conn, nil
	}, logrus.New())

	c, err := tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	require.Equal(t, gatt.StateConnected, <-c.States(), "first state MUST be CONNECTED")

	_, err = c.DiscoverServices(context.Background())
	require.NoError(t, err)
	return c.(*Client)
}

func TestTransport_DiscoverServices(t *testing.T) {
	conn := newMockConn()
	tr := NewWithDialer(func(ctx context.Context, address string) (Conn, error) { return conn, nil }, nil)
	c, err := tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)

	table, err := c.DiscoverServices(context.Background())
	require.NoError(t, err)

	meas, err := table.Characteristic(htsMeasID)
	require.NoError(t, err)
	assert.Equal(t, gatt.PropIndicate, meas.Properties)

	batt, err := table.Characteristic(batteryID)
	require.NoError(t, err)
	assert.Equal(t, gatt.PropRead|gatt.PropNotify, batt.Properties)
	assert.Len(t, table.Services(), 2)
}

func TestTransport_EmptyAddress(t *testing.T) {
	tr := NewWithDialer(func(ctx context.Context, address string) (Conn, error) {
		t.Fatal("dial MUST NOT be called for an empty address")
		return nil, nil
	}, nil)
	_, err := tr.Connect(context.Background(), "  ")
	assert.Error(t, err)
}

func TestTransport_DialErrorNormalized(t *testing.T) {
	tr := NewWithDialer(func(ctx context.Context, address string) (Conn, error) {
		return nil, errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?")
	}, nil)
	_, err := tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF")
	assert.ErrorIs(t, err, gatt.ErrBluetoothOff)
}

func TestClient_ReadWrite(t *testing.T) {
	conn := newMockConn()
	conn.On("ReadCharacteristic", batteryChar).Return([]byte{77}, nil)
	conn.On("WriteCharacteristic", controlChar, []byte{0x01, 0x01}, false).Return(nil)
	conn.On("WriteCharacteristic", controlChar, []byte{0x03, 0x00}, true).Return(errors.New("device not connected"))
	c := connect(t, conn)

	data, err := c.Read(context.Background(), batteryID)
	require.NoError(t, err)
	assert.Equal(t, []byte{77}, data)

	require.NoError(t, c.Write(context.Background(), controlID, []byte{0x01, 0x01}, true))

	err = c.Write(context.Background(), controlID, []byte{0x03, 0x00}, false)
	var te *gatt.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "write", te.Op)
	assert.ErrorIs(t, err, gatt.ErrNotConnected)

	_, err = c.Read(context.Background(), gatt.NewCharacteristicID("1809", "2a1d"))
	var nf *gatt.NotFoundError
	assert.ErrorAs(t, err, &nf, "undiscovered characteristics MUST be reported as not found")

	conn.AssertExpectations(t)
}

func TestClient_SubscribeUsesIndicationWhenNotifyMissing(t *testing.T) {
	conn := newMockConn()
	var handler ble.NotificationHandler
	conn.On("Subscribe", htsMeasChar, true, mock.Anything).Run(func(args mock.Arguments) {
		handler = args.Get(2).(ble.NotificationHandler)
	}).Return(nil)
	conn.On("Unsubscribe", htsMeasChar, true).Return(nil)
	c := connect(t, conn)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := c.Subscribe(ctx, htsMeasID)
	require.NoError(t, err)
	require.NotNil(t, handler)

	payload := []byte{0x00, 0x6E, 0x01, 0x00, 0xFF}
	handler(payload)
	payload[0] = 0xAA // the transport MUST hand out its own copy

	select {
	case got := <-stream:
		assert.Equal(t, []byte{0x00, 0x6E, 0x01, 0x00, 0xFF}, got)
	case <-time.After(time.Second):
		t.Fatal("notification MUST be delivered")
	}

	cancel()
	select {
	case _, open := <-stream:
		assert.False(t, open, "cancelling the subscription MUST close the stream")
	case <-time.After(time.Second):
		t.Fatal("stream MUST close after cancel")
	}
	conn.AssertCalled(t, "Unsubscribe", htsMeasChar, true)
}

func TestClient_SubscribeRejectsReadOnly(t *testing.T) {
	conn := &mockConn{disconnected: make(chan struct{})}
	readOnly := &ble.Characteristic{UUID: ble.MustParse("2a29"), Property: ble.CharRead}
	conn.On("DiscoverProfile", true).Return(&ble.Profile{Services: []*ble.Service{
		{UUID: ble.MustParse("180a"), Characteristics: []*ble.Characteristic{readOnly}},
	}}, nil)
	c := connect(t, conn)

	_, err := c.Subscribe(context.Background(), gatt.NewCharacteristicID("180a", "2a29"))
	assert.ErrorIs(t, err, gatt.ErrUnsupported)
	conn.AssertNotCalled(t, "Subscribe", mock.Anything, mock.Anything, mock.Anything)
}

func TestClient_DisconnectClosesStreams(t *testing.T) {
	conn := newMockConn()
	conn.On("Subscribe", batteryChar, false, mock.Anything).Return(nil)
	conn.On("CancelConnection").Return(nil).Once()
	c := connect(t, conn)

	stream, err := c.Subscribe(context.Background(), batteryID)
	require.NoError(t, err)

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect(), "a second disconnect MUST be a no-op")

	var states []gatt.ConnectionState
	for st := range c.States() {
		states = append(states, st)
	}
	assert.Equal(t, []gatt.ConnectionState{gatt.StateDisconnecting, gatt.StateDisconnected}, states)

	_, open := <-stream
	assert.False(t, open, "streams MUST close on disconnect")

	_, err = c.Read(context.Background(), batteryID)
	assert.ErrorIs(t, err, gatt.ErrNotConnected)
	conn.AssertExpectations(t)
}

func TestClient_RemoteDisconnect(t *testing.T) {
	conn := newMockConn()
	c := connect(t, conn)

	close(conn.disconnected)

	select {
	case st := <-c.States():
		assert.Equal(t, gatt.StateDisconnected, st, "link loss MUST skip DISCONNECTING")
	case <-time.After(time.Second):
		t.Fatal("link loss MUST be reported")
	}
	conn.AssertNotCalled(t, "CancelConnection")
}

func TestCall_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	block := make(chan struct{})
	defer close(block)

	_, err := call(ctx, func() (int, error) {
		<-block
		return 1, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"bluetooth is turned off", gatt.ErrBluetoothOff},
		{"can't init hci: no devices available", gatt.ErrBluetoothOff},
		{"Device not connected", gatt.ErrNotConnected},
		{"peripheral disconnected", gatt.ErrNotConnected},
		{"device already connected", gatt.ErrAlreadyConnected},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := NormalizeError(errors.New(tt.msg))
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), tt.msg, "the original message MUST be kept")
		})
	}

	other := errors.New("att: attribute not found")
	assert.Same(t, other, NormalizeError(other))
	assert.NoError(t, NormalizeError(nil))
}

func TestScanner_ForwardsAdvertisements(t *testing.T) {
	var seen []string
	s := &Scanner{scan: func(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
		assert.False(t, allowDup)
		<-ctx.Done()
		return ctx.Err()
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Scan(ctx, false, func(adv gatt.Advertisement) { seen = append(seen, adv.LocalName()) })
	assert.NoError(t, err, "a scan ended by its context MUST NOT fail")
	assert.Empty(t, seen)
}
