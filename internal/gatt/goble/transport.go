// Package goble is the go-ble backed gatt.Transport.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blesense/internal/gatt"
	"github.com/srg/blesense/internal/groutine"
	"github.com/srg/blesense/internal/ringchan"
)

// DefaultNotificationBuffer is the per-subscription backlog kept for slow consumers.
const DefaultNotificationBuffer = 128

// Conn is the part of ble.Client the transport drives.
type Conn interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// DialFunc opens a link to address.
type DialFunc func(ctx context.Context, address string) (Conn, error)

// Transport connects to peripherals through the host's default ble.Device.
type Transport struct {
	dial   DialFunc
	logger *logrus.Logger
	buffer int
}

// New returns a Transport using the platform HCI/CoreBluetooth device.
func New(logger *logrus.Logger) *Transport {
	return NewWithDialer(dialDefault, logger)
}

// NewWithDialer returns a Transport that opens links with dial.
func NewWithDialer(dial DialFunc, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{dial: dial, logger: logger, buffer: DefaultNotificationBuffer}
}

// WithNotificationBuffer sets the per-subscription backlog. Values below 1 are ignored.
func (t *Transport) WithNotificationBuffer(n int) *Transport {
	if n > 0 {
		t.buffer = n
	}
	return t
}

var (
	deviceOnce sync.Once
	deviceErr  error
)

// DefaultDevice creates the platform device once and installs it as the go-ble default.
func DefaultDevice() error {
	deviceOnce.Do(func() {
		dev, err := DeviceFactory()
		if err != nil {
			deviceErr = NormalizeError(fmt.Errorf("failed to create BLE device: %w", err))
			return
		}
		ble.SetDefaultDevice(dev)
	})
	return deviceErr
}

func dialDefault(ctx context.Context, address string) (Conn, error) {
	if err := DefaultDevice(); err != nil {
		return nil, err
	}
	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (t *Transport) Connect(ctx context.Context, address string) (gatt.Client, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	logger := t.logger.WithField("address", address)
	logger.Debug("Dialing BLE device...")
	conn, err := t.dial(ctx, address)
	if err != nil {
		err = NormalizeError(err)
		logger.WithError(err).Debug("Dial failed")
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, err)
	}

	linkCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		address: address,
		conn:    conn,
		logger:  logger,
		buffer:  t.buffer,
		states:  make(chan gatt.ConnectionState, 4),
		chars:   make(map[string]*ble.Characteristic),
		subs:    make(map[string]*ringchan.RingChannel[[]byte]),
		ctx:     linkCtx,
		cancel:  cancel,
	}
	c.states <- gatt.StateConnected

	// CoreBluetooth and HCI clients report remote disconnects on this channel.
	if d, ok := conn.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(linkCtx, "goble-link-monitor", func(ctx context.Context) {
			select {
			case <-d.Disconnected():
				logger.Warn("Link lost")
				c.finish(false)
			case <-ctx.Done():
			}
		})
	}
	logger.Info("BLE device connected")
	return c, nil
}

// Client is a live go-ble connection.
type Client struct {
	address string
	conn    Conn
	logger  *logrus.Entry
	buffer  int
	states  chan gatt.ConnectionState

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	chars    map[string]*ble.Characteristic
	subs     map[string]*ringchan.RingChannel[[]byte]
	finished bool
}

func (c *Client) Address() string { return c.address }

func (c *Client) States() <-chan gatt.ConnectionState { return c.states }

func propertiesOf(p ble.Property) gatt.Property {
	var out gatt.Property
	if p&ble.CharRead != 0 {
		out |= gatt.PropRead
	}
	if p&ble.CharWrite != 0 {
		out |= gatt.PropWrite
	}
	if p&ble.CharWriteNR != 0 {
		out |= gatt.PropWriteWithoutResponse
	}
	if p&ble.CharNotify != 0 {
		out |= gatt.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= gatt.PropIndicate
	}
	return out
}

func (c *Client) DiscoverServices(ctx context.Context) (*gatt.ServiceTable, error) {
	profile, err := call(ctx, func() (*ble.Profile, error) { return c.conn.DiscoverProfile(true) })
	if err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	table := gatt.NewServiceTable()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, svc := range profile.Services {
		for _, ch := range svc.Characteristics {
			id := gatt.CharacteristicID{Service: svc.UUID, Characteristic: ch.UUID}
			table.Add(gatt.Characteristic{ID: id, Properties: propertiesOf(ch.Property)})
			c.chars[id.String()] = ch
		}
	}
	c.logger.WithField("services", len(profile.Services)).Debug("Profile discovered")
	return table, nil
}

func (c *Client) characteristic(op string, id gatt.CharacteristicID) (*ble.Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return nil, &gatt.TransportError{Op: op, Char: id, Err: gatt.ErrNotConnected}
	}
	ch, ok := c.chars[id.String()]
	if !ok {
		return nil, &gatt.TransportError{Op: op, Char: id, Err: &gatt.NotFoundError{
			Resource: "characteristic",
			UUIDs:    []string{gatt.NormalizeUUID(id.Service), gatt.NormalizeUUID(id.Characteristic)},
		}}
	}
	return ch, nil
}

func (c *Client) Subscribe(ctx context.Context, id gatt.CharacteristicID) (<-chan []byte, error) {
	ch, err := c.characteristic("subscribe", id)
	if err != nil {
		return nil, err
	}
	if ch.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return nil, &gatt.TransportError{Op: "subscribe", Char: id, Err: gatt.ErrUnsupported}
	}
	indicate := ch.Property&ble.CharNotify == 0

	rc := ringchan.New[[]byte](c.buffer)
	err = c.conn.Subscribe(ch, indicate, func(data []byte) {
		if rc.Send(append([]byte(nil), data...)) {
			c.logger.WithField("char", id.String()).Debug("Notification backlog full, dropped oldest")
		}
	})
	if err != nil {
		rc.Close()
		return nil, &gatt.TransportError{Op: "subscribe", Char: id, Err: NormalizeError(err)}
	}

	c.mu.Lock()
	c.subs[id.String()] = rc
	c.mu.Unlock()

	groutine.Go(ctx, "goble-subscription", func(subCtx context.Context) {
		select {
		case <-subCtx.Done():
			if err := NormalizeError(c.conn.Unsubscribe(ch, indicate)); err != nil {
				c.logger.WithError(err).WithField("char", id.String()).Debug("Unsubscribe failed")
			}
		case <-c.ctx.Done():
		}
		c.mu.Lock()
		delete(c.subs, id.String())
		c.mu.Unlock()
		rc.Close()
	})
	return rc.C(), nil
}

func (c *Client) Read(ctx context.Context, id gatt.CharacteristicID) ([]byte, error) {
	ch, err := c.characteristic("read", id)
	if err != nil {
		return nil, err
	}
	data, err := call(ctx, func() ([]byte, error) { return c.conn.ReadCharacteristic(ch) })
	if err != nil {
		return nil, &gatt.TransportError{Op: "read", Char: id, Err: NormalizeError(err)}
	}
	return data, nil
}

func (c *Client) Write(ctx context.Context, id gatt.CharacteristicID, data []byte, withResponse bool) error {
	ch, err := c.characteristic("write", id)
	if err != nil {
		return err
	}
	_, err = call(ctx, func() (struct{}, error) {
		return struct{}{}, c.conn.WriteCharacteristic(ch, data, !withResponse)
	})
	if err != nil {
		return &gatt.TransportError{Op: "write", Char: id, Err: NormalizeError(err)}
	}
	return nil
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.logger.Info("Disconnecting BLE device...")
	err := NormalizeError(c.conn.CancelConnection())
	c.finish(true)
	if err != nil {
		c.logger.WithError(err).Warn("BLE device disconnected with errors")
	}
	return err
}

// finish publishes the terminal states once and closes every stream.
func (c *Client) finish(requested bool) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	subs := make([]*ringchan.RingChannel[[]byte], 0, len(c.subs))
	for _, rc := range c.subs {
		subs = append(subs, rc)
	}
	c.subs = make(map[string]*ringchan.RingChannel[[]byte])
	c.mu.Unlock()

	c.cancel()
	for _, rc := range subs {
		rc.Close()
	}
	if requested {
		c.states <- gatt.StateDisconnecting
	}
	c.states <- gatt.StateDisconnected
	close(c.states)
}

// call runs a blocking go-ble operation and gives up when ctx is done.
// go-ble calls take no context, so an abandoned call finishes in the background.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
