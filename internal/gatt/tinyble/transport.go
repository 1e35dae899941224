// Package tinyble is a gatt.Transport on tinygo.org/x/bluetooth, for hosts
// where go-ble has no backend (BlueZ over D-Bus, WinRT).
package tinyble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/srg/blesense/internal/gatt"
	"github.com/srg/blesense/internal/groutine"
	"github.com/srg/blesense/internal/ringchan"
)

const (
	defaultNotificationBuffer = 128
	// maxAttributeValue is the largest GATT attribute value.
	maxAttributeValue = 512
)

// Transport connects through the default tinygo adapter. It also scans.
type Transport struct {
	adapter *bluetooth.Adapter
	logger  *logrus.Logger
	buffer  int

	enableOnce sync.Once
	enableErr  error

	mu    sync.Mutex
	probe []bluetooth.UUID

	clients *hashmap.Map[string, *Client]
}

func New(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		adapter: bluetooth.DefaultAdapter,
		logger:  logger,
		buffer:  defaultNotificationBuffer,
		clients: hashmap.New[string, *Client](),
	}
}

// WithNotificationBuffer sets the per-subscription backlog. Values below 1 are ignored.
func (t *Transport) WithNotificationBuffer(n int) *Transport {
	if n > 0 {
		t.buffer = n
	}
	return t
}

// ProbeServices sets the service UUIDs looked up in advertisements. The
// portable scan result only answers "does it advertise X", so Services()
// reports the probed UUIDs that are present.
func (t *Transport) ProbeServices(ids ...string) error {
	probe := make([]bluetooth.UUID, 0, len(ids))
	for _, id := range ids {
		u, err := ble.Parse(id)
		if err != nil {
			return fmt.Errorf("invalid service UUID %q: %w", id, err)
		}
		bu, err := ToBluetoothUUID(u)
		if err != nil {
			return err
		}
		probe = append(probe, bu)
	}
	t.mu.Lock()
	t.probe = probe
	t.mu.Unlock()
	return nil
}

func (t *Transport) enable() error {
	t.enableOnce.Do(func() {
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = fmt.Errorf("%w: %v", gatt.ErrBluetoothOff, err)
			return
		}
		t.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
			if connected {
				return
			}
			if c, ok := t.clients.Get(addressKey(d.Address.String())); ok {
				c.logger.Warn("Link lost")
				c.finish(false)
			}
		})
	})
	return t.enableErr
}

func addressKey(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

// scan runs the adapter scan until fn returns false or ctx is done.
func (t *Transport) scan(ctx context.Context, fn func(bluetooth.ScanResult) bool) error {
	if err := t.enable(); err != nil {
		return err
	}
	stopped := make(chan struct{})
	defer close(stopped)
	groutine.Go(ctx, "tinyble-scan-stop", func(ctx context.Context) {
		select {
		case <-ctx.Done():
			_ = t.adapter.StopScan()
		case <-stopped:
		}
	})

	err := t.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
		if !fn(r) {
			_ = a.StopScan()
		}
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Scan reports advertisements until ctx is done. Cancellation is not an error.
func (t *Transport) Scan(ctx context.Context, allowDup bool, h func(gatt.Advertisement)) error {
	t.mu.Lock()
	probe := t.probe
	t.mu.Unlock()

	seen := make(map[string]struct{})
	err := t.scan(ctx, func(r bluetooth.ScanResult) bool {
		key := addressKey(r.Address.String())
		if !allowDup {
			if _, dup := seen[key]; dup {
				return true
			}
			seen[key] = struct{}{}
		}
		h(newAdvertisement(r, probe))
		return true
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (t *Transport) Connect(ctx context.Context, address string) (gatt.Client, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	logger := t.logger.WithField("address", address)

	// Addresses are only dialable once the adapter has seen them advertise.
	var target bluetooth.Address
	found := false
	logger.Debug("Looking for device...")
	err := t.scan(ctx, func(r bluetooth.ScanResult) bool {
		if addressKey(r.Address.String()) == addressKey(address) {
			target, found = r.Address, true
			return false
		}
		return true
	})
	if !found {
		if err == nil {
			err = errors.New("scan ended")
		}
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, err)
	}

	dev, err := t.adapter.Connect(target, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, err)
	}

	linkCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		address: address,
		device:  dev,
		logger:  logger,
		buffer:  t.buffer,
		states:  make(chan gatt.ConnectionState, 4),
		chars:   make(map[string]*bluetooth.DeviceCharacteristic),
		subs:    make(map[string]*ringchan.RingChannel[[]byte]),
		ctx:     linkCtx,
		cancel:  cancel,
	}
	c.onFinish = func() { t.clients.Del(addressKey(address)) }
	t.clients.Set(addressKey(address), c)
	c.states <- gatt.StateConnected
	logger.Info("BLE device connected")
	return c, nil
}

// Client is a live tinygo connection.
type Client struct {
	address  string
	device   bluetooth.Device
	logger   *logrus.Entry
	buffer   int
	states   chan gatt.ConnectionState
	onFinish func()

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	chars    map[string]*bluetooth.DeviceCharacteristic
	subs     map[string]*ringchan.RingChannel[[]byte]
	finished bool
}

func (c *Client) Address() string { return c.address }

func (c *Client) States() <-chan gatt.ConnectionState { return c.states }

// DiscoverServices lists services and characteristics. The portable API
// exposes no property bits, so Properties stays zero (unknown).
func (c *Client) DiscoverServices(ctx context.Context) (*gatt.ServiceTable, error) {
	type discovered struct {
		table *gatt.ServiceTable
		chars map[string]*bluetooth.DeviceCharacteristic
	}
	res, err := call(ctx, func() (discovered, error) {
		d := discovered{table: gatt.NewServiceTable(), chars: make(map[string]*bluetooth.DeviceCharacteristic)}
		services, err := c.device.DiscoverServices(nil)
		if err != nil {
			return d, err
		}
		for i := range services {
			svcUUID, err := FromBluetoothUUID(services[i].UUID())
			if err != nil {
				return d, err
			}
			chars, err := services[i].DiscoverCharacteristics(nil)
			if err != nil {
				return d, err
			}
			for j := range chars {
				charUUID, err := FromBluetoothUUID(chars[j].UUID())
				if err != nil {
					return d, err
				}
				id := gatt.CharacteristicID{Service: svcUUID, Characteristic: charUUID}
				d.table.Add(gatt.Characteristic{ID: id})
				d.chars[id.String()] = &chars[j]
			}
		}
		return d, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}

	c.mu.Lock()
	c.chars = res.chars
	c.mu.Unlock()
	c.logger.WithField("services", len(res.table.Services())).Debug("Services discovered")
	return res.table, nil
}

func (c *Client) characteristic(op string, id gatt.CharacteristicID) (*bluetooth.DeviceCharacteristic, error) {
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
	rc := ringchan.New[[]byte](c.buffer)
	if err := ch.EnableNotifications(func(buf []byte) {
		rc.Send(append([]byte(nil), buf...))
	}); err != nil {
		rc.Close()
		return nil, &gatt.TransportError{Op: "subscribe", Char: id, Err: err}
	}

	c.mu.Lock()
	c.subs[id.String()] = rc
	c.mu.Unlock()

	groutine.Go(ctx, "tinyble-subscription", func(subCtx context.Context) {
		select {
		case <-subCtx.Done():
			if err := ch.EnableNotifications(nil); err != nil {
				c.logger.WithError(err).WithField("char", id.String()).Debug("Disabling notifications failed")
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
	data, err := call(ctx, func() ([]byte, error) {
		buf := make([]byte, maxAttributeValue)
		n, err := ch.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return buf[:n], nil
	})
	if err != nil {
		return nil, &gatt.TransportError{Op: "read", Char: id, Err: err}
	}
	return data, nil
}

func (c *Client) Write(ctx context.Context, id gatt.CharacteristicID, data []byte, withResponse bool) error {
	ch, err := c.characteristic("write", id)
	if err != nil {
		return err
	}
	_, err = call(ctx, func() (int, error) {
		if withResponse {
			return ch.Write(data)
		}
		return ch.WriteWithoutResponse(data)
	})
	if err != nil {
		return &gatt.TransportError{Op: "write", Char: id, Err: err}
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
	err := c.device.Disconnect()
	c.finish(true)
	return err
}

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
	if c.onFinish != nil {
		c.onFinish()
	}
	for _, rc := range subs {
		rc.Close()
	}
	if requested {
		c.states <- gatt.StateDisconnecting
	}
	c.states <- gatt.StateDisconnected
	close(c.states)
}

// ToBluetoothUUID converts a go-ble UUID to its tinygo form.
func ToBluetoothUUID(u ble.UUID) (bluetooth.UUID, error) {
	s := gatt.NormalizeUUID(u)
	switch len(s) {
	case 4:
		v, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return bluetooth.UUID{}, err
		}
		return bluetooth.New16BitUUID(uint16(v)), nil
	case 8:
		v, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return bluetooth.UUID{}, err
		}
		return bluetooth.New32BitUUID(uint32(v)), nil
	case 32:
		return bluetooth.ParseUUID(s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:])
	default:
		return bluetooth.UUID{}, fmt.Errorf("unsupported UUID length %q", s)
	}
}

// FromBluetoothUUID converts a tinygo UUID to its go-ble form.
func FromBluetoothUUID(u bluetooth.UUID) (ble.UUID, error) {
	return ble.Parse(u.String())
}

type advertisement struct {
	r        bluetooth.ScanResult
	services []ble.UUID
}

func newAdvertisement(r bluetooth.ScanResult, probe []bluetooth.UUID) *advertisement {
	a := &advertisement{r: r}
	for _, u := range probe {
		if r.HasServiceUUID(u) {
			if bu, err := FromBluetoothUUID(u); err == nil {
				a.services = append(a.services, bu)
			}
		}
	}
	return a
}

func (a *advertisement) LocalName() string    { return a.r.LocalName() }
func (a *advertisement) Services() []ble.UUID { return a.services }
func (a *advertisement) RSSI() int            { return int(a.r.RSSI) }

// Connectable is not reported by the portable scan result.
func (a *advertisement) Connectable() bool { return true }
func (a *advertisement) Addr() ble.Addr    { return ble.NewAddr(a.r.Address.String()) }

// call runs a blocking adapter operation and gives up when ctx is done.
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
