package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/srg/blesense/internal/gatt"
	"github.com/srg/blesense/internal/ringchan"
)

// Write is a captured GATT write.
type Write struct {
	Char         gatt.CharacteristicID
	Data         []byte
	WithResponse bool
}

// WriteHook lets a test script the peripheral's reaction to a write,
// typically by pushing a control point indication with Notify.
type WriteHook func(p *FakePeripheral, data []byte)

type fakeChar struct {
	id       gatt.CharacteristicID
	props    gatt.Property
	value    []byte
	readErr  error
	writeErr error
	onWrite  WriteHook
}

// FakePeripheral is an in-memory gatt.Transport and gatt.Client. Notifications
// are pushed with Notify, writes are captured, and link loss is injected with DropLink.
type FakePeripheral struct {
	address     string
	connectErr  error
	discoverErr error
	dropOnStart bool
	bufferSize  int

	mu         sync.Mutex
	chars      map[string]*fakeChar
	order      []string
	states     chan gatt.ConnectionState
	connected  bool
	finished   bool
	subs       map[string]*ringchan.RingChannel[[]byte]
	writes     []Write
	reads      map[string]int
	disconnect int
}

func charKey(id gatt.CharacteristicID) string {
	return gatt.NormalizeUUID(id.Service) + "/" + gatt.NormalizeUUID(id.Characteristic)
}

// Connect implements gatt.Transport. A FakePeripheral accepts a single connection.
func (p *FakePeripheral) Connect(ctx context.Context, address string) (gatt.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.connectErr != nil {
		return nil, p.connectErr
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return nil, gatt.ErrAlreadyConnected
	}
	if address != "" {
		p.address = address
	}
	p.connected = true
	p.states <- gatt.StateConnected
	if p.dropOnStart {
		p.finishLocked(false)
	}
	return p, nil
}

func (p *FakePeripheral) Address() string { return p.address }

func (p *FakePeripheral) States() <-chan gatt.ConnectionState { return p.states }

func (p *FakePeripheral) DiscoverServices(ctx context.Context) (*gatt.ServiceTable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.discoverErr != nil {
		return nil, p.discoverErr
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, gatt.ErrNotConnected
	}
	table := gatt.NewServiceTable()
	for _, k := range p.order {
		c := p.chars[k]
		table.Add(gatt.Characteristic{ID: c.id, Properties: c.props})
	}
	return table, nil
}

func (p *FakePeripheral) Subscribe(ctx context.Context, id gatt.CharacteristicID) (<-chan []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, gatt.ErrNotConnected
	}
	key := charKey(id)
	if _, ok := p.chars[key]; !ok {
		return nil, fmt.Errorf("characteristic %s not found", id)
	}

	rc := ringchan.New[[]byte](p.bufferSize)
	p.subs[key] = rc
	go func() {
		<-ctx.Done()
		rc.Close()
	}()
	return rc.C(), nil
}

func (p *FakePeripheral) Read(ctx context.Context, id gatt.CharacteristicID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, gatt.ErrNotConnected
	}
	c, ok := p.chars[charKey(id)]
	if !ok {
		return nil, fmt.Errorf("characteristic %s not found", id)
	}
	p.reads[charKey(id)]++
	if c.readErr != nil {
		return nil, c.readErr
	}
	return append([]byte(nil), c.value...), nil
}

func (p *FakePeripheral) Write(ctx context.Context, id gatt.CharacteristicID, data []byte, withResponse bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return gatt.ErrNotConnected
	}
	c, ok := p.chars[charKey(id)]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("characteristic %s not found", id)
	}
	p.writes = append(p.writes, Write{Char: id, Data: append([]byte(nil), data...), WithResponse: withResponse})
	writeErr, hook := c.writeErr, c.onWrite
	p.mu.Unlock()

	if writeErr != nil {
		return writeErr
	}
	if hook != nil {
		hook(p, data)
	}
	return nil
}

func (p *FakePeripheral) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnect++
	if !p.connected {
		return nil
	}
	p.finishLocked(true)
	return nil
}

// DropLink simulates an unsolicited link loss.
func (p *FakePeripheral) DropLink() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		p.finishLocked(false)
	}
}

func (p *FakePeripheral) finishLocked(requested bool) {
	p.connected = false
	if p.finished {
		return
	}
	p.finished = true
	if requested {
		p.states <- gatt.StateDisconnecting
	}
	p.states <- gatt.StateDisconnected
	close(p.states)
	for _, rc := range p.subs {
		rc.Close()
	}
}

// ErrNotSubscribed is returned by Notify for characteristics nobody subscribed to.
var ErrNotSubscribed = errors.New("characteristic not subscribed")

// Notify pushes a notification payload to the subscriber of service/char.
func (p *FakePeripheral) Notify(service, char string, data []byte) error {
	id := gatt.NewCharacteristicID(service, char)
	p.mu.Lock()
	rc, ok := p.subs[charKey(id)]
	p.mu.Unlock()
	if !ok || rc.Closed() {
		return ErrNotSubscribed
	}
	rc.Send(append([]byte(nil), data...))
	return nil
}

// Subscribed reports whether service/char currently has a subscriber.
func (p *FakePeripheral) Subscribed(service, char string) bool {
	id := gatt.NewCharacteristicID(service, char)
	p.mu.Lock()
	defer p.mu.Unlock()
	rc, ok := p.subs[charKey(id)]
	return ok && !rc.Closed()
}

// WaitSubscribed polls until service/char has a subscriber or timeout elapses.
func (p *FakePeripheral) WaitSubscribed(service, char string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.Subscribed(service, char) {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

// SetValue replaces the value returned by reads of service/char.
func (p *FakePeripheral) SetValue(service, char string, value []byte) {
	id := gatt.NewCharacteristicID(service, char)
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.chars[charKey(id)]; ok {
		c.value = append([]byte(nil), value...)
	}
}

// Writes returns the payloads written to service/char, in order.
func (p *FakePeripheral) Writes(service, char string) [][]byte {
	key := charKey(gatt.NewCharacteristicID(service, char))
	p.mu.Lock()
	defer p.mu.Unlock()
	var out [][]byte
	for _, w := range p.writes {
		if charKey(w.Char) == key {
			out = append(out, w.Data)
		}
	}
	return out
}

// AllWrites returns every captured write.
func (p *FakePeripheral) AllWrites() []Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Write(nil), p.writes...)
}

// Reads returns how often service/char was read.
func (p *FakePeripheral) Reads(service, char string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads[charKey(gatt.NewCharacteristicID(service, char))]
}

// Connected reports whether the link is up.
func (p *FakePeripheral) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// DisconnectCalls returns how often Disconnect was called.
func (p *FakePeripheral) DisconnectCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnect
}
