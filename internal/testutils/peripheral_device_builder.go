package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/srg/blesense/internal/gatt"
	"github.com/srg/blesense/internal/ringchan"
)

// CharacteristicConfig represents a GATT characteristic of a fake peripheral
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g. "read,write,notify"
	Value      []byte `json:"value,omitempty"`
}

// ServiceConfig represents a GATT service of a fake peripheral
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete fake peripheral profile
type DeviceProfileConfig struct {
	Address  string          `json:"address,omitempty"`
	Services []ServiceConfig `json:"services"`
}

type charOverride struct {
	readErr  error
	writeErr error
	onWrite  WriteHook
}

// PeripheralDeviceBuilder builds a FakePeripheral with services, characteristics,
// scripted write reactions and injected failures.
//
//	p := testutils.NewPeripheralDeviceBuilder().
//	    WithService("1809").
//	    WithCharacteristic("2A1C", "indicate", nil).
//	    Build()
type PeripheralDeviceBuilder struct {
	profile     DeviceProfileConfig
	overrides   map[string]*charOverride
	connectErr  error
	discoverErr error
	dropOnStart bool
	bufferSize  int
}

// NewPeripheralDeviceBuilder creates a new builder with no services.
func NewPeripheralDeviceBuilder() *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{
		profile:    DeviceProfileConfig{Address: "AA:BB:CC:DD:EE:FF"},
		overrides:  make(map[string]*charOverride),
		bufferSize: 64,
	}
}

// WithAddress sets the peripheral address.
func (b *PeripheralDeviceBuilder) WithAddress(address string) *PeripheralDeviceBuilder {
	b.profile.Address = address
	return b
}

// WithService adds a service to the device profile
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralDeviceBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}

	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return b
}

// FromJSON fills the device profile from JSON
func (b *PeripheralDeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config DeviceProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralDeviceBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	if config.Address == "" {
		config.Address = b.profile.Address
	}

	b.profile = config
	return b
}

func (b *PeripheralDeviceBuilder) override(service, char string) *charOverride {
	key := charKey(gatt.NewCharacteristicID(service, char))
	o, ok := b.overrides[key]
	if !ok {
		o = &charOverride{}
		b.overrides[key] = o
	}
	return o
}

// WithReadError makes reads of service/char fail with err.
func (b *PeripheralDeviceBuilder) WithReadError(service, char string, err error) *PeripheralDeviceBuilder {
	b.override(service, char).readErr = err
	return b
}

// WithWriteError makes writes to service/char fail with err.
func (b *PeripheralDeviceBuilder) WithWriteError(service, char string, err error) *PeripheralDeviceBuilder {
	b.override(service, char).writeErr = err
	return b
}

// OnWrite registers a reaction to writes on service/char.
func (b *PeripheralDeviceBuilder) OnWrite(service, char string, hook WriteHook) *PeripheralDeviceBuilder {
	b.override(service, char).onWrite = hook
	return b
}

// WithConnectError makes Connect fail.
func (b *PeripheralDeviceBuilder) WithConnectError(err error) *PeripheralDeviceBuilder {
	b.connectErr = err
	return b
}

// WithDiscoverError makes DiscoverServices fail.
func (b *PeripheralDeviceBuilder) WithDiscoverError(err error) *PeripheralDeviceBuilder {
	b.discoverErr = err
	return b
}

// WithDisconnectAfterConnect drops the link right after it is established,
// before service discovery can run.
func (b *PeripheralDeviceBuilder) WithDisconnectAfterConnect() *PeripheralDeviceBuilder {
	b.dropOnStart = true
	return b
}

// WithNotificationBuffer sets the per-subscription buffer depth.
func (b *PeripheralDeviceBuilder) WithNotificationBuffer(n int) *PeripheralDeviceBuilder {
	b.bufferSize = n
	return b
}

// parseCharacteristicProperties converts a comma separated property list to gatt.Property flags
func parseCharacteristicProperties(props string) gatt.Property {
	if props == "" {
		return gatt.PropRead | gatt.PropWrite | gatt.PropNotify
	}

	var property gatt.Property
	for _, p := range strings.Split(props, ",") {
		switch strings.TrimSpace(strings.ToLower(p)) {
		case "read":
			property |= gatt.PropRead
		case "write":
			property |= gatt.PropWrite
		case "write-without-response", "writewithoutresponse":
			property |= gatt.PropWriteWithoutResponse
		case "notify":
			property |= gatt.PropNotify
		case "indicate":
			property |= gatt.PropIndicate
		default:
			panic(fmt.Sprintf("parseCharacteristicProperties: unknown property %q", p))
		}
	}
	return property
}

// Build creates the FakePeripheral.
func (b *PeripheralDeviceBuilder) Build() *FakePeripheral {
	p := &FakePeripheral{
		address:     b.profile.Address,
		connectErr:  b.connectErr,
		discoverErr: b.discoverErr,
		dropOnStart: b.dropOnStart,
		bufferSize:  b.bufferSize,
		chars:       make(map[string]*fakeChar),
		states:      make(chan gatt.ConnectionState, 8),
		subs:        make(map[string]*ringchan.RingChannel[[]byte]),
		reads:       make(map[string]int),
	}

	for _, svc := range b.profile.Services {
		for _, cc := range svc.Characteristics {
			id := gatt.NewCharacteristicID(svc.UUID, cc.UUID)
			key := charKey(id)
			c := &fakeChar{
				id:    id,
				props: parseCharacteristicProperties(cc.Properties),
				value: append([]byte(nil), cc.Value...),
			}
			if o, ok := b.overrides[key]; ok {
				c.readErr, c.writeErr, c.onWrite = o.readErr, o.writeErr, o.onWrite
			}
			p.chars[key] = c
			p.order = append(p.order, key)
		}
	}
	return p
}

// GetServices returns the configured services
func (b *PeripheralDeviceBuilder) GetServices() []ServiceConfig {
	return b.profile.Services
}
