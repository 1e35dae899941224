package gatt

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-ble/ble"
)

// ConnectionState is the link state reported by the transport.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID (xxxxxxxx-0000-1000-8000-00805f9b34fb)
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID to the lookup form used by ServiceTable:
// lowercase hex without dashes, with SIG base UUIDs shortened to their 16-bit form.
func NormalizeUUID(u ble.UUID) string {
	return NormalizeUUIDString(u.String())
}

// NormalizeUUIDString is NormalizeUUID for textual UUIDs ("2A19", "0x2a19", dashed 128-bit forms).
func NormalizeUUIDString(s string) string {
	s = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	s = strings.TrimPrefix(s, "0x")
	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// CharacteristicID addresses a characteristic inside a service.
type CharacteristicID struct {
	Service        ble.UUID
	Characteristic ble.UUID
}

// NewCharacteristicID parses a service/characteristic UUID pair, panicking on malformed input.
// Intended for protocol constants.
func NewCharacteristicID(service, characteristic string) CharacteristicID {
	return CharacteristicID{
		Service:        ble.MustParse(service),
		Characteristic: ble.MustParse(characteristic),
	}
}

func (id CharacteristicID) String() string {
	return NormalizeUUID(id.Characteristic) + "@" + NormalizeUUID(id.Service)
}

// Property is the GATT characteristic property bit set.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
	PropIndicate
)

// CanSubscribe reports whether the characteristic supports notifications or indications.
func (p Property) CanSubscribe() bool { return p&(PropNotify|PropIndicate) != 0 }

// Characteristic is a discovered characteristic.
type Characteristic struct {
	ID         CharacteristicID
	Properties Property
}

// Service is a discovered primary service and its characteristics.
type Service struct {
	UUID            ble.UUID
	Characteristics map[string]Characteristic
}

// ServiceTable is the result of service discovery.
type ServiceTable struct {
	services map[string]*Service
}

// NewServiceTable returns an empty ServiceTable.
func NewServiceTable() *ServiceTable {
	return &ServiceTable{services: make(map[string]*Service)}
}

// Add records a discovered characteristic, creating its service entry as needed.
func (t *ServiceTable) Add(c Characteristic) {
	key := NormalizeUUID(c.ID.Service)
	svc, ok := t.services[key]
	if !ok {
		svc = &Service{UUID: c.ID.Service, Characteristics: make(map[string]Characteristic)}
		t.services[key] = svc
	}
	svc.Characteristics[NormalizeUUID(c.ID.Characteristic)] = c
}

// Service returns the service with the given UUID.
func (t *ServiceTable) Service(uuid ble.UUID) (*Service, error) {
	svc, ok := t.services[NormalizeUUID(uuid)]
	if !ok {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{NormalizeUUID(uuid)}}
	}
	return svc, nil
}

// Characteristic returns the characteristic addressed by id.
func (t *ServiceTable) Characteristic(id CharacteristicID) (Characteristic, error) {
	svc, err := t.Service(id.Service)
	if err != nil {
		return Characteristic{}, err
	}
	c, ok := svc.Characteristics[NormalizeUUID(id.Characteristic)]
	if !ok {
		return Characteristic{}, &NotFoundError{
			Resource: "characteristic",
			UUIDs:    []string{NormalizeUUID(id.Service), NormalizeUUID(id.Characteristic)},
		}
	}
	return c, nil
}

// Has reports whether the characteristic addressed by id was discovered.
func (t *ServiceTable) Has(id CharacteristicID) bool {
	_, err := t.Characteristic(id)
	return err == nil
}

// Services returns all discovered services sorted by UUID.
func (t *ServiceTable) Services() []*Service {
	result := make([]*Service, 0, len(t.services))
	for _, svc := range t.services {
		result = append(result, svc)
	}
	sort.Slice(result, func(i, j int) bool {
		return NormalizeUUID(result[i].UUID) < NormalizeUUID(result[j].UUID)
	})
	return result
}

// Requirement declares a characteristic a profile depends on.
type Requirement struct {
	ID       CharacteristicID
	Optional bool
}

// Check verifies that every non-optional requirement is present.
// It returns a *MissingServiceError listing all absent characteristics.
func (t *ServiceTable) Check(reqs []Requirement) error {
	var missing []error
	for _, r := range reqs {
		if r.Optional {
			continue
		}
		if _, err := t.Characteristic(r.ID); err != nil {
			missing = append(missing, err)
		}
	}
	if len(missing) > 0 {
		return &MissingServiceError{Missing: missing}
	}
	return nil
}

// Client is a live GATT connection to one peripheral.
type Client interface {
	// Address returns the peer address the client was connected to.
	Address() string
	// States streams connection state changes. The first value after a
	// successful Connect is StateConnected; the channel is closed after
	// StateDisconnected has been delivered.
	States() <-chan ConnectionState
	DiscoverServices(ctx context.Context) (*ServiceTable, error)
	// Subscribe enables notifications (or indications) and returns the payload
	// stream. The stream is closed when ctx is cancelled or the link drops.
	Subscribe(ctx context.Context, id CharacteristicID) (<-chan []byte, error)
	Read(ctx context.Context, id CharacteristicID) ([]byte, error)
	Write(ctx context.Context, id CharacteristicID, data []byte, withResponse bool) error
	Disconnect() error
}

// Transport establishes client connections.
type Transport interface {
	Connect(ctx context.Context, address string) (Client, error)
}

// Advertisement is one advertising report. ble.Advertisement satisfies it.
type Advertisement interface {
	LocalName() string
	Services() []ble.UUID
	RSSI() int
	Connectable() bool
	Addr() ble.Addr
}

// Scanner reports advertisements until ctx is done.
type Scanner interface {
	Scan(ctx context.Context, allowDup bool, h func(Advertisement)) error
}
