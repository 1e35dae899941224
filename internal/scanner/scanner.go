// Package scanner discovers peripherals that advertise a supported profile service.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/blesense/internal/gatt"
	"github.com/srg/blesense/internal/ringchan"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

// Device is what the scanner knows about one advertiser.
type Device struct {
	Address     string
	Name        string
	RSSI        int
	Connectable bool
	Services    []ble.UUID
	// Profiles lists the supported profile names whose service was advertised.
	Profiles []string
	LastSeen time.Time
}

type DeviceEvent struct {
	Type   DeviceEventType
	Device Device
}

// Options configures scanning behavior
type Options struct {
	Duration        time.Duration `default:"10s"`
	DuplicateFilter bool          `default:"true"`
	EventBuffer     int           `default:"100"`
	// Profiles maps a profile name to its primary service UUID. Only devices
	// advertising one of them are reported, unless the map is empty.
	Profiles  map[string]ble.UUID
	NameMatch string
	AllowList []string
	BlockList []string
}

// DefaultOptions returns default scanning options
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// Scanner handles BLE device discovery
type Scanner struct {
	source gatt.Scanner
	logger *logrus.Logger
	now    func() time.Time

	mu      sync.Mutex
	opts    *Options
	devices *hashmap.Map[string, *Device]
	events  *ringchan.RingChannel[DeviceEvent]
}

func New(source gatt.Scanner, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		source: source,
		logger: logger,
		now:    time.Now,
		events: ringchan.New[DeviceEvent](DefaultOptions().EventBuffer),
	}
}

// Scan runs discovery for opts.Duration (0 scans until ctx ends) and returns
// the matching devices ordered by signal strength.
func (s *Scanner) Scan(ctx context.Context, opts *Options, progress ProgressCallback) ([]Device, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if progress == nil {
		progress = func(string) {}
	}

	s.mu.Lock()
	s.opts = opts
	s.devices = hashmap.New[string, *Device]()
	s.mu.Unlock()

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	progress("Scanning")

	err := s.source.Scan(ctx, !opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	progress("Processing results")
	devices := s.Devices()
	s.logger.WithField("device_count", len(devices)).Info("BLE scan completed")
	return devices, nil
}

// Devices returns a copy of the current device table, strongest signal first.
func (s *Scanner) Devices() []Device {
	s.mu.Lock()
	table := s.devices
	s.mu.Unlock()
	if table == nil {
		return nil
	}

	out := make([]Device, 0, table.Len())
	table.Range(func(_ string, d *Device) bool {
		out = append(out, *d)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Events returns a read-only channel of device events. Slow readers lose the oldest events.
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}

// handleAdvertisement updates existing or adds a new device
func (s *Scanner) handleAdvertisement(adv gatt.Advertisement) {
	s.mu.Lock()
	opts, table := s.opts, s.devices
	s.mu.Unlock()

	id := strings.ToUpper(adv.Addr().String())
	dev, existing := table.Get(id)
	if !existing {
		profiles, ok := s.match(adv, opts)
		if !ok {
			return
		}
		dev, existing = table.GetOrInsert(id, &Device{Address: id, Profiles: profiles})
	}

	// the table owns dev; publish a copy
	s.mu.Lock()
	dev.RSSI = adv.RSSI()
	dev.Connectable = adv.Connectable()
	if name := adv.LocalName(); name != "" {
		dev.Name = name
	}
	if svcs := adv.Services(); len(svcs) > 0 {
		dev.Services = svcs
	}
	dev.LastSeen = s.now()
	event := DeviceEvent{Type: EventUpdated, Device: *dev}
	s.mu.Unlock()

	if !existing {
		event.Type = EventNew
		s.logger.WithFields(logrus.Fields{
			"device":   event.Device.Name,
			"address":  event.Device.Address,
			"rssi":     event.Device.RSSI,
			"profiles": event.Device.Profiles,
		}).Info("Discovered new device")
	}
	s.events.Send(event)
}

// match applies the allow/block, name and profile filters.
func (s *Scanner) match(adv gatt.Advertisement, opts *Options) ([]string, bool) {
	addr := adv.Addr().String()
	for _, blocked := range opts.BlockList {
		if strings.EqualFold(addr, blocked) {
			return nil, false
		}
	}
	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if strings.EqualFold(addr, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, false
		}
	}
	if opts.NameMatch != "" && !strings.Contains(strings.ToLower(adv.LocalName()), strings.ToLower(opts.NameMatch)) {
		return nil, false
	}

	if len(opts.Profiles) == 0 {
		return nil, true
	}
	var profiles []string
	for name, svc := range opts.Profiles {
		for _, advertised := range adv.Services() {
			if svc.Equal(advertised) {
				profiles = append(profiles, name)
				break
			}
		}
	}
	sort.Strings(profiles)
	return profiles, len(profiles) > 0
}
