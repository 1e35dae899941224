package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/go-ble/ble"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blesense/internal/gatt"
	"github.com/srg/blesense/internal/profile/cgms"
	"github.com/srg/blesense/internal/profile/csc"
	"github.com/srg/blesense/internal/profile/hts"
	"github.com/srg/blesense/internal/profile/rscs"
	"github.com/srg/blesense/internal/profile/toast"
	"github.com/srg/blesense/internal/racp"
	"github.com/srg/blesense/internal/record"
	"github.com/srg/blesense/internal/repository"
	"github.com/srg/blesense/internal/scanner"
	"github.com/srg/blesense/internal/session"
	"github.com/srg/blesense/internal/testutils"
	"github.com/srg/blesense/pkg/config"
)

func init() {
	color.NoColor = true
}

func ptr[T any](v T) *T { return &v }

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prev := stdout
	stdout = buf
	t.Cleanup(func() { stdout = prev })
	return buf
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", formatVersion("1.2.0"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestFormatUserError(t *testing.T) {
	missing := &gatt.MissingServiceError{Missing: []error{
		&gatt.NotFoundError{Resource: "characteristic", UUIDs: []string{"2aa7"}},
	}}
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"bluetooth off", fmt.Errorf("connect: %w", gatt.ErrBluetoothOff), "Bluetooth is turned off or no adapter is available"},
		{"already connected", gatt.ErrAlreadyConnected, "device is already connected"},
		{"connection lost", ErrConnectionLost, "connection to the device was lost"},
		{"closed session", fmt.Errorf("run: %w", session.ErrClosed), "device disconnected"},
		{"timeout", context.DeadlineExceeded, "timed out waiting for the device"},
		{"other", errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUserError(tt.err))
		})
	}

	got := FormatUserError(fmt.Errorf("setup: %w", missing))
	assert.Contains(t, got, "does not support this profile")
	assert.Contains(t, got, "CGM Measurement (2aa7)", "the missing characteristic MUST be named")
	assert.Empty(t, FormatUserError(nil))
}

func TestServiceFilter(t *testing.T) {
	all, err := serviceFilter(nil)
	require.NoError(t, err)
	assert.Len(t, all, len(profileServices), "no selection MUST mean every profile")

	some, err := serviceFilter([]string{"CGMS", " hts"})
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.True(t, some["cgms"].Equal(ble.MustParse("181f")))
	assert.True(t, some["hts"].Equal(ble.MustParse("1809")))

	_, err = serviceFilter([]string{"hrs"})
	assert.Error(t, err)
}

func TestParseOnOff(t *testing.T) {
	on, err := parseOnOff("ON")
	require.NoError(t, err)
	assert.True(t, on)
	off, err := parseOnOff("0")
	require.NoError(t, err)
	assert.False(t, off)
	_, err = parseOnOff("maybe")
	assert.Error(t, err)
}

func newTestCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addGlobalFlags(cmd.Flags())
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: error\nracp_timeout: 45s\n"), 0o600))

	t.Run("file and flag overrides", func(t *testing.T) {
		cmd := newTestCommand(t, "--config", path, "--transport", "tinyble")
		cfg, err := loadConfig(cmd)
		require.NoError(t, err)
		assert.Equal(t, "error", cfg.LogLevel)
		assert.Equal(t, 45*time.Second, cfg.RACPTimeout)
		assert.Equal(t, "tinyble", cfg.Transport, "--transport MUST override the file")
	})

	t.Run("explicit missing file fails", func(t *testing.T) {
		cmd := newTestCommand(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := loadConfig(cmd)
		assert.Error(t, err)
	})

	t.Run("invalid override fails validation", func(t *testing.T) {
		cmd := newTestCommand(t, "--config", path, "--log-level", "chatty")
		_, err := loadConfig(cmd)
		assert.Error(t, err)
	})

	t.Run("verbose raises the level", func(t *testing.T) {
		cmd := newTestCommand(t, "--config", path, "-v")
		cfg, err := loadConfig(cmd)
		require.NoError(t, err)
		assert.Equal(t, "debug", configureLogger(cmd, cfg).GetLevel().String())
	})
}

func TestNewMonitor(t *testing.T) {
	for _, name := range profileNames() {
		m, err := newMonitor(name, config.Default(), nil)
		require.NoError(t, err, name)
		assert.Equal(t, name, m.profile.Name())
		assert.NotNil(t, m.sink)

		lines, stop := m.lines(4)
		select {
		case line := <-lines:
			assert.Contains(t, line, "idle", "the first line MUST describe the idle link")
		case <-time.After(time.Second):
			t.Fatalf("%s: no initial line", name)
		}
		stop()
		for range lines {
		}
	}

	_, err := newMonitor("hrs", config.Default(), nil)
	assert.Error(t, err)
}

func TestFormatters(t *testing.T) {
	connected := gatt.StateConnected
	link := repository.Link{ConnectionState: &connected, BatteryLevel: ptr(uint8(80))}

	t.Run("cgm", func(t *testing.T) {
		d := cgms.ServiceData{Link: link, RequestStatus: racp.StatusPending}
		assert.Contains(t, formatCGM(d), "session start unknown")
		d.Records = []cgms.Record{{SequenceNumber: 7, Record: cgms.Measurement{Glucose: 104, Trend: ptr(float32(-1.5))}}}
		line := formatCGM(d)
		assert.Contains(t, line, "CONNECTED")
		assert.Contains(t, line, "battery 80%")
		assert.Contains(t, line, "#7 104.0 mg/dL trend -1.5")
		assert.Contains(t, line, "request PENDING")
	})

	t.Run("hts", func(t *testing.T) {
		d := hts.ServiceData{Link: link, DisplayUnit: hts.Celsius}
		assert.Contains(t, formatHTS(d), "waiting for measurement")
		d.Measurement = &hts.Measurement{Temperature: 36.6}
		assert.Contains(t, formatHTS(d), "36.60°C")
	})

	t.Run("csc", func(t *testing.T) {
		d := csc.ServiceData{Link: link, Data: csc.Data{Speed: 10, Cadence: 90, Distance: 1500, TotalDistance: 12000, WheelSizeMM: 2105}}
		assert.Contains(t, formatCSC(d), "36.0 km/h | 90 rpm | 1.50 km (total 12.00 km) | wheel 2105 mm")
	})

	t.Run("rscs", func(t *testing.T) {
		d := rscs.ServiceData{Link: link, Measurement: &rscs.Measurement{
			Speed: 768, Cadence: 170, Running: true,
			StrideLength: ptr(uint16(100)), TotalDistance: ptr(uint32(10000)),
		}}
		line := formatRSCS(d)
		assert.Contains(t, line, "running 3.00 m/s | 170 spm")
		assert.Contains(t, line, "1000 steps")
	})

	t.Run("toast", func(t *testing.T) {
		d := toast.ServiceData{Link: link, Power: ptr(false)}
		d.Temperature = &toast.Temperature{Reading: toast.Reading{Value: 180}}
		line := formatToast(d)
		assert.Contains(t, line, "180°")
		assert.Contains(t, line, "| off")
	})
}

func TestDisplayRecordsTable(t *testing.T) {
	out := captureStdout(t)
	ts := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.Local)
	records := []cgms.Record{
		record.Sequenced[cgms.Measurement]{SequenceNumber: 1, Record: cgms.Measurement{Glucose: 98, TimeOffset: 1, Quality: ptr(float32(95))}, Timestamp: ts},
		{SequenceNumber: 2, Record: cgms.Measurement{Glucose: 101.5, TimeOffset: 2}},
	}
	require.NoError(t, displayRecordsTable(records))

	testutils.NewTextAsserter(t).Assert(out.String(), `SEQ  TIME                 GLUCOSE      TREND  QUALITY
---  ----                 -------      -----  -------
1    2026-03-01 12:00:00  98.0 mg/dL   -      95%
2    -                    101.5 mg/dL  -      -
`)

	out.Reset()
	require.NoError(t, displayRecordsTable(nil))
	assert.Equal(t, "No records stored\n", out.String())
}

func TestDisplayDevices(t *testing.T) {
	out := captureStdout(t)
	now := time.Now()
	devices := []scanner.Device{{
		Address:  "AA:BB:CC:DD:EE:01",
		Name:     "A very long sensor name indeed",
		RSSI:     -60,
		Profiles: []string{"cgms"},
		Services: []ble.UUID{ble.MustParse("181f")},
		LastSeen: now.Add(-3 * time.Second),
	}}
	require.NoError(t, displayDevicesTable(devices, now))
	assert.Contains(t, out.String(), "A very long senso...")
	assert.Contains(t, out.String(), "-60 dBm")
	assert.Contains(t, out.String(), "3s ago")

	out.Reset()
	require.NoError(t, displayDevicesJSON(devices))
	testutils.NewJSONAsserter(t).Assert(out.String(), `[{
		"name": "A very long sensor name indeed",
		"address": "AA:BB:CC:DD:EE:01",
		"rssi": -60,
		"connectable": false,
		"profiles": ["cgms"],
		"services": ["181f"],
		"service_names": "<<PRESENCE>>"
	}]`)
}

func TestProgressPrinter(t *testing.T) {
	out := captureStdout(t)
	p := NewProgressPrinter("Working", "Step one", "Done")
	p.Start()
	p.Callback()("Done")
	p.Stop()
	assert.Contains(t, out.String(), "Working (Step one...)")
	assert.Contains(t, out.String(), clearLineSequence)

	unused := NewCountdownProgressPrinter("Idle", "never", time.Second)
	unused.Stop()
}
