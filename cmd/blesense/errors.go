package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blesense/internal/bledb"
	"github.com/srg/blesense/internal/gatt"
	"github.com/srg/blesense/internal/session"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the BLE connection was unexpectedly lost during operation.
	ErrConnectionLost = errors.New("connection lost")
	// ErrRequestTimeout is returned when a record transfer does not complete in time.
	ErrRequestTimeout = errors.New("record request timed out")
)

// FormatUserError turns known failures into a one-line hint for the terminal.
func FormatUserError(err error) string {
	var missing *gatt.MissingServiceError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, gatt.ErrBluetoothOff):
		return "Bluetooth is turned off or no adapter is available"
	case errors.As(err, &missing):
		return fmt.Sprintf("device does not support this profile (missing %s)", strings.Join(missingNames(missing), ", "))
	case errors.Is(err, gatt.ErrAlreadyConnected):
		return "device is already connected"
	case errors.Is(err, ErrConnectionLost):
		return "connection to the device was lost"
	case errors.Is(err, ErrRequestTimeout):
		return "the sensor did not finish sending records in time; the request was aborted"
	case errors.Is(err, session.ErrClosed), errors.Is(err, gatt.ErrNotConnected):
		return "device disconnected"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out waiting for the device"
	default:
		return err.Error()
	}
}

// missingNames names each absent service or characteristic.
func missingNames(e *gatt.MissingServiceError) []string {
	names := make([]string, 0, len(e.Missing))
	for _, m := range e.Missing {
		var nf *gatt.NotFoundError
		if errors.As(m, &nf) && len(nf.UUIDs) > 0 {
			names = append(names, bledb.Describe(nf.UUIDs[len(nf.UUIDs)-1]))
			continue
		}
		names = append(names, m.Error())
	}
	return names
}
