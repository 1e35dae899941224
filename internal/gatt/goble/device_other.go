//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
)

// DeviceFactory creates the platform ble.Device. Tests may replace it.
var DeviceFactory = func() (ble.Device, error) {
	return nil, fmt.Errorf("go-ble has no %s backend", runtime.GOOS)
}
