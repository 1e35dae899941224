package goble

import (
	"context"

	"github.com/go-ble/ble"

	"github.com/srg/blesense/internal/gatt"
)

// Scanner wraps go-ble scanning as a gatt.Scanner.
type Scanner struct {
	scan func(ctx context.Context, allowDup bool, h ble.AdvHandler) error
}

// NewScanner returns a Scanner on the shared platform device.
func NewScanner() (*Scanner, error) {
	if err := DefaultDevice(); err != nil {
		return nil, err
	}
	return &Scanner{scan: func(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
		return ble.Scan(ctx, allowDup, h, nil)
	}}, nil
}

// NewScannerWithDevice returns a Scanner on dev.
func NewScannerWithDevice(dev ble.Device) *Scanner {
	return &Scanner{scan: dev.Scan}
}

// Scan reports advertisements until ctx is done. Cancellation is not an error.
func (s *Scanner) Scan(ctx context.Context, allowDup bool, h func(gatt.Advertisement)) error {
	err := s.scan(ctx, allowDup, func(adv ble.Advertisement) { h(adv) })
	if err != nil && ctx.Err() == nil {
		return NormalizeError(err)
	}
	return nil
}
