// Package battery implements the standard 180f Bluetooth battery service,
// which every sensor profile reads alongside its own service.
package battery

import (
	"context"

	"github.com/srg/blesense/internal/codec"
	"github.com/srg/blesense/internal/gatt"
	"github.com/srg/blesense/internal/session"
)

const (
	ServiceID             = "180f"
	LevelCharacteristicID = "2a19"
)

// Level is the battery level characteristic.
var Level = gatt.NewCharacteristicID(ServiceID, LevelCharacteristicID)

// Requirement is the battery level entry for a profile's requirement list.
// Battery reporting is optional for every profile.
func Requirement() gatt.Requirement {
	return gatt.Requirement{ID: Level, Optional: true}
}

// Observer receives battery level changes.
type Observer interface {
	OnBatteryLevelChanged(level uint8)
}

// ParseLevel decodes a battery level payload (percent, 0-100).
func ParseLevel(data []byte) (uint8, error) {
	// https://www.bluetooth.com/specifications/specs/battery-service/
	r := codec.NewReader("battery level", data)
	level := r.Uint8()
	if err := r.Err(); err != nil {
		return 0, err
	}
	if level > 100 {
		return 0, codec.Errorf("battery level", data, "level %d exceeds 100%%", level)
	}
	return level, nil
}

// Setup reads the current battery level and subscribes to changes when the
// peripheral exposes the characteristic. Failures only degrade reporting.
func Setup(ctx context.Context, env session.Env, obs Observer) {
	logger := env.Logger().WithField("char_uuid", LevelCharacteristicID)
	if !env.Has(Level) {
		logger.Debug("Battery service not present")
		return
	}

	handle := func(_ context.Context, data []byte) {
		level, err := ParseLevel(data)
		if err != nil {
			logger.WithError(err).Warn("Dropping battery level payload")
			return
		}
		obs.OnBatteryLevelChanged(level)
	}

	if data, err := env.Read(ctx, Level); err != nil {
		logger.WithError(err).Warn("Battery level read failed")
	} else {
		handle(ctx, data)
	}

	if err := env.Subscribe(Level, handle); err != nil {
		logger.WithError(err).Debug("Battery level notifications unavailable")
	}
}
