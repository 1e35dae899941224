// Package hts implements the Health Thermometer profile (1809).
package hts

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/srg/blesense/internal/gatt"
	"github.com/srg/blesense/internal/profile/battery"
	"github.com/srg/blesense/internal/repository"
	"github.com/srg/blesense/internal/session"
)

const (
	ServiceID     = "1809"
	MeasurementID = "2a1c"
)

var TemperatureMeasurement = gatt.NewCharacteristicID(ServiceID, MeasurementID)

// ServiceData is the published state of a thermometer session.
type ServiceData struct {
	repository.Link
	// Measurement is the latest temperature, nil until the first indication.
	Measurement *Measurement
	// DisplayUnit is the user's preferred scale.
	DisplayUnit Unit
}

// Display returns the latest temperature converted to DisplayUnit.
func (d ServiceData) Display() (float32, bool) {
	if d.Measurement == nil {
		return 0, false
	}
	return d.Measurement.In(d.DisplayUnit), true
}

// Repository holds the thermometer service data.
type Repository struct {
	*repository.Store[ServiceData]
}

func NewRepository(logger *logrus.Logger) *Repository {
	return &Repository{Store: repository.New(func(d *ServiceData) *repository.Link { return &d.Link }, logger)}
}

func (r *Repository) OnMeasurement(m Measurement) {
	r.Update(func(d *ServiceData) { d.Measurement = &m })
}

// SetTemperatureUnit changes the display unit. The setting survives until the repository is cleaned.
func (r *Repository) SetTemperatureUnit(u Unit) {
	r.Update(func(d *ServiceData) { d.DisplayUnit = u })
}

// Profile drives a thermometer session.
type Profile struct {
	repo *Repository
}

func New(repo *Repository) *Profile {
	return &Profile{repo: repo}
}

func (p *Profile) Name() string { return "hts" }

func (p *Profile) Requirements() []gatt.Requirement {
	return []gatt.Requirement{
		{ID: TemperatureMeasurement},
		battery.Requirement(),
	}
}

func (p *Profile) Setup(ctx context.Context, env session.Env) error {
	logger := env.Logger()
	if err := env.Subscribe(TemperatureMeasurement, func(_ context.Context, data []byte) {
		var m Measurement
		if err := m.UnmarshalBinary(data); err != nil {
			logger.WithError(err).Warn("Dropping temperature measurement")
			return
		}
		logger.WithFields(logrus.Fields{
			"temperature": m.Temperature,
			"unit":        m.Unit.String(),
		}).Debug("Temperature measurement")
		p.repo.OnMeasurement(m)
	}); err != nil {
		return err
	}

	battery.Setup(ctx, env, p.repo)
	return nil
}

// Teardown keeps the last reading visible; the repository drops it once idle.
func (p *Profile) Teardown() {}
