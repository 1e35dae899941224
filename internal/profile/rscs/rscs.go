// Package rscs implements the Running Speed and Cadence profile (1814).
package rscs

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/srg/blesense/internal/gatt"
	"github.com/srg/blesense/internal/profile/battery"
	"github.com/srg/blesense/internal/repository"
	"github.com/srg/blesense/internal/session"
)

const (
	ServiceID     = "1814"
	MeasurementID = "2a53"
	FeatureID     = "2a54"
)

var (
	MeasurementChar = gatt.NewCharacteristicID(ServiceID, MeasurementID)
	FeatureChar     = gatt.NewCharacteristicID(ServiceID, FeatureID)
)

// ServiceData is the published state of a running sensor session.
type ServiceData struct {
	repository.Link
	Measurement *Measurement
	// Feature is nil when the feature characteristic is absent or unreadable.
	Feature *Feature
}

// Activity returns "running" or "walking" for the latest measurement.
func (d ServiceData) Activity() string {
	if d.Measurement != nil && d.Measurement.Running {
		return "running"
	}
	return "walking"
}

type Repository struct {
	*repository.Store[ServiceData]
}

func NewRepository(logger *logrus.Logger) *Repository {
	return &Repository{Store: repository.New(func(d *ServiceData) *repository.Link { return &d.Link }, logger)}
}

func (r *Repository) OnMeasurement(m Measurement) {
	r.Update(func(d *ServiceData) { d.Measurement = &m })
}

func (r *Repository) OnFeature(f Feature) {
	r.Update(func(d *ServiceData) { d.Feature = &f })
}

type Profile struct {
	repo *Repository
}

func New(repo *Repository) *Profile {
	return &Profile{repo: repo}
}

func (p *Profile) Name() string { return "rscs" }

func (p *Profile) Requirements() []gatt.Requirement {
	return []gatt.Requirement{
		{ID: MeasurementChar},
		{ID: FeatureChar, Optional: true},
		battery.Requirement(),
	}
}

func (p *Profile) Setup(ctx context.Context, env session.Env) error {
	logger := env.Logger()

	if env.Has(FeatureChar) {
		if data, err := env.Read(ctx, FeatureChar); err != nil {
			logger.WithError(err).Warn("RSC feature read failed, assuming no optional fields")
		} else if f, err := ParseFeature(data); err != nil {
			logger.WithError(err).Warn("Malformed RSC feature")
		} else {
			p.repo.OnFeature(f)
		}
	}

	if err := env.Subscribe(MeasurementChar, func(_ context.Context, data []byte) {
		var m Measurement
		if err := m.UnmarshalBinary(data); err != nil {
			logger.WithError(err).Warn("Dropping RSC measurement")
			return
		}
		p.repo.OnMeasurement(m)
	}); err != nil {
		return err
	}

	battery.Setup(ctx, env, p.repo)
	return nil
}

func (p *Profile) Teardown() {}
