// Package csc implements the Cycling Speed and Cadence profile (1816).
package csc

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/blesense/internal/gatt"
	"github.com/srg/blesense/internal/profile/battery"
	"github.com/srg/blesense/internal/repository"
	"github.com/srg/blesense/internal/session"
)

const (
	ServiceID     = "1816"
	MeasurementID = "2a5b"
	FeatureID     = "2a5c"
)

var (
	MeasurementChar = gatt.NewCharacteristicID(ServiceID, MeasurementID)
	FeatureChar     = gatt.NewCharacteristicID(ServiceID, FeatureID)
)

// ServiceData is the published state of a cycling sensor session.
type ServiceData struct {
	repository.Link
	Data    Data
	Feature *Feature
}

type Repository struct {
	*repository.Store[ServiceData]
}

func NewRepository(logger *logrus.Logger) *Repository {
	return &Repository{Store: repository.New(func(d *ServiceData) *repository.Link { return &d.Link }, logger)}
}

func (r *Repository) OnDataChanged(data Data) {
	r.Update(func(d *ServiceData) { d.Data = data })
}

func (r *Repository) OnFeature(f Feature) {
	r.Update(func(d *ServiceData) { d.Feature = &f })
}

type Profile struct {
	repo *Repository

	mu   sync.Mutex
	calc *Calculator
}

// New creates a CSC profile for a wheel of wheelSizeMM circumference.
func New(repo *Repository, wheelSizeMM uint32) *Profile {
	return &Profile{repo: repo, calc: NewCalculator(wheelSizeMM)}
}

func (p *Profile) Name() string { return "csc" }

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
			logger.WithError(err).Warn("CSC feature read failed")
		} else if f, err := ParseFeature(data); err != nil {
			logger.WithError(err).Warn("Malformed CSC feature")
		} else {
			p.repo.OnFeature(f)
		}
	}

	if err := env.Subscribe(MeasurementChar, func(_ context.Context, data []byte) {
		var m Measurement
		if err := m.UnmarshalBinary(data); err != nil {
			logger.WithError(err).Warn("Dropping CSC measurement")
			return
		}
		p.mu.Lock()
		d := p.calc.Add(m)
		p.mu.Unlock()
		p.repo.OnDataChanged(d)
	}); err != nil {
		return err
	}

	battery.Setup(ctx, env, p.repo)
	return nil
}

// Teardown drops the revolution counters of the finished session.
func (p *Profile) Teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calc.Reset()
}

// SetWheelSize changes the wheel circumference. Safe to call at any time.
func (p *Profile) SetWheelSize(mm uint32) {
	p.mu.Lock()
	p.calc.SetWheelSize(mm)
	p.mu.Unlock()
	p.repo.Update(func(d *ServiceData) {
		if mm != 0 {
			d.Data.WheelSizeMM = mm
		}
	})
}
