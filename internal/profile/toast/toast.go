// Package toast implements the Nordic "toast" temperature device profile.
package toast

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
	ServiceID           = "00001523-1212-8eee-1523-70a5770a5700"
	PowerID             = "00001524-1212-8eee-1523-70a5770a5700"
	TemperatureID       = "00001525-1212-8eee-1523-70a5770a5700"
	TargetTemperatureID = "00001527-1212-8eee-1523-70a5770a5700"
)

var (
	TemperatureChar       = gatt.NewCharacteristicID(ServiceID, TemperatureID)
	TargetTemperatureChar = gatt.NewCharacteristicID(ServiceID, TargetTemperatureID)
	PowerChar             = gatt.NewCharacteristicID(ServiceID, PowerID)
)

// ServiceData is the published state of a toast session.
type ServiceData struct {
	repository.Link
	Temperature       *Temperature
	TargetTemperature *TargetTemperature
	// Power is the last power state written, nil when never set.
	Power *bool
}

type Repository struct {
	*repository.Store[ServiceData]
}

func NewRepository(logger *logrus.Logger) *Repository {
	return &Repository{Store: repository.New(func(d *ServiceData) *repository.Link { return &d.Link }, logger)}
}

func (r *Repository) OnTemperatureChanged(t Temperature) {
	r.Update(func(d *ServiceData) { d.Temperature = &t })
}

func (r *Repository) OnTargetTemperatureChanged(t TargetTemperature) {
	r.Update(func(d *ServiceData) { d.TargetTemperature = &t })
}

func (r *Repository) OnPowerChanged(on bool) {
	r.Update(func(d *ServiceData) { d.Power = &on })
}

// Profile drives a toast session.
type Profile struct {
	repo *Repository

	mu  sync.Mutex
	env session.Env
}

func New(repo *Repository) *Profile {
	return &Profile{repo: repo}
}

func (p *Profile) Name() string { return "toast" }

func (p *Profile) Requirements() []gatt.Requirement {
	return []gatt.Requirement{
		{ID: TemperatureChar},
		{ID: TargetTemperatureChar},
		{ID: PowerChar, Optional: true},
		battery.Requirement(),
	}
}

func (p *Profile) Setup(ctx context.Context, env session.Env) error {
	logger := env.Logger()

	if err := env.Subscribe(TemperatureChar, func(_ context.Context, data []byte) {
		var t Temperature
		if err := t.UnmarshalBinary(data); err != nil {
			logger.WithError(err).Warn("Dropping toast temperature")
			return
		}
		p.repo.OnTemperatureChanged(t)
	}); err != nil {
		return err
	}

	if err := env.Subscribe(TargetTemperatureChar, func(_ context.Context, data []byte) {
		var t TargetTemperature
		if err := t.UnmarshalBinary(data); err != nil {
			logger.WithError(err).Warn("Dropping toast target temperature")
			return
		}
		p.repo.OnTargetTemperatureChanged(t)
	}); err != nil {
		return err
	}

	battery.Setup(ctx, env, p.repo)

	p.mu.Lock()
	p.env = env
	p.mu.Unlock()
	return nil
}

func (p *Profile) Teardown() {
	p.mu.Lock()
	p.env = nil
	p.mu.Unlock()
}

// SetPower switches the toaster on or off. It must run on the session task
// queue, i.e. through Session.Run.
func (p *Profile) SetPower(ctx context.Context, on bool) error {
	p.mu.Lock()
	env := p.env
	p.mu.Unlock()
	if env == nil {
		return session.ErrNotReady
	}
	if !env.Has(PowerChar) {
		return &gatt.TransportError{Op: "write", Char: PowerChar, Err: gatt.ErrUnsupported}
	}

	value := byte(0x00)
	if on {
		value = 0x01
	}
	if err := env.Write(ctx, PowerChar, []byte{value}, true); err != nil {
		return err
	}
	p.repo.OnPowerChanged(on)
	return nil
}
