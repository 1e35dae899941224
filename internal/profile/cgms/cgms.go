// Package cgms implements the Continuous Glucose Monitoring profile (181f):
// live measurements, session start/stop over the Specific Ops Control Point
// and stored record retrieval over the Record Access Control Point.
package cgms

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blesense/internal/gatt"
	"github.com/srg/blesense/internal/profile/battery"
	"github.com/srg/blesense/internal/racp"
	"github.com/srg/blesense/internal/record"
	"github.com/srg/blesense/internal/repository"
	"github.com/srg/blesense/internal/session"
)

const (
	ServiceID     = "181f"
	MeasurementID = "2aa7"
	FeatureID     = "2aa8"
	StatusID      = "2aa9"
	RACPID        = "2a52"
	SOCPID        = "2aac"
)

var (
	MeasurementChar = gatt.NewCharacteristicID(ServiceID, MeasurementID)
	FeatureChar     = gatt.NewCharacteristicID(ServiceID, FeatureID)
	StatusChar      = gatt.NewCharacteristicID(ServiceID, StatusID)
	RACPChar        = gatt.NewCharacteristicID(ServiceID, RACPID)
	SOCPChar        = gatt.NewCharacteristicID(ServiceID, SOCPID)
)

// Record is a measurement placed on the session timeline.
type Record = record.Sequenced[Measurement]

// ServiceData is the published state of a CGM session.
type ServiceData struct {
	repository.Link
	// Records is every record of the session, ordered by sequence number.
	Records []Record
	// RequestStatus is the status of the last record request.
	RequestStatus racp.Status
	// RequestInProgress is true until the last record of a request arrived.
	RequestInProgress bool
	Feature           *Feature
	// SessionStart is zero while the sensor session start is unknown.
	SessionStart time.Time
	// ControlResponse is the last Specific Ops Control Point response of the
	// session. Every response is stored under a new pointer.
	ControlResponse *SOCPResponse
}

type Repository struct {
	*repository.Store[ServiceData]
}

func NewRepository(logger *logrus.Logger) *Repository {
	return &Repository{Store: repository.New(func(d *ServiceData) *repository.Link { return &d.Link }, logger)}
}

// OnRecordsReceived publishes the complete record set of the session.
func (r *Repository) OnRecordsReceived(records []Record) {
	r.Update(func(d *ServiceData) { d.Records = records })
}

func (r *Repository) OnRequestStatusChanged(s racp.Status, inProgress bool) {
	r.Update(func(d *ServiceData) {
		d.RequestStatus = s
		d.RequestInProgress = inProgress
	})
}

func (r *Repository) OnFeature(f Feature) {
	r.Update(func(d *ServiceData) { d.Feature = &f })
}

func (r *Repository) OnSessionStartChanged(t time.Time) {
	r.Update(func(d *ServiceData) { d.SessionStart = t })
}

func (r *Repository) OnControlResponse(resp SOCPResponse) {
	r.Update(func(d *ServiceData) { d.ControlResponse = &resp })
}

// onSessionEnded drops the session-scoped view: records, request status and anchor.
func (r *Repository) onSessionEnded() {
	r.Update(func(d *ServiceData) {
		d.Records = nil
		d.RequestStatus = racp.StatusIdle
		d.RequestInProgress = false
		d.SessionStart = time.Time{}
		d.ControlResponse = nil
	})
}

// AwaitRequest blocks until the running record request finished and its
// last record arrived. It gives up when ctx is done or the link drops.
func (r *Repository) AwaitRequest(ctx context.Context) (ServiceData, error) {
	snapshots, cancel := r.Watch(8)
	defer cancel()

	var last ServiceData
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case d, ok := <-snapshots:
			if !ok {
				return last, session.ErrClosed
			}
			last = d
			if d.RequestStatus.Terminal() && !d.RequestInProgress {
				return d, nil
			}
			if d.ConnectionState != nil && *d.ConnectionState == gatt.StateDisconnected {
				return d, session.ErrClosed
			}
		}
	}
}

// AwaitControlResponse blocks until a response to op arrives that differs
// from since, the ControlResponse observed before the command was written.
func (r *Repository) AwaitControlResponse(ctx context.Context, op SOCPOpCode, since *SOCPResponse) (SOCPResponse, error) {
	snapshots, cancel := r.Watch(8)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return SOCPResponse{}, ctx.Err()
		case d, ok := <-snapshots:
			if !ok {
				return SOCPResponse{}, session.ErrClosed
			}
			if resp := d.ControlResponse; resp != nil && resp != since && resp.Request == op {
				return *resp, nil
			}
			if d.ConnectionState != nil && *d.ConnectionState == gatt.StateDisconnected {
				return SOCPResponse{}, session.ErrClosed
			}
		}
	}
}

// Command is a user operation on a running CGM session.
type Command int

const (
	CommandRequestAll Command = iota
	CommandRequestFirst
	CommandRequestLast
	CommandAbort
	CommandStopSession
)

var commandNames = map[Command]string{
	CommandRequestAll:   "all",
	CommandRequestFirst: "first",
	CommandRequestLast:  "last",
	CommandAbort:        "abort",
	CommandStopSession:  "stop",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(%d)", int(c))
}

// ParseCommand maps a command name (all, first, last, abort, stop) to a Command.
func ParseCommand(name string) (Command, error) {
	for c, n := range commandNames {
		if strings.EqualFold(n, name) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown CGM command %q", name)
}

// Profile drives a CGM session.
type Profile struct {
	repo    *Repository
	records *record.Store[Measurement]

	mu      sync.Mutex
	env     session.Env
	engine  *racp.Engine
	anchor  *record.Anchor
	secured bool
}

func New(repo *Repository) *Profile {
	return &Profile{repo: repo, records: record.NewStore[Measurement]()}
}

func (p *Profile) Name() string { return "cgms" }

func (p *Profile) Requirements() []gatt.Requirement {
	return []gatt.Requirement{
		{ID: MeasurementChar},
		{ID: FeatureChar, Optional: true},
		{ID: StatusChar, Optional: true},
		{ID: RACPChar},
		{ID: SOCPChar},
		battery.Requirement(),
	}
}

// recordIndex exposes the record store to the RACP engine.
type recordIndex struct{ p *Profile }

func (i recordIndex) HasRecords() bool              { return i.p.records.HasRecords() }
func (i recordIndex) HighestSequenceNumber() uint16 { return i.p.records.HighestSequenceNumber() }

func (i recordIndex) Clear() {
	i.p.records.Clear()
	i.p.repo.OnRecordsReceived(nil)
}

func (p *Profile) Setup(ctx context.Context, env session.Env) error {
	logger := env.Logger()

	engine := racp.NewEngine(func(ctx context.Context, data []byte) error {
		return env.Write(ctx, RACPChar, data, true)
	}, recordIndex{p}, p, logger)

	p.mu.Lock()
	p.env = env
	p.anchor = record.NewAnchor(env.Now)
	p.engine = engine
	p.secured = false
	p.mu.Unlock()

	if err := env.Subscribe(MeasurementChar, func(_ context.Context, data []byte) {
		p.onMeasurement(logger, data)
	}); err != nil {
		return err
	}
	if err := env.Subscribe(SOCPChar, func(_ context.Context, data []byte) {
		p.onSOCPResponse(logger, data)
	}); err != nil {
		return err
	}
	if err := env.Subscribe(RACPChar, func(ctx context.Context, data []byte) {
		// failures are logged and reflected in the request status
		_ = engine.HandleNotification(ctx, data)
	}); err != nil {
		return err
	}
	battery.Setup(ctx, env, p.repo)

	p.readFeature(ctx, env, logger)
	p.readStatus(ctx, env, logger)

	if !p.anchor.Known() {
		logger.Info("Starting CGM session")
		if err := env.Write(ctx, SOCPChar, StartSession(p.isSecured()), true); err != nil {
			return fmt.Errorf("start CGM session: %w", err)
		}
	}
	return nil
}

func (p *Profile) readFeature(ctx context.Context, env session.Env, logger *logrus.Entry) {
	if !env.Has(FeatureChar) {
		return
	}
	data, err := env.Read(ctx, FeatureChar)
	if err != nil {
		logger.WithError(err).Warn("CGM feature read failed, assuming no E2E-CRC")
		return
	}
	f, err := ParseFeature(data)
	if err != nil {
		logger.WithError(err).Warn("Malformed CGM feature, assuming no E2E-CRC")
		return
	}
	p.mu.Lock()
	p.secured = f.Secured()
	p.mu.Unlock()
	logger.WithFields(logrus.Fields{
		"features": fmt.Sprintf("%#06x", uint32(f.Features)),
		"secured":  f.Secured(),
	}).Debug("CGM feature")
	p.repo.OnFeature(f)
}

func (p *Profile) readStatus(ctx context.Context, env session.Env, logger *logrus.Entry) {
	if !env.Has(StatusChar) {
		return
	}
	data, err := env.Read(ctx, StatusChar)
	if err != nil {
		logger.WithError(err).Warn("CGM status read failed")
		return
	}
	s, err := ParseStatus(data)
	if err != nil {
		logger.WithError(err).Warn("Malformed CGM status")
		return
	}
	if s.SessionStopped() {
		logger.Debug("CGM session stopped on the sensor")
		return
	}
	p.anchor.SetFromOffset(s.TimeOffset)
	logger.WithField("offset_minutes", s.TimeOffset).Debug("CGM session running")
	p.repo.OnSessionStartChanged(p.anchor.Start())
}

func (p *Profile) onMeasurement(logger *logrus.Entry, data []byte) {
	ms, err := ParseMeasurements(data)
	if err != nil {
		logger.WithError(err).Warn("Dropping CGM measurement")
		return
	}

	// a RACP transfer replays old offsets, so only live data may anchor the session
	if !p.anchor.Known() && !p.engine.InProgress() {
		earliest := ms[0].TimeOffset
		for _, m := range ms[1:] {
			earliest = min(earliest, m.TimeOffset)
		}
		p.anchor.SetFromOffset(earliest)
		p.repo.OnSessionStartChanged(p.anchor.Start())
	}

	recs := make([]Record, len(ms))
	for i, m := range ms {
		recs[i] = Record{SequenceNumber: m.TimeOffset, Record: m, Timestamp: p.anchor.At(m.TimeOffset)}
	}
	p.records.Put(recs...)
	p.repo.OnRecordsReceived(p.records.Snapshot())
}

func (p *Profile) onSOCPResponse(logger *logrus.Entry, data []byte) {
	resp, err := ParseSOCPResponse(data)
	if err != nil {
		logger.WithError(err).Warn("Dropping SOCP response")
		return
	}
	log := logger.WithFields(logrus.Fields{"request": resp.Request.String(), "code": resp.Code.String()})
	p.repo.OnControlResponse(resp)

	switch {
	case resp.Completed() && resp.Request == OpStartSession:
		p.anchor.MarkNow()
		log.Info("CGM session started")
	case resp.Completed():
		p.anchor.Reset()
		log.Info("CGM session reset")
	case resp.Request == OpStartSession && resp.Code == SOCPProcedureNotCompleted,
		resp.Request == OpStopSession:
		p.anchor.Reset()
		log.Warn("CGM session procedure not completed")
	default:
		log.Warn("CGM session procedure failed")
		return
	}
	p.repo.OnSessionStartChanged(p.anchor.Start())
}

// OnRequestStatusChanged relays RACP status changes to the repository.
func (p *Profile) OnRequestStatusChanged(s racp.Status) {
	p.mu.Lock()
	engine := p.engine
	p.mu.Unlock()
	p.repo.OnRequestStatusChanged(s, engine != nil && engine.InProgress())
}

func (p *Profile) isSecured() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.secured
}

// Teardown forgets the session: records, anchor and request state.
func (p *Profile) Teardown() {
	p.mu.Lock()
	p.env = nil
	if p.engine != nil {
		p.engine.Reset()
	}
	if p.anchor != nil {
		p.anchor.Reset()
	}
	p.secured = false
	p.mu.Unlock()

	p.records.Clear()
	p.repo.onSessionEnded()
}

// Execute runs cmd. It must run on the session task queue; see Do.
func (p *Profile) Execute(ctx context.Context, cmd Command) error {
	p.mu.Lock()
	env, engine, secured := p.env, p.engine, p.secured
	p.mu.Unlock()
	if env == nil {
		return session.ErrNotReady
	}

	switch cmd {
	case CommandRequestAll:
		return engine.RequestAll(ctx)
	case CommandRequestFirst:
		return engine.RequestFirst(ctx)
	case CommandRequestLast:
		return engine.RequestLast(ctx)
	case CommandAbort:
		return engine.Abort(ctx)
	case CommandStopSession:
		return env.Write(ctx, SOCPChar, StopSession(secured), true)
	default:
		return fmt.Errorf("unsupported CGM command %s", cmd)
	}
}

// Do runs cmd on the task queue of s.
func (p *Profile) Do(ctx context.Context, s *session.Session, cmd Command) error {
	return s.Run(ctx, func(ctx context.Context) error { return p.Execute(ctx, cmd) })
}
