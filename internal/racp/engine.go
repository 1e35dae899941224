package racp

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Status is the observable state of the current RACP request.
type Status int

const (
	StatusIdle Status = iota
	StatusPending
	StatusSuccess
	StatusAborted
	StatusFailed
	StatusNotSupported
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusPending:
		return "PENDING"
	case StatusSuccess:
		return "SUCCESS"
	case StatusAborted:
		return "ABORTED"
	case StatusFailed:
		return "FAILED"
	case StatusNotSupported:
		return "NOT_SUPPORTED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether s ends a request.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusAborted || s == StatusFailed || s == StatusNotSupported
}

// WriteFunc writes a command to the control point characteristic.
type WriteFunc func(ctx context.Context, data []byte) error

// RecordIndex is the view of the record store the engine needs to pick a follow-up request.
type RecordIndex interface {
	HasRecords() bool
	HighestSequenceNumber() uint16
	// Clear drops all records. Called at the start of every request.
	Clear()
}

// StatusObserver is notified of every status change.
type StatusObserver interface {
	OnRequestStatusChanged(Status)
}

// Engine drives the request/response exchange over one control point.
//
// Engine methods are expected to be called from the session task queue; the
// internal lock only protects Status and InProgress readers on other goroutines.
type Engine struct {
	write    WriteFunc
	index    RecordIndex
	observer StatusObserver
	logger   *logrus.Entry

	mu         sync.Mutex
	status     Status
	inProgress bool
}

// NewEngine creates an Engine. observer may be nil.
func NewEngine(write WriteFunc, index RecordIndex, observer StatusObserver, logger *logrus.Entry) *Engine {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		write:    write,
		index:    index,
		observer: observer,
		logger:   logger.WithField("component", "racp"),
	}
}

// Status returns the current request status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// InProgress reports whether a request is awaiting its final response.
// Record timestamps are not re-anchored while this is true.
func (e *Engine) InProgress() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inProgress
}

// RequestAll asks for the number of stored records, then fetches them on the answer.
func (e *Engine) RequestAll(ctx context.Context) error {
	return e.start(ctx, ReportNumberOfAllStoredRecords())
}

// RequestFirst fetches the oldest stored record.
func (e *Engine) RequestFirst(ctx context.Context) error {
	return e.start(ctx, ReportFirstStoredRecord())
}

// RequestLast fetches the newest stored record.
func (e *Engine) RequestLast(ctx context.Context) error {
	return e.start(ctx, ReportLastStoredRecord())
}

// Abort asks the peer to stop the running procedure. The status becomes
// ABORTED when the peer confirms. Records already received are kept.
func (e *Engine) Abort(ctx context.Context) error {
	if err := e.write(ctx, AbortOperation()); err != nil {
		e.logger.WithError(err).Warn("RACP abort write failed")
		return err
	}
	return nil
}

// Reset returns the engine to IDLE without notifying the observer. Used on teardown.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = StatusIdle
	e.inProgress = false
}

func (e *Engine) start(ctx context.Context, cmd []byte) error {
	e.index.Clear()
	e.setStatus(StatusIdle, false)
	e.setStatus(StatusPending, true)

	e.logger.WithField("command", fmt.Sprintf("%x", cmd)).Debug("RACP request")
	if err := e.write(ctx, cmd); err != nil {
		if ctx.Err() != nil {
			// cancelled by teardown: keep whatever status we had
			return err
		}
		e.logger.WithError(err).Warn("RACP request write failed")
		e.setStatus(StatusFailed, false)
		return err
	}
	return nil
}

// HandleNotification classifies a control point indication and, for a
// NumberOfRecords answer, writes the follow-up request.
func (e *Engine) HandleNotification(ctx context.Context, data []byte) error {
	resp, err := ParseResponse(data)
	if err != nil {
		e.logger.WithError(err).Warn("Dropping malformed RACP indication")
		return err
	}

	switch r := resp.(type) {
	case NumberOfRecords:
		return e.onNumberOfRecords(ctx, r.N)
	case Completion:
		e.onCompletion(r)
	}
	return nil
}

func (e *Engine) onNumberOfRecords(ctx context.Context, n uint32) error {
	e.logger.WithField("count", n).Debug("RACP number of records")
	if n == 0 {
		e.setStatus(StatusSuccess, false)
		return nil
	}

	var cmd []byte
	if e.index.HasRecords() {
		cmd = ReportStoredRecordsGreaterThanOrEqualTo(e.index.HighestSequenceNumber())
	} else {
		cmd = ReportAllStoredRecords()
	}
	if err := e.write(ctx, cmd); err != nil {
		if ctx.Err() != nil {
			return err
		}
		e.logger.WithError(err).Warn("RACP follow-up write failed")
		e.setStatus(StatusFailed, false)
		return err
	}
	e.setStatus(StatusSuccess, true)
	return nil
}

func (e *Engine) onCompletion(c Completion) {
	var status Status
	switch c.Code {
	case CodeSuccess:
		if c.Request == OpAbortOperation {
			status = StatusAborted
		} else {
			status = StatusSuccess
		}
	case CodeNoRecordsFound:
		status = StatusSuccess
	case CodeOpCodeNotSupported:
		status = StatusNotSupported
	default:
		status = StatusFailed
	}

	e.logger.WithFields(logrus.Fields{
		"request": c.Request.String(),
		"code":    c.Code.String(),
		"status":  status.String(),
	}).Debug("RACP procedure completed")
	e.setStatus(status, false)
}

func (e *Engine) setStatus(s Status, inProgress bool) {
	e.mu.Lock()
	e.status = s
	e.inProgress = inProgress
	e.mu.Unlock()

	if e.observer != nil {
		e.observer.OnRequestStatusChanged(s)
	}
}
