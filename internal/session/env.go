package session

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blesense/internal/gatt"
	"github.com/srg/blesense/internal/groutine"
)

// env is the Env handed to a profile for one connection.
type env struct {
	session *Session
	group   *groutine.Group
	queue   chan task
	table   *gatt.ServiceTable
	client  gatt.Client
}

func (e *env) Logger() *logrus.Entry { return e.session.logger }

func (e *env) Now() time.Time { return e.session.opts.Now() }

func (e *env) Has(id gatt.CharacteristicID) bool { return e.table.Has(id) }

func (e *env) Subscribe(id gatt.CharacteristicID, h Handler) error {
	c, err := e.table.Characteristic(id)
	if err != nil {
		return err
	}
	if c.Properties != 0 && !c.Properties.CanSubscribe() {
		return &gatt.TransportError{Op: "subscribe", Char: id, Err: gatt.ErrUnsupported}
	}

	stream, err := e.client.Subscribe(e.group.Context(), id)
	if err != nil {
		return &gatt.TransportError{Op: "subscribe", Char: id, Err: err}
	}

	logger := e.session.logger.WithField("char_uuid", gatt.NormalizeUUID(id.Characteristic))
	started := e.group.Go("listener-"+gatt.NormalizeUUID(id.Characteristic), func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-stream:
				if !ok {
					logger.Debug("Notification stream closed")
					return
				}
				payload := data
				if !e.session.enqueue(ctx, e.queue, func(qctx context.Context) error {
					h(qctx, payload)
					return nil
				}) {
					return
				}
			}
		}
	})
	if !started {
		return ErrClosed
	}
	logger.Debug("Subscribed")
	return nil
}

func (e *env) Read(ctx context.Context, id gatt.CharacteristicID) ([]byte, error) {
	if _, err := e.table.Characteristic(id); err != nil {
		return nil, err
	}
	data, err := e.client.Read(ctx, id)
	if err != nil {
		return nil, &gatt.TransportError{Op: "read", Char: id, Err: err}
	}
	return data, nil
}

func (e *env) Write(ctx context.Context, id gatt.CharacteristicID, data []byte, withResponse bool) error {
	if _, err := e.table.Characteristic(id); err != nil {
		return err
	}
	if err := e.client.Write(ctx, id, data, withResponse); err != nil {
		return &gatt.TransportError{Op: "write", Char: id, Err: err}
	}
	return nil
}
