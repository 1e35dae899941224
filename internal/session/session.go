package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/blesense/internal/gatt"
	"github.com/srg/blesense/internal/groutine"
)

// Options configures a Session. Zero fields take the `default` tag value.
type Options struct {
	ConnectTimeout time.Duration `default:"30s"`
	TaskQueue      int           `default:"256"`
	// Now overrides the session clock, used by tests.
	Now func() time.Time
}

// Session drives one profile against one peripheral:
// connect, discover, check requirements, set up, run, tear down.
//
// Every notification handler, the profile Setup and any Run task execute
// sequentially on a single task queue, so profile state needs no locking
// beyond what observers on other goroutines read.
type Session struct {
	id        uuid.UUID
	address   string
	profile   Profile
	transport gatt.Transport
	opts      Options
	logger    *logrus.Entry
	observer  ConnectionObserver

	mu     sync.RWMutex
	state  State
	client gatt.Client
	table  *gatt.ServiceTable
	group  *groutine.Group
	queue  chan task

	// notifyMu orders connection callbacks; nothing is mirrored once the
	// link was reported down.
	notifyMu sync.Mutex
	linkDown bool

	teardownOnce sync.Once
	done         chan struct{}
}

type task struct {
	fn     func(ctx context.Context) error
	result chan error
}

// New creates a disconnected session. observer may be nil.
func New(address string, profile Profile, transport gatt.Transport, observer ConnectionObserver, opts *Options, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)
	if o.Now == nil {
		o.Now = time.Now
	}

	id := uuid.New()
	return &Session{
		id:        id,
		address:   address,
		profile:   profile,
		transport: transport,
		opts:      o,
		observer:  observer,
		logger: logger.WithFields(logrus.Fields{
			"address":    address,
			"profile":    profile.Name(),
			"session_id": id.String(),
		}),
		state: StateDisconnected,
		done:  make(chan struct{}),
	}
}

func (s *Session) ID() uuid.UUID    { return s.id }
func (s *Session) Address() string  { return s.address }
func (s *Session) Profile() Profile { return s.profile }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start connects and brings the session to ACTIVE. ctx bounds the connect,
// discovery and setup phases only; the session lives until Close or link loss.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected || s.client != nil {
		s.mu.Unlock()
		return gatt.ErrAlreadyConnected
	}
	s.mu.Unlock()
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	s.setState(StateConnecting)
	s.logger.Info("Connecting")

	connectCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	client, err := s.transport.Connect(connectCtx, s.address)
	cancel()
	if err != nil {
		s.logger.WithError(err).Error("Connect failed")
		s.notifyConnection(gatt.StateDisconnected)
		s.finish(StateDisconnected)
		return fmt.Errorf("connect %s: %w", s.address, err)
	}

	group := groutine.NewGroup(context.Background())
	queue := make(chan task, s.opts.TaskQueue)

	s.mu.Lock()
	s.client = client
	s.group = group
	s.queue = queue
	s.mu.Unlock()

	group.Go("session-queue-"+s.address, func(ctx context.Context) { s.runQueue(ctx, queue) })
	groutine.Go(context.Background(), "connection-monitor-"+s.address, func(context.Context) { s.monitor(client) })

	if !s.transition(StateConnecting, StateDiscovering) {
		return ErrClosed
	}

	table, err := client.DiscoverServices(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Service discovery failed")
		s.disconnect()
		return fmt.Errorf("discover services: %w", err)
	}

	if err := table.Check(s.profile.Requirements()); err != nil {
		s.logger.WithError(err).Error("Required services missing")
		s.setState(StateMissingServices)
		if s.observer != nil {
			s.observer.OnMissingServices()
		}
		s.disconnect()
		return err
	}

	s.mu.Lock()
	s.table = table
	s.mu.Unlock()

	if !s.transition(StateDiscovering, StateReady) {
		return ErrClosed
	}

	env := &env{session: s, group: group, queue: queue, table: table, client: client}
	if err := s.submit(ctx, queue, group, func(qctx context.Context) error {
		return s.profile.Setup(qctx, env)
	}); err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		s.logger.WithError(err).Error("Profile setup failed")
		s.disconnect()
		return fmt.Errorf("%s setup: %w", s.profile.Name(), err)
	}

	if !s.transition(StateReady, StateActive) {
		return ErrClosed
	}
	s.logger.Info("Session active")
	return nil
}

// Run executes fn on the task queue and waits for its result. Profiles use
// it for user commands so they never race with notification handlers.
// Run must not be called from the task queue itself.
func (s *Session) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.RLock()
	state, queue, group := s.state, s.queue, s.group
	s.mu.RUnlock()

	switch state {
	case StateReady, StateActive:
	case StateDisconnected, StateDisconnecting, StateMissingServices:
		if queue != nil {
			return ErrClosed
		}
		return ErrNotReady
	default:
		return ErrNotReady
	}
	return s.submit(ctx, queue, group, fn)
}

// Close disconnects the peripheral and waits for teardown to complete.
// Close must not be called from the task queue.
func (s *Session) Close() error {
	if s.closed() {
		return nil
	}
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()

	if client == nil {
		s.finish(StateDisconnected)
		return nil
	}

	s.setState(StateDisconnecting)
	s.logger.Info("Disconnecting")
	err := client.Disconnect()
	s.teardown()
	return err
}

func (s *Session) submit(ctx context.Context, queue chan task, group *groutine.Group, fn func(ctx context.Context) error) error {
	t := task{fn: fn, result: make(chan error, 1)}
	select {
	case queue <- t:
	case <-group.Context().Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-t.result:
		return err
	case <-group.Context().Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) enqueue(ctx context.Context, queue chan task, fn func(ctx context.Context) error) bool {
	select {
	case queue <- task{fn: fn}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) runQueue(ctx context.Context, queue chan task) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-queue:
			err := t.fn(ctx)
			if t.result != nil {
				t.result <- err
			}
		}
	}
}

// monitor mirrors the transport connection state and tears the session
// down once the link reports DISCONNECTED. States arriving after teardown
// already published DISCONNECTED are dropped.
func (s *Session) monitor(client gatt.Client) {
	for st := range client.States() {
		s.logger.WithField("state", st.String()).Debug("Connection state changed")
		s.notifyConnection(st)
		if st == gatt.StateDisconnected {
			break
		}
	}
	s.teardown()
}

func (s *Session) disconnect() {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()
	if client == nil {
		return
	}
	if s.State() != StateMissingServices {
		s.setState(StateDisconnecting)
	}
	if err := client.Disconnect(); err != nil {
		s.logger.WithError(err).Warn("Disconnect failed")
	}
	s.teardown()
}

func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.mu.RLock()
		group := s.group
		s.mu.RUnlock()

		if group != nil {
			group.Stop()
		}
		s.profile.Teardown()

		s.mu.Lock()
		s.table = nil
		s.mu.Unlock()

		// observers see DISCONNECTED before Done is released
		s.notifyConnection(gatt.StateDisconnected)

		final := StateDisconnected
		if s.State() == StateMissingServices {
			final = StateMissingServices
		}
		s.finish(final)
		s.logger.Info("Session closed")
	})
}

// finish records the terminal state and releases Done waiters.
func (s *Session) finish(final State) {
	s.setState(final)
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *Session) notifyConnection(st gatt.ConnectionState) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if s.linkDown {
		return
	}
	if st == gatt.StateDisconnected {
		s.linkDown = true
	}
	if s.observer != nil {
		s.observer.OnConnectionStateChanged(st)
	}
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// transition moves from -> to only if the session is still in from.
func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()
	s.publishState(to)
	return true
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st || s.closed() {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.publishState(st)
}

func (s *Session) publishState(st State) {
	s.logger.WithField("state", st.String()).Debug("Session state changed")
	if so, ok := s.observer.(StateObserver); ok {
		so.OnSessionStateChanged(st)
	}
}
